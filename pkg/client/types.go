package client

import "time"

// ServiceStatus is the aggregated status pushed to the UI.
type ServiceStatus struct {
	AutomationReady bool    `json:"automationReady"`
	TunnelUp        bool    `json:"tunnelUp"`
	PublicURL       *string `json:"publicUrl"`
	ModelReachable  bool    `json:"modelReachable"`
	TunnelState     string  `json:"tunnelState"`
	TunnelMode      string  `json:"tunnelMode,omitempty"`
}

// StatusDetail adds per-service process facts to ServiceStatus.
type StatusDetail struct {
	ServiceStatus
	AutomationPID      int  `json:"automationPid,omitempty"`
	AutomationExitCode *int `json:"automationExitCode,omitempty"`
	ModelRuntimePID    int  `json:"modelRuntimePid,omitempty"`
	TunnelPID          int  `json:"tunnelPid,omitempty"`
	TunnelExitCode     *int `json:"tunnelExitCode,omitempty"`
	TunnelRetryPending bool `json:"tunnelRetryPending"`
}

// HardwareProfile describes the host and the model recommended for it.
type HardwareProfile struct {
	TotalMemoryGB    float64 `json:"totalMemoryGB"`
	HasDiscreteGPU   bool    `json:"hasDiscreteGpu"`
	VRAMMB           int     `json:"vramMB,omitempty"`
	CPUModel         string  `json:"cpuModel,omitempty"`
	CPUCores         int     `json:"cpuCores,omitempty"`
	RecommendedModel string  `json:"recommendedModelId"`
}

type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Pull phases.
const (
	PhaseDownloading = "downloading"
	PhaseDone        = "done"
	PhaseError       = "error"
)

type PullProgress struct {
	ModelID string  `json:"modelId"`
	Phase   string  `json:"phase"`
	Percent float64 `json:"percentComplete"`
	Detail  string  `json:"detailMessage,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type pullRequest struct {
	Model string `json:"model"`
}
