package orchestrator

import (
	"context"

	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/process"
)

// Status is the aggregated view pushed to the UI. It is computed on every call.
type Status struct {
	AutomationReady bool    `json:"automationReady"`
	TunnelUp        bool    `json:"tunnelUp"`
	PublicURL       *string `json:"publicUrl"`
	ModelReachable  bool    `json:"modelReachable"`

	TunnelState string `json:"tunnelState"`
	TunnelMode  string `json:"tunnelMode,omitempty"`
}

// Detail extends Status with per-service process facts.
type Detail struct {
	Status
	AutomationPID      int  `json:"automationPid,omitempty"`
	AutomationExitCode *int `json:"automationExitCode,omitempty"`
	ModelRuntimePID    int  `json:"modelRuntimePid,omitempty"`
	TunnelPID          int  `json:"tunnelPid,omitempty"`
	TunnelExitCode     *int `json:"tunnelExitCode,omitempty"`
	TunnelRetryPending bool `json:"tunnelRetryPending"`
}

// Status probes the model runtime live; every other field is read from memory.
func (o *Orchestrator) Status(ctx context.Context) Status {
	return o.Detail(ctx).Status
}

func (o *Orchestrator) Detail(ctx context.Context) Detail {
	snap := o.tunnel.Snapshot()
	d := Detail{
		Status: Status{
			AutomationReady: o.automation.isReady(),
			TunnelUp:        snap.Up,
			TunnelState:     snap.StateName,
			TunnelMode:      string(snap.Mode),
		},
		AutomationPID:      o.automation.pid(),
		AutomationExitCode: o.automation.lastExitCode(),
		ModelRuntimePID:    o.modelRuntime.pid(),
		TunnelPID:          snap.PID,
		TunnelExitCode:     snap.LastExitCode,
		TunnelRetryPending: snap.RetryPending,
	}
	if snap.Up && snap.PublicURL != "" {
		u := snap.PublicURL
		d.PublicURL = &u
	}
	if !o.closing.Load() {
		d.ModelReachable = o.models.Reachable(ctx)
	}

	metrics.SetUp(process.NameAutomation, d.AutomationReady)
	metrics.SetUp(process.NameTunnel, d.TunnelUp)
	metrics.SetUp(process.NameModelRuntime, d.ModelReachable)
	return d
}
