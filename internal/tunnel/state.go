package tunnel

// State is the tunnel slot's lifecycle position.
//
//	stopped -> starting -> running -> exited -> stopped
//	                                  exited -> starting (auto-retry, quick tunnels only)
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Mode says how the tunnel was started.
type Mode string

const (
	ModeNone  Mode = ""
	ModeQuick Mode = "quick" // ephemeral URL discovered from output
	ModeToken Mode = "token" // operator-managed named tunnel
)

// Snapshot is a consistent view of the supervisor.
type Snapshot struct {
	State        State  `json:"-"`
	StateName    string `json:"state"`
	Mode         Mode   `json:"mode,omitempty"`
	Up           bool   `json:"up"`
	PID          int    `json:"pid,omitempty"`
	PublicURL    string `json:"public_url,omitempty"`
	RetryPending bool   `json:"retry_pending"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	Attempt      uint64 `json:"attempt"`
}
