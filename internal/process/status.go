package process

import "time"

// Stream identifies the child output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ExitStatus is delivered once per run when the child terminates.
type ExitStatus struct {
	Code     int       `json:"code"` // -1 when terminated by a signal or unknown
	Signaled bool      `json:"signaled"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Success reports a clean zero exit.
func (e ExitStatus) Success() bool { return e.Code == 0 && !e.Signaled }

// Status is a point-in-time snapshot of a process handle.
type Status struct {
	Name      string      `json:"name"`
	Running   bool        `json:"running"`
	PID       int         `json:"pid"`
	StartedAt time.Time   `json:"started_at"`
	Exit      *ExitStatus `json:"exit,omitempty"`
}
