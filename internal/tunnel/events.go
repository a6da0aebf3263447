package tunnel

import "time"

// EventType names a supervisor lifecycle event.
type EventType string

const (
	EventStarted        EventType = "started"
	EventSpawnFailed    EventType = "spawn_failed"
	EventURL            EventType = "url"
	EventConnected      EventType = "connected"
	EventExited         EventType = "exited"
	EventRetryScheduled EventType = "retry_scheduled"
	EventRetry          EventType = "retry"
	EventStopped        EventType = "stopped"
)

// Event is delivered to subscribers outside the supervisor lock.
type Event struct {
	Type     EventType
	Attempt  uint64
	Mode     Mode
	PID      int
	URL      string
	ExitCode int
	Err      error
	At       time.Time
}
