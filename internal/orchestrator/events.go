package orchestrator

import (
	"github.com/google/uuid"

	"github.com/loykin/localmind/internal/history"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/tunnel"
)

// onTunnelEvent turns supervisor events into history records. Each tunnel attempt
// gets its own run id.
func (o *Orchestrator) onTunnelEvent(e tunnel.Event) {
	ev := history.Event{Service: process.NameTunnel, PID: e.PID, OccurredAt: e.At}
	switch e.Type {
	case tunnel.EventStarted:
		ev.Type = history.EventStart
		ev.RunID = o.tunnelRun(e.Attempt, true)
		ev.Detail = string(e.Mode)
	case tunnel.EventSpawnFailed:
		ev.Type = history.EventExit
		ev.RunID = o.tunnelRun(e.Attempt, true)
		if e.Err != nil {
			ev.Detail = e.Err.Error()
		}
		o.forgetTunnelRun(e.Attempt)
	case tunnel.EventURL:
		ev.Type = history.EventURL
		ev.RunID = o.tunnelRun(e.Attempt, false)
		ev.Detail = e.URL
	case tunnel.EventExited:
		ev.Type = history.EventExit
		ev.RunID = o.tunnelRun(e.Attempt, false)
		code := e.ExitCode
		ev.ExitCode = &code
		o.forgetTunnelRun(e.Attempt)
	case tunnel.EventStopped:
		ev.Type = history.EventExit
		ev.RunID = o.tunnelRun(e.Attempt, false)
		ev.Detail = "stopped"
		o.forgetTunnelRun(e.Attempt)
	case tunnel.EventRetry:
		ev.Type = history.EventRetry
	default:
		return
	}
	o.record(ev)
}

func (o *Orchestrator) tunnelRun(attempt uint64, create bool) string {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	id, ok := o.tunnelRuns[attempt]
	if !ok && create {
		id = uuid.NewString()
		o.tunnelRuns[attempt] = id
	}
	return id
}

func (o *Orchestrator) forgetTunnelRun(attempt uint64) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	delete(o.tunnelRuns, attempt)
}
