package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/localmind/internal/history"
	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/process"
)

// slot owns at most one live handle for a logical service. Starting a live slot
// is a no-op; a stopped run is drained before the next spawn.
type slot struct {
	spec    process.Spec
	spawner process.Spawner
	drain   time.Duration
	log     *slog.Logger
	record  func(history.Event)

	mu       sync.Mutex
	h        process.Handle
	runID    string
	ready    bool
	lastExit *int
	stopped  []process.Handle
	closed   bool
	// opMu serializes start/stop so draining happens outside mu.
	opMu sync.Mutex
}

func newSlot(spec process.Spec, spawner process.Spawner, drain time.Duration, log *slog.Logger, record func(history.Event)) *slot {
	return &slot{
		spec:    spec,
		spawner: spawner,
		drain:   drain,
		log:     log.With("service", spec.Name),
		record:  record,
	}
}

// start spawns the service unless it is already live. started is false for the
// no-op case. After terminate it fails with ErrShuttingDown.
func (s *slot) start() (h process.Handle, runID string, started bool, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", false, ErrShuttingDown
	}
	if s.h != nil {
		h, runID = s.h, s.runID
		s.mu.Unlock()
		return h, runID, false, nil
	}
	pending := s.stopped
	s.stopped = nil
	s.mu.Unlock()

	for _, old := range pending {
		if err := process.Terminate(old, s.drain); err != nil {
			s.log.Warn("previous run did not exit", "pid", old.PID(), "error", err)
		}
	}

	runID = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err = s.spawner.Spawn(s.spec, process.ObserverFuncs{Exit: func(st process.ExitStatus) { s.onExit(runID, st) }})
	if err != nil {
		metrics.IncSpawnFailure(s.spec.Name)
		s.log.Error("failed to start service", "executable", s.spec.Executable, "error", err)
		s.record(history.Event{Type: history.EventExit, Service: s.spec.Name, RunID: runID, Detail: err.Error()})
		return nil, "", false, err
	}
	s.h, s.runID, s.ready = h, runID, false
	metrics.IncStart(s.spec.Name)
	s.log.Info("service started", "pid", h.PID(), "run_id", runID)
	s.record(history.Event{Type: history.EventStart, Service: s.spec.Name, RunID: runID, PID: h.PID()})
	return h, runID, true, nil
}

func (s *slot) onExit(runID string, st process.ExitStatus) {
	s.mu.Lock()
	current := s.runID == runID && s.h != nil
	pid := 0
	if current {
		pid = s.h.PID()
		s.h = nil
		s.ready = false
		code := st.Code
		s.lastExit = &code
	}
	s.mu.Unlock()

	metrics.IncExit(s.spec.Name, st.Code)
	code := st.Code
	detail := ""
	if st.Err != nil {
		detail = st.Err.Error()
	}
	s.record(history.Event{Type: history.EventExit, Service: s.spec.Name, RunID: runID, PID: pid, ExitCode: &code, Detail: detail, OccurredAt: st.At})
	if current {
		s.log.Warn("service exited", "code", code, "signaled", st.Signaled)
	} else {
		s.log.Info("stopped service exited", "code", code)
	}
}

// stop signals the live run and clears the slot without waiting.
func (s *slot) stop() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *slot) stopLocked() bool {
	if s.h == nil {
		return false
	}
	h := s.h
	s.h, s.ready = nil, false
	if err := h.Stop(); err != nil {
		s.log.Warn("failed to signal service", "pid", h.PID(), "error", err)
	}
	s.stopped = append(s.stopped, h)
	metrics.IncStop(s.spec.Name)
	s.log.Info("service stopped", "pid", h.PID())
	return true
}

// terminate closes the slot, stops every run and waits up to wait for each to
// exit. Later starts fail with ErrShuttingDown.
func (s *slot) terminate(wait time.Duration) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	pending := s.stopped
	s.stopped = nil
	s.mu.Unlock()
	for _, h := range pending {
		if err := process.Terminate(h, wait); err != nil {
			s.log.Warn("service did not exit", "pid", h.PID(), "error", err)
		}
	}
}

// markReady sets the sticky ready flag if runID is still the live run.
func (s *slot) markReady(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil || s.runID != runID {
		return false
	}
	s.ready = true
	return true
}

func (s *slot) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *slot) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return 0
	}
	return s.h.PID()
}

func (s *slot) running() bool { return s.pid() != 0 }

func (s *slot) lastExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastExit == nil {
		return nil
	}
	c := *s.lastExit
	return &c
}
