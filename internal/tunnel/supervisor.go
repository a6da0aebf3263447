package tunnel

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/process"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("tunnel supervisor closed")

// Supervisor owns the single tunnel slot: at most one tunnel client is alive at a
// time, and a new explicit Start always supersedes a pending auto-retry.
//
// Lock order: opMu (serializes Start/Stop/retry) before mu (guards state, also taken
// by process callbacks). Draining a stopped run happens with only opMu held.
type Supervisor struct {
	cfg     Config
	spawner process.Spawner
	log     *slog.Logger

	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	mode      Mode
	token     string
	handle    process.Handle
	draining  []process.Handle
	publicURL string
	connected bool
	retry     *time.Timer
	lastExit  *int
	closed    bool
	subs      map[uint64]func(Event)
	nextSub   uint64

	// attempt identifies the current run; bumped under mu by every start/stop so
	// callbacks and timers from superseded runs become no-ops.
	attempt atomic.Uint64
}

func New(cfg Config, spawner process.Spawner, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		spawner: spawner,
		log:     log.With("component", "tunnel"),
		subs:    make(map[uint64]func(Event)),
	}
}

// Start launches the tunnel client. An empty token starts a quick tunnel whose URL
// is discovered from output; a token starts an operator-managed tunnel. A live
// tunnel is stopped and drained first.
func (s *Supervisor) Start(token string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(token, false)
}

// start requires opMu.
func (s *Supervisor) start(token string, isRetry bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cancelRetryLocked()
	evts := s.detachLocked()
	pending := s.draining
	s.draining = nil
	s.mu.Unlock()
	s.emit(evts...)

	s.drain(pending)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	id := s.attempt.Add(1)
	mode := ModeQuick
	if token != "" {
		mode = ModeToken
	}
	s.token = token
	s.mode = mode
	s.connected = false
	s.publicURL = ""
	s.setStateLocked(StateStarting)

	spec := process.Spec{
		Name:       process.NameTunnel,
		Executable: s.cfg.Executable,
		Args:       s.cfg.args(token),
		Env:        s.cfg.Env,
		WorkDir:    s.cfg.WorkDir,
		Log:        s.cfg.Log,
	}
	h, err := s.spawner.Spawn(spec, &run{s: s, id: id})
	if err != nil {
		s.setStateLocked(StateStopped)
		s.mode = ModeNone
		s.mu.Unlock()
		s.log.Error("failed to start tunnel", "mode", string(mode), "error", err)
		metrics.IncSpawnFailure(process.NameTunnel)
		s.emit(Event{Type: EventSpawnFailed, Attempt: id, Mode: mode, Err: err, At: time.Now()})
		return err
	}
	s.handle = h
	s.mu.Unlock()

	s.log.Info("tunnel started", "mode", string(mode), "pid", h.PID(), "attempt", id, "retry", isRetry)
	metrics.IncStart(process.NameTunnel)
	if isRetry {
		metrics.IncRestart(process.NameTunnel)
	}
	s.emit(Event{Type: EventStarted, Attempt: id, Mode: mode, PID: h.PID(), At: time.Now()})
	return nil
}

// Stop terminates the tunnel (without waiting for exit), clears the URL and the
// running state, and cancels any pending retry.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.cancelRetryLocked()
	evts := s.detachLocked()
	s.mu.Unlock()
	s.emit(evts...)
}

// Close stops the tunnel, waits up to wait for every run to exit, and prevents any
// further start or retry.
func (s *Supervisor) Close(wait time.Duration) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.cancelRetryLocked()
	evts := s.detachLocked()
	pending := s.draining
	s.draining = nil
	s.mu.Unlock()
	s.emit(evts...)
	for _, h := range pending {
		if err := process.Terminate(h, wait); err != nil {
			s.log.Warn("tunnel did not exit", "pid", h.PID(), "error", err)
		}
	}
}

// detachLocked signals the live run (if any), moves it to draining, and resets the
// slot to stopped. It bumps the attempt so the detached run's callbacks are ignored.
func (s *Supervisor) detachLocked() []Event {
	prev := s.attempt.Add(1) - 1
	s.publicURL = ""
	s.connected = false
	s.mode = ModeNone
	s.token = ""
	if s.handle == nil {
		s.setStateLocked(StateStopped)
		return nil
	}
	h := s.handle
	s.handle = nil
	if err := h.Stop(); err != nil {
		s.log.Warn("failed to signal tunnel", "pid", h.PID(), "error", err)
	}
	s.draining = append(s.draining, h)
	s.setStateLocked(StateStopped)
	s.log.Info("tunnel stopped", "pid", h.PID())
	metrics.IncStop(process.NameTunnel)
	return []Event{{Type: EventStopped, Attempt: prev, PID: h.PID(), At: time.Now()}}
}

// drain waits for detached runs to exit, killing any that outlive DrainTimeout.
func (s *Supervisor) drain(hs []process.Handle) {
	for _, h := range hs {
		if err := process.Terminate(h, s.cfg.DrainTimeout); err != nil {
			s.log.Warn("previous tunnel did not exit", "pid", h.PID(), "error", err)
		}
	}
}

func (s *Supervisor) cancelRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
		s.log.Info("pending tunnel retry cancelled")
	}
}

func (s *Supervisor) fireRetry(id uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.closed || s.retry == nil || s.attempt.Load() != id {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	token := s.token
	s.mu.Unlock()

	s.log.Info("retrying tunnel")
	s.emit(Event{Type: EventRetry, Attempt: id, Mode: ModeQuick, At: time.Now()})
	_ = s.start(token, true)
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	metrics.RecordStateTransition(process.NameTunnel, s.state.String(), st.String())
	metrics.SetCurrentState(process.NameTunnel, s.state.String(), false)
	metrics.SetCurrentState(process.NameTunnel, st.String(), true)
	s.state = st
}

// Snapshot returns the current supervisor view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:        s.state,
		StateName:    s.state.String(),
		Mode:         s.mode,
		Up:           s.handle != nil,
		RetryPending: s.retry != nil,
		Attempt:      s.attempt.Load(),
	}
	if s.handle != nil {
		snap.PID = s.handle.PID()
		snap.PublicURL = s.publicURL
	}
	if s.lastExit != nil {
		c := *s.lastExit
		snap.LastExitCode = &c
	}
	return snap
}

// Up reports whether a tunnel process handle exists right now.
func (s *Supervisor) Up() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// PublicURL returns the discovered (or placeholder) URL while a tunnel is live.
func (s *Supervisor) PublicURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.publicURL == "" {
		return "", false
	}
	return s.publicURL, true
}

// Subscribe registers fn for lifecycle events. The returned func is idempotent.
func (s *Supervisor) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// OnURL is Subscribe filtered to newly discovered public URLs.
func (s *Supervisor) OnURL(fn func(url string)) func() {
	return s.Subscribe(func(e Event) {
		if e.Type == EventURL {
			fn(e.URL)
		}
	})
}

func (s *Supervisor) emit(evts ...Event) {
	if len(evts) == 0 {
		return
	}
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, e := range evts {
		for _, fn := range fns {
			fn(e)
		}
	}
}

// run observes one tunnel process.
type run struct {
	s  *Supervisor
	id uint64
}

func (r *run) OnLine(_ process.Stream, line string) {
	s := r.s
	if s.attempt.Load() != r.id {
		return
	}
	url := s.cfg.URLPattern.FindString(line)
	connected := strings.Contains(line, s.cfg.ConnectedMarker)
	if url == "" && !connected {
		return
	}

	var evts []Event
	s.mu.Lock()
	if s.attempt.Load() != r.id || s.handle == nil {
		s.mu.Unlock()
		return
	}
	pid := s.handle.PID()
	// quick-tunnel URLs mean nothing to a token tunnel
	urlAccepted := url != "" && s.mode == ModeQuick
	if urlAccepted && url != s.publicURL {
		s.publicURL = url
		evts = append(evts, Event{Type: EventURL, Attempt: r.id, Mode: s.mode, PID: pid, URL: url, At: time.Now()})
	}
	if connected && !s.connected {
		s.connected = true
		if s.mode == ModeToken {
			s.publicURL = s.cfg.TokenPlaceholder
		}
		evts = append(evts, Event{Type: EventConnected, Attempt: r.id, Mode: s.mode, PID: pid, At: time.Now()})
	}
	if urlAccepted || connected {
		s.setStateLocked(StateRunning)
	}
	s.mu.Unlock()

	for _, e := range evts {
		if e.Type == EventURL {
			s.log.Info("public URL captured", "url", e.URL)
		} else {
			s.log.Info("tunnel connection established", "mode", string(e.Mode))
		}
	}
	s.emit(evts...)
}

func (r *run) OnExit(st process.ExitStatus) {
	s := r.s
	s.mu.Lock()
	if s.attempt.Load() != r.id || s.handle == nil {
		s.mu.Unlock()
		return
	}
	pid := s.handle.PID()
	s.handle = nil
	s.publicURL = ""
	s.connected = false
	code := st.Code
	s.lastExit = &code
	mode := s.mode
	evts := []Event{{Type: EventExited, Attempt: r.id, Mode: mode, PID: pid, ExitCode: code, Err: st.Err, At: st.At}}

	// Token tunnels are operator-managed and never auto-restarted.
	retry := !st.Success() && s.token == "" && !s.closed
	if retry {
		s.setStateLocked(StateExited)
		id := r.id
		s.retry = time.AfterFunc(s.cfg.RetryDelay, func() { s.fireRetry(id) })
		evts = append(evts, Event{Type: EventRetryScheduled, Attempt: r.id, Mode: mode, At: time.Now()})
	} else {
		s.setStateLocked(StateStopped)
		s.mode = ModeNone
	}
	s.mu.Unlock()

	metrics.IncExit(process.NameTunnel, code)
	if retry {
		s.log.Warn("tunnel failed, retry scheduled", "code", code, "delay", s.cfg.RetryDelay)
	} else {
		s.log.Info("tunnel exited", "code", code, "mode", string(mode))
	}
	s.emit(evts...)
}
