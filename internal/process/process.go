package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/localmind/internal/env"
)

// Launcher starts supervised children with a shared environment and logger.
type Launcher struct {
	Env    *env.Env
	Logger *slog.Logger
}

func NewLauncher(e *env.Env, log *slog.Logger) *Launcher {
	if e == nil {
		e = env.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{Env: e, Logger: log}
}

// Spawn implements Spawner.
func (l *Launcher) Spawn(spec Spec, obs ...Observer) (Handle, error) {
	p, err := l.Launch(spec, obs...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Launch starts spec and returns its handle. Observers passed here are registered
// before the child starts, so they see every line.
func (l *Launcher) Launch(spec Spec, obs ...Observer) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Executable: spec.Executable, Err: err}
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	var merged []string
	if l.Env != nil {
		merged = l.Env.Merge(spec.Env)
	}
	cmd := spec.command(merged)

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		log:       log.With("service", spec.Name),
		observers: make(map[uint64]Observer, len(obs)),
		done:      make(chan struct{}),
	}
	for _, o := range obs {
		p.addObserver(o)
	}

	outFile, errFile, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		p.log.Warn("output capture disabled", "error", err)
	}
	p.stdout = NewLineWriter(func(line string) { p.emitLine(Stdout, line) })
	p.stderr = NewLineWriter(func(line string) { p.emitLine(Stderr, line) })
	cmd.Stdout = tee(p.stdout, outFile)
	cmd.Stderr = tee(p.stderr, errFile)
	for _, c := range []io.Closer{outFile, errFile} {
		if c != nil {
			p.closers = append(p.closers, c)
		}
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, &SpawnError{Name: spec.Name, Executable: spec.Executable, Err: err}
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.log.Info("process started", "pid", p.pid, "executable", spec.Executable)
	go p.wait()
	return p, nil
}

func tee(lw io.Writer, file io.WriteCloser) io.Writer {
	if file == nil {
		return lw
	}
	return io.MultiWriter(file, lw)
}

// Process is one run of a supervised child.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	log       *slog.Logger
	stdout    *LineWriter
	stderr    *LineWriter
	closers   []io.Closer

	mu            sync.Mutex
	observers     map[uint64]Observer
	nextID        uint64
	exited        bool
	exit          ExitStatus
	stopRequested bool
	done          chan struct{}
}

func (p *Process) Name() string          { return p.spec.Name }
func (p *Process) PID() int              { return p.pid }
func (p *Process) Spec() Spec            { return p.spec }
func (p *Process) Done() <-chan struct{} { return p.done }

// StopRequested reports whether Stop or Kill was called for this run.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// Exit returns the exit status once the child has exited.
func (p *Process) Exit() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.exited
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Name: p.spec.Name, PID: p.pid, StartedAt: p.startedAt, Running: !p.exited}
	if p.exited {
		e := p.exit
		st.Exit = &e
	}
	return st
}

// Subscribe registers o for the rest of this run. When the process has already
// exited, o.OnExit is invoked immediately and the returned func is a no-op.
func (p *Process) Subscribe(o Observer) func() {
	p.mu.Lock()
	if p.exited {
		st := p.exit
		p.mu.Unlock()
		o.OnExit(st)
		return func() {}
	}
	id := p.addObserverLocked(o)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.observers, id)
			p.mu.Unlock()
		})
	}
}

func (p *Process) addObserver(o Observer) {
	p.mu.Lock()
	p.addObserverLocked(o)
	p.mu.Unlock()
}

func (p *Process) addObserverLocked(o Observer) uint64 {
	p.nextID++
	p.observers[p.nextID] = o
	return p.nextID
}

func (p *Process) snapshotObservers() []Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Observer, 0, len(p.observers))
	for _, o := range p.observers {
		out = append(out, o)
	}
	return out
}

func (p *Process) emitLine(stream Stream, line string) {
	p.log.LogAttrs(context.Background(), slog.LevelInfo, line, slog.String("stream", string(stream)))
	for _, o := range p.snapshotObservers() {
		o.OnLine(stream, line)
	}
}

// Stop sends SIGTERM to the child's process group and returns immediately.
func (p *Process) Stop() error {
	if !p.markStopRequested() {
		return nil
	}
	return p.signalTerm()
}

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() error {
	if !p.markStopRequested() {
		return nil
	}
	return p.signalKill()
}

// Terminate stops the child and waits up to wait for it to exit, escalating to
// Kill when it does not. It returns ErrStillRunning if even Kill was not observed.
func (p *Process) Terminate(wait time.Duration) error {
	return Terminate(p, wait)
}

// ErrStillRunning is returned by Terminate when the child outlived the kill grace.
var ErrStillRunning = errors.New("process still running after kill")

const killGrace = 500 * time.Millisecond

// Terminate applies the stop, wait, kill escalation to any handle.
func Terminate(h Handle, wait time.Duration) error {
	select {
	case <-h.Done():
		return nil
	default:
	}
	_ = h.Stop()
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-h.Done():
		return nil
	case <-t.C:
	}
	_ = h.Kill()
	k := time.NewTimer(killGrace)
	defer k.Stop()
	select {
	case <-h.Done():
		return nil
	case <-k.C:
		return ErrStillRunning
	}
}

// markStopRequested returns false when the run has already exited.
func (p *Process) markStopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return false
	}
	p.stopRequested = true
	return true
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	p.closeWriters()

	st := exitStatusFrom(err)
	p.mu.Lock()
	p.exited = true
	p.exit = st
	stopRequested := p.stopRequested
	close(p.done)
	p.mu.Unlock()

	p.log.Info("process exited", "pid", p.pid, "code", st.Code, "signaled", st.Signaled, "stop_requested", stopRequested)
	for _, o := range p.snapshotObservers() {
		o.OnExit(st)
	}
}

func (p *Process) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

func exitStatusFrom(err error) ExitStatus {
	st := ExitStatus{At: time.Now(), Err: err}
	if err == nil {
		return st
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		st.Code = ee.ExitCode()
		if st.Code < 0 {
			st.Signaled = true
		}
		return st
	}
	st.Code = -1
	return st
}
