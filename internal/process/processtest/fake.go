// Package processtest provides an in-memory process.Spawner for supervisor tests.
package processtest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/localmind/internal/process"
)

// Spawner records every spawn and hands out fake handles.
type Spawner struct {
	// Fail, when set, is returned by the next spawns instead of a handle.
	Fail error
	// IgnoreStop makes handles survive Stop; only Kill ends them.
	IgnoreStop bool

	mu       sync.Mutex
	procs    []*Proc
	nextPID  int
	alive    atomic.Int32
	maxAlive atomic.Int32
	spawned  chan *Proc
}

func NewSpawner() *Spawner {
	return &Spawner{nextPID: 1000, spawned: make(chan *Proc, 64)}
}

func (s *Spawner) Spawn(spec process.Spec, obs ...process.Observer) (process.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &process.SpawnError{Name: spec.Name, Executable: spec.Executable, Err: err}
	}
	s.mu.Lock()
	if s.Fail != nil {
		err := s.Fail
		s.mu.Unlock()
		return nil, &process.SpawnError{Name: spec.Name, Executable: spec.Executable, Err: err}
	}
	s.nextPID++
	p := &Proc{
		sp:         s,
		pid:        s.nextPID,
		Spec:       spec,
		obs:        append([]process.Observer(nil), obs...),
		done:       make(chan struct{}),
		ignoreStop: s.IgnoreStop,
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	n := s.alive.Add(1)
	for {
		m := s.maxAlive.Load()
		if n <= m || s.maxAlive.CompareAndSwap(m, n) {
			break
		}
	}
	s.spawned <- p
	return p, nil
}

// Procs returns every handle spawned so far, oldest first.
func (s *Spawner) Procs() []*Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Proc(nil), s.procs...)
}

// Count is the number of successful spawns.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Alive is the number of handles that have not exited.
func (s *Spawner) Alive() int { return int(s.alive.Load()) }

// MaxAlive is the highest number of simultaneously alive handles observed.
func (s *Spawner) MaxAlive() int { return int(s.maxAlive.Load()) }

// Next waits for the next spawn.
func (s *Spawner) Next(timeout time.Duration) (*Proc, error) {
	select {
	case p := <-s.spawned:
		return p, nil
	case <-time.After(timeout):
		return nil, errors.New("processtest: no spawn within timeout")
	}
}

// Proc is a fake process.Handle driven by the test.
type Proc struct {
	Spec process.Spec

	sp         *Spawner
	pid        int
	ignoreStop bool

	mu       sync.Mutex
	obs      []process.Observer
	done     chan struct{}
	exitOnce sync.Once
	stops    atomic.Int32
	kills    atomic.Int32
}

func (p *Proc) Name() string          { return p.Spec.Name }
func (p *Proc) PID() int              { return p.pid }
func (p *Proc) Done() <-chan struct{} { return p.done }

// Stops is how many times Stop was called.
func (p *Proc) Stops() int { return int(p.stops.Load()) }

// Kills is how many times Kill was called.
func (p *Proc) Kills() int { return int(p.kills.Load()) }

func (p *Proc) Stop() error {
	p.stops.Add(1)
	if !p.ignoreStop {
		go p.Exit(process.ExitStatus{Code: -1, Signaled: true, At: time.Now()})
	}
	return nil
}

func (p *Proc) Kill() error {
	p.kills.Add(1)
	go p.Exit(process.ExitStatus{Code: -1, Signaled: true, At: time.Now()})
	return nil
}

func (p *Proc) Subscribe(o process.Observer) func() {
	p.mu.Lock()
	p.obs = append(p.obs, o)
	idx := len(p.obs) - 1
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.obs[idx] = nil
			p.mu.Unlock()
		})
	}
}

func (p *Proc) observers() []process.Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]process.Observer, 0, len(p.obs))
	for _, o := range p.obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Line delivers one output line to the observers.
func (p *Proc) Line(stream process.Stream, line string) {
	select {
	case <-p.done:
		return
	default:
	}
	for _, o := range p.observers() {
		o.OnLine(stream, line)
	}
}

// Write feeds raw bytes through a LineWriter, as the launcher does for real pipes.
func (p *Proc) Write(stream process.Stream, chunks ...string) {
	lw := process.NewLineWriter(func(line string) { p.Line(stream, line) })
	for _, c := range chunks {
		_, _ = lw.Write([]byte(c))
	}
	lw.Flush()
}

// Exit ends the run once: Done closes, then observers see st.
func (p *Proc) Exit(st process.ExitStatus) {
	p.exitOnce.Do(func() {
		if st.At.IsZero() {
			st.At = time.Now()
		}
		p.sp.alive.Add(-1)
		close(p.done)
		for _, o := range p.observers() {
			o.OnExit(st)
		}
	})
}

// ExitCode is Exit with a plain exit code.
func (p *Proc) ExitCode(code int) { p.Exit(process.ExitStatus{Code: code}) }

// Exited reports whether the run has ended.
func (p *Proc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
