package process

// Observer receives output lines and the exit notification of one process run.
// Callbacks run on the process's internal goroutines and must not block for long.
type Observer interface {
	OnLine(stream Stream, line string)
	OnExit(st ExitStatus)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Line func(stream Stream, line string)
	Exit func(st ExitStatus)
}

func (o ObserverFuncs) OnLine(stream Stream, line string) {
	if o.Line != nil {
		o.Line(stream, line)
	}
}

func (o ObserverFuncs) OnExit(st ExitStatus) {
	if o.Exit != nil {
		o.Exit(st)
	}
}

// Handle is the view of a running child that supervisors depend on.
type Handle interface {
	Name() string
	PID() int
	// Stop sends a termination signal and returns without waiting for exit.
	Stop() error
	// Kill forcefully terminates the child.
	Kill() error
	// Done is closed once the child has exited and its output is flushed.
	Done() <-chan struct{}
	// Subscribe registers o; the returned func is idempotent and safe after exit.
	Subscribe(o Observer) (unsubscribe func())
}

// Spawner starts handles. *Launcher is the production implementation.
type Spawner interface {
	Spawn(spec Spec, obs ...Observer) (Handle, error)
}
