package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventExit      EventType = "exit"
	EventRetry     EventType = "retry"
	EventURL       EventType = "url"
	EventHealthy   EventType = "healthy"
	EventUnhealthy EventType = "unhealthy"
)

// Event is one lifecycle fact about a supervised service.
type Event struct {
	Type       EventType `json:"type"`
	Service    string    `json:"service"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// ErrDispatcherClosed is returned by Record after Close.
var ErrDispatcherClosed = errors.New("history dispatcher closed")

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	QueueSize   int           // 256 when zero
	SendTimeout time.Duration // per sink; 5s when zero
	Logger      *slog.Logger
}

// Dispatcher delivers events to sinks on a background goroutine so callers never
// block on a slow database. A full queue drops the event with a warning.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger

	// sendCtx parents every Send; Close cancels it when its own ctx expires.
	sendCtx    context.Context
	cancelSend context.CancelFunc

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, opts.QueueSize),
		timeout: opts.SendTimeout,
		log:     opts.Logger.With("component", "history"),
		done:    make(chan struct{}),
	}
	d.sendCtx, d.cancelSend = context.WithCancel(context.Background())
	go d.loop()
	return d
}

// Record enqueues e. OccurredAt defaults to now.
func (d *Dispatcher) Record(e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if len(d.sinks) == 0 {
		return nil
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warn("history queue full, dropping event", "type", string(e.Type), "service", e.Service)
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		if d.sendCtx.Err() != nil {
			continue // aborted by Close; drain without sending
		}
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(d.sendCtx, d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history sink failed", "type", string(e.Type), "service", e.Service, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink that implements io.Closer.
// When ctx expires first, in-flight sends are cancelled and the rest of the queue
// is dropped. Sinks are closed only after the delivery loop has exited.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var err error
	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancelSend()
		<-d.done
	}
	d.cancelSend()
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}
