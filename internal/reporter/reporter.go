// Package reporter polls the orchestrator status and fans it out to subscribers.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/localmind/internal/orchestrator"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultBuffer   = 4
)

// Source computes a fresh status on each call.
type Source interface {
	Status(ctx context.Context) orchestrator.Status
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) orchestrator.Status

func (f SourceFunc) Status(ctx context.Context) orchestrator.Status { return f(ctx) }

type Options struct {
	Interval time.Duration
	// Buffer is the per-subscriber channel capacity.
	Buffer int
	Logger *slog.Logger
}

// Reporter publishes one status per interval. Slow subscribers lose the
// oldest buffered update, never the newest.
type Reporter struct {
	src  Source
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]chan orchestrator.Status
	nextID  uint64
	last    *orchestrator.Status
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(src Source, opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		src:  src,
		opts: opts,
		log:  log.With("component", "reporter"),
		subs: make(map[uint64]chan orchestrator.Status),
	}
}

// Start begins polling. It publishes immediately, then on every tick.
// Calling Start twice, or after Stop, is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil || r.stopped {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.poll(ctx)
		}
	}
}

func (r *Reporter) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, r.opts.Interval)
	st := r.src.Status(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	r.Publish(st)
}

// Publish delivers st to every subscriber and remembers it for late joiners.
func (r *Reporter) Publish(st orchestrator.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.last = &st
	for _, ch := range r.subs {
		offer(ch, st)
	}
}

// offer never blocks: when ch is full the oldest element is discarded.
func offer(ch chan orchestrator.Status, st orchestrator.Status) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Latest returns the most recently published status, if any.
func (r *Reporter) Latest() (orchestrator.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return orchestrator.Status{}, false
	}
	return *r.last, true
}

// Subscribe returns a channel of updates. The latest status, if any, is
// delivered first. The channel is closed by unsubscribe or by Stop.
// unsubscribe is idempotent and safe to call after Stop.
func (r *Reporter) Subscribe() (<-chan orchestrator.Status, func()) {
	ch := make(chan orchestrator.Status, r.opts.Buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	if r.last != nil {
		ch <- *r.last
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers reports how many subscriptions are live.
func (r *Reporter) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Stop halts polling and closes every subscriber channel.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, done := r.cancel, r.done
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	r.log.Debug("reporter stopped")
}
