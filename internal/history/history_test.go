package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu              sync.Mutex
	events          []Event
	fail            bool
	closed          bool
	sendsAfterClose int
	block           chan struct{}
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	defer func() {
		m.mu.Lock()
		if m.closed {
			m.sendsAfterClose++
		}
		m.mu.Unlock()
	}()
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	d := NewDispatcher(DispatcherOptions{Logger: quiet()}, a, b)

	code := 1
	require.NoError(t, d.Record(Event{Type: EventStart, Service: "tunnel", RunID: "r1", PID: 10}))
	require.NoError(t, d.Record(Event{Type: EventExit, Service: "tunnel", RunID: "r1", PID: 10, ExitCode: &code}))
	require.NoError(t, d.Close(context.Background()))

	got := a.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, EventStart, got[0].Type)
	assert.False(t, got[0].OccurredAt.IsZero())
	require.NotNil(t, got[1].ExitCode)
	assert.Equal(t, 1, *got[1].ExitCode)
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	assert.ErrorIs(t, d.Record(Event{Type: EventRetry}), ErrDispatcherClosed)
	assert.NoError(t, d.Close(context.Background()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	d := NewDispatcher(DispatcherOptions{QueueSize: 1, SendTimeout: time.Second, Logger: quiet()}, s)
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Record(Event{Type: EventURL, Service: "tunnel"}))
	}
	close(s.block)
	require.NoError(t, d.Close(context.Background()))
	// one in flight plus one queued at most
	assert.LessOrEqual(t, len(s.snapshot()), 2)
	assert.GreaterOrEqual(t, len(s.snapshot()), 1)
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{})
	assert.NoError(t, d.Record(Event{Type: EventHealthy}))
	assert.NoError(t, d.Close(context.Background()))
}

func TestDispatcherCloseTimeoutWaitsForLoop(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	d := NewDispatcher(DispatcherOptions{SendTimeout: 5 * time.Second, Logger: quiet()}, s)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Record(Event{Type: EventExit, Service: "automation-server"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	began := time.Now()
	err := d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 2*time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.closed)
	assert.Zero(t, s.sendsAfterClose)
	assert.Empty(t, s.events)
}
