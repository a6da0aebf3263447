package reporter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting(n *atomic.Int32) Source {
	return SourceFunc(func(context.Context) orchestrator.Status {
		c := n.Add(1)
		return orchestrator.Status{AutomationReady: c%2 == 0, TunnelState: "stopped"}
	})
}

func recv(t *testing.T, ch <-chan orchestrator.Status) orchestrator.Status {
	t.Helper()
	select {
	case st, ok := <-ch:
		require.True(t, ok, "channel closed")
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("no status received")
	}
	return orchestrator.Status{}
}

func TestPollsAndPublishes(t *testing.T) {
	var n atomic.Int32
	r := New(counting(&n), Options{Interval: 20 * time.Millisecond})
	ch, unsub := r.Subscribe()
	defer unsub()

	r.Start(t.Context())
	defer r.Stop()

	recv(t, ch)
	recv(t, ch)
	assert.GreaterOrEqual(t, n.Load(), int32(2))
	_, ok := r.Latest()
	assert.True(t, ok)
}

func TestLateSubscriberGetsLatest(t *testing.T) {
	r := New(SourceFunc(func(context.Context) orchestrator.Status { return orchestrator.Status{} }), Options{})
	r.Publish(orchestrator.Status{TunnelUp: true, TunnelState: "running"})

	ch, unsub := r.Subscribe()
	defer unsub()
	st := recv(t, ch)
	assert.True(t, st.TunnelUp)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	r := New(SourceFunc(func(context.Context) orchestrator.Status { return orchestrator.Status{} }), Options{Buffer: 2})
	ch, unsub := r.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		r.Publish(orchestrator.Status{TunnelState: string(rune('a' + i))})
	}
	assert.Equal(t, "d", recv(t, ch).TunnelState)
	assert.Equal(t, "e", recv(t, ch).TunnelState)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := New(SourceFunc(func(context.Context) orchestrator.Status { return orchestrator.Status{} }), Options{})
	ch, unsub := r.Subscribe()
	assert.Equal(t, 1, r.Subscribers())

	unsub()
	unsub()
	assert.Equal(t, 0, r.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestStopClosesSubscribersAndUnsubscribeAfterStop(t *testing.T) {
	var n atomic.Int32
	r := New(counting(&n), Options{Interval: 10 * time.Millisecond})
	r.Start(t.Context())
	ch, unsub := r.Subscribe()

	r.Stop()
	r.Stop()
	for range ch {
	}
	assert.NotPanics(t, unsub)

	late, lateUnsub := r.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
	lateUnsub()

	polled := n.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, polled, n.Load())
}
