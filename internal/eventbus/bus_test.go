package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events behind a mutex.
type recorder struct {
	mu     sync.Mutex
	events []*Event
	starts int           // Handle entries, including ones still blocked
	block  chan struct{} // when non-nil, Handle blocks until closed
}

func (r *recorder) handler(id string, types ...EventType) Handler {
	return HandlerFunc{
		Name:  id,
		Types: types,
		Fn: func(ctx context.Context, event *Event) error {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
			if r.block != nil {
				select {
				case <-r.block:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			r.mu.Lock()
			r.events = append(r.events, event)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestBusDeliversToMatchingHandlers(t *testing.T) {
	bus := New()
	defer bus.Stop()

	all := &recorder{}
	lifecycle := &recorder{}
	bus.Register(all.handler("all"))
	bus.Register(lifecycle.handler("lifecycle", EventInstanceStarted, EventInstanceStopped))

	require.True(t, bus.Publish(&Event{Type: EventInstanceStarted, InstanceID: "i-1"}))
	require.True(t, bus.Publish(&Event{Type: EventHealthChanged, InstanceID: "i-1"}))

	require.Eventually(t, func() bool { return all.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return lifecycle.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{EventInstanceStarted}, lifecycle.types())
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := New()
	defer bus.Stop()

	rec := &recorder{}
	bus.Register(rec.handler("ordered"))

	want := []EventType{EventInstanceStarting, EventInstanceStarted, EventHealthChanged, EventInstanceStopped}
	for _, typ := range want {
		require.True(t, bus.Publish(&Event{Type: typ}))
	}

	require.Eventually(t, func() bool { return rec.count() == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.types())
}

func TestBusDeduplicatesById(t *testing.T) {
	bus := New()
	defer bus.Stop()

	rec := &recorder{}
	bus.Register(rec.handler("dedup"))

	for i := 0; i < 5; i++ {
		bus.Publish(&Event{ID: "evt-1", Type: EventBreakerOpened})
	}
	bus.Publish(&Event{ID: "evt-2", Type: EventBreakerClosed})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	_, deduped, _ := bus.Stats()
	assert.EqualValues(t, 4, deduped)
}

func TestBusDedupWindowEvicts(t *testing.T) {
	f := newLRUFilter(2)
	assert.True(t, f.admit("a"))
	assert.False(t, f.admit("a"))
	assert.True(t, f.admit("b"))
	assert.True(t, f.admit("c")) // evicts a
	assert.True(t, f.admit("a"))
}

// A slow subscriber overflows its own queue and loses events; a fast
// subscriber registered alongside it sees everything.
func TestBusSlowSubscriberDropsAlone(t *testing.T) {
	bus := New()
	defer bus.Stop()

	slow := &recorder{block: make(chan struct{})}
	fast := &recorder{}
	bus.Register(slow.handler("slow"))
	bus.Register(fast.handler("fast"))

	// The first event parks the slow handler inside Handle, leaving its
	// whole queue free to fill up behind it.
	require.True(t, bus.Publish(&Event{Type: EventLogLine}))
	require.Eventually(t, func() bool { return slow.startCount() == 1 }, time.Second, time.Millisecond)

	// Publish the rest one at a time, pacing on the fast subscriber, so
	// only the stalled queue can overflow.
	const overflow = 5
	extra := subscriberQueueDepth + overflow
	for i := 0; i < extra; i++ {
		require.True(t, bus.Publish(&Event{Type: EventLogLine}))
		want := i + 2
		require.Eventually(t, func() bool { return fast.count() == want }, time.Second, time.Millisecond)
	}

	close(slow.block)
	require.Eventually(t, func() bool {
		return slow.count() == subscriberQueueDepth+1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, extra+1, fast.count())
	_, _, dropped := bus.Stats()
	assert.EqualValues(t, overflow, dropped)
}

// Stop cancels the context handed to in-flight handlers instead of waiting
// out a full per-event timeout.
func TestBusStopCancelsInFlightHandler(t *testing.T) {
	bus := NewWithTimeout(time.Minute)

	started := make(chan struct{}, 1)
	bus.Register(HandlerFunc{
		Name: "stuck",
		Fn: func(ctx context.Context, event *Event) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	require.True(t, bus.Publish(&Event{Type: EventLogLine}))
	<-started

	done := make(chan struct{})
	go func() {
		bus.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind an in-flight handler")
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := New()
	defer bus.Stop()

	rec := &recorder{}
	bus.Register(HandlerFunc{
		Name: "panicky",
		Fn: func(ctx context.Context, event *Event) error {
			panic("boom")
		},
	})
	bus.Register(rec.handler("survivor"))

	bus.Publish(&Event{Type: EventInstanceFailed})
	bus.Publish(&Event{Type: EventInstanceStopped})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBusUnregisterStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Stop()

	rec := &recorder{}
	bus.Register(rec.handler("gone"))

	bus.Publish(&Event{Type: EventLogLine})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	bus.Unregister("gone")
	bus.Publish(&Event{Type: EventLogLine})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBusStopDrainsAcceptedEvents(t *testing.T) {
	bus := New()

	rec := &recorder{}
	bus.Register(rec.handler("drainee"))

	for i := 0; i < 5; i++ {
		require.True(t, bus.Publish(&Event{Type: EventLogLine}))
	}
	bus.Stop()

	assert.Equal(t, 5, rec.count(), "events accepted before Stop are delivered")
	assert.False(t, bus.Publish(&Event{Type: EventLogLine}), "publish after stop rejected")
	bus.Stop() // idempotent
}

func TestBusStampsTime(t *testing.T) {
	bus := New()
	defer bus.Stop()

	rec := &recorder{}
	bus.Register(rec.handler("stamped"))

	bus.Publish(&Event{Type: EventLogLine})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.events[0].Time.IsZero())
}
