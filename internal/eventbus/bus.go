// Package eventbus fans gateway events out to registered handlers. Delivery
// is asynchronous: Publish enqueues onto a bounded central queue, a single
// dispatch goroutine copies each event into bounded per-subscriber queues,
// and each subscriber drains its own queue on its own goroutine. A full
// subscriber queue drops the event for that subscriber only; the bus never
// blocks a publisher on a slow consumer.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	centralQueueDepth    = 64
	subscriberQueueDepth = 16
	dedupCapacity        = 256
	defaultHandleTimeout = 5 * time.Second
)

// Bus dispatches events to registered handlers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	queue   chan *Event
	dedup   *lruFilter
	timeout time.Duration

	stopped    atomic.Bool
	stopc      chan struct{}
	stopCtx    context.Context // cancelled on Stop so in-flight handlers bail out
	stopCancel context.CancelFunc
	dispatched chan struct{} // closed when the dispatch loop exits
	wg         sync.WaitGroup

	published atomic.Int64
	deduped   atomic.Int64
	dropped   atomic.Int64
}

type subscriber struct {
	handler Handler
	types   map[EventType]bool // nil means all types
	queue   chan *Event
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a started bus with the default per-handler timeout.
func New() *Bus {
	return NewWithTimeout(defaultHandleTimeout)
}

// NewWithTimeout creates a started bus whose handlers get the given context
// deadline per event.
func NewWithTimeout(timeout time.Duration) *Bus {
	stopCtx, stopCancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:       make(map[string]*subscriber),
		queue:      make(chan *Event, centralQueueDepth),
		dedup:      newLRUFilter(dedupCapacity),
		timeout:    timeout,
		stopc:      make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		dispatched: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Register adds a handler. Duplicate ids replace the previous registration.
// Registering on a stopped bus is a no-op.
func (b *Bus) Register(h Handler) {
	if b.stopped.Load() {
		return
	}
	sub := &subscriber{
		handler: h,
		queue:   make(chan *Event, subscriberQueueDepth),
		done:    make(chan struct{}),
	}
	if types := h.Handles(); len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if old, ok := b.subs[h.ID()]; ok {
		close(old.queue)
	}
	b.subs[h.ID()] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

// Unregister removes a handler by id and stops its drain goroutine once its
// queue empties.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// Publish enqueues an event for delivery. Returns false when the central
// queue is full or the bus is stopped; the event is then dropped.
func (b *Bus) Publish(event *Event) bool {
	if event == nil || b.stopped.Load() {
		return false
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.ID != "" && !b.dedup.admit(event.ID) {
		b.deduped.Add(1)
		return true
	}
	select {
	case b.queue <- event:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		log.Printf("eventbus: central queue full, dropping %s", event.Type)
		return false
	}
}

// Stop drains the central queue, stops all subscribers, and waits for
// in-flight handlers. Idempotent.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopc)
	b.stopCancel()
	// The dispatch loop must finish its drain before subscriber queues
	// close, or a fanout could send on a closed channel.
	<-b.dispatched

	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Stats reports lifetime counters: published, deduplicated, and dropped
// events.
func (b *Bus) Stats() (published, deduped, dropped int64) {
	return b.published.Load(), b.deduped.Load(), b.dropped.Load()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	defer close(b.dispatched)
	for {
		select {
		case event := <-b.queue:
			b.fanout(event)
		case <-b.stopc:
			// Drain what was accepted before the stop.
			for {
				select {
				case event := <-b.queue:
					b.fanout(event)
				default:
					return
				}
			}
		}
	}
}

// fanout copies the event into each matching subscriber queue. The lock is
// held across the sends so a concurrent Unregister cannot close a queue
// mid-send; the sends never block, so this is cheap.
func (b *Bus) fanout(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			log.Printf("eventbus: subscriber %q queue full, dropping %s",
				sub.handler.ID(), event.Type)
		}
	}
}

// drain runs one subscriber's delivery loop. Handler panics are contained to
// the event that caused them.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	defer close(sub.done)
	for event := range sub.queue {
		b.handleOne(sub, event)
	}
}

func (b *Bus) handleOne(sub *subscriber, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler %q panicked on %s: %v",
				sub.handler.ID(), event.Type, r)
		}
	}()

	// The deadline nests under the stop context, so Stop does not have to
	// sit out a full handler timeout per queued event.
	ctx, cancel := context.WithTimeout(b.stopCtx, b.timeout)
	defer cancel()

	if err := sub.handler.Handle(ctx, event); err != nil {
		log.Printf("eventbus: handler %q error for %s: %v",
			sub.handler.ID(), event.Type, err)
	}
}

// lruFilter remembers the most recent ids it has admitted and rejects
// repeats. Eviction is by insertion order over a fixed-size ring.
type lruFilter struct {
	mu   sync.Mutex
	seen map[string]bool
	ring []string
	next int
}

func newLRUFilter(capacity int) *lruFilter {
	return &lruFilter{
		seen: make(map[string]bool, capacity),
		ring: make([]string, capacity),
	}
}

// admit returns true the first time an id is seen within the window.
func (f *lruFilter) admit(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return false
	}
	if old := f.ring[f.next]; old != "" {
		delete(f.seen, old)
	}
	f.ring[f.next] = id
	f.next = (f.next + 1) % len(f.ring)
	f.seen[id] = true
	return true
}
