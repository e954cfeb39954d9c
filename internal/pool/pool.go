// Package pool caches connected transport adapters per instance. Concurrent
// requests for the same instance share one connect attempt, and adapters
// idle past their TTL are reaped in the background.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/types"
)

const (
	DefaultIdleTTL       = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Factory builds an adapter for an instance. Swapped out in tests.
type Factory func(inst types.Instance, hooks transport.Hooks) (transport.Adapter, error)

// HookFactory supplies per-instance callbacks wired into new adapters.
type HookFactory func(inst types.Instance) transport.Hooks

// Pool caches one connected adapter per instance id.
type Pool struct {
	factory Factory
	hooks   HookFactory
	idleTTL time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	sf      singleflight.Group

	stopOnce sync.Once
	stopc    chan struct{}
	wg       sync.WaitGroup
}

type entry struct {
	adapter  transport.Adapter
	lastUsed time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithFactory replaces the default transport.New factory.
func WithFactory(f Factory) Option {
	return func(p *Pool) { p.factory = f }
}

// WithIdleTTL sets how long an unused adapter stays connected.
func WithIdleTTL(ttl time.Duration) Option {
	return func(p *Pool) { p.idleTTL = ttl }
}

// New creates a pool and starts its reaper. hooks may be nil.
func New(hooks HookFactory, opts ...Option) *Pool {
	p := &Pool{
		factory: transport.New,
		hooks:   hooks,
		idleTTL: DefaultIdleTTL,
		entries: make(map[string]*entry),
		stopc:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(1)
	go p.reap(DefaultSweepInterval)
	return p
}

// Get returns a connected adapter for the instance, building and connecting
// one if needed. Concurrent callers for the same instance share a single
// connect attempt.
func (p *Pool) Get(ctx context.Context, inst types.Instance) (transport.Adapter, error) {
	p.mu.Lock()
	if e, ok := p.entries[inst.ID]; ok && e.adapter.IsConnected() {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.adapter, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(inst.ID, func() (any, error) {
		// Re-check: a previous flight may have populated the entry.
		p.mu.Lock()
		if e, ok := p.entries[inst.ID]; ok && e.adapter.IsConnected() {
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e.adapter, nil
		}
		p.mu.Unlock()

		var hooks transport.Hooks
		if p.hooks != nil {
			hooks = p.hooks(inst)
		}
		adapter, err := p.factory(inst, hooks)
		if err != nil {
			return nil, err
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.entries[inst.ID] = &entry{adapter: adapter, lastUsed: time.Now()}
		p.mu.Unlock()
		return adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Adapter), nil
}

// Drop disconnects and removes the instance's adapter, if any.
func (p *Pool) Drop(instanceID string) {
	p.mu.Lock()
	e, ok := p.entries[instanceID]
	if ok {
		delete(p.entries, instanceID)
	}
	p.mu.Unlock()

	if ok {
		if err := e.adapter.Disconnect(); err != nil {
			log.Printf("pool: disconnect %s: %v", instanceID, err)
		}
	}
}

// Size returns the number of cached adapters.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown disconnects every adapter and stops the reaper. The pool is
// unusable afterwards.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopc) })
	p.wg.Wait()

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for id, e := range entries {
		if err := e.adapter.Disconnect(); err != nil {
			log.Printf("pool: disconnect %s: %v", id, err)
		}
	}
}

func (p *Pool) reap(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopc:
			return
		}
	}
}

// sweep disconnects adapters unused for longer than the idle TTL.
func (p *Pool) sweep(now time.Time) {
	cutoff := now.Add(-p.idleTTL)

	p.mu.Lock()
	var stale []*entry
	for id, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		_ = e.adapter.Disconnect()
	}
}
