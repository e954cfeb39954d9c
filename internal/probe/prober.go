// Package probe runs periodic health checks against running instances and
// reconciles the results into the observation store. An instance that fails
// enough consecutive probes is marked degraded; a degraded instance that
// answers again is promoted back to running. Health write and state change
// land in one atomic store update.
package probe

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/pool"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/types"
)

const (
	DefaultInterval       = 15 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultMaxConcurrent  = 8
	DefaultFailThreshold  = 3
	DefaultResultCacheTTL = 5 * time.Second
)

// probeMethod is the request every backend must answer cheaply.
const probeMethod = "tools/list"

// Config tunes the prober. Zero values take the defaults.
type Config struct {
	Interval       time.Duration
	ProbeTimeout   time.Duration
	MaxConcurrent  int64
	FailThreshold  int
	ResultCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = DefaultFailThreshold
	}
	if c.ResultCacheTTL <= 0 {
		c.ResultCacheTTL = DefaultResultCacheTTL
	}
	return c
}

// Prober sweeps the store's running and degraded instances on an interval.
type Prober struct {
	cfg   Config
	store *store.Store
	pool  *pool.Pool
	sem   *semaphore.Weighted
	cache *gocache.Cache // instance id → types.HealthSnapshot
	gen   mcp.IDGenerator

	mu       sync.Mutex
	failures map[string]int // consecutive probe failures per instance
}

// New builds a prober over the given store and adapter pool.
func New(st *store.Store, pl *pool.Pool, cfg Config) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		cfg:      cfg,
		store:    st,
		pool:     pl,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cache:    gocache.New(cfg.ResultCacheTTL, 2*cfg.ResultCacheTTL),
		failures: make(map[string]int),
	}
}

// Run sweeps until the context ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep probes the running and degraded instances whose last result has
// aged out of the cache, bounded by the concurrency limit, and blocks until
// the sweep finishes.
func (p *Prober) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range p.store.ListInstances() {
		if inst.State != types.StateRunning && inst.State != types.StateDegraded {
			continue
		}
		if _, ok := p.cache.Get(inst.ID); ok {
			// Probed recently enough; the cached result still stands.
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(inst types.Instance) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.probeOne(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// Health returns the cached result of the instance's latest probe, if it is
// still fresh.
func (p *Prober) Health(instanceID string) (types.HealthSnapshot, bool) {
	v, ok := p.cache.Get(instanceID)
	if !ok {
		return types.HealthSnapshot{}, false
	}
	return v.(types.HealthSnapshot), true
}

// Forget clears failure tracking for a removed instance.
func (p *Prober) Forget(instanceID string) {
	p.mu.Lock()
	delete(p.failures, instanceID)
	p.mu.Unlock()
	p.cache.Delete(instanceID)
}

func (p *Prober) probeOne(ctx context.Context, inst types.Instance) {
	snapshot := p.check(ctx, inst)
	p.cache.Set(inst.ID, snapshot, gocache.DefaultExpiration)

	p.mu.Lock()
	if snapshot.Healthy {
		p.failures[inst.ID] = 0
	} else {
		p.failures[inst.ID]++
	}
	fails := p.failures[inst.ID]
	p.mu.Unlock()

	if err := p.reconcile(inst, snapshot, fails); err != nil {
		log.Printf("probe: reconcile %s: %v", inst.ID, err)
	}
}

// check performs one probe round-trip.
func (p *Prober) check(ctx context.Context, inst types.Instance) types.HealthSnapshot {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	adapter, err := p.pool.Get(probeCtx, inst)
	if err != nil {
		return types.HealthSnapshot{Healthy: false, Error: err.Error(), ObservedAt: time.Now()}
	}

	_, err = adapter.SendAndReceive(probeCtx, mcp.NewRequest(p.gen.Next(), probeMethod, nil))
	latency := time.Since(start)
	if err != nil {
		return types.HealthSnapshot{
			Healthy:    false,
			LatencyMs:  float64(latency) / float64(time.Millisecond),
			Error:      err.Error(),
			ObservedAt: time.Now(),
		}
	}
	return types.HealthSnapshot{
		Healthy:    true,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		ObservedAt: time.Now(),
	}
}

// reconcile writes the snapshot and any due state transition atomically.
func (p *Prober) reconcile(inst types.Instance, snapshot types.HealthSnapshot, consecutiveFails int) error {
	return p.store.AtomicUpdate(func(tx *store.Tx) error {
		current, ok := tx.GetInstance(inst.ID)
		if !ok || current.State.Terminal() {
			// Stopped between listing and reconciling; nothing to write.
			return nil
		}
		if err := tx.SetHealth(inst.ID, snapshot); err != nil {
			return err
		}

		patch := store.InstancePatch{LastHealthAt: &snapshot.ObservedAt}
		switch {
		case !snapshot.Healthy && current.State == types.StateRunning && consecutiveFails >= p.cfg.FailThreshold:
			degraded := types.StateDegraded
			patch.State = &degraded
			patch.ErrorCountDelta = 1
		case snapshot.Healthy && current.State == types.StateDegraded:
			running := types.StateRunning
			patch.State = &running
		}
		return tx.PatchInstance(inst.ID, patch)
	})
}
