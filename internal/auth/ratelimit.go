package auth

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mcpgate/mcpgate/internal/errs"
)

// CounterStore persists per-key request counts for fixed windows. A shared
// store lets several gateway replicas enforce one limit with the
// increment-with-expiry primitive such backends actually offer.
type CounterStore interface {
	// Incr adds one to the counter for (key, windowStart) and returns the
	// new value.
	Incr(key string, windowStart time.Time) (int64, error)

	// Get returns the counter for (key, windowStart), zero when absent.
	Get(key string, windowStart time.Time) (int64, error)
}

// Limiter enforces a sliding-window request limit per key. The default
// in-memory path keeps each key's admission timestamps, so the bound is
// exact: the number of admitted requests inside any window never exceeds the
// limit. A CounterStore swaps in a two-window approximation for distributed
// enforcement, where a timestamp log cannot be shared cheaply.
type Limiter struct {
	limit  int64
	window time.Duration
	store  CounterStore // nil selects the in-memory timestamp log
	now    func() time.Time

	mu        sync.Mutex
	log       map[string][]time.Time
	lastPrune time.Time
}

// NewLimiter builds a limiter allowing limit requests per window for each
// key. store may be nil, which selects the in-memory timestamp log.
func NewLimiter(limit int64, window time.Duration, store CounterStore) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		store:  store,
		now:    time.Now,
		log:    make(map[string][]time.Time),
	}
}

// Allow records one request for the key and reports whether it is within the
// limit. A limit of zero or below disables limiting.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}
	if l.store != nil {
		return l.allowCounters(key)
	}
	return l.allowLog(key)
}

// allowLog admits against the in-memory timestamp log.
func (l *Limiter) allowLog(key string) error {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now, cutoff)

	entries := l.log[key]
	for len(entries) > 0 && !entries[0].After(cutoff) {
		entries = entries[1:]
	}
	if int64(len(entries)) >= l.limit {
		l.log[key] = entries
		retry := l.window - now.Sub(entries[0])
		return errs.New(errs.RateLimited, "rate limit of %d/%s exceeded", l.limit, l.window).
			WithMeta("retryAfterMs", retry.Milliseconds())
	}
	l.log[key] = append(entries, now)
	return nil
}

// pruneLocked reclaims keys whose every timestamp has aged out, at most once
// per window.
func (l *Limiter) pruneLocked(now, cutoff time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for key, entries := range l.log {
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(l.log, key)
		}
	}
}

// allowCounters admits against the windowed counter store, weighting the
// previous fixed window's count by its remaining overlap with the sliding
// window ending now.
func (l *Limiter) allowCounters(key string) error {
	now := l.now()
	current := now.Truncate(l.window)
	previous := current.Add(-l.window)

	count, err := l.store.Incr(key, current)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "rate counter")
	}
	prev, err := l.store.Get(key, previous)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "rate counter")
	}

	elapsed := float64(now.Sub(current)) / float64(l.window)
	effective := float64(count) + float64(prev)*(1-elapsed)

	if effective > float64(l.limit) {
		return errs.New(errs.RateLimited, "rate limit of %d/%s exceeded", l.limit, l.window).
			WithMeta("retryAfterMs", l.window.Milliseconds())
	}
	return nil
}

// MemoryCounterStore keeps counters in process memory with automatic expiry
// of stale windows. It exists mainly to exercise the CounterStore path
// without a shared backend.
type MemoryCounterStore struct {
	cache *gocache.Cache
}

// NewMemoryCounterStore builds a store whose entries outlive two windows,
// enough for the sliding computation.
func NewMemoryCounterStore(window time.Duration) *MemoryCounterStore {
	ttl := 2 * window
	return &MemoryCounterStore{cache: gocache.New(ttl, ttl)}
}

func (s *MemoryCounterStore) key(key string, windowStart time.Time) string {
	return key + "@" + windowStart.UTC().Format(time.RFC3339Nano)
}

// Incr implements CounterStore.
func (s *MemoryCounterStore) Incr(key string, windowStart time.Time) (int64, error) {
	k := s.key(key, windowStart)
	if err := s.cache.Add(k, int64(1), gocache.DefaultExpiration); err == nil {
		return 1, nil
	}
	return s.cache.IncrementInt64(k, 1)
}

// Get implements CounterStore.
func (s *MemoryCounterStore) Get(key string, windowStart time.Time) (int64, error) {
	v, ok := s.cache.Get(s.key(key, windowStart))
	if !ok {
		return 0, nil
	}
	return v.(int64), nil
}
