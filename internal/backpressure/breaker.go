package backpressure

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a per-instance circuit breaker. It opens after too many
// failures inside a sliding window, rejects everything for a cooldown, then
// admits a limited number of probes; the probes all succeeding closes it,
// any probe failing reopens it.
type Breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration
	probes    int

	state     BreakerState
	failures  []time.Time
	openedAt  time.Time
	inFlight  int // admitted half-open probes awaiting a verdict
	succeeded int

	onOpen  func()
	onClose func()

	now func() time.Time
}

// NewBreaker builds a closed breaker. onOpen and onClose may be nil; they
// fire after the state change, outside the breaker's lock.
func NewBreaker(threshold int, window, cooldown time.Duration, probes int, onOpen, onClose func()) *Breaker {
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		probes:    probes,
		state:     BreakerClosed,
		onOpen:    onOpen,
		onClose:   onClose,
		now:       time.Now,
	}
}

// State returns the breaker's state, applying any due open→half-open move.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

// Allow reports whether a request may proceed right now. In half-open state
// it admits at most the configured probe count concurrently.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.inFlight < b.probes {
			b.inFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// Success records a request verdict.
func (b *Breaker) Success() { b.record(false) }

// Failure records a request verdict.
func (b *Breaker) Failure() { b.record(true) }

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	b.tick()
	now := b.now()

	var fire func()
	switch b.state {
	case BreakerClosed:
		if !failed {
			break
		}
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.open(now)
			fire = b.onOpen
		}
	case BreakerHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		if failed {
			b.open(now)
			fire = b.onOpen
			break
		}
		b.succeeded++
		if b.succeeded >= b.probes {
			b.state = BreakerClosed
			b.failures = nil
			b.inFlight = 0
			b.succeeded = 0
			fire = b.onClose
		}
	case BreakerOpen:
		// Verdicts from requests admitted before the trip; ignored.
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// tick promotes open→half-open once the cooldown elapses. Caller holds the
// lock.
func (b *Breaker) tick() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.inFlight = 0
		b.succeeded = 0
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.failures = nil
	b.inFlight = 0
	b.succeeded = 0
}

// prune drops failures older than the window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
