// Package backpressure gates request admission per instance. Each instance
// gets a token bucket, a bounded wait queue for callers that outrun it, and
// a circuit breaker fed by request verdicts. Admission order among waiters
// follows token reservation order.
package backpressure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpgate/mcpgate/internal/errs"
)

// Config tunes per-instance flow control. Zero values take the defaults.
type Config struct {
	// Token bucket.
	Rate  float64 // sustained requests per second
	Burst int

	// Wait queue.
	MaxWaiters int
	MaxWait    time.Duration

	// Circuit breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	HalfOpenProbes   int
}

// Defaults applied for zero Config fields.
const (
	DefaultRate             = 50.0
	DefaultBurst            = 10
	DefaultMaxWaiters       = 32
	DefaultMaxWait          = 2 * time.Second
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 30 * time.Second
	DefaultCooldown         = 10 * time.Second
	DefaultHalfOpenProbes   = 2
)

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = DefaultMaxWaiters
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = DefaultHalfOpenProbes
	}
	return c
}

// Notifier receives breaker transitions. The dispatcher bridges these onto
// the event bus.
type Notifier func(instanceID string, state BreakerState)

// Controller owns the per-instance flow state.
type Controller struct {
	cfg    Config
	notify Notifier

	mu    sync.Mutex
	flows map[string]*flow
}

type flow struct {
	limiter *rate.Limiter
	breaker *Breaker

	mu      sync.Mutex
	waiters int
}

// NewController builds a controller. notify may be nil.
func NewController(cfg Config, notify Notifier) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		notify: notify,
		flows:  make(map[string]*flow),
	}
}

// Lease is a granted admission. Exactly one of Succeed or Fail must be
// called when the request finishes.
type Lease struct {
	flow *flow
	once sync.Once
}

// Succeed reports the request completed.
func (l *Lease) Succeed() {
	l.once.Do(func() { l.flow.breaker.Success() })
}

// Fail reports the request failed for a reason that should count against the
// instance.
func (l *Lease) Fail() {
	l.once.Do(func() { l.flow.breaker.Failure() })
}

// Acquire admits one request for the instance, waiting for a token when the
// bucket is empty. Errors: BreakerOpen when the breaker rejects, QueueFull
// when too many callers are already waiting, Timeout when no token arrives
// within the wait budget.
func (c *Controller) Acquire(ctx context.Context, instanceID string) (*Lease, error) {
	f := c.flowFor(instanceID)

	if !f.breaker.Allow() {
		return nil, errs.New(errs.BreakerOpen, "instance %s circuit open", instanceID).
			WithMeta("instanceId", instanceID)
	}

	if f.limiter.Allow() {
		return &Lease{flow: f}, nil
	}

	f.mu.Lock()
	if f.waiters >= c.cfg.MaxWaiters {
		f.mu.Unlock()
		return nil, errs.New(errs.QueueFull, "instance %s wait queue full", instanceID).
			WithMeta("instanceId", instanceID)
	}
	f.waiters++
	f.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	err := f.limiter.Wait(waitCtx)
	cancel()

	f.mu.Lock()
	f.waiters--
	f.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, ctx.Err(), "admission cancelled")
		}
		return nil, errs.New(errs.Timeout, "instance %s admission wait budget exceeded", instanceID).
			WithMeta("instanceId", instanceID)
	}
	return &Lease{flow: f}, nil
}

// BreakerStateFor returns the instance's breaker state without creating
// flow state for unknown instances.
func (c *Controller) BreakerStateFor(instanceID string) BreakerState {
	c.mu.Lock()
	f, ok := c.flows[instanceID]
	c.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return f.breaker.State()
}

// Forget drops flow state for an instance that no longer exists.
func (c *Controller) Forget(instanceID string) {
	c.mu.Lock()
	delete(c.flows, instanceID)
	c.mu.Unlock()
}

func (c *Controller) flowFor(instanceID string) *flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flows[instanceID]; ok {
		return f
	}

	var onOpen, onClose func()
	if c.notify != nil {
		notify := c.notify
		onOpen = func() { notify(instanceID, BreakerOpen) }
		onClose = func() { notify(instanceID, BreakerClosed) }
	}
	f := &flow{
		limiter: rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst),
		breaker: NewBreaker(c.cfg.FailureThreshold, c.cfg.FailureWindow,
			c.cfg.Cooldown, c.cfg.HalfOpenProbes, onOpen, onClose),
	}
	c.flows[instanceID] = f
	return f
}
