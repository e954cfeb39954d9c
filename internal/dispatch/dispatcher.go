package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpgate/mcpgate/internal/backpressure"
	"github.com/mcpgate/mcpgate/internal/balance"
	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/pool"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/types"
)

// idempotentMethods may be retried on another instance after a recoverable
// failure. Everything else gets exactly one attempt.
var idempotentMethods = map[string]bool{
	"tools/list":     true,
	"tools/describe": true,
	"ping":           true,
	"resources/list": true,
	"prompts/list":   true,
}

// defaultRetries applies when the selected template does not set a retry
// budget.
const defaultRetries = 2

// Request is one client call entering the dispatcher.
type Request struct {
	// TemplateName restricts routing to instances of one template. Empty
	// routes across all running instances.
	TemplateName string
	Frame        *mcp.Frame

	// Retries overrides the template's retry budget when non-nil. It only
	// applies to idempotent methods.
	Retries *int
}

// Starter starts an instance on demand when a template has no running
// candidates. Optional.
type Starter interface {
	StartInstance(ctx context.Context, templateName string) (types.Instance, error)
}

// Dispatcher routes frames to instances: candidate selection, balancing,
// admission, transport round-trip, and metric accounting.
type Dispatcher struct {
	store      *store.Store
	pool       *pool.Pool
	balancer   balance.Balancer
	controller *backpressure.Controller
	starter    Starter
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(st *store.Store, pl *pool.Pool, bal balance.Balancer, ctl *backpressure.Controller) *Dispatcher {
	return &Dispatcher{store: st, pool: pl, balancer: bal, controller: ctl}
}

// SetStarter enables on-demand instance starts for templates with no
// running candidates.
func (d *Dispatcher) SetStarter(s Starter) {
	d.starter = s
}

// Route picks the instance the balancer would send this request to, without
// executing anything.
func (d *Dispatcher) Route(templateName string) (types.Instance, error) {
	return d.RouteFor(templateName, routeKey(templateName))
}

// RouteFor is Route with an explicit balancer cursor key, so callers can
// rotate picks per method rather than per template.
func (d *Dispatcher) RouteFor(templateName, key string) (types.Instance, error) {
	candidates, err := d.candidates(templateName)
	if err != nil {
		return types.Instance{}, err
	}
	if key == "" {
		key = routeKey(templateName)
	}
	return d.balancer.Pick(key, candidates, time.Now())
}

// Dispatch executes the request against a routed instance. Idempotent
// methods retry on recoverable errors with exponential backoff, re-routing
// each attempt; other methods fail fast.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*mcp.Frame, error) {
	if err := req.Frame.Validate(); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "invalid frame")
	}

	attempts := 1
	if idempotentMethods[req.Frame.Method] {
		if req.Retries != nil {
			attempts += max(*req.Retries, 0)
		} else {
			attempts += d.retryBudget(req.TemplateName)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), uint64(attempts-1)), ctx)

	var reply *mcp.Frame
	err := backoff.Retry(func() error {
		var err error
		reply, err = d.attempt(ctx, req)
		if err == nil {
			return nil
		}
		if e, ok := err.(*errs.Error); ok && e.Recoverable() {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// attempt runs one full routed execution.
func (d *Dispatcher) attempt(ctx context.Context, req Request) (*mcp.Frame, error) {
	inst, err := d.Route(req.TemplateName)
	if err != nil {
		inst, err = d.startOnDemand(ctx, req.TemplateName, err)
		if err != nil {
			return nil, err
		}
	}

	lease, err := d.controller.Acquire(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	adapter, err := d.pool.Get(ctx, inst)
	if err != nil {
		lease.Fail()
		d.record(inst.ID, 0, true)
		return nil, err
	}

	start := time.Now()
	reply, err := adapter.SendAndReceive(ctx, req.Frame)
	latency := time.Since(start)

	if err != nil {
		lease.Fail()
		d.record(inst.ID, latency, true)
		return nil, err
	}

	// A JSON-RPC error reply is a valid response for accounting: the
	// backend answered, so the instance is healthy even if the call
	// failed at the application layer.
	lease.Succeed()
	d.record(inst.ID, latency, reply.Error != nil)
	return reply, nil
}

// record folds one request outcome into the instance's load metric. Metric
// failures only log; accounting must never fail a served request.
func (d *Dispatcher) record(instanceID string, latency time.Duration, failed bool) {
	err := d.store.AtomicUpdate(func(tx *store.Tx) error {
		if _, ok := tx.GetInstance(instanceID); !ok {
			return nil
		}
		if err := tx.EnsureMetric(instanceID, time.Now()); err != nil {
			return err
		}
		m, _ := tx.GetMetric(instanceID)
		m.Observe(latency, failed, time.Now())
		return tx.SetMetric(instanceID, m)
	})
	if err != nil {
		log.Printf("dispatch: record metric for %s: %v", instanceID, err)
	}
}

// candidates lists running instances eligible for routing, paired with
// their metrics. Degraded instances are excluded until the prober promotes
// them back.
func (d *Dispatcher) candidates(templateName string) ([]balance.Candidate, error) {
	var instances []types.Instance
	if templateName != "" {
		if _, ok := d.store.GetTemplate(templateName); !ok {
			return nil, errs.New(errs.NotFound, "template %q not found", templateName)
		}
		instances = d.store.ListInstancesByTemplate(templateName, types.StateRunning)
	} else {
		for _, inst := range d.store.ListInstances() {
			if inst.State == types.StateRunning {
				instances = append(instances, inst)
			}
		}
	}

	candidates := make([]balance.Candidate, 0, len(instances))
	for _, inst := range instances {
		if d.controller.BreakerStateFor(inst.ID) == backpressure.BreakerOpen {
			continue
		}
		// A known-unhealthy snapshot gates the instance out even before the
		// prober's failure streak degrades it.
		if h, ok := d.store.GetHealth(inst.ID); ok && !h.Healthy {
			continue
		}
		metric, ok := d.store.GetMetric(inst.ID)
		if !ok {
			// First sighting of a store-seeded instance; register it so
			// warmup counts from now instead of the zero time.
			now := time.Now()
			if err := d.store.AtomicUpdate(func(tx *store.Tx) error {
				return tx.EnsureMetric(inst.ID, now)
			}); err != nil {
				log.Printf("dispatch: register metric for %s: %v", inst.ID, err)
			}
			metric, _ = d.store.GetMetric(inst.ID)
		}
		candidates = append(candidates, balance.Candidate{Instance: inst, Metric: metric})
	}
	if len(candidates) == 0 {
		scope := templateName
		if scope == "" {
			scope = "any template"
		}
		return nil, errs.New(errs.NoHealthyInstance, "no healthy instance for %s", scope)
	}
	return candidates, nil
}

// startOnDemand turns a NoHealthyInstance routing failure into a fresh
// instance when a starter is wired and the request names a template.
func (d *Dispatcher) startOnDemand(ctx context.Context, templateName string, routeErr error) (types.Instance, error) {
	if d.starter == nil || templateName == "" || errs.CodeOf(routeErr) != errs.NoHealthyInstance {
		return types.Instance{}, routeErr
	}
	if _, err := d.starter.StartInstance(ctx, templateName); err != nil {
		return types.Instance{}, err
	}
	return d.Route(templateName)
}

func (d *Dispatcher) retryBudget(templateName string) int {
	if templateName != "" {
		if tpl, ok := d.store.GetTemplate(templateName); ok && tpl.Retries > 0 {
			return tpl.Retries
		}
	}
	return defaultRetries
}

func routeKey(templateName string) string {
	if templateName == "" {
		return "*"
	}
	return templateName
}
