// Package store implements the observation store: the single owner of
// registry state. It holds four maps (templates, instances, health, load
// metrics) behind one writer lock, supports atomic multi-map updates with
// all-or-nothing semantics, and broadcasts typed change events to
// subscribers after each commit.
package store

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/types"
)

// EventType identifies which map changed and how.
type EventType string

const (
	EventTemplateSet    EventType = "template:set"
	EventTemplateRemove EventType = "template:remove"
	EventInstanceSet    EventType = "instance:set"
	EventInstanceRemove EventType = "instance:remove"
	EventHealthUpdate   EventType = "health:update"
	EventHealthRemove   EventType = "health:remove"
	EventMetricsUpdate  EventType = "metrics:update"
	EventMetricsRemove  EventType = "metrics:remove"
)

// Event is a single change notification. Key is the template name for
// template events and the instance id otherwise. Revision is the store
// revision the change committed under.
type Event struct {
	Type     EventType
	Key      string
	Revision uint64
}

// Subscriber receives change events. Subscribers run outside the write lock;
// a panicking subscriber is recovered and logged and does not prevent
// delivery to the others.
type Subscriber func(Event)

// Store is the observation store. The zero value is not usable; call New.
type Store struct {
	mu        sync.RWMutex
	templates map[string]types.Template
	instances map[string]types.Instance
	health    map[string]types.HealthSnapshot
	metrics   map[string]types.LoadMetric
	revision  uint64

	subMu   sync.RWMutex
	subs    map[int]Subscriber
	nextSub int

	// deliverMu serializes event batch delivery so subscribers never see a
	// later commit's events interleaved with an earlier one's.
	deliverMu sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		templates: make(map[string]types.Template),
		instances: make(map[string]types.Instance),
		health:    make(map[string]types.HealthSnapshot),
		metrics:   make(map[string]types.LoadMetric),
		subs:      make(map[int]Subscriber),
	}
}

// Subscribe registers a change subscriber and returns its unsubscribe
// function. Events already in flight may still be delivered briefly after
// unsubscribing.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Revision returns the current commit revision. A read observing revision R
// sees every write from commits ≤ R.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// AtomicUpdate runs fn with a transaction handle. All writes buffer until fn
// returns; they then apply in one critical section under a single revision
// bump, and the buffered events are delivered in order. If fn returns an
// error no write is applied and no event is emitted.
//
// fn must complete its writes synchronously: the Tx is only valid until fn
// returns, and retaining it is a programmer error.
func (s *Store) AtomicUpdate(fn func(tx *Tx) error) error {
	s.mu.Lock()

	tx := &Tx{
		templates: cloneTemplates(s.templates),
		instances: cloneInstances(s.instances),
		health:    cloneHealth(s.health),
		metrics:   cloneMetrics(s.metrics),
	}

	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	tx.done = true

	s.templates = tx.templates
	s.instances = tx.instances
	s.health = tx.health
	s.metrics = tx.metrics
	s.revision++
	events := tx.events
	for i := range events {
		events[i].Revision = s.revision
	}

	// Take the delivery lock before releasing the write lock so batches
	// reach subscribers in commit order.
	s.deliverMu.Lock()
	s.mu.Unlock()
	s.deliver(events)
	s.deliverMu.Unlock()

	return nil
}

func (s *Store) deliver(events []Event) {
	s.subMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = s.subs[id]
	}
	s.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("store: subscriber panic on %s %s: %v", ev.Type, ev.Key, r)
					}
				}()
				fn(ev)
			}()
		}
	}
}

// Single-write conveniences. Each is one atomic update.

// SetTemplate upserts a template.
func (s *Store) SetTemplate(t types.Template) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetTemplate(t) })
}

// RemoveTemplate deletes a template. It fails with PreconditionFailed while
// any live (non-terminal) instance references the template.
func (s *Store) RemoveTemplate(name string) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.RemoveTemplate(name) })
}

// SetInstance upserts an instance, enforcing the lifecycle state machine for
// existing instances.
func (s *Store) SetInstance(inst types.Instance) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetInstance(inst) })
}

// RemoveInstance deletes an instance and, atomically, its health snapshot
// and load metric.
func (s *Store) RemoveInstance(id string) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.RemoveInstance(id) })
}

// PatchInstance applies a partial update; metadata merges shallowly.
func (s *Store) PatchInstance(id string, patch InstancePatch) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.PatchInstance(id, patch) })
}

// SetHealth replaces the health snapshot for an instance.
func (s *Store) SetHealth(id string, h types.HealthSnapshot) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetHealth(id, h) })
}

// SetMetric replaces the load metric for an instance.
func (s *Store) SetMetric(id string, m types.LoadMetric) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.SetMetric(id, m) })
}

// EnsureMetric registers a zero metric with AddedAt=now for an instance the
// balancer has not seen before. No-op if a metric already exists.
func (s *Store) EnsureMetric(id string, now time.Time) error {
	return s.AtomicUpdate(func(tx *Tx) error { return tx.EnsureMetric(id, now) })
}

// Reads. All reads copy out under the read lock; callers own the result.

// GetTemplate returns the named template.
func (s *Store) GetTemplate(name string) (types.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	if !ok {
		return types.Template{}, false
	}
	return t.Clone(), true
}

// ListTemplates returns all templates sorted by name.
func (s *Store) ListTemplates() []types.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetInstance returns the instance with the given id.
func (s *Store) GetInstance(id string) (types.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return inst.Clone(), true
}

// ListInstances returns all instances sorted by id.
func (s *Store) ListInstances() []types.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListInstancesByTemplate returns instances of the named template, filtered
// to the given states (all states when none given), sorted by id.
func (s *Store) ListInstancesByTemplate(name string, states ...types.InstanceState) []types.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Instance
	for _, inst := range s.instances {
		if inst.Template.Name != name {
			continue
		}
		if len(states) > 0 && !stateIn(inst.State, states) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetHealth returns the latest health snapshot for an instance.
func (s *Store) GetHealth(id string) (types.HealthSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[id]
	return h, ok
}

// GetMetric returns the load metric for an instance.
func (s *Store) GetMetric(id string) (types.LoadMetric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[id]
	return m, ok
}

func stateIn(s types.InstanceState, states []types.InstanceState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// InstancePatch is a partial instance update. Nil fields are left untouched;
// Metadata entries merge over the existing map.
type InstancePatch struct {
	State           *types.InstanceState
	PID             *int
	LastHealthAt    *time.Time
	ErrorCountDelta int64
	Metadata        map[string]string
}

// Tx is the transaction handle passed to AtomicUpdate callbacks. All write
// methods stage into copies; nothing becomes visible until the callback
// returns nil.
type Tx struct {
	templates map[string]types.Template
	instances map[string]types.Instance
	health    map[string]types.HealthSnapshot
	metrics   map[string]types.LoadMetric
	events    []Event
	done      bool
}

// Atomic runs fn against the same transaction. Nested atomic blocks flush
// into the outer buffer and count as one revision bump from the outermost.
func (tx *Tx) Atomic(fn func(tx *Tx) error) error {
	return fn(tx)
}

func (tx *Tx) emit(t EventType, key string) {
	tx.events = append(tx.events, Event{Type: t, Key: key})
}

func (tx *Tx) check() {
	if tx.done {
		panic("store: Tx used after AtomicUpdate returned")
	}
}

// SetTemplate stages a template upsert.
func (tx *Tx) SetTemplate(t types.Template) error {
	tx.check()
	if err := t.Validate(); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "invalid template")
	}
	tx.templates[t.Name] = t.Clone()
	tx.emit(EventTemplateSet, t.Name)
	return nil
}

// RemoveTemplate stages a template removal. Removal is rejected while a
// non-terminal instance still references the template.
func (tx *Tx) RemoveTemplate(name string) error {
	tx.check()
	if _, ok := tx.templates[name]; !ok {
		return errs.New(errs.NotFound, "template %q not found", name)
	}
	for id, inst := range tx.instances {
		if inst.Template.Name == name && !inst.State.Terminal() {
			return errs.New(errs.PreconditionFailed,
				"template %q is referenced by live instance %s", name, id)
		}
	}
	delete(tx.templates, name)
	tx.emit(EventTemplateRemove, name)
	return nil
}

// GetTemplate reads a template through the transaction's staged view.
func (tx *Tx) GetTemplate(name string) (types.Template, bool) {
	t, ok := tx.templates[name]
	if !ok {
		return types.Template{}, false
	}
	return t.Clone(), true
}

// SetInstance stages an instance upsert. For an existing instance the state
// change must be legal under the lifecycle state machine.
func (tx *Tx) SetInstance(inst types.Instance) error {
	tx.check()
	if inst.ID == "" {
		return errs.New(errs.InvalidArgument, "instance id is required")
	}
	if prev, ok := tx.instances[inst.ID]; ok && prev.State != inst.State {
		if !types.CanTransition(prev.State, inst.State) {
			return errs.New(errs.InvalidArgument,
				"instance %s: illegal transition %s → %s", inst.ID, prev.State, inst.State)
		}
	}
	tx.instances[inst.ID] = inst.Clone()
	tx.emit(EventInstanceSet, inst.ID)
	return nil
}

// GetInstance reads an instance through the transaction's staged view.
func (tx *Tx) GetInstance(id string) (types.Instance, bool) {
	inst, ok := tx.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return inst.Clone(), true
}

// RemoveInstance stages an instance removal together with its derived health
// and metric entries. Events are emitted in the order instance:remove,
// health:remove, metrics:remove.
func (tx *Tx) RemoveInstance(id string) error {
	tx.check()
	if _, ok := tx.instances[id]; !ok {
		return errs.New(errs.NotFound, "instance %q not found", id)
	}
	delete(tx.instances, id)
	tx.emit(EventInstanceRemove, id)
	if _, ok := tx.health[id]; ok {
		delete(tx.health, id)
		tx.emit(EventHealthRemove, id)
	}
	if _, ok := tx.metrics[id]; ok {
		delete(tx.metrics, id)
		tx.emit(EventMetricsRemove, id)
	}
	return nil
}

// PatchInstance stages a partial update; metadata merges shallowly.
func (tx *Tx) PatchInstance(id string, patch InstancePatch) error {
	tx.check()
	inst, ok := tx.instances[id]
	if !ok {
		return errs.New(errs.NotFound, "instance %q not found", id)
	}
	inst = inst.Clone()
	if patch.State != nil && *patch.State != inst.State {
		if !types.CanTransition(inst.State, *patch.State) {
			return errs.New(errs.InvalidArgument,
				"instance %s: illegal transition %s → %s", id, inst.State, *patch.State)
		}
		inst.State = *patch.State
	}
	if patch.PID != nil {
		inst.PID = *patch.PID
	}
	if patch.LastHealthAt != nil {
		inst.LastHealthAt = *patch.LastHealthAt
	}
	if patch.ErrorCountDelta < 0 {
		return errs.New(errs.InvalidArgument, "instance %s: errorCount cannot decrease", id)
	}
	inst.ErrorCount += patch.ErrorCountDelta
	if patch.Metadata != nil {
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			inst.Metadata[k] = v
		}
	}
	tx.instances[id] = inst
	tx.emit(EventInstanceSet, id)
	return nil
}

// SetHealth stages a health snapshot replacement. The instance must exist:
// derived maps never hold ids absent from the instance map.
func (tx *Tx) SetHealth(id string, h types.HealthSnapshot) error {
	tx.check()
	if _, ok := tx.instances[id]; !ok {
		return errs.New(errs.InvalidArgument, "health update for unknown instance %q", id)
	}
	tx.health[id] = h
	tx.emit(EventHealthUpdate, id)
	return nil
}

// RemoveHealth stages removal of an instance's health snapshot.
func (tx *Tx) RemoveHealth(id string) error {
	tx.check()
	if _, ok := tx.health[id]; !ok {
		return nil
	}
	delete(tx.health, id)
	tx.emit(EventHealthRemove, id)
	return nil
}

// GetHealth reads a snapshot through the transaction's staged view.
func (tx *Tx) GetHealth(id string) (types.HealthSnapshot, bool) {
	h, ok := tx.health[id]
	return h, ok
}

// SetMetric stages a load metric replacement. Counters must not decrease.
func (tx *Tx) SetMetric(id string, m types.LoadMetric) error {
	tx.check()
	if _, ok := tx.instances[id]; !ok {
		return errs.New(errs.InvalidArgument, "metric update for unknown instance %q", id)
	}
	if prev, ok := tx.metrics[id]; ok {
		if m.RequestCount < prev.RequestCount || m.ErrorCount < prev.ErrorCount {
			return errs.New(errs.InvalidArgument, "metric counters for %q cannot decrease", id)
		}
	}
	tx.metrics[id] = m
	tx.emit(EventMetricsUpdate, id)
	return nil
}

// EnsureMetric stages a zero metric for an unseen instance.
func (tx *Tx) EnsureMetric(id string, now time.Time) error {
	tx.check()
	if _, ok := tx.metrics[id]; ok {
		return nil
	}
	return tx.SetMetric(id, types.LoadMetric{AddedAt: now})
}

// GetMetric reads a metric through the transaction's staged view.
func (tx *Tx) GetMetric(id string) (types.LoadMetric, bool) {
	m, ok := tx.metrics[id]
	return m, ok
}

func cloneTemplates(in map[string]types.Template) map[string]types.Template {
	out := make(map[string]types.Template, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneInstances(in map[string]types.Instance) map[string]types.Instance {
	out := make(map[string]types.Instance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneHealth(in map[string]types.HealthSnapshot) map[string]types.HealthSnapshot {
	out := make(map[string]types.HealthSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMetrics(in map[string]types.LoadMetric) map[string]types.LoadMetric {
	out := make(map[string]types.LoadMetric, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
