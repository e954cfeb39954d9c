// Package dispatch drives the gateway's runtime behavior: the Manager owns
// instance lifecycles, and the Dispatcher routes client frames to healthy
// instances through admission control.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/mcpgate/mcpgate/internal/backpressure"
	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/eventbus"
	"github.com/mcpgate/mcpgate/internal/idgen"
	"github.com/mcpgate/mcpgate/internal/pool"
	"github.com/mcpgate/mcpgate/internal/probe"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/types"
)

// Manager realizes templates into running instances and tears them down. It
// is the only writer of lifecycle state transitions triggered by operators.
type Manager struct {
	store      *store.Store
	pool       *pool.Pool
	controller *backpressure.Controller
	prober     *probe.Prober
	bus        *eventbus.Bus
}

// NewManager wires the lifecycle manager. prober may be nil in tests.
func NewManager(st *store.Store, pl *pool.Pool, ctl *backpressure.Controller, pr *probe.Prober, bus *eventbus.Bus) *Manager {
	return &Manager{store: st, pool: pl, controller: ctl, prober: pr, bus: bus}
}

// Hooks returns the transport callbacks for a new instance: captured log
// lines become bus events, and an unexpected subprocess exit fails the
// instance.
func (m *Manager) Hooks(inst types.Instance) transport.Hooks {
	id := inst.ID
	tpl := inst.Template.Name
	return transport.Hooks{
		Log: func(line string) {
			m.bus.Publish(&eventbus.Event{
				Type:       eventbus.EventLogLine,
				InstanceID: id,
				Template:   tpl,
				Payload:    map[string]any{"line": line},
			})
		},
		Exit: func(code int) {
			m.onUnexpectedExit(id, tpl, code)
		},
	}
}

// StartInstance realizes one instance of the named template: idle, then
// starting while the transport connects, then running. A connect failure
// leaves the instance failed.
func (m *Manager) StartInstance(ctx context.Context, templateName string) (types.Instance, error) {
	tpl, ok := m.store.GetTemplate(templateName)
	if !ok {
		return types.Instance{}, errs.New(errs.NotFound, "template %q not found", templateName)
	}

	inst := types.Instance{
		ID:        idgen.NewInstanceID(tpl.Name),
		Template:  tpl,
		State:     types.StateIdle,
		StartedAt: time.Now(),
	}
	if err := m.store.SetInstance(inst); err != nil {
		return types.Instance{}, err
	}

	starting := types.StateStarting
	if err := m.store.PatchInstance(inst.ID, store.InstancePatch{State: &starting}); err != nil {
		return types.Instance{}, err
	}
	m.publish(eventbus.EventInstanceStarting, inst.ID, tpl.Name, nil)

	adapter, err := m.pool.Get(ctx, inst)
	if err != nil {
		failed := types.StateFailed
		if perr := m.store.PatchInstance(inst.ID, store.InstancePatch{State: &failed}); perr != nil {
			log.Printf("dispatch: mark %s failed: %v", inst.ID, perr)
		}
		m.publish(eventbus.EventInstanceFailed, inst.ID, tpl.Name, map[string]any{"error": err.Error()})
		return types.Instance{}, errs.Wrap(errs.ConnectError, err, "start %s", templateName)
	}

	running := types.StateRunning
	patch := store.InstancePatch{State: &running}
	if sp, ok := adapter.(*transport.Subprocess); ok {
		pid := sp.PID()
		patch.PID = &pid
	}

	err = m.store.AtomicUpdate(func(tx *store.Tx) error {
		if err := tx.PatchInstance(inst.ID, patch); err != nil {
			return err
		}
		return tx.EnsureMetric(inst.ID, time.Now())
	})
	if err != nil {
		return types.Instance{}, err
	}

	m.publish(eventbus.EventInstanceStarted, inst.ID, tpl.Name, nil)
	out, _ := m.store.GetInstance(inst.ID)
	return out, nil
}

// StopInstance stops a live instance: transition to stopped, drop the
// adapter, clear flow-control and probe state. Stopping a terminal instance
// is a no-op.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) error {
	inst, ok := m.store.GetInstance(instanceID)
	if !ok {
		return errs.New(errs.NotFound, "instance %q not found", instanceID)
	}
	if inst.State.Terminal() {
		return nil
	}

	stopped := types.StateStopped
	if err := m.store.PatchInstance(instanceID, store.InstancePatch{State: &stopped}); err != nil {
		return err
	}
	m.cleanup(instanceID)
	m.publish(eventbus.EventInstanceStopped, instanceID, inst.Template.Name, nil)
	return nil
}

// RemoveInstance deletes a terminal instance's record and derived state.
func (m *Manager) RemoveInstance(instanceID string) error {
	inst, ok := m.store.GetInstance(instanceID)
	if !ok {
		return errs.New(errs.NotFound, "instance %q not found", instanceID)
	}
	if !inst.State.Terminal() {
		return errs.New(errs.PreconditionFailed, "instance %s is %s; stop it first", instanceID, inst.State)
	}
	m.cleanup(instanceID)
	return m.store.RemoveInstance(instanceID)
}

// onUnexpectedExit handles a subprocess dying on its own.
func (m *Manager) onUnexpectedExit(instanceID, template string, code int) {
	inst, ok := m.store.GetInstance(instanceID)
	if !ok || inst.State.Terminal() {
		return
	}
	failed := types.StateFailed
	if err := m.store.PatchInstance(instanceID, store.InstancePatch{State: &failed}); err != nil {
		log.Printf("dispatch: mark %s failed after exit: %v", instanceID, err)
	}
	m.cleanup(instanceID)
	m.publish(eventbus.EventInstanceExited, instanceID, template, map[string]any{"exitCode": code})
}

func (m *Manager) cleanup(instanceID string) {
	m.pool.Drop(instanceID)
	if m.controller != nil {
		m.controller.Forget(instanceID)
	}
	if m.prober != nil {
		m.prober.Forget(instanceID)
	}
}

func (m *Manager) publish(t eventbus.EventType, instanceID, template string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&eventbus.Event{
		Type:       t,
		InstanceID: instanceID,
		Template:   template,
		Payload:    payload,
	})
}
