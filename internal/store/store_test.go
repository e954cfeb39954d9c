package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/types"
)

func testTemplate(name string) types.Template {
	return types.Template{
		Name:      name,
		Transport: types.TransportSubprocess,
		Command:   "echo",
	}
}

func testInstance(id, template string, state types.InstanceState) types.Instance {
	return types.Instance{
		ID:        id,
		Template:  testTemplate(template),
		State:     state,
		StartedAt: time.Now(),
	}
}

func TestSetAndGetTemplate(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))

	got, ok := s.GetTemplate("svc-a")
	require.True(t, ok)
	assert.Equal(t, "svc-a", got.Name)

	_, ok = s.GetTemplate("nope")
	assert.False(t, ok)
}

func TestSetTemplateValidation(t *testing.T) {
	s := New()
	err := s.SetTemplate(types.Template{Transport: types.TransportHTTP})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestTemplateCloneIsolation(t *testing.T) {
	s := New()
	tpl := testTemplate("svc-a")
	tpl.Env = map[string]string{"A": "1"}
	require.NoError(t, s.SetTemplate(tpl))

	got, _ := s.GetTemplate("svc-a")
	got.Env["A"] = "mutated"

	again, _ := s.GetTemplate("svc-a")
	assert.Equal(t, "1", again.Env["A"])
}

func TestAtomicUpdateOrderingAndVisibility(t *testing.T) {
	// Scenario: template + instance + health + metrics in one commit. A
	// subscriber must see the exact event order, and during the first
	// event's delivery all four reads must already reflect committed state.
	s := New()

	var order []EventType
	var sawCommitted bool
	unsub := s.Subscribe(func(ev Event) {
		order = append(order, ev.Type)
		if len(order) == 1 {
			_, t1 := s.GetTemplate("svc-a")
			_, i1 := s.GetInstance("a-1")
			_, h1 := s.GetHealth("a-1")
			m, m1 := s.GetMetric("a-1")
			sawCommitted = t1 && i1 && h1 && m1 && m.RequestCount == 1
		}
	})
	defer unsub()

	err := s.AtomicUpdate(func(tx *Tx) error {
		if err := tx.SetTemplate(testTemplate("svc-a")); err != nil {
			return err
		}
		if err := tx.SetInstance(testInstance("a-1", "svc-a", types.StateRunning)); err != nil {
			return err
		}
		if err := tx.SetHealth("a-1", types.HealthSnapshot{Healthy: true, LatencyMs: 12, ObservedAt: time.Now()}); err != nil {
			return err
		}
		return tx.SetMetric("a-1", types.LoadMetric{RequestCount: 1, AddedAt: time.Now()})
	})
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTemplateSet, EventInstanceSet, EventHealthUpdate, EventMetricsUpdate,
	}, order)
	assert.True(t, sawCommitted, "first event delivered before commit was visible")
}

func TestAtomicUpdateRollback(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("keep")))

	var events int
	unsub := s.Subscribe(func(Event) { events++ })
	defer unsub()
	rev := s.Revision()

	err := s.AtomicUpdate(func(tx *Tx) error {
		require.NoError(t, tx.SetTemplate(testTemplate("doomed")))
		require.NoError(t, tx.SetInstance(testInstance("d-1", "doomed", types.StateRunning)))
		// A failing nested write aborts the whole update.
		return tx.SetHealth("missing", types.HealthSnapshot{Healthy: true})
	})
	require.Error(t, err)

	_, ok := s.GetTemplate("doomed")
	assert.False(t, ok, "rolled-back template is visible")
	_, ok = s.GetInstance("d-1")
	assert.False(t, ok, "rolled-back instance is visible")
	assert.Zero(t, events, "events emitted for rolled-back update")
	assert.Equal(t, rev, s.Revision(), "revision bumped for rolled-back update")
}

func TestRemoveInstanceCascades(t *testing.T) {
	s := New()
	require.NoError(t, s.AtomicUpdate(func(tx *Tx) error {
		_ = tx.SetTemplate(testTemplate("svc-a"))
		_ = tx.SetInstance(testInstance("a-1", "svc-a", types.StateRunning))
		_ = tx.SetHealth("a-1", types.HealthSnapshot{Healthy: true})
		return tx.SetMetric("a-1", types.LoadMetric{AddedAt: time.Now()})
	}))

	var order []EventType
	unsub := s.Subscribe(func(ev Event) { order = append(order, ev.Type) })
	defer unsub()

	require.NoError(t, s.RemoveInstance("a-1"))

	assert.Equal(t, []EventType{
		EventInstanceRemove, EventHealthRemove, EventMetricsRemove,
	}, order)

	_, ok := s.GetHealth("a-1")
	assert.False(t, ok)
	_, ok = s.GetMetric("a-1")
	assert.False(t, ok)
}

func TestRemoveTemplatePrecondition(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))
	require.NoError(t, s.SetInstance(testInstance("a-1", "svc-a", types.StateRunning)))

	err := s.RemoveTemplate("svc-a")
	require.Error(t, err)
	assert.Equal(t, errs.PreconditionFailed, errs.CodeOf(err))

	// Terminal instances do not block removal.
	stopped := types.StateStopped
	require.NoError(t, s.PatchInstance("a-1", InstancePatch{State: &stopped}))
	require.NoError(t, s.RemoveTemplate("svc-a"))
}

func TestRemoveTemplateNotFound(t *testing.T) {
	s := New()
	err := s.RemoveTemplate("ghost")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestInstanceStateMachine(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))
	require.NoError(t, s.SetInstance(testInstance("a-1", "svc-a", types.StateIdle)))

	set := func(state types.InstanceState) error {
		return s.PatchInstance("a-1", InstancePatch{State: &state})
	}

	require.NoError(t, set(types.StateStarting))
	require.NoError(t, set(types.StateRunning))
	require.NoError(t, set(types.StateDegraded))
	require.NoError(t, set(types.StateRunning))

	// running → idle is illegal.
	err := set(types.StateIdle)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	require.NoError(t, set(types.StateStopped))
	// stopped is terminal.
	err = set(types.StateRunning)
	require.Error(t, err)
}

func TestPatchInstanceMetadataMergesShallowly(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))
	inst := testInstance("a-1", "svc-a", types.StateRunning)
	inst.Metadata = map[string]string{"region": "us", "zone": "a"}
	require.NoError(t, s.SetInstance(inst))

	require.NoError(t, s.PatchInstance("a-1", InstancePatch{
		Metadata:        map[string]string{"zone": "b", "extra": "x"},
		ErrorCountDelta: 2,
	}))

	got, _ := s.GetInstance("a-1")
	assert.Equal(t, "us", got.Metadata["region"])
	assert.Equal(t, "b", got.Metadata["zone"])
	assert.Equal(t, "x", got.Metadata["extra"])
	assert.Equal(t, int64(2), got.ErrorCount)
}

func TestMetricCountersNonDecreasing(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))
	require.NoError(t, s.SetInstance(testInstance("a-1", "svc-a", types.StateRunning)))
	require.NoError(t, s.SetMetric("a-1", types.LoadMetric{RequestCount: 5, ErrorCount: 1}))

	err := s.SetMetric("a-1", types.LoadMetric{RequestCount: 4, ErrorCount: 1})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestNestedAtomicSingleRevision(t *testing.T) {
	s := New()
	before := s.Revision()

	err := s.AtomicUpdate(func(tx *Tx) error {
		if err := tx.SetTemplate(testTemplate("outer")); err != nil {
			return err
		}
		return tx.Atomic(func(tx *Tx) error {
			return tx.SetTemplate(testTemplate("inner"))
		})
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, s.Revision())

	_, ok := s.GetTemplate("inner")
	assert.True(t, ok)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	s := New()

	var delivered int
	unsub1 := s.Subscribe(func(Event) { panic("boom") })
	defer unsub1()
	unsub2 := s.Subscribe(func(Event) { delivered++ })
	defer unsub2()

	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))
	assert.Equal(t, 1, delivered)
}

func TestPersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := New()
	p, err := NewPersister(s, dir)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, s.SetTemplate(testTemplate("svc-a")))

	path := filepath.Join(dir, "svc-a.json")
	_, err = os.Stat(path)
	require.NoError(t, err, "template file not written")

	// A fresh store loads it back.
	s2 := New()
	p2, err := NewPersister(s2, dir)
	require.NoError(t, err)
	require.NoError(t, p2.Load())
	got, ok := s2.GetTemplate("svc-a")
	require.True(t, ok)
	assert.Equal(t, types.TransportSubprocess, got.Transport)

	// Removal deletes the file.
	require.NoError(t, s.RemoveTemplate("svc-a"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "template file not removed")
}

func TestPersisterLoadsYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc-y.yaml"), []byte(`
name: svc-y
transport: http
baseUrl: http://svc-y.internal:9000
auth:
  type: bearer
  token: tok
timeoutMs: 5000
`), 0o644))

	s := New()
	p, err := NewPersister(s, dir)
	require.NoError(t, err)
	require.NoError(t, p.Load())

	got, ok := s.GetTemplate("svc-y")
	require.True(t, ok)
	assert.Equal(t, types.TransportHTTP, got.Transport)
	assert.Equal(t, "http://svc-y.internal:9000", got.BaseURL)
	require.NotNil(t, got.Auth)
	assert.Equal(t, "bearer", got.Auth.Type)
	assert.Equal(t, 5000, got.TimeoutMs)
}

func TestPersisterLoadSkipsMismatchedName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"),
		[]byte(`{"name":"svc-a","transport":"http","baseUrl":"http://x"}`), 0o644))

	s := New()
	p, err := NewPersister(s, dir)
	require.NoError(t, err)
	require.NoError(t, p.Load())

	_, ok := s.GetTemplate("svc-a")
	assert.False(t, ok, "mismatched file should be skipped")
}
