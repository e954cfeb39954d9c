package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/types"
)

func candidate(id string, metric types.LoadMetric) Candidate {
	return Candidate{
		Instance: types.Instance{ID: id, State: types.StateRunning},
		Metric:   metric,
	}
}

func pickIDs(t *testing.T, b Balancer, key string, candidates []Candidate, n int) []string {
	t.Helper()
	now := time.Now()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		inst, err := b.Pick(key, candidates, now)
		require.NoError(t, err)
		ids[i] = inst.ID
	}
	return ids
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New("chaos")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestStrategyAliases(t *testing.T) {
	for strategy, want := range map[string]string{
		"":                 StrategyRoundRobin,
		StrategyCost:       StrategyCost,
		StrategyContentAware: StrategyContentAware,
	} {
		b, err := New(strategy)
		require.NoError(t, err)
		assert.Equal(t, want, b.Strategy())
	}
}

func TestPickEmptyCandidates(t *testing.T) {
	for _, strategy := range []string{StrategyRoundRobin, StrategyLeastLoaded, StrategyPerformance} {
		b, err := New(strategy)
		require.NoError(t, err)
		_, err = b.Pick("k", nil, time.Now())
		require.Error(t, err, strategy)
		assert.Equal(t, errs.NoHealthyInstance, errs.CodeOf(err), strategy)
	}
}

func TestSingleCandidateAlwaysWins(t *testing.T) {
	for _, strategy := range []string{StrategyRoundRobin, StrategyLeastLoaded, StrategyPerformance} {
		b, err := New(strategy)
		require.NoError(t, err)
		only := []Candidate{candidate("i-1", types.LoadMetric{})}
		assert.Equal(t, []string{"i-1", "i-1", "i-1"}, pickIDs(t, b, "k", only, 3), strategy)
	}
}

func TestRoundRobinRotatesInIdOrder(t *testing.T) {
	b, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	// Deliberately unsorted input; rotation follows id order.
	candidates := []Candidate{
		candidate("i-c", types.LoadMetric{}),
		candidate("i-a", types.LoadMetric{}),
		candidate("i-b", types.LoadMetric{}),
	}
	assert.Equal(t,
		[]string{"i-a", "i-b", "i-c", "i-a", "i-b", "i-c"},
		pickIDs(t, b, "k", candidates, 6))
}

func TestRoundRobinCursorsPerKey(t *testing.T) {
	b, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	candidates := []Candidate{
		candidate("i-a", types.LoadMetric{}),
		candidate("i-b", types.LoadMetric{}),
	}
	assert.Equal(t, []string{"i-a", "i-b"}, pickIDs(t, b, "tmpl-1", candidates, 2))
	// A different key starts its own rotation from the beginning.
	assert.Equal(t, []string{"i-a"}, pickIDs(t, b, "tmpl-2", candidates, 1))
}

func TestLeastLoadedPicksFewestRequests(t *testing.T) {
	b, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	candidates := []Candidate{
		candidate("i-a", types.LoadMetric{RequestCount: 10}),
		candidate("i-b", types.LoadMetric{RequestCount: 2}),
		candidate("i-c", types.LoadMetric{RequestCount: 7}),
	}
	inst, err := b.Pick("k", candidates, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "i-b", inst.ID)
}

func TestLeastLoadedTieBreaksById(t *testing.T) {
	b, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	candidates := []Candidate{
		candidate("i-b", types.LoadMetric{RequestCount: 3}),
		candidate("i-a", types.LoadMetric{RequestCount: 3}),
	}
	inst, err := b.Pick("k", candidates, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "i-a", inst.ID)
}

func TestScoreCombinesLatencyAndErrors(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)

	tests := []struct {
		name   string
		metric types.LoadMetric
		want   float64
	}{
		{"pristine", types.LoadMetric{AddedAt: old}, 1.0},
		{"half latency", types.LoadMetric{AvgLatencyMs: 2500, AddedAt: old}, 0.75},
		{"latency past ceiling clamps", types.LoadMetric{AvgLatencyMs: 60000, AddedAt: old}, 0.5},
		{"all errors", types.LoadMetric{RequestCount: 10, ErrorCount: 10, AddedAt: old}, 0.5},
		{"slow and failing", types.LoadMetric{AvgLatencyMs: 5000, RequestCount: 4, ErrorCount: 4, AddedAt: old}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.metric, DefaultWarmup, now), 1e-9)
		})
	}
}

func TestScoreWarmupRampsLinearly(t *testing.T) {
	now := time.Now()
	m := types.LoadMetric{AddedAt: now.Add(-DefaultWarmup / 2)}
	assert.InDelta(t, 0.5, Score(m, DefaultWarmup, now), 1e-9)

	m.AddedAt = now.Add(-DefaultWarmup / 4)
	assert.InDelta(t, 0.25, Score(m, DefaultWarmup, now), 1e-9)

	m.AddedAt = now.Add(-2 * DefaultWarmup)
	assert.InDelta(t, 1.0, Score(m, DefaultWarmup, now), 1e-9)
}

// A warmed-up healthy instance beats a fresh one even when the fresh one has
// a perfect record, so new capacity takes traffic gradually.
func TestPerformancePrefersWarmedInstance(t *testing.T) {
	b, err := New(StrategyPerformance)
	require.NoError(t, err)
	now := time.Now()

	candidates := []Candidate{
		candidate("i-fresh", types.LoadMetric{AddedAt: now.Add(-time.Second)}),
		candidate("i-warm", types.LoadMetric{AddedAt: now.Add(-time.Minute), AvgLatencyMs: 100}),
	}
	inst, err := b.Pick("k", candidates, now)
	require.NoError(t, err)
	assert.Equal(t, "i-warm", inst.ID)
}

func TestPerformanceRoundRobinsTies(t *testing.T) {
	b, err := New(StrategyPerformance)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	candidates := []Candidate{
		candidate("i-a", types.LoadMetric{AddedAt: old}),
		candidate("i-b", types.LoadMetric{AddedAt: old}),
	}
	assert.Equal(t, []string{"i-a", "i-b", "i-a", "i-b"}, pickIDs(t, b, "k", candidates, 4))
}

func TestPerformanceAvoidsFailingInstance(t *testing.T) {
	b, err := New(StrategyPerformance)
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)

	candidates := []Candidate{
		candidate("i-bad", types.LoadMetric{AddedAt: old, RequestCount: 10, ErrorCount: 9}),
		candidate("i-good", types.LoadMetric{AddedAt: old, RequestCount: 10}),
	}
	for i := 0; i < 5; i++ {
		inst, err := b.Pick("k", candidates, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "i-good", inst.ID)
	}
}
