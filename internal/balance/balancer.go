// Package balance selects which running instance serves a request. All
// strategies operate on point-in-time snapshots of instances and their load
// metrics; the balancer holds no references into the store.
package balance

import (
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/types"
)

// Strategy names accepted by New.
const (
	StrategyRoundRobin   = "round-robin"
	StrategyLeastLoaded  = "least-loaded"
	StrategyPerformance  = "performance"
	StrategyCost         = "cost"
	StrategyContentAware = "content-aware"
)

// DefaultWarmup is how long a fresh instance's score ramps from 0 to full.
const DefaultWarmup = 10 * time.Second

// Candidate pairs an instance snapshot with its load metric.
type Candidate struct {
	Instance types.Instance
	Metric   types.LoadMetric
}

// Balancer picks one candidate per Pick call according to its strategy.
type Balancer interface {
	// Strategy returns the name the balancer was built with.
	Strategy() string

	// Pick chooses among candidates. key groups round-robin cursors (one
	// rotation per template, typically). Candidates must be non-empty.
	Pick(key string, candidates []Candidate, now time.Time) (types.Instance, error)
}

// New builds a balancer for the named strategy. Cost routing degenerates to
// round-robin and content-aware to performance scoring until richer signals
// exist, so both map onto their base strategies.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin, StrategyCost, "":
		return &roundRobin{name: orDefault(strategy, StrategyRoundRobin), cursors: make(map[string]int)}, nil
	case StrategyLeastLoaded:
		return &leastLoaded{}, nil
	case StrategyPerformance, StrategyContentAware:
		return &performance{name: strategy, warmup: DefaultWarmup, cursors: make(map[string]int)}, nil
	default:
		return nil, errs.New(errs.InvalidArgument, "unknown balance strategy %q", strategy)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// sortByID orders candidates by instance id so every strategy walks a stable
// sequence regardless of map iteration order upstream.
func sortByID(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Instance.ID < candidates[j].Instance.ID
	})
}

// roundRobin rotates through id-sorted candidates, one cursor per key.
type roundRobin struct {
	name    string
	mu      sync.Mutex
	cursors map[string]int
}

func (r *roundRobin) Strategy() string { return r.name }

func (r *roundRobin) Pick(key string, candidates []Candidate, now time.Time) (types.Instance, error) {
	if len(candidates) == 0 {
		return types.Instance{}, errs.New(errs.NoHealthyInstance, "no candidates for %q", key)
	}
	sortByID(candidates)

	r.mu.Lock()
	idx := r.cursors[key] % len(candidates)
	r.cursors[key] = idx + 1
	r.mu.Unlock()

	return candidates[idx].Instance, nil
}

// leastLoaded picks the candidate with the fewest recorded requests,
// breaking ties by id order.
type leastLoaded struct{}

func (l *leastLoaded) Strategy() string { return StrategyLeastLoaded }

func (l *leastLoaded) Pick(key string, candidates []Candidate, now time.Time) (types.Instance, error) {
	if len(candidates) == 0 {
		return types.Instance{}, errs.New(errs.NoHealthyInstance, "no candidates for %q", key)
	}
	sortByID(candidates)

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Metric.RequestCount < candidates[best].Metric.RequestCount {
			best = i
		}
	}
	return candidates[best].Instance, nil
}

// performance scores candidates on latency and error rate, damped by a
// linear warmup so a fresh instance is not flooded before it has history.
// Score ties round-robin among the tied set.
type performance struct {
	name    string
	warmup  time.Duration
	mu      sync.Mutex
	cursors map[string]int
}

func (p *performance) Strategy() string { return p.name }

// latencyCeilingMs is where latency contributes zero to the score.
const latencyCeilingMs = 5000.0

// Score computes the candidate's routing score at the given time.
func Score(m types.LoadMetric, warmup time.Duration, now time.Time) float64 {
	latency := m.AvgLatencyMs / latencyCeilingMs
	if latency > 1 {
		latency = 1
	}
	score := 0.5*(1-latency) + 0.5*(1-m.ErrorRate())

	if warmup > 0 && !m.AddedAt.IsZero() {
		age := now.Sub(m.AddedAt)
		if age < warmup {
			score *= float64(age) / float64(warmup)
		}
	}
	return score
}

func (p *performance) Pick(key string, candidates []Candidate, now time.Time) (types.Instance, error) {
	if len(candidates) == 0 {
		return types.Instance{}, errs.New(errs.NoHealthyInstance, "no candidates for %q", key)
	}
	sortByID(candidates)

	best := -1.0
	var tied []Candidate
	for _, c := range candidates {
		score := Score(c.Metric, p.warmup, now)
		switch {
		case score > best:
			best = score
			tied = tied[:0]
			tied = append(tied, c)
		case score == best:
			tied = append(tied, c)
		}
	}

	p.mu.Lock()
	idx := p.cursors[key] % len(tied)
	p.cursors[key] = idx + 1
	p.mu.Unlock()

	return tied[idx].Instance, nil
}
