// Package types defines the registry's core data model: templates that
// describe how to reach a backend, instances realized from them, and the
// per-instance health and load observations the gateway maintains.
package types

import (
	"fmt"
	"time"
)

// TransportKind selects how an adapter reaches a backend.
type TransportKind string

const (
	TransportSubprocess TransportKind = "subprocess"
	TransportHTTP       TransportKind = "http"
	TransportHTTPStream TransportKind = "http-stream"
)

// Valid reports whether k is a known transport kind.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportSubprocess, TransportHTTP, TransportHTTPStream:
		return true
	}
	return false
}

// Outbound auth descriptor types.
const (
	AuthBearer = "bearer"
	AuthHeader = "header"
)

// AuthDescriptor configures outbound authentication for HTTP-based
// transports. Type is "bearer" or "header".
type AuthDescriptor struct {
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Template is the declarative recipe for launching or reaching one kind of
// backend. Templates are owned by the observation store and mutated only by
// explicit upsert.
type Template struct {
	Name      string        `json:"name" yaml:"name"`
	Version   string        `json:"version,omitempty" yaml:"version,omitempty"`
	Transport TransportKind `json:"transport" yaml:"transport"`

	// Subprocess transport.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// HTTP and http-stream transports.
	BaseURL string          `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Auth    *AuthDescriptor `json:"auth,omitempty" yaml:"auth,omitempty"`

	TimeoutMs  int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Retries    int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	TrustLevel string `json:"trustLevel,omitempty" yaml:"trustLevel,omitempty"`
}

// DefaultTimeoutMs applies when a template does not set one.
const DefaultTimeoutMs = 30000

// Timeout returns the template's request timeout as a duration.
func (t Template) Timeout() time.Duration {
	ms := t.TimeoutMs
	if ms <= 0 {
		ms = DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate checks the template for schema violations.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if !t.Transport.Valid() {
		return fmt.Errorf("unknown transport %q", t.Transport)
	}
	switch t.Transport {
	case TransportSubprocess:
		if t.Command == "" {
			return fmt.Errorf("template %s: subprocess transport requires a command", t.Name)
		}
	case TransportHTTP, TransportHTTPStream:
		if t.BaseURL == "" {
			return fmt.Errorf("template %s: %s transport requires a baseUrl", t.Name, t.Transport)
		}
	}
	if t.TimeoutMs < 0 {
		return fmt.Errorf("template %s: timeoutMs must be non-negative", t.Name)
	}
	if t.Retries < 0 {
		return fmt.Errorf("template %s: retries must be non-negative", t.Name)
	}
	return nil
}

// Clone returns a deep copy. Instances hold template snapshots by value, so
// later template mutations must not leak into them.
func (t Template) Clone() Template {
	out := t
	if t.Args != nil {
		out.Args = append([]string(nil), t.Args...)
	}
	if t.Env != nil {
		out.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			out.Env[k] = v
		}
	}
	if t.Auth != nil {
		auth := *t.Auth
		out.Auth = &auth
	}
	return out
}

// InstanceState is the lifecycle state of an instance.
type InstanceState string

const (
	StateIdle     InstanceState = "idle"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateDegraded InstanceState = "degraded"
	StateStopped  InstanceState = "stopped"
	StateFailed   InstanceState = "failed"
)

// transitions encodes the instance state machine. stop is allowed from any
// non-terminal state; failed and stopped are terminal.
var transitions = map[InstanceState][]InstanceState{
	StateIdle:     {StateStarting, StateStopped},
	StateStarting: {StateRunning, StateFailed, StateStopped},
	StateRunning:  {StateDegraded, StateFailed, StateStopped},
	StateDegraded: {StateRunning, StateFailed, StateStopped},
}

// CanTransition reports whether from → to is a legal state transition.
func CanTransition(from, to InstanceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Instance is a live realization of a template. The Template field is a
// snapshot taken at start time.
type Instance struct {
	ID           string            `json:"id"`
	Template     Template          `json:"template"`
	State        InstanceState     `json:"state"`
	PID          int               `json:"pid,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	LastHealthAt time.Time         `json:"lastHealthAt,omitzero"`
	ErrorCount   int64             `json:"errorCount"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	out := i
	out.Template = i.Template.Clone()
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HealthSnapshot is the latest health observation for an instance. Snapshots
// are replaced wholesale, never merged.
type HealthSnapshot struct {
	Healthy    bool      `json:"healthy"`
	LatencyMs  float64   `json:"latencyMs,omitempty"`
	Error      string    `json:"error,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// LoadMetric tracks per-instance request accounting. RequestCount and
// ErrorCount are non-decreasing.
type LoadMetric struct {
	RequestCount  int64     `json:"requestCount"`
	ErrorCount    int64     `json:"errorCount"`
	AvgLatencyMs  float64   `json:"avgLatencyMs"`
	AddedAt       time.Time `json:"addedAt"`
	LastRequestAt time.Time `json:"lastRequestAt,omitzero"`
}

// ErrorRate returns errors per request, zero when no requests were recorded.
func (m LoadMetric) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// Observe folds one completed request into the metric, updating the moving
// average of latency.
func (m *LoadMetric) Observe(latency time.Duration, failed bool, now time.Time) {
	latencyMs := float64(latency) / float64(time.Millisecond)
	total := m.AvgLatencyMs*float64(m.RequestCount) + latencyMs
	m.RequestCount++
	m.AvgLatencyMs = total / float64(m.RequestCount)
	if failed {
		m.ErrorCount++
	}
	m.LastRequestAt = now
}
