// Package mcpgate provides a minimal public API for embedding the gateway.
//
// Most integrations should talk to a running gateway over its HTTP control
// surface. This package exports only the essential types and constructors
// for Go programs that want to manage templates and dispatch requests
// in-process.
package mcpgate

import (
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/types"
)

// Core types for describing backends and their live instances
type (
	Template       = types.Template
	Instance       = types.Instance
	InstanceState  = types.InstanceState
	HealthSnapshot = types.HealthSnapshot
	LoadMetric     = types.LoadMetric
)

// Instance state constants
const (
	StateIdle     = types.StateIdle
	StateStarting = types.StateStarting
	StateRunning  = types.StateRunning
	StateDegraded = types.StateDegraded
	StateStopped  = types.StateStopped
	StateFailed   = types.StateFailed
)

// Transport kind constants
const (
	TransportSubprocess = types.TransportSubprocess
	TransportHTTP       = types.TransportHTTP
	TransportHTTPStream = types.TransportHTTPStream
)

// Frame is a JSON-RPC 2.0 message as exchanged with backends.
type Frame = mcp.Frame

// Store is the in-memory registry of templates, instances, health, and
// load metrics.
type Store = store.Store

// NewStore creates an empty registry.
func NewStore() *Store {
	return store.New()
}

// NewRequest builds a request frame. Params may be nil.
func NewRequest(id int64, method string, params []byte) *Frame {
	return mcp.NewRequest(id, method, params)
}
