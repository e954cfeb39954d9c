// Package mcp defines the JSON-RPC 2.0 frame used as the wire unit between
// clients, the gateway, and backend servers, plus helpers for id handling
// and frame classification.
package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// Frame is a single MCP message. A frame is a request when Method is set and
// ID is present, a notification when Method is set and ID is absent, and a
// response when Result or Error is set.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error member of a response frame.
type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame with the given id, method and params.
// Params may be nil.
func NewRequest(id int64, method string, params json.RawMessage) *Frame {
	return &Frame{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a notification frame (no id, no response expected).
func NewNotification(method string, params json.RawMessage) *Frame {
	return &Frame{JSONRPC: Version, Method: method, Params: params}
}

// IsResponse reports whether the frame is a response (result or error set).
func (f *Frame) IsResponse() bool {
	return f.Result != nil || f.Error != nil
}

// IsNotification reports whether the frame is a notification (method set,
// no id).
func (f *Frame) IsNotification() bool {
	return f.Method != "" && len(f.ID) == 0
}

// IDKey returns a map key for the frame's id. String and integer ids that
// would collide textually remain distinct because string ids keep their
// quotes. Empty for frames without an id.
func (f *Frame) IDKey() string {
	return string(f.ID)
}

// Validate checks the frame's JSON-RPC envelope. It does not inspect params.
func (f *Frame) Validate() error {
	if f.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", f.JSONRPC)
	}
	if f.Method == "" && !f.IsResponse() {
		return fmt.Errorf("frame has neither method nor result/error")
	}
	return nil
}

// IDGenerator hands out monotonically increasing request ids. The zero value
// is ready to use; ids start at 1.
type IDGenerator struct {
	n atomic.Int64
}

// Next returns the next id.
func (g *IDGenerator) Next() int64 {
	return g.n.Add(1)
}
