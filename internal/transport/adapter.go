// Package transport bridges MCP JSON-RPC frames over three backend
// transports: child-process standard streams, one-shot HTTP POST, and a
// server-sent-events push channel paired with a POST sink. All three expose
// the same Adapter contract; concurrent callers multiplex over a shared
// pending-response table keyed by frame id.
package transport

import (
	"context"
	"time"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

// Adapter is the common transport contract. Connect and Disconnect are
// idempotent. Receive returns incoming frames in transport order;
// SendAndReceive correlates a request with its response by frame id.
type Adapter interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, frame *mcp.Frame) error
	Receive(ctx context.Context) (*mcp.Frame, error)
	SendAndReceive(ctx context.Context, frame *mcp.Frame) (*mcp.Frame, error)
	Disconnect() error
	IsConnected() bool
}

// Hooks are optional adapter callbacks. Log receives captured process/stream
// log lines; Exit fires when a subprocess terminates with the given code.
type Hooks struct {
	Log  func(line string)
	Exit func(code int)
}

// New builds an adapter for the instance's template snapshot.
func New(inst types.Instance, hooks Hooks) (Adapter, error) {
	switch inst.Template.Transport {
	case types.TransportSubprocess:
		return NewSubprocess(inst.Template, hooks), nil
	case types.TransportHTTP:
		return NewHTTP(inst.Template), nil
	case types.TransportHTTPStream:
		return NewHTTPStream(inst.Template), nil
	default:
		return nil, errs.New(errs.InvalidArgument, "unknown transport %q", inst.Template.Transport)
	}
}

// receiveQueueDepth bounds the general (unmatched-frame) receive queue.
const receiveQueueDepth = 100

// awaitReply waits on a pending-table channel for up to timeout. It maps
// channel close to Closed, deadline to Timeout, and removes the pending
// entry on the way out so a late response cannot satisfy an unrelated
// future request.
func awaitReply(ctx context.Context, p *pendingTable, key string, ch <-chan *mcp.Frame, timeout time.Duration) (*mcp.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errs.New(errs.Closed, "transport closed while awaiting reply")
		}
		return reply, nil
	case <-timer.C:
		p.cancel(key)
		return nil, errs.New(errs.Timeout, "no reply within %s", timeout)
	case <-ctx.Done():
		p.cancel(key)
		return nil, errs.Wrap(errs.Timeout, ctx.Err(), "request cancelled")
	}
}
