package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

// HTTP speaks MCP over one-shot request/response POSTs. Each frame is posted
// to the template's base URL; the response body, when present, is the reply
// frame. There is no push channel, so Receive only drains replies that
// arrived via Send.
type HTTP struct {
	tpl       types.Template
	client    *http.Client
	connected atomic.Bool
	recvq     chan *mcp.Frame
	gen       mcp.IDGenerator
}

// NewHTTP creates an unconnected HTTP adapter for the template.
func NewHTTP(tpl types.Template) *HTTP {
	return &HTTP{
		tpl:    tpl,
		client: &http.Client{Timeout: tpl.Timeout()},
		recvq:  make(chan *mcp.Frame, receiveQueueDepth),
	}
}

// Connect verifies the base URL is set and marks the adapter usable. HTTP
// backends hold no persistent connection, so there is nothing to dial.
func (h *HTTP) Connect(ctx context.Context) error {
	if h.tpl.BaseURL == "" {
		return errs.New(errs.ConnectError, "template %s has no baseUrl", h.tpl.Name)
	}
	h.connected.Store(true)
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (h *HTTP) IsConnected() bool {
	return h.connected.Load()
}

// Send posts one frame. A non-empty response body is parsed and queued for
// Receive.
func (h *HTTP) Send(ctx context.Context, frame *mcp.Frame) error {
	reply, err := h.post(ctx, frame)
	if err != nil {
		return err
	}
	if reply != nil {
		select {
		case h.recvq <- reply:
		default:
			// Queue full; the reply is dropped rather than blocking.
		}
	}
	return nil
}

// Receive drains replies queued by Send. It blocks until one arrives or the
// context ends.
func (h *HTTP) Receive(ctx context.Context) (*mcp.Frame, error) {
	if !h.connected.Load() {
		return nil, errs.New(errs.NotConnected, "http adapter %s not connected", h.tpl.Name)
	}
	select {
	case f := <-h.recvq:
		return f, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, ctx.Err(), "receive cancelled")
	}
}

// SendAndReceive posts the frame (assigning an id when absent) and returns
// the reply parsed from the response body.
func (h *HTTP) SendAndReceive(ctx context.Context, frame *mcp.Frame) (*mcp.Frame, error) {
	if len(frame.ID) == 0 {
		frame.ID = json.RawMessage(fmt.Sprintf("%d", h.gen.Next()))
	}
	reply, err := h.post(ctx, frame)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errs.New(errs.ProtocolError, "empty response from %s", h.tpl.BaseURL)
	}
	return reply, nil
}

// Disconnect marks the adapter unusable. Idempotent.
func (h *HTTP) Disconnect() error {
	h.connected.Store(false)
	return nil
}

func (h *HTTP) post(ctx context.Context, frame *mcp.Frame) (*mcp.Frame, error) {
	if !h.connected.Load() {
		return nil, errs.New(errs.NotConnected, "http adapter %s not connected", h.tpl.Name)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.Wrap(errs.WriteError, err, "marshal frame")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.tpl.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.WriteError, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, h.tpl.Auth)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, err, "post to %s", h.tpl.BaseURL)
		}
		return nil, errs.Wrap(errs.ConnectError, err, "post to %s", h.tpl.BaseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.New(errs.WriteError, "backend %s returned %d", h.tpl.BaseURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.WriteError, err, "read response body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var reply mcp.Frame
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, errs.Wrap(errs.ProtocolError, err, "parse response from %s", h.tpl.BaseURL)
	}
	return &reply, nil
}

// applyAuth sets the credential headers a template's auth descriptor calls
// for.
func applyAuth(req *http.Request, auth *types.AuthDescriptor) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case types.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case types.AuthHeader:
		if auth.Header != "" {
			req.Header.Set(auth.Header, auth.Value)
		}
	}
}
