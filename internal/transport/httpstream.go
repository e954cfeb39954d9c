package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

// HTTPStream speaks MCP over a long-lived server-sent-events channel for
// inbound frames plus an HTTP POST sink for outbound ones. The backend may
// announce its sink via an initial "endpoint" event; otherwise the sink
// defaults to baseUrl + "/messages".
type HTTPStream struct {
	tpl    types.Template
	client *http.Client

	mu        sync.Mutex
	sinkURL   atomic.Value // string
	connected atomic.Bool

	pending  *pendingTable
	recvq    chan *mcp.Frame
	closec   chan struct{}
	teardown func() // closes this connection's closec exactly once
	gen      mcp.IDGenerator
	wg       sync.WaitGroup
}

// NewHTTPStream creates an unconnected SSE adapter for the template.
func NewHTTPStream(tpl types.Template) *HTTPStream {
	// No client-level timeout: the SSE GET is expected to live for the
	// duration of the connection. Per-request deadlines come from contexts.
	return &HTTPStream{
		tpl:    tpl,
		client: &http.Client{},
	}
}

// Connect opens the SSE stream and waits for it to be established.
// Idempotent.
func (h *HTTPStream) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connected.Load() {
		return nil
	}
	if h.tpl.BaseURL == "" {
		return errs.New(errs.ConnectError, "template %s has no baseUrl", h.tpl.Name)
	}
	// A previous connection's reader must be fully gone before its channels
	// are replaced.
	h.wg.Wait()

	streamCtx, cancel := context.WithCancel(context.Background())
	h.pending = newPendingTable()
	h.recvq = make(chan *mcp.Frame, receiveQueueDepth)
	h.closec = make(chan struct{})
	h.sinkURL.Store(strings.TrimRight(h.tpl.BaseURL, "/") + "/messages")

	// The reader and Disconnect can race to tear the connection down when
	// the backend drops the stream mid-reap; the Once makes the loser a
	// no-op instead of a double close.
	once := new(sync.Once)
	pending, closec := h.pending, h.closec
	h.teardown = func() {
		once.Do(func() {
			h.connected.Store(false)
			pending.closeAll()
			close(closec)
			cancel()
		})
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, h.tpl.BaseURL, nil)
	if err != nil {
		cancel()
		return errs.Wrap(errs.ConnectError, err, "build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	applyAuth(req, h.tpl.Auth)

	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		return errs.Wrap(errs.ConnectError, err, "open stream to %s", h.tpl.BaseURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errs.New(errs.ConnectError, "stream endpoint %s returned %d", h.tpl.BaseURL, resp.StatusCode)
	}

	h.wg.Add(1)
	go h.readStream(resp.Body)

	h.connected.Store(true)
	return nil
}

// IsConnected reports whether the SSE stream is open.
func (h *HTTPStream) IsConnected() bool {
	return h.connected.Load()
}

// Send posts one frame to the sink URL.
func (h *HTTPStream) Send(ctx context.Context, frame *mcp.Frame) error {
	if !h.connected.Load() {
		return errs.New(errs.NotConnected, "stream adapter %s not connected", h.tpl.Name)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.WriteError, err, "marshal frame")
	}

	sink := h.sinkURL.Load().(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.WriteError, err, "build sink request")
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, h.tpl.Auth)

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.WriteError, err, "post to sink %s", sink)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(errs.WriteError, "sink %s returned %d", sink, resp.StatusCode)
	}
	return nil
}

// Receive returns the next unmatched frame pushed over the stream.
func (h *HTTPStream) Receive(ctx context.Context) (*mcp.Frame, error) {
	if !h.connected.Load() {
		return nil, errs.New(errs.NotConnected, "stream adapter %s not connected", h.tpl.Name)
	}
	select {
	case f := <-h.recvq:
		return f, nil
	case <-h.closec:
		return nil, errs.New(errs.Closed, "stream adapter %s closed", h.tpl.Name)
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, ctx.Err(), "receive cancelled")
	}
}

// SendAndReceive posts the frame to the sink (assigning an id when absent)
// and waits up to the template timeout for the response pushed back over the
// stream.
func (h *HTTPStream) SendAndReceive(ctx context.Context, frame *mcp.Frame) (*mcp.Frame, error) {
	if !h.connected.Load() {
		return nil, errs.New(errs.NotConnected, "stream adapter %s not connected", h.tpl.Name)
	}
	if len(frame.ID) == 0 {
		frame.ID = json.RawMessage(fmt.Sprintf("%d", h.gen.Next()))
	}
	key := frame.IDKey()

	ch, err := h.pending.register(key)
	if err != nil {
		return nil, err
	}
	if err := h.Send(ctx, frame); err != nil {
		h.pending.cancel(key)
		return nil, err
	}
	return awaitReply(ctx, h.pending, key, ch, h.tpl.Timeout())
}

// Disconnect closes the SSE stream and unblocks all waiters. Idempotent.
func (h *HTTPStream) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.teardown == nil {
		return nil
	}
	h.teardown()
	h.wg.Wait()
	return nil
}

// readStream parses SSE events off the response body. "endpoint" events
// update the sink URL; everything else carrying a data payload is treated as
// a frame.
func (h *HTTPStream) readStream(body io.ReadCloser) {
	defer h.wg.Done()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				h.handleEvent(event, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id: and retry: lines are ignored.
	}

	// Stream ended, locally or by the backend; either way the connection
	// is down.
	h.teardown()
}

func (h *HTTPStream) handleEvent(event, data string) {
	if event == "endpoint" {
		h.setSink(data)
		return
	}

	var frame mcp.Frame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		log.Printf("transport: %s stream: drop malformed frame: %v", h.tpl.Name, err)
		return
	}
	if h.pending.resolve(&frame) {
		return
	}
	select {
	case h.recvq <- &frame:
	case <-h.closec:
	}
}

// setSink resolves an announced endpoint against the base URL so relative
// paths work.
func (h *HTTPStream) setSink(endpoint string) {
	base, err := url.Parse(h.tpl.BaseURL)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		log.Printf("transport: %s: bad endpoint event %q: %v", h.tpl.Name, endpoint, err)
		return
	}
	h.sinkURL.Store(base.ResolveReference(ref).String())
}
