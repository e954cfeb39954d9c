package transport

import (
	"sync"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
)

// pendingTable correlates in-flight requests with their responses by frame
// id. One table per adapter; concurrent SendAndReceive callers each own one
// entry. Closing the table unblocks every waiter with a closed channel.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *mcp.Frame
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *mcp.Frame)}
}

// register creates a waiter for the given id key. The id must be unique per
// open request on this adapter.
func (p *pendingTable) register(key string) (chan *mcp.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errs.New(errs.Closed, "transport closed")
	}
	if _, dup := p.waiters[key]; dup {
		return nil, errs.New(errs.InvalidArgument, "duplicate in-flight frame id %s", key)
	}
	ch := make(chan *mcp.Frame, 1)
	p.waiters[key] = ch
	return ch, nil
}

// cancel removes a waiter without delivering. A late response for the id
// will fall through to the general receive path.
func (p *pendingTable) cancel(key string) {
	p.mu.Lock()
	delete(p.waiters, key)
	p.mu.Unlock()
}

// resolve routes a response frame to its waiter. Returns false when no
// waiter is registered for the frame's id.
func (p *pendingTable) resolve(frame *mcp.Frame) bool {
	key := frame.IDKey()
	if key == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// closeAll unblocks every waiter with Closed and rejects future registers.
// Idempotent.
func (p *pendingTable) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for key, ch := range p.waiters {
		close(ch)
		delete(p.waiters, key)
	}
}
