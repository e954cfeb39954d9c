//go:build !windows

package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

func catTemplate() types.Template {
	return types.Template{
		Name:      "echo-cat",
		Transport: types.TransportSubprocess,
		Command:   "cat",
		TimeoutMs: 2000,
	}
}

// cat echoes stdin to stdout, so every request comes straight back with its
// own id and resolves its waiter.
func TestSubprocessRoundTrip(t *testing.T) {
	s := NewSubprocess(catTemplate(), Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	require.True(t, s.IsConnected())
	assert.NotZero(t, s.PID())

	reply, err := s.SendAndReceive(context.Background(), mcp.NewRequest(1, "ping", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", reply.IDKey())
	assert.Equal(t, "ping", reply.Method)
}

func TestSubprocessConnectIdempotent(t *testing.T) {
	s := NewSubprocess(catTemplate(), Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	pid := s.PID()
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, pid, s.PID(), "second Connect must not respawn")
}

func TestSubprocessConcurrentRequests(t *testing.T) {
	s := NewSubprocess(catTemplate(), Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			reply, err := s.SendAndReceive(context.Background(), mcp.NewRequest(id, "ping", nil))
			if assert.NoError(t, err) {
				assert.Equal(t, mcp.NewRequest(id, "", nil).IDKey(), reply.IDKey())
			}
		}(i)
	}
	wg.Wait()
}

func TestSubprocessStderrCapture(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	tpl := types.Template{
		Name:      "stderr-writer",
		Transport: types.TransportSubprocess,
		Command:   "sh",
		Args:      []string{"-c", `echo "first warning" >&2; echo "second warning" >&2; cat`},
		TimeoutMs: 2000,
	}
	s := NewSubprocess(tpl, Hooks{
		Log: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first warning", "second warning"}, lines)
}

// An exit the adapter did not initiate fires the Exit hook with the
// process's code; a local Disconnect does not.
func TestSubprocessExitHook(t *testing.T) {
	exitc := make(chan int, 1)
	tpl := types.Template{
		Name:      "short-lived",
		Transport: types.TransportSubprocess,
		Command:   "sh",
		Args:      []string{"-c", "exit 3"},
		TimeoutMs: 2000,
	}
	s := NewSubprocess(tpl, Hooks{Exit: func(code int) { exitc <- code }})
	require.NoError(t, s.Connect(context.Background()))

	select {
	case code := <-exitc:
		assert.Equal(t, 3, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Exit hook not called")
	}
}

func TestSubprocessDisconnectSuppressesExitHook(t *testing.T) {
	exitc := make(chan int, 1)
	s := NewSubprocess(catTemplate(), Hooks{Exit: func(code int) { exitc <- code }})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())

	select {
	case code := <-exitc:
		t.Fatalf("Exit hook called with %d on local disconnect", code)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, s.IsConnected())
}

// A child that floods stdout and exits must not lose frames: every parsed
// object is served in order, and only then does Receive report Closed.
func TestSubprocessDrainsOutputAfterExit(t *testing.T) {
	const total = 200
	tpl := types.Template{
		Name:      "burst-then-exit",
		Transport: types.TransportSubprocess,
		Command:   "sh",
		Args: []string{"-c",
			`i=1; while [ $i -le 200 ]; do printf '{"jsonrpc":"2.0","id":%d,"method":"tick"}' "$i"; i=$((i+1)); done`},
		TimeoutMs: 5000,
	}
	s := NewSubprocess(tpl, Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= total; i++ {
		frame, err := s.Receive(ctx)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, mcp.NewRequest(int64(i), "", nil).IDKey(), frame.IDKey())
	}
	_, err := s.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.Closed, errs.CodeOf(err))
}

// An unexpected exit with nothing buffered unblocks a waiting Receive with
// Closed rather than leaving it hanging until its own deadline.
func TestSubprocessReceiveUnblocksOnExit(t *testing.T) {
	tpl := types.Template{
		Name:      "silent-exit",
		Transport: types.TransportSubprocess,
		Command:   "sh",
		Args:      []string{"-c", "sleep 0.1"},
		TimeoutMs: 2000,
	}
	s := NewSubprocess(tpl, Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.Closed, errs.CodeOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSubprocessClosedAfterDisconnect(t *testing.T) {
	s := NewSubprocess(catTemplate(), Hooks{})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())

	err := s.Send(context.Background(), mcp.NewRequest(1, "ping", nil))
	require.Error(t, err)
	assert.Equal(t, errs.NotConnected, errs.CodeOf(err))

	_, err = s.SendAndReceive(context.Background(), mcp.NewRequest(2, "ping", nil))
	require.Error(t, err)
	assert.Equal(t, errs.NotConnected, errs.CodeOf(err))
}
