package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/types"
)

// Subprocess speaks MCP over a child process's standard streams. Frames are
// written newline-terminated to stdin; stdout bytes run through the
// depth-aware ObjectSplitter, so the child may glue, split, or oversize its
// output freely. Stderr is captured line-by-line as process logs.
type Subprocess struct {
	tpl     types.Template
	timeout time.Duration
	hooks   Hooks

	mu      sync.Mutex // connection lifecycle
	writeMu sync.Mutex // serializes stdin writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	connected     atomic.Bool
	disconnecting atomic.Bool

	pending   *pendingTable
	recvq     chan *mcp.Frame
	closec    chan struct{}
	closeOnce *sync.Once    // guards closec for this connection
	donec     chan struct{} // closed once stdout is fully drained and the child reaped
	gen       mcp.IDGenerator
	wg        sync.WaitGroup
	readers   sync.WaitGroup // stdout and stderr goroutines only
}

// NewSubprocess creates an unconnected subprocess adapter for the template.
func NewSubprocess(tpl types.Template, hooks Hooks) *Subprocess {
	return &Subprocess{
		tpl:     tpl,
		timeout: tpl.Timeout(),
		hooks:   hooks,
	}
}

// Connect spawns the child process and starts the reader goroutines.
// Idempotent: a connected adapter returns nil immediately.
func (s *Subprocess) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return nil
	}
	// A previous connection's goroutines must be fully gone before their
	// channels are replaced.
	s.wg.Wait()

	cmd := exec.Command(s.tpl.Command, s.tpl.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.tpl.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.ConnectError, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.ConnectError, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.Wrap(errs.ConnectError, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.ConnectError, err, "start %s", s.tpl.Command)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.pending = newPendingTable()
	s.recvq = make(chan *mcp.Frame, receiveQueueDepth)
	s.closec = make(chan struct{})
	s.closeOnce = new(sync.Once)
	s.donec = make(chan struct{})
	s.disconnecting.Store(false)

	s.wg.Add(3)
	s.readers.Add(2)
	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go s.monitor()

	s.connected.Store(true)
	return nil
}

// IsConnected reports whether the child process is up.
func (s *Subprocess) IsConnected() bool {
	return s.connected.Load()
}

// PID returns the child's process id, zero before Connect.
func (s *Subprocess) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Send serializes one frame to the child's stdin.
func (s *Subprocess) Send(ctx context.Context, frame *mcp.Frame) error {
	if !s.connected.Load() {
		return errs.New(errs.NotConnected, "subprocess %s not connected", s.tpl.Name)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.WriteError, err, "marshal frame")
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	_, err = s.stdin.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return errs.Wrap(errs.WriteError, err, "write to %s", s.tpl.Command)
	}
	return nil
}

// Receive returns the next unmatched incoming frame in stdout order. Frames
// the child emitted before exiting are served before Closed is reported:
// donec only closes once the stdout reader has drained EOF.
func (s *Subprocess) Receive(ctx context.Context) (*mcp.Frame, error) {
	if s.recvq == nil {
		return nil, errs.New(errs.NotConnected, "subprocess %s not connected", s.tpl.Name)
	}
	select {
	case f := <-s.recvq:
		return f, nil
	default:
	}
	select {
	case f := <-s.recvq:
		return f, nil
	case <-s.donec:
		// Everything parsed is already queued; serve it out before closing.
		select {
		case f := <-s.recvq:
			return f, nil
		default:
			return nil, errs.New(errs.Closed, "subprocess %s closed", s.tpl.Name)
		}
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Timeout, ctx.Err(), "receive cancelled")
	}
}

// SendAndReceive writes the frame (assigning an id when absent) and waits up
// to the template timeout for the response with the matching id.
func (s *Subprocess) SendAndReceive(ctx context.Context, frame *mcp.Frame) (*mcp.Frame, error) {
	if !s.connected.Load() {
		return nil, errs.New(errs.NotConnected, "subprocess %s not connected", s.tpl.Name)
	}
	if len(frame.ID) == 0 {
		frame.ID = json.RawMessage(fmt.Sprintf("%d", s.gen.Next()))
	}
	key := frame.IDKey()

	ch, err := s.pending.register(key)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, frame); err != nil {
		s.pending.cancel(key)
		return nil, err
	}
	return awaitReply(ctx, s.pending, key, ch, s.timeout)
}

// Disconnect terminates the child process and unblocks all waiters with
// Closed. Idempotent.
func (s *Subprocess) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return nil
	}
	s.disconnecting.Store(true)
	s.connected.Store(false)

	s.closeOnce.Do(func() { close(s.closec) })
	s.pending.closeAll()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		terminateProcess(s.cmd)
	}
	s.wg.Wait()
	return nil
}

func (s *Subprocess) readStdout(stdout io.Reader) {
	defer s.wg.Done()
	defer s.readers.Done()

	var splitter ObjectSplitter
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			objects, perr := splitter.Feed(buf[:n])
			for _, obj := range objects {
				s.dispatch(obj)
			}
			if perr != nil {
				log.Printf("transport: %s stdout: %v", s.tpl.Name, perr)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one decoded object: responses with a registered waiter go
// to the pending table, everything else to the general receive queue.
func (s *Subprocess) dispatch(data []byte) {
	var frame mcp.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("transport: %s: drop malformed frame: %v", s.tpl.Name, err)
		return
	}
	if s.pending.resolve(&frame) {
		return
	}
	select {
	case s.recvq <- &frame:
	case <-s.closec:
	}
}

func (s *Subprocess) readStderr(stderr io.Reader) {
	defer s.wg.Done()
	defer s.readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s.hooks.Log != nil {
			s.hooks.Log(line)
		}
	}
}

// monitor reaps the child and signals completion. The pipe readers must
// finish first: Wait closes the pipes, and calling it mid-read can discard
// buffered output. An exit the adapter did not initiate is reported through
// the Exit hook with the process's exit code.
func (s *Subprocess) monitor() {
	defer s.wg.Done()

	s.readers.Wait()
	err := s.cmd.Wait()
	wasDisconnecting := s.disconnecting.Load()

	s.connected.Store(false)
	s.pending.closeAll()
	close(s.donec)

	if wasDisconnecting {
		return
	}
	// Unblock Receive callers waiting on an unexpectedly dead child.
	s.closeOnce.Do(func() { close(s.closec) })

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	if s.hooks.Exit != nil {
		s.hooks.Exit(code)
	}
}
