// Package targettest provides in-memory stand-ins for the pieces around a
// debug target: an OS process host that never starts real processes, a
// scripted debugger backend, and a recording IDE link.
package targettest

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/ctagard/dap-relay/internal/dap"
	"github.com/ctagard/dap-relay/internal/process"
)

// WaitTimeout bounds every wait in this package.
const WaitTimeout = 5 * time.Second

// BackendOptions scripts a Backend.
type BackendOptions struct {
	// NoProcessEvent suppresses the process event after launch/attach.
	NoProcessEvent bool
	// Respond, if set, builds the response to a request. Returning nil
	// sends no response.
	Respond func(req *dap.Envelope) *dap.Envelope
}

// Backend plays pydevd on one connection: it answers every request with
// success and announces the debuggee after launch or attach.
type Backend struct {
	conn net.Conn
	opts BackendOptions

	wmu sync.Mutex
	w   *dap.Writer
	seq int

	received chan *dap.Envelope
	done     chan struct{}
}

// NewBackend starts serving conn.
func NewBackend(conn net.Conn, opts BackendOptions) *Backend {
	b := &Backend{
		conn:     conn,
		opts:     opts,
		w:        dap.NewWriter(conn),
		received: make(chan *dap.Envelope, 256),
		done:     make(chan struct{}),
	}
	go b.serve()
	return b
}

// DialBackend connects to a relay listening on localhost:port.
func DialBackend(host string, port int, opts BackendOptions) (*Backend, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), WaitTimeout)
	if err != nil {
		return nil, err
	}
	return NewBackend(conn, opts), nil
}

func (b *Backend) serve() {
	defer close(b.done)
	r := dap.NewReader(b.conn)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return
		}
		select {
		case b.received <- m:
		default:
		}
		if !m.IsRequest() {
			continue
		}

		resp := dap.NewResponse(m, true, "", nil)
		if b.opts.Respond != nil {
			resp = b.opts.Respond(m)
		}
		if resp != nil {
			_ = b.Send(resp)
		}
		if (m.Command == "launch" || m.Command == "attach") && !b.opts.NoProcessEvent {
			_ = b.Send(dap.NewEvent("process", map[string]any{
				"name":            "fake-debuggee",
				"systemProcessId": 4242,
				"startMethod":     m.Command,
			}))
		}
	}
}

// Send writes m with the backend's next seq.
func (b *Backend) Send(m *dap.Envelope) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	m.Seq = b.seq
	b.seq++
	return b.w.WriteMessage(m)
}

// Next returns the next message the relay sent.
func (b *Backend) Next(t testing.TB) *dap.Envelope {
	t.Helper()
	select {
	case m := <-b.received:
		return m
	case <-time.After(WaitTimeout):
		t.Fatalf("backend: timed out waiting for a message")
		return nil
	}
}

// NextRequest skips ahead to the next request named command.
func (b *Backend) NextRequest(t testing.TB, command string) *dap.Envelope {
	t.Helper()
	deadline := time.After(WaitTimeout)
	for {
		select {
		case m := <-b.received:
			if m.IsRequest() && m.Command == command {
				return m
			}
		case <-deadline:
			t.Fatalf("backend: timed out waiting for %q", command)
			return nil
		}
	}
}

// Close drops the connection, as a crashing backend would.
func (b *Backend) Close() error {
	return b.conn.Close()
}

// Done is closed once the relay side closed the connection.
func (b *Backend) Done() <-chan struct{} {
	return b.done
}

// PortArg returns the value following --port in args, or 0.
func PortArg(args []string) int {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--port" {
			p, _ := strconv.Atoi(args[i+1])
			return p
		}
	}
	return 0
}

// Process is a fake debuggee.
type Process struct {
	Pid     int
	Options process.SpawnOptions
	Handle  *process.Handle

	stdout, stderr *io.PipeWriter
	stdin          *io.PipeReader

	exitOnce sync.Once
	exit     chan struct{}
}

// WriteStdout emits text on the debuggee's stdout.
func (p *Process) WriteStdout(text string) {
	_, _ = io.WriteString(p.stdout, text)
}

// WriteStderr emits text on the debuggee's stderr.
func (p *Process) WriteStderr(text string) {
	_, _ = io.WriteString(p.stderr, text)
}

// Stdin is what the relay wrote to the debuggee's stdin.
func (p *Process) Stdin() io.Reader {
	return p.stdin
}

// Exit ends the debuggee.
func (p *Process) Exit() {
	p.exitOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
		p.stdin.Close()
		close(p.exit)
	})
}

// Host is a ProcessHost that starts nothing. A spawned command line that
// carries --port is answered by a Backend dialing back, the way pydevd
// would.
type Host struct {
	// Dial controls whether spawned debuggees connect back.
	Dial           bool
	BackendOptions BackendOptions
	// TerminalPid is what WaitForPidFile reports; 0 means it times out.
	TerminalPid int
	// SpawnErr fails every Spawn.
	SpawnErr error

	mu        sync.Mutex
	nextPid   int
	processes []*Process
	killed    []int
	dead      map[int]bool
	pidFiles  []string

	backends chan *Backend
	spawned  chan *Process
}

// NewHost returns a host whose debuggees dial back.
func NewHost() *Host {
	return &Host{
		Dial:     true,
		nextPid:  1000,
		dead:     map[int]bool{},
		backends: make(chan *Backend, 16),
		spawned:  make(chan *Process, 16),
	}
}

func (h *Host) Spawn(ctx context.Context, opts process.SpawnOptions) (*process.Handle, error) {
	if h.SpawnErr != nil {
		return nil, h.SpawnErr
	}

	h.mu.Lock()
	h.nextPid++
	pid := h.nextPid
	h.mu.Unlock()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	inR, inW := io.Pipe()
	p := &Process{
		Pid:     pid,
		Options: opts,
		stdout:  outW,
		stderr:  errW,
		stdin:   inR,
		exit:    make(chan struct{}),
	}
	p.Handle = process.NewHandle(pid, func() error {
		<-p.exit
		return nil
	})
	if opts.PipeStdio {
		p.Handle.Stdout = outR
		p.Handle.Stderr = errR
		p.Handle.Stdin = inW
	}

	h.mu.Lock()
	h.processes = append(h.processes, p)
	h.mu.Unlock()
	h.spawned <- p

	if port := PortArg(opts.Args); port > 0 && h.Dial {
		go func() {
			host := "127.0.0.1"
			for i, a := range opts.Args {
				if a == "--client" && i+1 < len(opts.Args) {
					host = opts.Args[i+1]
				}
			}
			if b, err := DialBackend(host, port, h.BackendOptions); err == nil {
				h.backends <- b
			}
		}()
	}
	return p.Handle, nil
}

func (h *Host) IsAlive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead[pid]
}

func (h *Host) KillTree(pid int) error {
	h.mu.Lock()
	h.killed = append(h.killed, pid)
	h.dead[pid] = true
	var victim *Process
	for _, p := range h.processes {
		if p.Pid == pid {
			victim = p
		}
	}
	h.mu.Unlock()

	if victim != nil {
		victim.Exit()
	}
	return nil
}

func (h *Host) WaitForPidFile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	h.mu.Lock()
	h.pidFiles = append(h.pidFiles, path)
	pid := h.TerminalPid
	h.mu.Unlock()

	if pid > 0 {
		return pid, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(timeout):
		return 0, process.ErrPidFileTimeout
	}
}

// MarkDead makes IsAlive report false for pid.
func (h *Host) MarkDead(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead[pid] = true
}

// Killed returns the pids passed to KillTree.
func (h *Host) Killed() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.killed...)
}

// Spawned returns how many processes were started.
func (h *Host) Spawned() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.processes)
}

// PidFiles returns the paths passed to WaitForPidFile.
func (h *Host) PidFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pidFiles...)
}

// NextProcess returns the next spawned debuggee.
func (h *Host) NextProcess(t testing.TB) *Process {
	t.Helper()
	select {
	case p := <-h.spawned:
		return p
	case <-time.After(WaitTimeout):
		t.Fatalf("host: timed out waiting for a spawn")
		return nil
	}
}

// NextBackend returns the next backend that dialed back.
func (h *Host) NextBackend(t testing.TB) *Backend {
	t.Helper()
	select {
	case b := <-h.backends:
		t.Cleanup(func() { b.Close() })
		return b
	case <-time.After(WaitTimeout):
		t.Fatalf("host: timed out waiting for a backend")
		return nil
	}
}

// Client records what the relay sends to the IDE.
type Client struct {
	Link     *dap.ClientLink
	writer   *dap.StreamWriter
	messages chan *dap.Envelope
}

// NewClient returns a link whose traffic is decoded and queued.
func NewClient(t testing.TB) *Client {
	t.Helper()
	pr, pw := io.Pipe()
	c := &Client{
		writer:   dap.NewStreamWriter(dap.AutoSeq, logr.Discard()),
		messages: make(chan *dap.Envelope, 256),
	}
	c.Link = dap.NewClientLink(c.writer)
	go c.writer.Run(pw)
	go func() {
		r := dap.NewReader(pr)
		for {
			m, err := r.ReadMessage()
			if err != nil {
				return
			}
			c.messages <- m
		}
	}()
	t.Cleanup(func() {
		c.writer.Stop()
		pw.Close()
	})
	return c
}

// Next returns the next message sent to the IDE.
func (c *Client) Next(t testing.TB) *dap.Envelope {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(WaitTimeout):
		t.Fatalf("client: timed out waiting for a message")
		return nil
	}
}

// NextNamed skips ahead to the next event or request with the given name.
func (c *Client) NextNamed(t testing.TB, name string) *dap.Envelope {
	t.Helper()
	deadline := time.After(WaitTimeout)
	for {
		select {
		case m := <-c.messages:
			if m.Name() == name {
				return m
			}
		case <-deadline:
			t.Fatalf("client: timed out waiting for %q", name)
			return nil
		}
	}
}

// Quiet fails if anything arrives within d.
func (c *Client) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.messages:
		t.Errorf("client: unexpected %s %q", m.Type, m.Name())
	case <-time.After(d):
	}
}
