package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	"github.com/ctagard/dap-relay/internal/target/targettest"
	"github.com/ctagard/dap-relay/pkg/types"
)

// ide plays the IDE on the other end of a session.
type ide struct {
	conn     net.Conn
	w        *dap.Writer
	seq      int
	messages chan *dap.Envelope
}

func (c *ide) request(t *testing.T, command string, args any) int {
	t.Helper()
	c.seq++
	req := dap.NewRequest(command, args)
	req.Seq = c.seq
	require.NoError(t, c.w.WriteMessage(req))
	return c.seq
}

func (c *ide) next(t *testing.T) *dap.Envelope {
	t.Helper()
	select {
	case m, ok := <-c.messages:
		require.True(t, ok, "session closed the stream")
		return m
	case <-time.After(targettest.WaitTimeout):
		require.FailNow(t, "timed out waiting for the relay")
		return nil
	}
}

// response skips ahead to the response for seq.
func (c *ide) response(t *testing.T, seq int) *dap.Envelope {
	t.Helper()
	for {
		m := c.next(t)
		if m.IsResponse() && m.RequestSeq == seq {
			return m
		}
	}
}

// event skips ahead to the named event.
func (c *ide) event(t *testing.T, name string) *dap.Envelope {
	t.Helper()
	for {
		m := c.next(t)
		if m.IsEvent() && m.Event == name {
			return m
		}
	}
}

type harness struct {
	session    *Session
	ide        *ide
	host       *targettest.Host
	cfg        *config.Config
	terminated chan *Session
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PythonPath = "/usr/bin/python3"
	cfg.PydevdFile = "/opt/pydevd/pydevd.py"
	cfg.DefaultTimeout = config.Duration(2 * time.Second)
	cfg.PidFileTimeout = config.Duration(2 * time.Second)
	cfg.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.LivenessInterval = config.Duration(10 * time.Millisecond)
	cfg.TerminateGrace = config.Duration(10 * time.Millisecond)
	return cfg
}

func newHarness(t *testing.T, tweaks ...func(*config.Config)) *harness {
	t.Helper()
	relaySide, ideSide := net.Pipe()

	h := &harness{
		host:       targettest.NewHost(),
		cfg:        testConfig(),
		terminated: make(chan *Session, 1),
	}
	for _, tweak := range tweaks {
		tweak(h.cfg)
	}
	h.session = NewSession(relaySide, Options{
		Config:  h.cfg,
		Log:     logr.Discard(),
		Host:    h.host,
		Environ: func() []string { return []string{"PATH=/usr/bin"} },
		SelfExe: "/opt/dap-relay",
		Terminator: TerminatorFunc(func(s *Session) {
			h.terminated <- s
			s.Close()
		}),
	})

	h.ide = &ide{conn: ideSide, w: dap.NewWriter(ideSide), messages: make(chan *dap.Envelope, 256)}
	go func() {
		defer close(h.ide.messages)
		r := dap.NewReader(ideSide)
		for {
			m, err := r.ReadMessage()
			if err != nil {
				return
			}
			h.ide.messages <- m
		}
	}()

	served := make(chan struct{})
	go func() {
		_ = h.session.Serve(context.Background())
		close(served)
	}()
	t.Cleanup(func() {
		h.session.Close()
		ideSide.Close()
		<-served
	})
	return h
}

func writeProgram(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(p, []byte("print('hi')\n"), 0o600))
	return p
}

func (h *harness) waitTerminated(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.terminated:
		assert.Same(t, h.session, s)
	case <-time.After(targettest.WaitTimeout):
		require.FailNow(t, "session was not terminated")
	}
}

func TestSession_Initialize(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	seq := h.ide.request(t, "initialize", map[string]any{"clientID": "vscode", "supportsRunInTerminalRequest": true})
	resp := h.ide.response(t, seq)
	require.True(t, resp.Success)
	assert.Equal(t, "initialize", resp.Command)
	assert.Equal(t, 0, resp.Seq, "first message on the client stream")

	var body map[string]any
	require.NoError(t, resp.DecodeBody(&body))
	for _, flag := range []string{
		"supportsConfigurationDoneRequest",
		"supportsConditionalBreakpoints",
		"supportsSetVariable",
		"supportsTerminateRequest",
		"supportsLogPoints",
		"supportTerminateDebuggee",
	} {
		assert.Equal(t, true, body[flag], flag)
	}
	for _, flag := range []string{"supportsStepBack", "supportsRestartRequest", "supportsDataBreakpoints"} {
		assert.Nil(t, body[flag], flag)
	}

	filters, ok := body["exceptionBreakpointFilters"].([]any)
	require.True(t, ok)
	require.Len(t, filters, 3)
	uncaught := filters[1].(map[string]any)
	assert.Equal(t, "uncaught", uncaught["filter"])
	assert.Equal(t, true, uncaught["default"])

	assert.True(t, h.session.supportsRunInTerminal)
	assert.Equal(t, types.SessionStatusInitializing, h.session.Info().Status)
}

func TestSession_LaunchScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	program := writeProgram(t)

	h.ide.request(t, "initialize", map[string]any{"clientID": "vscode"})
	launchSeq := h.ide.request(t, "launch", map[string]any{"program": program, "console": "internalConsole"})

	proc := h.host.NextProcess(t)
	backend := h.host.NextBackend(t)

	// Order the IDE sees: process event, initialized, then the launch response.
	ev := h.ide.next(t)
	for ev.IsResponse() {
		ev = h.ide.next(t)
	}
	assert.Equal(t, "process", ev.Event)
	assert.Equal(t, "initialized", h.ide.next(t).Event)
	launchResp := h.ide.next(t)
	require.True(t, launchResp.IsResponse())
	assert.Equal(t, launchSeq, launchResp.RequestSeq)
	assert.True(t, launchResp.Success, launchResp.Message)

	backend.NextRequest(t, "initialize")
	backend.NextRequest(t, "launch")
	prop := backend.NextRequest(t, "setDebuggerProperty")
	var propArgs map[string]any
	require.NoError(t, prop.DecodeArguments(&propArgs))
	assert.Equal(t, []any{"BaseException"}, propArgs["skipSuspendOnBreakpointException"])
	assert.Equal(t, []any{"NameError"}, propArgs["skipPrintBreakpointException"])

	info := h.session.Info()
	assert.Equal(t, types.SessionStatusRunning, info.Status)
	assert.Equal(t, "launch", info.Request)
	assert.Equal(t, program, info.Program)
	assert.Equal(t, proc.Pid, info.PID)

	// Forwarded requests come back with the IDE's seq. Skip ahead so the
	// IDE's numbering cannot coincide with the backend stream's.
	h.ide.seq += 10
	bpSeq := h.ide.request(t, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": program},
		"breakpoints": []map[string]any{{"line": 3}},
	})
	forwarded := backend.NextRequest(t, "setBreakpoints")
	assert.Equal(t, 13, bpSeq)
	assert.Equal(t, 3, forwarded.Seq, "initialize, launch and setDebuggerProperty came first")
	bpResp := h.ide.response(t, bpSeq)
	assert.Equal(t, bpSeq, bpResp.RequestSeq)
	assert.True(t, bpResp.Success)
	assert.Equal(t, "setBreakpoints", bpResp.Command)

	cdSeq := h.ide.request(t, "configurationDone", nil)
	backend.NextRequest(t, "configurationDone")
	assert.True(t, h.ide.response(t, cdSeq).Success)

	proc.WriteStdout("hello\n")
	out := h.ide.event(t, "output")
	var outBody map[string]any
	require.NoError(t, out.DecodeBody(&outBody))
	assert.Equal(t, "hello\n", outBody["output"])

	proc.Exit()
	h.ide.event(t, "terminated")
	h.waitTerminated(t)
	assert.Equal(t, types.SessionStatusTerminated, h.session.Info().Status)
}

func TestSession_AttachRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	seq := h.ide.request(t, "attach", map[string]any{"host": "127.0.0.1", "port": port})
	resp := h.ide.response(t, seq)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, fmt.Sprintf("Error when connecting to host:127.0.0.1, port:%d.", port))

	// The failed attach still counts as the session's one attempt.
	seq = h.ide.request(t, "launch", map[string]any{"program": writeProgram(t)})
	assert.Equal(t, "A launch or attach request was already handled.", h.ide.response(t, seq).Message)
}

func TestSession_InvalidLaunchCanBeRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	seq := h.ide.request(t, "launch", map[string]any{})
	resp := h.ide.response(t, seq)
	assert.False(t, resp.Success)
	assert.Equal(t, "Either 'program' or 'module' must be specified.", resp.Message)
	assert.Zero(t, h.host.Spawned())

	seq = h.ide.request(t, "launch", map[string]any{"program": writeProgram(t), "console": "internalConsole", "noDebug": true})
	assert.True(t, h.ide.response(t, seq).Success)

	seq = h.ide.request(t, "launch", map[string]any{"program": writeProgram(t)})
	assert.Equal(t, "A launch or attach request was already handled.", h.ide.response(t, seq).Message)
}

func TestSession_RequestsBeforeLaunch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	seq := h.ide.request(t, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": "/src/app.py", "name": "app.py"},
		"breakpoints": []map[string]any{{"line": 4}, {"line": 10, "condition": "x > 1"}},
	})
	resp := h.ide.response(t, seq)
	require.True(t, resp.Success)
	var body struct {
		Breakpoints []struct {
			Verified bool           `json:"verified"`
			Line     int            `json:"line"`
			Source   map[string]any `json:"source"`
		} `json:"breakpoints"`
	}
	require.NoError(t, resp.DecodeBody(&body))
	require.Len(t, body.Breakpoints, 2)
	for i, line := range []int{4, 10} {
		assert.False(t, body.Breakpoints[i].Verified)
		assert.Equal(t, line, body.Breakpoints[i].Line)
		assert.Equal(t, "/src/app.py", body.Breakpoints[i].Source["path"])
	}

	seq = h.ide.request(t, "threads", nil)
	resp = h.ide.response(t, seq)
	assert.True(t, resp.Success)
	var threads map[string]any
	require.NoError(t, resp.DecodeBody(&threads))
	assert.Equal(t, []any{}, threads["threads"])

	for _, command := range []string{"pause", "setExceptionBreakpoints"} {
		seq = h.ide.request(t, command, nil)
		assert.True(t, h.ide.response(t, seq).Success, command)
	}

	seq = h.ide.request(t, "continue", map[string]any{"threadId": 1})
	resp = h.ide.response(t, seq)
	assert.False(t, resp.Success)
	assert.Equal(t, "No debug session is active.", resp.Message)

	seq = h.ide.request(t, "configurationDone", nil)
	assert.Equal(t, "Launch is not done (configurationDone uncomplete).", h.ide.response(t, seq).Message)

	seq = h.ide.request(t, "readMemory", nil)
	resp = h.ide.response(t, seq)
	assert.False(t, resp.Success)
	assert.Equal(t, "Unsupported request: readMemory", resp.Message)

	seq = h.ide.request(t, "disconnect", nil)
	assert.True(t, h.ide.response(t, seq).Success)
}

func TestSession_NoDebug(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	seq := h.ide.request(t, "launch", map[string]any{
		"program": writeProgram(t), "console": "internalConsole", "noDebug": true,
	})
	proc := h.host.NextProcess(t)
	h.ide.event(t, "initialized")
	assert.True(t, h.ide.response(t, seq).Success)

	seq = h.ide.request(t, "setBreakpoints", map[string]any{
		"source": map[string]any{"path": "/a.py"}, "breakpoints": []map[string]any{{"line": 1}},
	})
	assert.True(t, h.ide.response(t, seq).Success)

	seq = h.ide.request(t, "configurationDone", nil)
	assert.True(t, h.ide.response(t, seq).Success)

	seq = h.ide.request(t, "evaluate", map[string]any{"expression": "42", "context": "repl"})
	assert.True(t, h.ide.response(t, seq).Success)
	buf := make([]byte, 3)
	_, err := io.ReadFull(proc.Stdin(), buf)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(buf))

	seq = h.ide.request(t, "evaluate", map[string]any{"expression": "x", "context": "hover"})
	assert.Equal(t, "No debug session is active.", h.ide.response(t, seq).Message)

	seq = h.ide.request(t, "disconnect", map[string]any{})
	assert.True(t, h.ide.response(t, seq).Success)
	assert.Equal(t, []int{proc.Pid}, h.host.Killed())
}

func TestSession_BackendClosesMidSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *config.Config) {
		cfg.TerminateGrace = config.Duration(500 * time.Millisecond)
	})

	seq := h.ide.request(t, "launch", map[string]any{"program": writeProgram(t), "console": "internalConsole"})
	backend := h.host.NextBackend(t)
	require.True(t, h.ide.response(t, seq).Success)

	// A request in flight when the backend dies is never answered.
	backend.NextRequest(t, "setDebuggerProperty")
	require.NoError(t, backend.Close())

	h.ide.event(t, "terminated")

	// Neither is one sent after the terminated event.
	h.ide.request(t, "stackTrace", map[string]any{"threadId": 1})
	select {
	case m, ok := <-h.ide.messages:
		if ok {
			t.Fatalf("unexpected %s %q after terminated", m.Type, m.Name())
		}
	case <-time.After(200 * time.Millisecond):
	}

	h.waitTerminated(t)

	select {
	case _, ok := <-h.ide.messages:
		for ok {
			_, ok = <-h.ide.messages
		}
	case <-time.After(targettest.WaitTimeout):
		t.Fatal("client stream was not closed")
	}
}

func TestSession_DisconnectKeepsAttachedDebuggee(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		if conn, err := l.Accept(); err == nil {
			targettest.NewBackend(conn, targettest.BackendOptions{})
		}
	}()

	seq := h.ide.request(t, "attach", map[string]any{"host": "127.0.0.1", "port": l.Addr().(*net.TCPAddr).Port})
	require.True(t, h.ide.response(t, seq).Success)

	seq = h.ide.request(t, "disconnect", map[string]any{"terminateDebuggee": true})
	assert.True(t, h.ide.response(t, seq).Success)
	assert.Empty(t, h.host.Killed())
}

func TestSession_UndecodableRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	body := `{"seq":7,"type":"request","command":"threads","request_seq":"x"}`
	_, err := fmt.Fprintf(h.ide.conn, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(t, err)

	resp := h.ide.next(t)
	require.True(t, resp.IsResponse())
	assert.Equal(t, 7, resp.RequestSeq)
	assert.Equal(t, "threads", resp.Command)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Error processing message:")

	// The stream is still served.
	seq := h.ide.request(t, "threads", nil)
	assert.True(t, h.ide.response(t, seq).Success)
	select {
	case <-h.session.Done():
		t.Fatal("session closed after an undecodable request")
	default:
	}
}

func TestSession_BrokenFramingEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := fmt.Fprint(h.ide.conn, "Content-Length: 9\r\n\r\n{\"seq\":1,")
	require.NoError(t, err)

	select {
	case <-h.session.Done():
	case <-time.After(targettest.WaitTimeout):
		t.Fatal("session kept reading after a framing error")
	}
}

func TestSession_ClientResponsesIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := dap.NewResponse(&dap.Envelope{Command: "runInTerminal"}, true, "", map[string]any{"processId": 1})
	resp.Seq = 1
	require.NoError(t, h.ide.w.WriteMessage(resp))

	seq := h.ide.request(t, "threads", nil)
	assert.True(t, h.ide.response(t, seq).Success)
}
