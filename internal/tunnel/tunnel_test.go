package tunnel

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-relay/internal/target/targettest"
)

func newTunnel(t *testing.T, opts Options) (*Tunnel, net.Listener, *targettest.Client) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	client := targettest.NewClient(t)
	opts.Host = "127.0.0.1"
	opts.Log = logr.Discard()
	tun := New(l, client.Link, opts)
	tun.Start()
	t.Cleanup(func() { _ = tun.Close() })
	return tun, l, client
}

// childPort waits for the startDebugging request and returns the port the
// IDE is told to attach to.
func childPort(t *testing.T, client *targettest.Client) (int, map[string]any) {
	t.Helper()
	req := client.NextNamed(t, "startDebugging")
	var args struct {
		Request       string         `json:"request"`
		Configuration map[string]any `json:"configuration"`
	}
	require.NoError(t, req.DecodeArguments(&args))
	assert.Equal(t, "attach", args.Request)
	assert.Equal(t, "client", args.Configuration["mode"])
	assert.Equal(t, "127.0.0.1", args.Configuration["host"])
	port, ok := args.Configuration["port"].(float64)
	require.True(t, ok)
	return int(port), args.Configuration
}

func TestTunnel_SplicesChildSession(t *testing.T) {
	t.Parallel()

	_, l, client := newTunnel(t, Options{Env: map[string]string{"APP": "1"}})

	backend, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	port, cfg := childPort(t, client)
	assert.Equal(t, map[string]any{"APP": "1"}, cfg["env"])

	ide, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer ide.Close()

	payload := strings.Repeat("x", 3*chunkSize+17) + "\n"
	go func() { _, _ = io.WriteString(backend, payload) }()
	got, err := bufio.NewReader(ide).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = io.WriteString(ide, "Content-Length: 2\r\n\r\n{}")
	require.NoError(t, err)
	buf := make([]byte, len("Content-Length: 2\r\n\r\n{}"))
	_, err = io.ReadFull(backend, buf)
	require.NoError(t, err)
	assert.Equal(t, "Content-Length: 2\r\n\r\n{}", string(buf), "bytes pass through unframed")

	// One side ending closes the other.
	require.NoError(t, ide.Close())
	require.NoError(t, backend.SetReadDeadline(time.Now().Add(targettest.WaitTimeout)))
	_, err = backend.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTunnel_NoEnvOmitted(t *testing.T) {
	t.Parallel()

	_, l, client := newTunnel(t, Options{})
	backend, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	_, cfg := childPort(t, client)
	_, has := cfg["env"]
	assert.False(t, has)
}

func TestTunnel_ChildNeverConnects(t *testing.T) {
	t.Parallel()

	_, l, client := newTunnel(t, Options{AcceptTimeout: 50 * time.Millisecond})
	backend, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	childPort(t, client)

	require.NoError(t, backend.SetReadDeadline(time.Now().Add(targettest.WaitTimeout)))
	_, err = backend.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "the orphaned backend is dropped")
}

func TestTunnel_CloseStopsEverything(t *testing.T) {
	t.Parallel()

	tun, l, client := newTunnel(t, Options{})
	backend, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	port, _ := childPort(t, client)
	ide, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer ide.Close()

	done := make(chan struct{})
	go func() {
		_ = tun.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(targettest.WaitTimeout):
		t.Fatal("Close did not return")
	}

	require.NoError(t, ide.SetReadDeadline(time.Now().Add(targettest.WaitTimeout)))
	_, err = ide.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", l.Addr().String(), time.Second)
	assert.Error(t, err, "the acceptor's listener is closed")
}

func TestTunnel_ClientGone(t *testing.T) {
	t.Parallel()

	_, l, client := newTunnel(t, Options{})
	client.Link.Release()

	backend, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.SetReadDeadline(time.Now().Add(targettest.WaitTimeout)))
	_, err = backend.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPump(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	require.NoError(t, pump(&out, strings.NewReader(strings.Repeat("ab", chunkSize))))
	assert.Equal(t, 2*chunkSize, out.Len())
}
