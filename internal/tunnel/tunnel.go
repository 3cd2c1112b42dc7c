// Package tunnel extends a debug session to the debuggee's subprocesses.
//
// pydevd started with --multiprocess makes every child connect back to the
// same socket the parent did. The relay cannot multiplex those connections
// onto one client stream, so for each one it asks the IDE to start a new
// child session (startDebugging) that attaches to a fresh loopback port, and
// then splices the two sockets together byte for byte.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/dap-relay/internal/dap"
)

// chunkSize is the splice buffer size.
const chunkSize = 1024

const defaultAcceptTimeout = 30 * time.Second

// Options configures a Tunnel.
type Options struct {
	// Host is where the IDE is told to attach; the per-child listener binds
	// to it as well.
	Host string
	// Env, when set, is passed along in the attach configuration.
	Env map[string]string
	// AcceptTimeout bounds the wait for the IDE to dial in.
	AcceptTimeout time.Duration
	Log           logr.Logger
}

// Tunnel accepts secondary backend connections on a listener it does not own
// and bridges each to a child session in the IDE.
type Tunnel struct {
	listener net.Listener
	link     *dap.ClientLink
	opts     Options
	log      logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool

	closeOnce sync.Once
}

// New returns a tunnel for backends arriving on l. Nothing is accepted
// until Start.
func New(l net.Listener, link *dap.ClientLink, opts Options) *Tunnel {
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = defaultAcceptTimeout
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		listener: l,
		link:     link,
		opts:     opts,
		log:      log.WithName("tunnel"),
		ctx:      ctx,
		cancel:   cancel,
		conns:    map[io.Closer]struct{}{},
	}
}

// Start runs the acceptor in the background.
func (t *Tunnel) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop()
	}()
}

func (t *Tunnel) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				t.log.Error(err, "Subprocess acceptor stopped")
			}
			return
		}
		if !t.track(conn) {
			conn.Close()
			return
		}

		t.log.Info("Subprocess backend connected", "remote", conn.RemoteAddr().String())
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)
			if err := t.bridge(conn); err != nil {
				t.log.Error(err, "Subprocess tunnel failed")
			}
		}()
	}
}

// bridge asks the IDE for a child session and splices it to backend.
func (t *Tunnel) bridge(backend net.Conn) error {
	defer backend.Close()

	l, err := net.Listen("tcp", net.JoinHostPort(t.opts.Host, "0"))
	if err != nil {
		return fmt.Errorf("failed to listen for child session: %w", err)
	}
	if !t.track(l) {
		l.Close()
		return nil
	}
	defer t.untrack(l)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	configuration := map[string]interface{}{
		"mode": "client",
		"host": t.opts.Host,
		"port": port,
	}
	if len(t.opts.Env) > 0 {
		configuration["env"] = t.opts.Env
	}
	req := dap.NewRequest("startDebugging", godap.StartDebuggingRequestArguments{
		Request:       "attach",
		Configuration: configuration,
	})
	if !t.link.Send(req) {
		return errors.New("client is gone")
	}
	t.log.V(1).Info("Requested child session", "port", port)

	if tl, ok := l.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(t.opts.AcceptTimeout))
	}
	client, err := l.Accept()
	if err != nil {
		if t.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("child session did not connect on port %s: %w", strconv.Itoa(port), err)
	}
	if !t.track(client) {
		client.Close()
		return nil
	}
	defer t.untrack(client)
	defer client.Close()

	t.log.Info("Child session attached", "port", port)
	Splice(backend, client)
	t.log.V(1).Info("Child session ended", "port", port)
	return nil
}

// Splice copies between a and b until either side ends, then closes both.
func Splice(a, b net.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth(a, b)
		return pump(b, a)
	})
	g.Go(func() error {
		defer closeBoth(a, b)
		return pump(a, b)
	})
	_ = g.Wait()
}

func closeBoth(a, b net.Conn) {
	_ = a.Close()
	_ = b.Close()
}

// pump copies src to dst in fixed-size chunks. A zero-length read ends it.
func pump(dst io.Writer, src io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (t *Tunnel) track(c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c io.Closer) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Close stops accepting and tears down every splice. The backend listener
// is closed too, since nothing else accepts on it once the tunnel is gone.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		t.mu.Lock()
		t.closed = true
		conns := make([]io.Closer, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		_ = t.listener.Close()
		for _, c := range conns {
			_ = c.Close()
		}
		t.wg.Wait()
	})
	return nil
}
