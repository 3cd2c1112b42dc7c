package target

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	relayerrors "github.com/ctagard/dap-relay/internal/errors"
)

var (
	localhostOnce sync.Once
	localhostName string
)

// Localhost is the address the backend is told to connect to: 127.0.0.1
// when "localhost" resolves to it, "localhost" otherwise.
func Localhost() string {
	localhostOnce.Do(func() {
		localhostName = resolveLocalhost(net.DefaultResolver.LookupHost)
	})
	return localhostName
}

func resolveLocalhost(lookup func(ctx context.Context, host string) ([]string, error)) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := lookup(ctx, "localhost")
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if a == "127.0.0.1" {
			return a
		}
	}
	return "localhost"
}

// listen opens the socket the backend connects to.
func listen(ctx context.Context, host string, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	return lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// acceptBackend waits for the first backend connection. It gives up after
// timeout, or as soon as exited is closed.
func acceptBackend(l net.Listener, timeout time.Duration, exited <-chan struct{}) (net.Conn, error) {
	tl, ok := l.(*net.TCPListener)
	if ok {
		_ = tl.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = tl.SetDeadline(time.Time{}) }()
	}

	done := make(chan struct{})
	defer close(done)
	var gone bool
	var goneMu sync.Mutex
	if ok && exited != nil {
		go func() {
			select {
			case <-exited:
				goneMu.Lock()
				gone = true
				goneMu.Unlock()
				_ = tl.SetDeadline(time.Now())
			case <-done:
			}
		}()
	}

	conn, err := l.Accept()
	if err == nil {
		return conn, nil
	}

	goneMu.Lock()
	exitedFirst := gone
	goneMu.Unlock()
	if exitedFirst {
		return nil, relayerrors.Wrap(relayerrors.CodeTerminated, "The debuggee exited before the debugger backend connected.", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, relayerrors.Timeout("Timed out waiting for debugger backend to connect.")
	}
	return nil, relayerrors.Wrap(relayerrors.CodeConnection, "Error waiting for debugger backend to connect: "+err.Error(), err)
}

// dial connects to a listening backend.
func dial(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{
		Timeout: timeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     time.Second,
			Interval: 3 * time.Second,
			Count:    5,
		},
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
