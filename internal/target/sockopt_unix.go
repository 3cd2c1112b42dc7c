//go:build !windows

package target

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl lets the port be rebound while old connections linger.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
