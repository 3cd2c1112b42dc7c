//go:build !windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/ctagard/dap-relay/internal/process"
	"golang.org/x/sys/unix"
)

// RunAndSavePid records this process's pid in pidFile and then replaces
// itself with argv, so the recorded pid is the debuggee's. It only returns
// on failure.
func RunAndSavePid(pidFile string, argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, errors.New("no command given")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return 127, err
	}
	if err := process.WritePidFile(pidFile, os.Getpid()); err != nil {
		return 1, fmt.Errorf("cannot write pid file: %w", err)
	}
	//nolint:gosec // G204: running the debuggee is the point
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return 126, fmt.Errorf("exec %s: %w", path, err)
	}
	return 0, nil
}
