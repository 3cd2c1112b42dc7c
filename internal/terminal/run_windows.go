//go:build windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/ctagard/dap-relay/internal/process"
)

// RunAndSavePid runs argv with this console's stdio, records the child's
// pid in pidFile and waits for it, returning its exit code.
func RunAndSavePid(pidFile string, argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, errors.New("no command given")
	}
	//nolint:gosec // G204: running the debuggee is the point
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 1, err
	}
	if err := process.WritePidFile(pidFile, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return 1, fmt.Errorf("cannot write pid file: %w", err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}
