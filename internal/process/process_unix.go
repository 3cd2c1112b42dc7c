//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxKillRounds bounds how many generations of descendants are collected.
const maxKillRounds = 50

// setProcAttr sets platform-specific process attributes.
// On Unix, we create a new session so the process becomes a process group leader.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// IsAlive reports whether pid refers to a running process. A process we
// may not signal still counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillTree kills pid and all of its descendants. Every process is stopped
// before its children are listed so nothing can fork away mid-walk.
func KillTree(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	_ = unix.Kill(pid, unix.SIGSTOP)

	seen := map[int]bool{pid: true}
	var descendants []int
	frontier := []int{pid}
	for round := 0; round < maxKillRounds && len(frontier) > 0; round++ {
		var next []int
		for _, parent := range frontier {
			for _, child := range childPids(parent) {
				if seen[child] {
					continue
				}
				seen[child] = true
				_ = unix.Kill(child, unix.SIGSTOP)
				descendants = append(descendants, child)
				next = append(next, child)
			}
		}
		frontier = next
	}

	for _, child := range descendants {
		_ = unix.Kill(child, unix.SIGKILL)
	}

	// Anything left in the session's process group goes too.
	_ = unix.Kill(-pid, unix.SIGKILL)

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
