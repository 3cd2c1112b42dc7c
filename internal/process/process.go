// Package process spawns debuggees and tracks their lifetime.
//
// Spawned processes are placed in their own session (Unix) or process group
// (Windows) so that a kill reaches everything they started, mirroring how a
// terminal would host them.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// SpawnOptions describes a process to start.
type SpawnOptions struct {
	// Args is the full command line; Args[0] is resolved through PATH.
	Args []string
	// Dir is the working directory.
	Dir string
	// Env is the complete environment in KEY=VALUE form.
	Env []string
	// PipeStdio connects stdin, stdout and stderr to pipes on the Handle.
	// Otherwise the child inherits nothing and writes to the null device.
	PipeStdio bool
}

// Handle is a started process.
type Handle struct {
	pid int

	// Set when spawned with PipeStdio. Stdout and Stderr stay readable
	// after the process exits until drained.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	done chan struct{}
	err  error
}

// NewHandle tracks pid; wait must block until the process has exited.
func NewHandle(pid int, wait func() error) *Handle {
	h := &Handle{pid: pid, done: make(chan struct{})}
	go func() {
		h.err = wait()
		close(h.done)
	}()
	return h
}

// Pid returns the OS process id.
func (h *Handle) Pid() int { return h.pid }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the wait error once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Spawn starts a process described by opts.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if len(opts.Args) == 0 {
		return nil, errors.New("empty command line")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	//nolint:gosec // G204: launching the debuggee is the point
	cmd := exec.Command(opts.Args[0], opts.Args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	setProcAttr(cmd)

	var (
		stdin            io.WriteCloser
		stdoutR, stdoutW *os.File
		stderrR, stderrW *os.File
		err              error
	)
	if opts.PipeStdio {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		// os.Pipe rather than StdoutPipe: exec closes its own pipes in Wait,
		// which would race with the output forwarders.
		if stdoutR, stdoutW, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		if stderrR, stderrW, err = os.Pipe(); err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	closeAll(stdoutW, stderrW)

	h := NewHandle(cmd.Process.Pid, cmd.Wait)
	if opts.PipeStdio {
		h.Stdin = stdin
		h.Stdout = stdoutR
		h.Stderr = stderrR
	}
	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// PollExit calls onExit once alive reports false, checking every interval.
// It returns without calling onExit if ctx is cancelled first.
func PollExit(ctx context.Context, interval time.Duration, alive func() bool, onExit func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !alive() {
				onExit()
				return
			}
		}
	}
}

// Host is the process collaborator backed by the real OS.
type Host struct{}

func (Host) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	return Spawn(ctx, opts)
}

func (Host) IsAlive(pid int) bool {
	return IsAlive(pid)
}

func (Host) KillTree(pid int) error {
	return KillTree(pid)
}

func (Host) WaitForPidFile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	return WaitForPidFile(ctx, path, timeout)
}
