package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrPidFileTimeout is returned when the pid file did not show up in time.
var ErrPidFileTimeout = errors.New("timed out waiting for pid file")

const pidFilePollInterval = 100 * time.Millisecond

// WaitForPidFile waits for path to contain a process id. The parent
// directory is watched for changes; a slow poll covers filesystems where
// notifications are unreliable.
func WaitForPidFile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	if pid, ok := readPidFile(path); ok {
		return pid, nil
	}

	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}

	// The file may have appeared between the first read and the watch.
	if pid, ok := readPidFile(path); ok {
		return pid, nil
	}

	ticker := time.NewTicker(pidFilePollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("%w: %s", ErrPidFileTimeout, path)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case <-ticker.C:
		}

		if pid, ok := readPidFile(path); ok {
			return pid, nil
		}
	}
}

// readPidFile returns the pid in path once the file holds a complete,
// positive integer.
func readPidFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// WritePidFile writes pid to path atomically, so readers never observe a
// partial number.
func WritePidFile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
