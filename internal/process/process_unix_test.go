//go:build !windows

package process

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn_PipesStdio(t *testing.T) {
	t.Parallel()

	h, err := Spawn(context.Background(), SpawnOptions{
		Args:      []string{"sh", "-c", "read line; echo out:$line; echo err >&2"},
		Env:       os.Environ(),
		PipeStdio: true,
	})
	require.NoError(t, err)
	assert.Greater(t, h.Pid(), 0)

	_, err = io.WriteString(h.Stdin, "ping\n")
	require.NoError(t, err)

	stdout, err := io.ReadAll(h.Stdout)
	require.NoError(t, err)
	stderr, err := io.ReadAll(h.Stderr)
	require.NoError(t, err)

	assert.Equal(t, "out:ping\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "process did not exit")
	}
	assert.NoError(t, h.Err())
}

func TestSpawn_Errors(t *testing.T) {
	t.Parallel()

	_, err := Spawn(context.Background(), SpawnOptions{})
	assert.Error(t, err)

	_, err = Spawn(context.Background(), SpawnOptions{Args: []string{"/definitely/not/a/binary"}})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Spawn(ctx, SpawnOptions{Args: []string{"true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKillTree(t *testing.T) {
	t.Parallel()

	h, err := Spawn(context.Background(), SpawnOptions{
		Args: []string{"sh", "-c", "sleep 30 & sleep 30"},
		Env:  os.Environ(),
	})
	require.NoError(t, err)
	assert.True(t, IsAlive(h.Pid()))

	require.NoError(t, KillTree(h.Pid()))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "process survived KillTree")
	}
	assert.False(t, IsAlive(h.Pid()))

	// Killing something already gone is not an error.
	assert.NoError(t, KillTree(h.Pid()))
}

func TestIsAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, IsAlive(os.Getpid()))
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestPollExit(t *testing.T) {
	t.Parallel()

	var alive atomic.Bool
	alive.Store(true)
	exited := make(chan struct{})

	go PollExit(context.Background(), 10*time.Millisecond, alive.Load, func() { close(exited) })

	select {
	case <-exited:
		require.FailNow(t, "onExit before exit")
	case <-time.After(50 * time.Millisecond):
	}

	alive.Store(false)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "exit not detected")
	}
}

func TestPollExit_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		PollExit(ctx, 10*time.Millisecond, func() bool { return true }, func() {
			t.Error("onExit called after cancel")
		})
		close(returned)
	}()
	cancel()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "PollExit did not return")
	}
}
