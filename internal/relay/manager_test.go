package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/internal/target/targettest"
	"github.com/ctagard/dap-relay/pkg/types"
)

func newTestManager(maxSessions int) *Manager {
	cfg := testConfig()
	cfg.MaxSessions = maxSessions
	return NewManager(Options{Config: cfg, Log: logr.Discard(), Host: targettest.NewHost()})
}

func TestManager_SessionLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager(2)
	defer m.Close()

	a, _ := net.Pipe()
	b, _ := net.Pipe()
	c, _ := net.Pipe()

	s1, err := m.CreateSession(a)
	require.NoError(t, err)
	s2, err := m.CreateSession(b)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())

	_, err = m.CreateSession(c)
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.CodeSessionLimit))

	require.NoError(t, m.TerminateSession(s1.ID()))
	_, err = m.CreateSession(c)
	assert.NoError(t, err, "a slot was freed")
}

func TestManager_Lookup(t *testing.T) {
	t.Parallel()

	m := newTestManager(10)
	defer m.Close()

	conn, _ := net.Pipe()
	s, err := m.CreateSession(conn)
	require.NoError(t, err)

	got, err := m.GetSession(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, s.ID(), infos[0].SessionID)
	assert.Equal(t, types.SessionStatusInitializing, infos[0].Status)

	_, err = m.GetSession("nope")
	assert.Error(t, err)
	assert.Error(t, m.TerminateSession("nope"))

	m.Close()
	assert.Empty(t, m.ListSessions())
	select {
	case <-s.Done():
	default:
		t.Fatal("Close left a session open")
	}
	_, err = m.CreateSession(conn)
	assert.Error(t, err)
}

func TestManager_ListenAndServe(t *testing.T) {
	t.Parallel()

	m := newTestManager(10)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- m.ListenAndServe(ctx, l) }()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		req := dap.NewRequest("initialize", map[string]any{"clientID": "test"})
		req.Seq = 1
		require.NoError(t, dap.NewWriter(conn).WriteMessage(req))
		resp, err := dap.NewReader(conn).ReadMessage()
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.RequestSeq)
	}
	assert.Eventually(t, func() bool { return len(m.ListSessions()) == 2 }, targettest.WaitTimeout, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(targettest.WaitTimeout):
		t.Fatal("ListenAndServe did not return")
	}
	assert.Empty(t, m.ListSessions())
}

func TestManager_ServeRemovesSessionWhenClientLeaves(t *testing.T) {
	t.Parallel()

	m := newTestManager(10)
	defer m.Close()

	relaySide, ideSide := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- m.Serve(context.Background(), relaySide) }()

	assert.Eventually(t, func() bool { return len(m.ListSessions()) == 1 }, targettest.WaitTimeout, 10*time.Millisecond)
	ideSide.Close()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(targettest.WaitTimeout):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, m.ListSessions())
}

func TestTerminatorFunc(t *testing.T) {
	t.Parallel()

	var got *Session
	term := TerminatorFunc(func(s *Session) { got = s })
	s := &Session{}
	term.Terminate(s)
	assert.Same(t, s, got)
}
