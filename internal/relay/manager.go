package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/dap-relay/internal/config"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/pkg/types"
)

// Manager owns the relay's sessions.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	maxSessions int
	opts        Options
	log         logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager whose sessions share opts.
func NewManager(opts Options) *Manager {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: opts.Config.MaxSessions,
		opts:        opts,
		log:         opts.Log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CreateSession registers a new session over conn.
func (m *Manager) CreateSession(conn io.ReadWriteCloser) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, errors.New("session manager is closed")
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, relayerrors.SessionLimitReached(m.maxSessions)
	}

	session := NewSession(conn, m.opts)
	m.sessions[session.ID()] = session
	return session, nil
}

// Serve runs one session over conn until it ends.
func (m *Manager) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	session, err := m.CreateSession(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer m.remove(session.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return session.Serve(ctx)
}

// ListenAndServe accepts clients on l, one session per connection, until
// ctx is cancelled or l fails.
func (m *Manager) ListenAndServe(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = l.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			m.log.Info("Client connected", "remote", conn.RemoteAddr().String())
			g.Go(func() error {
				if err := m.Serve(ctx, conn); err != nil {
					m.log.Error(err, "Rejected client", "remote", conn.RemoteAddr().String())
				}
				return nil
			})
		}
	})

	err := g.Wait()
	m.Close()
	return err
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, nil
}

// ListSessions describes all live sessions, oldest first.
func (m *Manager) ListSessions() []types.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})
	infos := make([]types.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// TerminateSession closes a session and forgets it.
func (m *Manager) TerminateSession(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	session.Close()
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Close shuts down the manager and all sessions.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
