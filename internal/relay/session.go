// Package relay is the IDE-facing side of the relay: one Session per client
// connection, the request handlers that answer locally or delegate to the
// debug target, and the Manager that owns sessions in stdio and server mode.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ctagard/dap-relay/internal/config"
	"github.com/ctagard/dap-relay/internal/dap"
	relayerrors "github.com/ctagard/dap-relay/internal/errors"
	"github.com/ctagard/dap-relay/internal/target"
	"github.com/ctagard/dap-relay/internal/tunnel"
	"github.com/ctagard/dap-relay/pkg/types"
)

// writerDrainTimeout bounds how long Close waits for queued client
// messages to be written.
const writerDrainTimeout = time.Second

// Options carries what every session needs.
type Options struct {
	Config *config.Config
	Log    logr.Logger
	// Host starts debuggees; defaults to the real OS.
	Host target.ProcessHost
	// Environ defaults to os.Environ.
	Environ func() []string
	// SelfExe is passed on to targets for run-and-save-pid.
	SelfExe string
	// Terminator runs once a session's target has terminated and the grace
	// period elapsed. Defaults to closing the session.
	Terminator Terminator
}

type requestHandler func(req *dap.Envelope) error

// Session is one IDE connection and at most one debug target.
type Session struct {
	id        string
	createdAt time.Time

	cfg        *config.Config
	log        logr.Logger
	opts       Options
	terminator Terminator

	conn     io.ReadWriteCloser
	writer   *dap.StreamWriter
	link     *dap.ClientLink
	handlers map[string]requestHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu                    sync.Mutex
	status                types.SessionStatus
	supportsRunInTerminal bool
	handled               bool
	request               string
	target                *target.Target
	tunnel                *tunnel.Tunnel

	served        atomic.Bool
	terminateOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
}

// NewSession prepares a session over conn. Nothing is read until Serve.
func NewSession(conn io.ReadWriteCloser, opts Options) *Session {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	if opts.Terminator == nil {
		opts.Terminator = CloseSession
	}

	id := uuid.New().String()
	log := opts.Log.WithValues("session", id)
	writer := dap.NewStreamWriter(dap.AutoSeq, log.WithName("client-writer"))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		createdAt:  time.Now(),
		cfg:        opts.Config,
		log:        log,
		opts:       opts,
		terminator: opts.Terminator,
		conn:       conn,
		writer:     writer,
		link:       dap.NewClientLink(writer),
		ctx:        ctx,
		cancel:     cancel,
		status:     types.SessionStatusInitializing,
		done:       make(chan struct{}),
	}
	s.handlers = s.buildHandlers()
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info describes the session.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := types.SessionInfo{
		SessionID: s.id,
		Status:    s.status,
		Request:   s.request,
	}
	if s.target != nil {
		info.NoDebug = s.target.NoDebug()
		info.PID = s.target.Pid()
		info.Program = s.target.Program()
	}
	return info
}

// Serve reads client requests until the client goes away, ctx is cancelled
// or the session is closed. The session is closed when Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()

	s.served.Store(true)
	go s.writer.Run(s.conn)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.log.Info("Session started")
	dap.ReadLoop(s.conn, s.log.WithName("client-reader"), s.dispatch, s.onReadError)
	return nil
}

func (s *Session) dispatch(m *dap.Envelope) {
	switch {
	case m == dap.ReaderStopped:
		s.log.V(1).Info("Client stream ended")
	case m.IsRequest():
		s.handleRequest(m)
	default:
		// Answers to runInTerminal or startDebugging; nothing waits on them.
		s.log.V(1).Info("Ignoring client message", "type", m.Type, "name", m.Name())
	}
}

func (s *Session) handleRequest(req *dap.Envelope) {
	handler, ok := s.handlers[req.Command]
	if !ok {
		s.fail(req, relayerrors.Unsupported(req.Command))
		return
	}
	if err := handler(req); err != nil {
		s.fail(req, err)
	}
}

// fail answers req with success=false.
func (s *Session) fail(req *dap.Envelope, err error) {
	re := relayerrors.FromError(err)
	s.log.Error(err, "Request failed", "command", req.Command, "code", re.Code, "hint", re.Hint)
	s.respond(dap.NewResponse(req, false, re.Message, nil))
}

func (s *Session) respond(resp *dap.Envelope) {
	s.link.Send(resp)
}

// onReadError answers a request the client sent but that could not be
// decoded, when enough of it survived to address a response.
func (s *Session) onReadError(err error) {
	var raw []byte
	var fe *dap.FramingError
	var me *dap.MessageError
	switch {
	case errors.As(err, &me):
		raw = me.Raw
	case errors.As(err, &fe):
		raw = fe.Raw
	}
	if raw == nil {
		return
	}
	var head struct {
		Seq     int    `json:"seq"`
		Type    string `json:"type"`
		Command string `json:"command"`
	}
	if json.Unmarshal(raw, &head) != nil || head.Type != dap.TypeRequest || head.Command == "" {
		return
	}
	req := dap.NewRequest(head.Command, nil)
	req.Seq = head.Seq
	s.respond(dap.NewResponse(req, false, "Error processing message: "+err.Error(), nil))
}

func (s *Session) activeTarget() *target.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// debugTarget returns the target when it runs under the debugger.
func (s *Session) debugTarget() *target.Target {
	t := s.activeTarget()
	if t == nil || t.NoDebug() {
		return nil
	}
	return t
}

func (s *Session) setStatus(status types.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// onTargetTerminated runs after the IDE was told the target is gone.
func (s *Session) onTargetTerminated() {
	s.terminateOnce.Do(func() {
		s.setStatus(types.SessionStatusTerminated)
		s.log.Info("Debug target terminated")
		go func() {
			select {
			case <-time.After(s.cfg.TerminateGrace.D()):
			case <-s.done:
				return
			}
			s.terminator.Terminate(s)
		}()
	})
}

// Close stops the tunnel and the target and closes the client stream.
// A launched debuggee that is still running is killed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		tgt, tun := s.target, s.tunnel
		s.status = types.SessionStatusTerminated
		s.mu.Unlock()

		if tun != nil {
			_ = tun.Close()
		}
		if tgt != nil {
			tgt.Disconnect(s.cfg.KillZombieProcesses)
			_ = tgt.Close()
		}

		s.link.Release()
		s.writer.Stop()
		if s.served.Load() {
			select {
			case <-s.writer.Done():
			case <-time.After(writerDrainTimeout):
			}
		}
		_ = s.conn.Close()

		close(s.done)
		s.log.Info("Session closed")
	})
}
