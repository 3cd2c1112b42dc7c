package dap

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Events the backend emits that go to the IDE untouched (apart from seq).
var relayedEvents = []string{
	"output",
	"thread",
	"stopped",
	"continued",
	"breakpoint",
	"module",
	"loadedSource",
	"exited",
	"capabilities",
	"invalidated",
	"memory",
	"progressStart",
	"progressUpdate",
	"progressEnd",
}

type dispatchKey struct {
	kind string
	name string
}

// ChannelOption configures a TargetChannel.
type ChannelOption func(*TargetChannel)

// WithTerminationHandler registers fn to run once, after the Terminated
// event has been handed to the IDE. This is where the owner schedules
// session teardown.
func WithTerminationHandler(fn func()) ChannelOption {
	return func(c *TargetChannel) {
		c.onTerminated = fn
	}
}

// TargetChannel is the conversation with one debugger backend over one
// connection, however that connection was obtained.
type TargetChannel struct {
	link *ClientLink
	log  logr.Logger

	writer *StreamWriter
	connMu sync.Mutex
	conn   io.ReadWriteCloser

	// seqMu keeps seq assignment and enqueue order identical.
	seqMu   sync.Mutex
	nextSeq int
	pending *pendingTable

	handlers map[dispatchKey]func(*Envelope)

	processOnce  sync.Once
	processReady chan struct{}
	processMu    sync.Mutex
	processBody  map[string]any

	termMu       sync.Mutex
	terminated   bool
	onTerminated func()

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewTargetChannel creates a channel that reports to the IDE through link.
// Requests may be sent before Start; they are written once a connection
// exists.
func NewTargetChannel(link *ClientLink, log logr.Logger, opts ...ChannelOption) *TargetChannel {
	c := &TargetChannel{
		link:         link,
		log:          log,
		writer:       NewStreamWriter(Verbatim, log.WithName("backend-writer")),
		pending:      newPendingTable(),
		processReady: make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.handlers = map[dispatchKey]func(*Envelope){
		{TypeEvent, "process"}:     c.onProcessEvent,
		{TypeEvent, "terminated"}:  c.onTerminatedEvent,
		{TypeEvent, "initialized"}: c.ignore,
	}
	for _, name := range relayedEvents {
		c.handlers[dispatchKey{TypeEvent, name}] = c.relay
	}
	return c
}

// Start begins reading from and writing to conn. The channel takes
// ownership of conn.
func (c *TargetChannel) Start(conn io.ReadWriteCloser) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.writer.Run(conn)
	go ReadLoop(conn, c.log.WithName("backend-reader"), c.Dispatch, nil)
}

// Send numbers req with the channel's next seq and queues it. onResponse,
// if not nil, is called exactly once when the matching response arrives,
// and never if the connection drops first. Send is a no-op returning false
// once the IDE link is released or the backend has terminated.
func (c *TargetChannel) Send(req *Envelope, onResponse ResponseFunc) bool {
	if !c.link.Alive() || c.Terminated() || c.isStopped() {
		c.log.V(1).Info("Not sending request, backend is gone", "command", req.Command)
		return false
	}

	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	req.Seq = c.nextSeq
	c.nextSeq++
	if onResponse != nil {
		c.pending.Add(req.Seq, onResponse)
	}
	if !c.writer.Enqueue(req) {
		c.pending.Pop(req.Seq)
		return false
	}
	return true
}

// Resend forwards an IDE request to the backend. The backend's response is
// relayed back with request_seq restored to the IDE's original seq.
func (c *TargetChannel) Resend(req *Envelope) bool {
	clientSeq := req.Seq
	return c.Send(req.Clone(), func(resp *Envelope) {
		out := resp.Clone()
		out.RequestSeq = clientSeq
		c.link.Send(out)
	})
}

// Dispatch handles one message read from the backend.
func (c *TargetChannel) Dispatch(m *Envelope) {
	if m == ReaderStopped {
		c.onReaderStopped()
		return
	}

	if m.IsResponse() {
		if fn := c.pending.Pop(m.RequestSeq); fn != nil {
			fn(m)
		} else {
			c.log.V(1).Info("Ignoring response with no pending request", "command", m.Command, "requestSeq", m.RequestSeq)
		}
		return
	}

	if h, ok := c.handlers[dispatchKey{m.Type, m.Name()}]; ok {
		h(m)
		return
	}
	c.log.V(1).Info("Unhandled backend message", "type", m.Type, "name", m.Name())
}

func (c *TargetChannel) relay(m *Envelope) {
	c.link.Send(m)
}

func (c *TargetChannel) ignore(m *Envelope) {
	c.log.V(1).Info("Ignoring backend message", "type", m.Type, "name", m.Name())
}

func (c *TargetChannel) onProcessEvent(ev *Envelope) {
	body := map[string]any{}
	if err := ev.DecodeBody(&body); err != nil {
		c.log.Error(err, "Malformed process event body")
		body = map[string]any{}
	}
	body["dapProcessId"] = os.Getpid()

	out := ev.Clone()
	out.Body = body
	c.link.Send(out)

	c.processMu.Lock()
	c.processBody = body
	c.processMu.Unlock()
	c.processOnce.Do(func() {
		close(c.processReady)
	})
}

func (c *TargetChannel) onTerminatedEvent(ev *Envelope) {
	c.termMu.Lock()
	if c.terminated {
		c.termMu.Unlock()
		return
	}
	c.terminated = true
	c.termMu.Unlock()

	if ev == nil {
		ev = NewEvent("terminated", map[string]any{"restart": false})
	}
	c.log.Info("Debug session terminated")
	c.link.Send(ev)

	if c.onTerminated != nil {
		c.onTerminated()
	}
}

func (c *TargetChannel) onReaderStopped() {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
	if n := c.pending.Drain(); n > 0 {
		c.log.V(1).Info("Backend connection lost with requests outstanding", "count", n)
	}
	c.onTerminatedEvent(nil)
}

// NotifyExit reports that the debuggee is gone. The IDE gets a synthesized
// Terminated event unless one was already sent.
func (c *TargetChannel) NotifyExit() {
	c.onTerminatedEvent(nil)
}

// Terminated reports whether termination has been signalled.
func (c *TargetChannel) Terminated() bool {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	return c.terminated
}

func (c *TargetChannel) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// WaitForProcessEvent blocks until the backend's process event arrived, the
// connection dropped, or timeout elapsed.
func (c *TargetChannel) WaitForProcessEvent(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.processReady:
		return true
	case <-c.stopped:
		select {
		case <-c.processReady:
			return true
		default:
			return false
		}
	case <-timer.C:
		return false
	}
}

// WaitForConfigurationDone sends configurationDone to the backend and
// blocks until it is acknowledged, the connection drops, or timeout elapses.
func (c *TargetChannel) WaitForConfigurationDone(timeout time.Duration) bool {
	acked := make(chan struct{})
	req := NewRequest("configurationDone", nil)
	if !c.Send(req, func(*Envelope) { close(acked) }) {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-acked:
		return true
	case <-c.stopped:
		select {
		case <-acked:
			return true
		default:
			return false
		}
	case <-timer.C:
		return false
	}
}

// ProcessInfo returns the process event body, or nil before it arrived.
func (c *TargetChannel) ProcessInfo() map[string]any {
	c.processMu.Lock()
	defer c.processMu.Unlock()
	return c.processBody
}

// Pending returns the number of requests awaiting a response.
func (c *TargetChannel) Pending() int {
	return c.pending.Len()
}

// Close stops the writer and closes the connection; the reader then
// observes the close and stops on its own.
func (c *TargetChannel) Close() error {
	c.writer.Stop()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
