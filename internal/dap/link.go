package dap

import "sync"

// ClientLink is how backend-side components reach the IDE. It does not own
// the client stream: once the session releases it, Send becomes a no-op, so
// a lingering backend goroutine can never keep a torn-down session alive or
// write into a stream that is being closed.
type ClientLink struct {
	mu  sync.RWMutex
	out *StreamWriter
}

// NewClientLink creates a link delivering to out.
func NewClientLink(out *StreamWriter) *ClientLink {
	return &ClientLink{out: out}
}

// Send enqueues m for the IDE. It reports whether the link was still live.
func (l *ClientLink) Send(m *Envelope) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.out == nil {
		return false
	}
	return l.out.Enqueue(m)
}

// Alive reports whether Release has not yet been called.
func (l *ClientLink) Alive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.out != nil
}

// Release detaches the link. Safe to call more than once.
func (l *ClientLink) Release() {
	l.mu.Lock()
	l.out = nil
	l.mu.Unlock()
}
