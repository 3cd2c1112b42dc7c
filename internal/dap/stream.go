package dap

import (
	"errors"
	"io"

	"github.com/go-logr/logr"
)

// SeqMode selects how a StreamWriter treats the seq field.
type SeqMode int

const (
	// AutoSeq stamps seq = 0, 1, 2, ... on every outgoing message. Used on
	// streams where this side owns the numbering (towards the IDE).
	AutoSeq SeqMode = iota
	// Verbatim writes seq as already set by the sender. Used towards the
	// backend, where TargetChannel numbers requests at Send time.
	Verbatim
)

func (m SeqMode) String() string {
	if m == AutoSeq {
		return "auto-seq"
	}
	return "verbatim"
}

// StreamWriter owns the write side of one stream. Messages are enqueued from
// any goroutine and written in FIFO order by Run.
type StreamWriter struct {
	mode  SeqMode
	queue *messageQueue
	log   logr.Logger
	seq   int
	done  chan struct{}
}

// NewStreamWriter creates a writer. Nothing is written until Run.
func NewStreamWriter(mode SeqMode, log logr.Logger) *StreamWriter {
	return &StreamWriter{
		mode:  mode,
		queue: newMessageQueue(),
		log:   log,
		done:  make(chan struct{}),
	}
}

// Enqueue schedules m for writing. After Enqueue the writer owns m and may
// modify its seq. It reports false once the writer has been stopped.
func (s *StreamWriter) Enqueue(m *Envelope) bool {
	return s.queue.Push(m)
}

// Stop asks Run to return after writing what is already queued.
func (s *StreamWriter) Stop() {
	s.queue.Stop()
}

// Done is closed when Run returns.
func (s *StreamWriter) Done() <-chan struct{} {
	return s.done
}

// Run writes queued messages to w until stopped or until the peer goes away.
// Serialization errors and transient write errors drop the message only.
func (s *StreamWriter) Run(w io.Writer) {
	defer close(s.done)
	out := NewWriter(w)

	for {
		m := s.queue.Pop()
		if m == nil {
			return
		}
		if s.mode == AutoSeq {
			m.Seq = s.seq
			s.seq++
		}

		if s.log.V(1).Enabled() {
			s.log.V(1).Info("Writing message", "mode", s.mode.String(), "seq", m.Seq, "type", m.Type, "name", m.Name())
		}

		if err := out.WriteMessage(m); err != nil {
			if IsConnectionClosed(err) {
				s.log.V(1).Info("Stream closed by peer, writer exiting", "error", err.Error())
				s.queue.Stop()
				return
			}
			s.log.Error(err, "Dropping message", "type", m.Type, "name", m.Name())
		}
	}
}

// ReadLoop reads messages from r and hands each to dispatch. When the stream
// ends, for whatever reason, dispatch receives ReaderStopped exactly once.
// onError, if set, sees any error other than a clean end of stream. A
// message that is framed correctly but cannot be decoded is reported to
// onError and skipped; reading continues.
func ReadLoop(r io.Reader, log logr.Logger, dispatch func(*Envelope), onError func(error)) {
	reader := NewReader(r)
	defer dispatch(ReaderStopped)

	for {
		msg, err := reader.ReadMessage()
		var me *MessageError
		if errors.As(err, &me) {
			log.Error(err, "Dropping undecodable message")
			if onError != nil {
				onError(err)
			}
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.V(1).Info("Stream reached end")
			case IsConnectionClosed(err):
				log.V(1).Info("Stream closed", "error", err.Error())
			default:
				log.Error(err, "Error reading message, stopping reader")
				if onError != nil {
					onError(err)
				}
			}
			return
		}

		if log.V(1).Enabled() {
			log.V(1).Info("Read message", "seq", msg.Seq, "type", msg.Type, "name", msg.Name())
		}
		dispatch(msg)
	}
}
