// Package dap implements the relay's side of the Debug Adapter Protocol.
//
// The package provides:
//   - Framing: Content-Length delimited JSON messages over any byte stream
//   - StreamWriter: a queue-fed writer goroutine, with or without seq stamping
//   - TargetChannel: the duplex conversation with one debugger backend,
//     including request/response correlation and lifecycle latches
//   - ClientLink: a non-owning handle the backend side uses to reach the IDE
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/google/go-dap"

	relayerrors "github.com/ctagard/dap-relay/internal/errors"
)

const contentLengthHeader = "Content-Length"

// FramingError reports a malformed header block or body. Raw holds the body
// bytes when the header block was fine but the JSON was not.
type FramingError struct {
	Reason string
	Raw    []byte
}

func (e *FramingError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("%s (body: %q)", e.Reason, e.Raw)
	}
	return e.Reason
}

// Unwrap exposes the error as a FRAMING_ERROR RelayError.
func (e *FramingError) Unwrap() error {
	return relayerrors.Framing(e.Reason, e.Raw)
}

// MessageError reports a well-framed JSON body that is not a valid message,
// such as one without a seq or with an unknown type. The stream stays usable.
type MessageError struct {
	Reason string
	Raw    []byte
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s (body: %q)", e.Reason, e.Raw)
}

// Unwrap exposes the error as a FRAMING_ERROR RelayError.
func (e *MessageError) Unwrap() error {
	return relayerrors.Framing(e.Reason, e.Raw)
}

// Reader reads framed messages from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage reads the next message. It returns io.EOF when the stream
// closes cleanly at a header boundary and a *FramingError for anything
// malformed, including a stream that ends mid-message. A body that is valid
// JSON but not a message yields a *MessageError and the next call reads on.
func (r *Reader) ReadMessage() (*Envelope, error) {
	headers := make(map[string]string)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line == "" {
					return nil, io.EOF
				}
				return nil, &FramingError{Reason: "stream ended inside a header line"}
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.Count(line, ": ") != 1 {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		name, value, _ := strings.Cut(line, ": ")
		headers[name] = value
	}

	if len(headers) == 0 {
		return nil, &FramingError{Reason: "no headers before blank line"}
	}

	lengthStr, ok := headers[contentLengthHeader]
	if !ok {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}
	length, err := strconv.Atoi(strings.TrimSpace(lengthStr))
	if err != nil || length < 0 {
		return nil, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", lengthStr)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Reason: fmt.Sprintf("partial message: expected %d body bytes", length)}
		}
		return nil, err
	}

	if !utf8.Valid(body) {
		return nil, &FramingError{Reason: "body is not valid UTF-8", Raw: body}
	}

	if !json.Valid(body) {
		return nil, &FramingError{Reason: "invalid message body: not JSON", Raw: body}
	}

	var msg Envelope
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid message: %v", err), Raw: body}
	}
	return &msg, nil
}

// Writer writes framed messages. Writes from concurrent goroutines never
// interleave.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage serializes msg, frames it and flushes.
func (w *Writer) WriteMessage(msg *Envelope) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s %q: %w", msg.Type, msg.Name(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := dap.WriteBaseMessage(w.w, content); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

// IsConnectionClosed reports whether err means the peer is gone for good.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

// StdioConn joins the relay's stdin and stdout into one stream.
type StdioConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

// NewStdioConn combines in and out; both are closed by Close.
func NewStdioConn(in io.ReadCloser, out io.WriteCloser) *StdioConn {
	return &StdioConn{Reader: in, Writer: out, closers: []io.Closer{in, out}}
}

func (s *StdioConn) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
