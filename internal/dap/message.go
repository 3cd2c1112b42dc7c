package dap

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
)

// Message types carried in the "type" field.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Envelope is a DAP message whose payload is kept opaque. The relay only
// ever looks at the envelope fields; arguments and bodies read off the wire
// stay json.RawMessage so they are forwarded byte-for-byte.
//
// Outbound messages built locally may carry any JSON-marshalable value in
// Arguments or Body (typically a go-dap body struct).
type Envelope struct {
	dap.ProtocolMessage

	// request
	Command   string
	Arguments any

	// response (Command is shared with request)
	RequestSeq int
	Success    bool
	Message    string

	// event
	Event string

	// response and event
	Body any
}

// ReaderStopped is delivered to a dispatch function after the stream it
// reads from has ended. It is compared by identity and never written.
var ReaderStopped = &Envelope{ProtocolMessage: dap.ProtocolMessage{Type: "reader_stopped"}}

// NewRequest builds a request; Seq is assigned when it is sent.
func NewRequest(command string, arguments any) *Envelope {
	return &Envelope{
		ProtocolMessage: dap.ProtocolMessage{Type: TypeRequest},
		Command:         command,
		Arguments:       arguments,
	}
}

// NewEvent builds an event; Seq is assigned by the stream writer.
func NewEvent(event string, body any) *Envelope {
	return &Envelope{
		ProtocolMessage: dap.ProtocolMessage{Type: TypeEvent},
		Event:           event,
		Body:            body,
	}
}

// NewResponse builds a response correlated with req.
func NewResponse(req *Envelope, success bool, message string, body any) *Envelope {
	return &Envelope{
		ProtocolMessage: dap.ProtocolMessage{Type: TypeResponse},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         success,
		Message:         message,
		Body:            body,
	}
}

// IsRequest reports whether the envelope is a request.
func (e *Envelope) IsRequest() bool { return e.Type == TypeRequest }

// IsResponse reports whether the envelope is a response.
func (e *Envelope) IsResponse() bool { return e.Type == TypeResponse }

// IsEvent reports whether the envelope is an event.
func (e *Envelope) IsEvent() bool { return e.Type == TypeEvent }

// Name is the command of a request/response or the event name of an event.
func (e *Envelope) Name() string {
	if e.Type == TypeEvent {
		return e.Event
	}
	return e.Command
}

// Clone returns a shallow copy. Payloads are shared, which is fine because
// they are never mutated in place.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// DecodeArguments unmarshals the request arguments into v. Missing
// arguments leave v untouched.
func (e *Envelope) DecodeArguments(v any) error {
	return decodePayload(e.Arguments, v)
}

// DecodeBody unmarshals the response or event body into v. A missing body
// leaves v untouched.
func (e *Envelope) DecodeBody(v any) error {
	return decodePayload(e.Body, v)
}

func decodePayload(payload, v any) error {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = p
	default:
		var err error
		if raw, err = json.Marshal(p); err != nil {
			return err
		}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Decode converts the envelope to go-dap's typed representation.
func (e *Envelope) Decode() (dap.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return dap.DecodeProtocolMessage(data)
}

// FromMessage converts a go-dap typed message to an envelope.
func FromMessage(m dap.Message) (*Envelope, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type wireRequest struct {
	Seq       int    `json:"seq"`
	Type      string `json:"type"`
	Command   string `json:"command"`
	Arguments any    `json:"arguments,omitempty"`
}

type wireResponse struct {
	Seq        int    `json:"seq"`
	Type       string `json:"type"`
	RequestSeq int    `json:"request_seq"`
	Success    bool   `json:"success"`
	Command    string `json:"command"`
	Message    string `json:"message,omitempty"`
	Body       any    `json:"body,omitempty"`
}

type wireEvent struct {
	Seq   int    `json:"seq"`
	Type  string `json:"type"`
	Event string `json:"event"`
	Body  any    `json:"body,omitempty"`
}

// MarshalJSON emits only the fields that belong to the envelope's type.
// request_seq and success are always present on responses, even when zero.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeRequest:
		return json.Marshal(wireRequest{e.Seq, e.Type, e.Command, e.Arguments})
	case TypeResponse:
		return json.Marshal(wireResponse{e.Seq, e.Type, e.RequestSeq, e.Success, e.Command, e.Message, e.Body})
	case TypeEvent:
		return json.Marshal(wireEvent{e.Seq, e.Type, e.Event, e.Body})
	default:
		return nil, fmt.Errorf("cannot marshal message of type %q", e.Type)
	}
}

// UnmarshalJSON accepts any of the three message types. Arguments and body
// are retained as json.RawMessage.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w struct {
		Seq        *int            `json:"seq"`
		Type       string          `json:"type"`
		Command    string          `json:"command"`
		Arguments  json.RawMessage `json:"arguments"`
		RequestSeq int             `json:"request_seq"`
		Success    bool            `json:"success"`
		Message    string          `json:"message"`
		Event      string          `json:"event"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Seq == nil {
		return fmt.Errorf("message has no seq")
	}

	*e = Envelope{ProtocolMessage: dap.ProtocolMessage{Seq: *w.Seq, Type: w.Type}}
	switch w.Type {
	case TypeRequest:
		if w.Command == "" {
			return fmt.Errorf("request %d has no command", *w.Seq)
		}
		e.Command = w.Command
		e.Arguments = rawOrNil(w.Arguments)
	case TypeResponse:
		e.Command = w.Command
		e.RequestSeq = w.RequestSeq
		e.Success = w.Success
		e.Message = w.Message
		e.Body = rawOrNil(w.Body)
	case TypeEvent:
		if w.Event == "" {
			return fmt.Errorf("event %d has no name", *w.Seq)
		}
		e.Event = w.Event
		e.Body = rawOrNil(w.Body)
	default:
		return fmt.Errorf("unknown message type %q", w.Type)
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
