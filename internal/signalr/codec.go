// Package signalr implements the JSON hub protocol framing spoken by the
// browser client: JSON documents terminated by the ASCII record separator.
package signalr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordSeparator terminates every frame on the wire.
const RecordSeparator byte = 0x1e

// MessageType is the numeric kind carried by every non-handshake frame.
type MessageType int

const (
	InvocationType MessageType = 1
	StreamItemType MessageType = 2
	CompletionType MessageType = 3
	PingType       MessageType = 6
	CloseType      MessageType = 7
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMalformed    = errors.New("malformed frame")
	ErrMissingType  = errors.New("frame has no message type")
	ErrNoTarget     = errors.New("invocation has no target")
	ErrArgumentType = errors.New("argument has unexpected type")
)

// Frame is the closed set of messages the hub understands. Handlers switch
// on the concrete type.
type Frame interface {
	isFrame()
}

// Handshake is the first message a client sends.
type Handshake struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse answers a Handshake. An empty Error encodes as "{}".
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Invocation calls a named method on the other side.
type Invocation struct {
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// Ping keeps the connection alive. It carries no payload.
type Ping struct{}

// Close asks the peer to close the connection.
type Close struct {
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

// Unknown is a well-formed frame of a kind the hub does not handle.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (Handshake) isFrame()         {}
func (HandshakeResponse) isFrame() {}
func (*Invocation) isFrame()       {}
func (Ping) isFrame()              {}
func (Close) isFrame()             {}
func (Unknown) isFrame()           {}

// Decoded is the outcome for one fragment of a transport read.
type Decoded struct {
	Frame Frame
	Err   error
	Raw   []byte
}

// Split cuts a transport payload into frames, dropping empty fragments
// and surrounding whitespace.
func Split(raw []byte) [][]byte {
	parts := bytes.Split(raw, []byte{RecordSeparator})
	frames := make([][]byte, 0, len(parts))
	for _, p := range parts {
		p = bytes.TrimSpace(p)
		if len(p) == 0 {
			continue
		}
		frames = append(frames, p)
	}
	return frames
}

// Decode splits raw and parses every fragment. A bad fragment yields a
// Decoded with Err set; the remaining fragments are still parsed.
func Decode(raw []byte) []Decoded {
	fragments := Split(raw)
	out := make([]Decoded, 0, len(fragments))
	for _, f := range fragments {
		frame, err := Parse(f)
		out = append(out, Decoded{Frame: frame, Err: err, Raw: f})
	}
	return out
}

// envelope is the union of every field the hub looks at. Both "type" and
// "kind" are accepted for the message kind.
type envelope struct {
	Type         *MessageType      `json:"type"`
	Kind         *MessageType      `json:"kind"`
	Protocol     *string           `json:"protocol"`
	Version      int               `json:"version"`
	Target       string            `json:"target"`
	InvocationID string            `json:"invocationId"`
	Arguments    []json.RawMessage `json:"arguments"`
	Error        string            `json:"error"`
	Reconnect    bool              `json:"allowReconnect"`
}

// Parse decodes a single fragment (without separator).
func Parse(fragment []byte) (Frame, error) {
	fragment = bytes.TrimSpace(fragment)
	if len(fragment) == 0 {
		return nil, ErrEmptyFrame
	}

	var env envelope
	if err := json.Unmarshal(fragment, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := env.Type
	if kind == nil {
		kind = env.Kind
	}
	if kind == nil {
		if env.Protocol != nil {
			return Handshake{Protocol: *env.Protocol, Version: env.Version}, nil
		}
		return nil, ErrMissingType
	}

	switch *kind {
	case InvocationType:
		if env.Target == "" {
			return nil, ErrNoTarget
		}
		return &Invocation{
			InvocationID: env.InvocationID,
			Target:       env.Target,
			Arguments:    env.Arguments,
		}, nil
	case PingType:
		return Ping{}, nil
	case CloseType:
		return Close{Error: env.Error, AllowReconnect: env.Reconnect}, nil
	default:
		return Unknown{Type: *kind, Raw: append(json.RawMessage(nil), fragment...)}, nil
	}
}

// Encode serializes a frame and appends the record separator.
func Encode(f Frame) ([]byte, error) {
	var (
		body []byte
		err  error
	)

	switch v := f.(type) {
	case Handshake:
		body, err = json.Marshal(v)
	case HandshakeResponse:
		body, err = json.Marshal(v)
	case *Invocation:
		args := v.Arguments
		if args == nil {
			args = []json.RawMessage{}
		}
		body, err = json.Marshal(struct {
			Type         MessageType       `json:"type"`
			InvocationID string            `json:"invocationId,omitempty"`
			Target       string            `json:"target"`
			Arguments    []json.RawMessage `json:"arguments"`
		}{InvocationType, v.InvocationID, v.Target, args})
	case Ping:
		body, err = json.Marshal(struct {
			Type MessageType `json:"type"`
		}{PingType})
	case Close:
		body, err = json.Marshal(struct {
			Type           MessageType `json:"type"`
			Error          string      `json:"error,omitempty"`
			AllowReconnect bool        `json:"allowReconnect,omitempty"`
		}{CloseType, v.Error, v.AllowReconnect})
	case Unknown:
		body = v.Raw
	case nil:
		return nil, ErrEmptyFrame
	default:
		return nil, fmt.Errorf("signalr: cannot encode %T", f)
	}
	if err != nil {
		return nil, err
	}
	return append(body, RecordSeparator), nil
}

// NewInvocation builds an outbound invocation, marshalling every argument.
func NewInvocation(target string, args ...any) (*Invocation, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return &Invocation{Target: target, Arguments: raw}, nil
}

// Arg decodes argument i into dst. A missing argument reports ok=false.
func (inv *Invocation) Arg(i int, dst any) (ok bool, err error) {
	if i < 0 || i >= len(inv.Arguments) {
		return false, nil
	}
	raw := inv.Arguments[i]
	if string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: %s argument %d: %v", ErrArgumentType, inv.Target, i, err)
	}
	return true, nil
}

// StringArg returns argument i as a string. Numeric ids are accepted and
// rendered in decimal, since browser clients send project ids either way.
func (inv *Invocation) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(inv.Arguments) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(inv.Arguments[i], &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(inv.Arguments[i]))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

var (
	handshakeAck = []byte{'{', '}', RecordSeparator}
	pingFrame    = []byte(`{"type":6}` + string(RecordSeparator))
)

// HandshakeAck is the successful handshake reply: "{}" plus separator.
func HandshakeAck() []byte {
	return append([]byte(nil), handshakeAck...)
}

// PingFrame is an encoded Ping.
func PingFrame() []byte {
	return append([]byte(nil), pingFrame...)
}
