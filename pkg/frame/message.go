package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

const (
	// StopPayload is the payload of a stop message. A message without an
	// explicit kind carrying it is also considered a stop message.
	StopPayload = "STOP"

	// RegisterPayload is the payload clients send to register.
	RegisterPayload = "register me"
)

// Kind tells the relay what to do with a message.
type Kind uint8

const (
	KindData Kind = iota
	KindRegister
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindStop:
		return "stop"
	default:
		return "data"
	}
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "data":
		return KindData, true
	case "register":
		return KindRegister, true
	case "stop":
		return KindStop, true
	default:
		return KindData, false
	}
}

// Message is the unit exchanged between relay clients.
type Message struct {
	Kind    Kind
	Sender  string
	Payload string
}

// Register builds the first message of a connection.
func Register(name string) Message {
	return Message{Kind: KindRegister, Sender: name, Payload: RegisterPayload}
}

// Stop builds a message stopping the relay and every client.
func Stop(name string) Message {
	return Message{Kind: KindStop, Sender: name, Payload: StopPayload}
}

// Data builds a data message. The payload "STOP" always builds a stop
// message so that collaborators can end the session with a plain send.
func Data(name, payload string) Message {
	if payload == StopPayload {
		return Stop(name)
	}
	return Message{Kind: KindData, Sender: name, Payload: payload}
}

// IsStop reports whether m is a stop message.
func (m Message) IsStop() bool {
	return m.Kind == KindStop
}

type wireMessage struct {
	Name string          `json:"name"`
	Kind string          `json:"kind,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// EncodeMessage returns the JSON body of msg.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireMessage{
		Name: msg.Sender,
		Kind: msg.Kind.String(),
		Msg:  payload,
	})
}

// DecodeMessage parses a JSON body. Integer payloads are kept as their
// decimal text. Bodies without a kind are data messages unless their
// payload is "STOP".
func DecodeMessage(body []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if wire.Name == "" {
		return Message{}, fmt.Errorf("%w: missing sender name", ErrMalformedMessage)
	}

	payload, err := decodePayload(wire.Msg)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Sender: wire.Name, Payload: payload}
	if wire.Kind == "" {
		if payload == StopPayload {
			msg.Kind = KindStop
		}
		return msg, nil
	}

	kind, ok := parseKind(wire.Kind)
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, wire.Kind)
	}
	msg.Kind = kind
	return msg, nil
}

func decodePayload(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing msg", ErrMalformedMessage)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: msg must be a string or an integer", ErrMalformedMessage)
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: msg must be a string or an integer", ErrMalformedMessage)
	}
	return strconv.FormatInt(i, 10), nil
}

// MessageCodec moves messages over a flow as control frames.
type MessageCodec struct{}

func (MessageCodec) Encode(w io.Writer, msg Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return WriteControl(w, body)
}

func (MessageCodec) Decode(r *bufio.Reader) (Message, error) {
	body, err := ReadControl(r)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(body)
}
