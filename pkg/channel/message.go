package channel

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/collab/errors"
)

// Reserved topic and event names of the channel protocol.
const (
	TopicPhoenix   = "phoenix"
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	ReplyOK    = "ok"
	ReplyError = "error"
)

// Kind is the binary frame type carried in the first header byte.
type Kind uint8

const (
	KindPush      Kind = 0
	KindReply     Kind = 1
	KindBroadcast Kind = 2
)

// Message is a decoded frame. Text frames carry Payload; binary frames
// carry Binary.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage

	Kind   Kind
	Status string
	Binary []byte
}

// IsBinary reports whether m arrived in a binary frame.
func (m Message) IsBinary() bool {
	return m.Binary != nil
}

// Reply is the payload of a phx_reply.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK reports whether the reply carries the ok status.
func (r Reply) OK() bool {
	return r.Status == ReplyOK
}

// Reason extracts response.reason from an error reply.
func (r Reply) Reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(r.Response) > 0 {
		_ = json.Unmarshal(r.Response, &body)
	}
	return body.Reason
}

// ReplyPayload builds a phx_reply payload.
func ReplyPayload(status string, response any) (json.RawMessage, error) {
	if response == nil {
		response = map[string]any{}
	}
	resp, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Reply{Status: status, Response: resp})
}

func nullableRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

// EncodeText serializes m as the JSON array [join_ref, ref, topic, event, payload].
func EncodeText(m Message) ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{nullableRef(m.JoinRef), nullableRef(m.Ref), m.Topic, m.Event, payload})
}

// DecodeText parses a JSON array frame.
func DecodeText(data []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Message{}, errors.MalformedFrame("text", err)
	}
	if len(parts) != 5 {
		return Message{}, errors.MalformedFrame("text", fmt.Errorf("expected 5 elements, got %d", len(parts)))
	}

	var m Message
	var joinRef, ref *string
	if err := json.Unmarshal(parts[0], &joinRef); err != nil {
		return Message{}, errors.MalformedFrame("text", err)
	}
	if err := json.Unmarshal(parts[1], &ref); err != nil {
		return Message{}, errors.MalformedFrame("text", err)
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return Message{}, errors.MalformedFrame("text", err)
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return Message{}, errors.MalformedFrame("text", err)
	}
	if joinRef != nil {
		m.JoinRef = *joinRef
	}
	if ref != nil {
		m.Ref = *ref
	}
	m.Payload = parts[4]
	return m, nil
}

// EncodeBinary serializes m with the binary header for m.Kind.
func EncodeBinary(m Message) ([]byte, error) {
	var header []byte
	var fields []string

	switch m.Kind {
	case KindPush:
		fields = []string{m.JoinRef, m.Ref, m.Topic, m.Event}
	case KindReply:
		fields = []string{m.JoinRef, m.Ref, m.Topic, m.Status}
	case KindBroadcast:
		fields = []string{m.Topic, m.Event}
	default:
		return nil, errors.MalformedFrame("binary", fmt.Errorf("unknown kind %d", m.Kind))
	}

	header = append(header, byte(m.Kind))
	for _, f := range fields {
		if len(f) > 255 {
			return nil, errors.MalformedFrame("binary", fmt.Errorf("field %q exceeds 255 bytes", f))
		}
		header = append(header, byte(len(f)))
	}

	size := len(header) + len(m.Binary)
	for _, f := range fields {
		size += len(f)
	}
	out := make([]byte, 0, size)
	out = append(out, header...)
	for _, f := range fields {
		out = append(out, f...)
	}
	return append(out, m.Binary...), nil
}

// DecodeBinary parses a binary frame of any kind.
func DecodeBinary(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, errors.MalformedFrame("binary", fmt.Errorf("empty frame"))
	}

	m := Message{Kind: Kind(data[0])}
	var n int
	switch m.Kind {
	case KindPush, KindReply:
		n = 4
	case KindBroadcast:
		n = 2
	default:
		return Message{}, errors.MalformedFrame("binary", fmt.Errorf("unknown kind %d", data[0]))
	}
	if len(data) < 1+n {
		return Message{}, errors.MalformedFrame("binary", fmt.Errorf("truncated header"))
	}

	sizes := data[1 : 1+n]
	offset := 1 + n
	fields := make([]string, n)
	for i, sz := range sizes {
		end := offset + int(sz)
		if end > len(data) {
			return Message{}, errors.MalformedFrame("binary", fmt.Errorf("field %d overruns frame", i))
		}
		fields[i] = string(data[offset:end])
		offset = end
	}
	m.Binary = make([]byte, len(data)-offset)
	copy(m.Binary, data[offset:])

	switch m.Kind {
	case KindPush:
		m.JoinRef, m.Ref, m.Topic, m.Event = fields[0], fields[1], fields[2], fields[3]
	case KindReply:
		m.JoinRef, m.Ref, m.Topic, m.Status = fields[0], fields[1], fields[2], fields[3]
		m.Event = EventReply
	case KindBroadcast:
		m.Topic, m.Event = fields[0], fields[1]
	}
	return m, nil
}
