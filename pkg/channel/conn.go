package channel

import "encoding/json"

// Pusher sends request events and receives replies.
type Pusher interface {
	Push(event string, payload any, onReply func(Reply)) error
}

// Conn is the surface of a joined topic that sessions depend on. *Channel
// implements it; tests substitute an in-memory fake.
type Conn interface {
	Pusher
	Topic() string
	Join() error
	Leave()
	PushBinary(event string, data []byte) error
	On(event string, fn func(json.RawMessage)) func()
	OnAny(fn func(event string, payload json.RawMessage)) func()
	OnBinary(event string, fn func([]byte)) func()
	OnStatus(fn func(StatusEvent)) func()
}

// Transport opens topics.
type Transport interface {
	Open(topic string, params map[string]any) Conn
}

// Open implements Transport.
func (s *Socket) Open(topic string, params map[string]any) Conn {
	return s.Channel(topic, params)
}

var (
	_ Conn      = (*Channel)(nil)
	_ Transport = (*Socket)(nil)
)
