package session

import (
	"fmt"

	"github.com/grovetools/collab/errors"
)

// Binary events carried over the room channel.
const (
	EventSync      = "yjs"
	EventAwareness = "awareness"
)

// MessageType is the first byte of a sync frame.
type MessageType byte

const (
	SyncStep1 MessageType = 0
	SyncStep2 MessageType = 1
	Update    MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case Update:
		return "update"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// EncodeSync prefixes body with its message type.
func EncodeSync(t MessageType, body []byte) []byte {
	frame := make([]byte, 1+len(body))
	frame[0] = byte(t)
	copy(frame[1:], body)
	return frame
}

// DecodeSync splits a sync frame into its type and body.
func DecodeSync(frame []byte) (MessageType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, errors.MalformedFrame("sync", fmt.Errorf("empty frame"))
	}
	t := MessageType(frame[0])
	if t > Update {
		return 0, nil, errors.MalformedFrame("sync", fmt.Errorf("unknown message type %d", frame[0]))
	}
	return t, frame[1:], nil
}
