package errors

import (
	"fmt"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *CollabError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *CollabError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// NotConnected is returned when a frame is sent while the socket is down.
func NotConnected(topic string) *CollabError {
	return New(ErrCodeNotConnected, fmt.Sprintf("socket not connected, cannot push to '%s'", topic)).
		WithDetail("topic", topic)
}

// ChannelClosed is returned when pushing on a channel that was left.
func ChannelClosed(topic string) *CollabError {
	return New(ErrCodeChannelClosed, fmt.Sprintf("channel '%s' is closed", topic)).
		WithDetail("topic", topic)
}

// JoinRejected creates an error for a join the server refused.
func JoinRejected(topic, reason string) *CollabError {
	code := ErrCodeJoinRejected
	if reason == "unauthorized" || reason == "invalid_token" {
		code = ErrCodeAuthRejected
	}
	return New(code, fmt.Sprintf("join of '%s' rejected: %s", topic, reason)).
		WithDetail("topic", topic).
		WithDetail("reason", reason)
}

// MalformedFrame wraps a decode failure of a wire frame.
func MalformedFrame(kind string, err error) *CollabError {
	return Wrap(err, ErrCodeMalformedFrame, fmt.Sprintf("malformed %s frame", kind)).
		WithDetail("kind", kind)
}

// DocumentDecode wraps a failure to decode a document update.
func DocumentDecode(err error) *CollabError {
	return Wrap(err, ErrCodeDocumentDecode, "failed to decode document update")
}

// UnknownEvent creates an error for a server event with no known shape.
func UnknownEvent(name string) *CollabError {
	return New(ErrCodeUnknownEvent, fmt.Sprintf("unknown event '%s'", name)).
		WithDetail("event", name)
}

// UpdaterPanic converts a recovered panic inside a store transition.
func UpdaterPanic(recovered interface{}) *CollabError {
	return New(ErrCodeUpdaterFailed, fmt.Sprintf("state updater panicked: %v", recovered))
}

// SessionActive is returned when a session is initialised twice.
func SessionActive(roomID string) *CollabError {
	return New(ErrCodeSessionActive, fmt.Sprintf("session for room '%s' is already active", roomID)).
		WithDetail("room", roomID)
}

// NoSession is returned by operations that need an initialised session.
func NoSession(op string) *CollabError {
	return New(ErrCodeNoSession, fmt.Sprintf("cannot %s without an active session", op))
}
