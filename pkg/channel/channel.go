package channel

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/grovetools/collab/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelErrored ChannelState = "errored"
)

// Status is the connection status a channel reports to its consumers.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusErrored      Status = "errored"
	StatusClosed       Status = "closed"
)

// StatusEvent is delivered to channel status listeners.
type StatusEvent struct {
	Status   Status
	Reason   string
	Err      error
	Response json.RawMessage
}

// Channel is one topic multiplexed over a Socket.
type Channel struct {
	socket *Socket
	topic  string
	params map[string]any
	logger *logrus.Entry

	mu             sync.Mutex
	state          ChannelState
	wantJoin       bool
	joinRef        string
	rejoinAttempts int
	rejoinTimer    clockwork.Timer
	replies        map[string]func(Reply)
	nextID         int
	bindings       map[string]map[int]func(json.RawMessage)
	anyBindings    map[int]func(string, json.RawMessage)
	binaryBindings map[string]map[int]func([]byte)
	statusHandlers map[int]func(StatusEvent)
}

func newChannel(s *Socket, topic string, params map[string]any) *Channel {
	return &Channel{
		socket:         s,
		topic:          topic,
		params:         params,
		logger:         s.logger.WithField("topic", topic),
		state:          ChannelClosed,
		replies:        make(map[string]func(Reply)),
		bindings:       make(map[string]map[int]func(json.RawMessage)),
		anyBindings:    make(map[int]func(string, json.RawMessage)),
		binaryBindings: make(map[string]map[int]func([]byte)),
		statusHandlers: make(map[int]func(StatusEvent)),
	}
}

// Topic returns the channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join asks the server to join the topic. It does not block: the outcome is
// reported as a connected or errored status event, and the channel rejoins
// by itself after socket reconnects.
func (c *Channel) Join() error {
	c.mu.Lock()
	if c.wantJoin {
		c.mu.Unlock()
		return nil
	}
	c.wantJoin = true
	c.state = ChannelJoining
	c.mu.Unlock()

	if c.socket.IsConnected() {
		c.sendJoin()
	}
	return nil
}

func (c *Channel) sendJoin() {
	ref := c.socket.makeRef()

	c.mu.Lock()
	if !c.wantJoin {
		c.mu.Unlock()
		return
	}
	c.stopRejoinLocked()
	for r := range c.replies {
		delete(c.replies, r)
	}
	c.joinRef = ref
	c.state = ChannelJoining
	c.replies[ref] = c.handleJoinReply
	params := c.params
	c.mu.Unlock()

	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		c.logger.WithError(err).Error("Cannot encode join params")
		return
	}

	c.logger.Debug("Joining channel")
	if err := c.socket.pushText(Message{JoinRef: ref, Ref: ref, Topic: c.topic, Event: EventJoin, Payload: payload}); err != nil {
		c.logger.WithError(err).Debug("Join push failed, waiting for reconnect")
	}
}

func (c *Channel) handleJoinReply(r Reply) {
	if r.OK() {
		c.mu.Lock()
		c.state = ChannelJoined
		c.rejoinAttempts = 0
		c.mu.Unlock()

		c.logger.Info("Joined channel")
		c.emit(StatusEvent{Status: StatusConnected, Response: r.Response})
		return
	}

	reason := r.Reason()
	err := errors.JoinRejected(c.topic, reason)

	c.mu.Lock()
	c.state = ChannelErrored
	c.mu.Unlock()

	c.logger.WithField("reason", reason).Warn("Join rejected")
	c.emit(StatusEvent{Status: StatusErrored, Reason: reason, Err: err, Response: r.Response})

	// Retrying with the same credentials cannot succeed.
	if !errors.Is(err, errors.ErrCodeAuthRejected) {
		c.scheduleRejoin()
	}
}

func (c *Channel) scheduleRejoin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wantJoin {
		return
	}
	c.stopRejoinLocked()
	delay := c.socket.opts.Backoff.Duration(c.rejoinAttempts)
	c.rejoinAttempts++
	c.rejoinTimer = c.socket.clock.AfterFunc(delay, func() {
		if c.socket.IsConnected() && c.State() == ChannelErrored {
			c.sendJoin()
		}
	})
}

func (c *Channel) stopRejoinLocked() {
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func (c *Channel) socketOpened() {
	c.mu.Lock()
	want := c.wantJoin
	c.mu.Unlock()
	if want {
		c.sendJoin()
	}
}

func (c *Channel) socketClosed() {
	c.mu.Lock()
	if !c.wantJoin {
		c.mu.Unlock()
		return
	}
	c.state = ChannelErrored
	c.stopRejoinLocked()
	for r := range c.replies {
		delete(c.replies, r)
	}
	c.mu.Unlock()

	c.emit(StatusEvent{Status: StatusDisconnected})
}

// Leave leaves the topic and detaches the channel from its socket.
func (c *Channel) Leave() {
	c.mu.Lock()
	prev := c.state
	c.wantJoin = false
	c.state = ChannelClosed
	c.stopRejoinLocked()
	joinRef := c.joinRef
	c.mu.Unlock()

	if prev == ChannelJoined {
		ref := c.socket.makeRef()
		if err := c.socket.pushText(Message{JoinRef: joinRef, Ref: ref, Topic: c.topic, Event: EventLeave}); err != nil {
			c.logger.WithError(err).Debug("Leave push failed")
		}
	}
	c.socket.removeChannel(c)

	if prev != ChannelClosed {
		c.logger.Info("Left channel")
		c.emit(StatusEvent{Status: StatusClosed})
	}
}

func (c *Channel) pushRef(onReply func(Reply)) (ref, joinRef string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ChannelJoined:
	case ChannelClosed:
		return "", "", errors.ChannelClosed(c.topic)
	default:
		return "", "", errors.NotConnected(c.topic)
	}
	ref = c.socket.makeRef()
	if onReply != nil {
		c.replies[ref] = onReply
	}
	return ref, c.joinRef, nil
}

func (c *Channel) dropReply(ref string) {
	c.mu.Lock()
	delete(c.replies, ref)
	c.mu.Unlock()
}

// Push sends a JSON event. onReply, if set, receives the server reply.
func (c *Channel) Push(event string, payload any, onReply func(Reply)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "cannot encode push payload").WithDetail("event", event)
	}
	ref, joinRef, err := c.pushRef(onReply)
	if err != nil {
		return err
	}
	if err := c.socket.pushText(Message{JoinRef: joinRef, Ref: ref, Topic: c.topic, Event: event, Payload: body}); err != nil {
		c.dropReply(ref)
		return err
	}
	return nil
}

// PushBinary sends a binary event frame.
func (c *Channel) PushBinary(event string, data []byte) error {
	ref, joinRef, err := c.pushRef(nil)
	if err != nil {
		return err
	}
	return c.socket.pushBinary(Message{Kind: KindPush, JoinRef: joinRef, Ref: ref, Topic: c.topic, Event: event, Binary: data})
}

// On subscribes to JSON events named event.
func (c *Channel) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.bindings[event] == nil {
		c.bindings[event] = make(map[int]func(json.RawMessage))
	}
	c.bindings[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.bindings[event], id)
	}
}

// OnAny subscribes to every JSON event that is not part of the channel
// lifecycle. It runs after the handlers bound with On.
func (c *Channel) OnAny(fn func(event string, payload json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.anyBindings[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.anyBindings, id)
	}
}

// OnBinary subscribes to binary events named event.
func (c *Channel) OnBinary(event string, fn func([]byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.binaryBindings[event] == nil {
		c.binaryBindings[event] = make(map[int]func([]byte))
	}
	c.binaryBindings[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.binaryBindings[event], id)
	}
}

// OnStatus subscribes to connection status changes.
func (c *Channel) OnStatus(fn func(StatusEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.statusHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusHandlers, id)
	}
}

func (c *Channel) emit(ev StatusEvent) {
	c.mu.Lock()
	handlers := make([]func(StatusEvent), 0, len(c.statusHandlers))
	for _, id := range sortedListenerIDs(c.statusHandlers) {
		handlers = append(handlers, c.statusHandlers[id])
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Channel) isMember(m Message) bool {
	if m.Topic != c.topic {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.JoinRef != "" && m.JoinRef != c.joinRef {
		c.logger.WithField("event", m.Event).Debug("Dropping message from a previous join")
		return false
	}
	return true
}

func (c *Channel) trigger(m Message) {
	if m.IsBinary() {
		if m.Kind == KindReply {
			return
		}
		c.mu.Lock()
		handlers := make([]func([]byte), 0, len(c.binaryBindings[m.Event]))
		for _, id := range sortedListenerIDs(c.binaryBindings[m.Event]) {
			handlers = append(handlers, c.binaryBindings[m.Event][id])
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(m.Binary)
		}
		return
	}

	switch m.Event {
	case EventReply:
		var r Reply
		if err := json.Unmarshal(m.Payload, &r); err != nil {
			c.logger.WithError(err).Warn("Malformed reply")
			return
		}
		c.mu.Lock()
		cb := c.replies[m.Ref]
		delete(c.replies, m.Ref)
		c.mu.Unlock()
		if cb != nil {
			cb(r)
		}
		return
	case EventError:
		c.mu.Lock()
		active := c.wantJoin
		if active {
			c.state = ChannelErrored
		}
		c.mu.Unlock()
		if active {
			c.logger.Warn("Channel crashed on the server")
			c.emit(StatusEvent{Status: StatusErrored, Reason: "channel crashed"})
			c.scheduleRejoin()
		}
		return
	case EventClose:
		c.mu.Lock()
		c.wantJoin = false
		c.state = ChannelClosed
		c.stopRejoinLocked()
		c.mu.Unlock()
		c.emit(StatusEvent{Status: StatusClosed})
		return
	}

	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.bindings[m.Event]))
	for _, id := range sortedListenerIDs(c.bindings[m.Event]) {
		handlers = append(handlers, c.bindings[m.Event][id])
	}
	catchAll := make([]func(string, json.RawMessage), 0, len(c.anyBindings))
	for _, id := range sortedListenerIDs(c.anyBindings) {
		catchAll = append(catchAll, c.anyBindings[id])
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(m.Payload)
	}
	for _, fn := range catchAll {
		fn(m.Event, m.Payload)
	}
}

func sortedListenerIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
