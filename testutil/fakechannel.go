package testutil

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/channel"
)

// FakeTransport opens in-memory channels.
type FakeTransport struct {
	// OnOpen, if set, runs for every opened channel.
	OnOpen func(*FakeConn)

	mu    sync.Mutex
	conns []*FakeConn
}

// NewFakeTransport creates an empty transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Open implements channel.Transport.
func (t *FakeTransport) Open(topic string, params map[string]any) channel.Conn {
	c := NewFakeConn(topic, params)
	t.mu.Lock()
	t.conns = append(t.conns, c)
	onOpen := t.OnOpen
	t.mu.Unlock()
	if onOpen != nil {
		onOpen(c)
	}
	return c
}

// Conns returns every opened channel in order.
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeConn(nil), t.conns...)
}

// Last returns the most recently opened channel, or nil.
func (t *FakeTransport) Last() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Pushed is a recorded JSON push.
type Pushed struct {
	Event   string
	Payload json.RawMessage
}

// BinaryPushed is a recorded binary push.
type BinaryPushed struct {
	Event string
	Data  []byte
}

// FakeConn is an in-memory channel.Conn. Pushes are recorded; the test drives
// status changes and inbound events.
type FakeConn struct {
	topic  string
	params map[string]any

	mu       sync.Mutex
	joined   bool
	joins    int
	left     bool
	pushes   []Pushed
	binary   []BinaryPushed
	nextID   int
	on       map[string]map[int]func(json.RawMessage)
	onAny    map[int]func(string, json.RawMessage)
	onBinary map[string]map[int]func([]byte)
	onStatus map[int]func(channel.StatusEvent)
	replier  func(event string, payload json.RawMessage) (channel.Reply, bool)
	deliver  func(event string, data []byte)
}

// NewFakeConn creates a channel for topic.
func NewFakeConn(topic string, params map[string]any) *FakeConn {
	return &FakeConn{
		topic:    topic,
		params:   params,
		on:       make(map[string]map[int]func(json.RawMessage)),
		onAny:    make(map[int]func(string, json.RawMessage)),
		onBinary: make(map[string]map[int]func([]byte)),
		onStatus: make(map[int]func(channel.StatusEvent)),
	}
}

// SetReplier answers JSON pushes. Returning false leaves a push unanswered.
func (c *FakeConn) SetReplier(fn func(event string, payload json.RawMessage) (channel.Reply, bool)) {
	c.mu.Lock()
	c.replier = fn
	c.mu.Unlock()
}

// SetDeliver forwards every binary push to fn.
func (c *FakeConn) SetDeliver(fn func(event string, data []byte)) {
	c.mu.Lock()
	c.deliver = fn
	c.mu.Unlock()
}

// Topic implements channel.Conn.
func (c *FakeConn) Topic() string { return c.topic }

// Params returns the join payload.
func (c *FakeConn) Params() map[string]any { return c.params }

// Joined reports whether the channel is connected.
func (c *FakeConn) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Left reports whether Leave was called.
func (c *FakeConn) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// JoinCount returns how many times Join was called.
func (c *FakeConn) JoinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

// Pushes returns every recorded JSON push.
func (c *FakeConn) Pushes() []Pushed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Pushed(nil), c.pushes...)
}

// BinaryPushes returns every recorded binary push.
func (c *FakeConn) BinaryPushes() []BinaryPushed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BinaryPushed(nil), c.binary...)
}

// PushesOf returns the payloads pushed under event.
func (c *FakeConn) PushesOf(event string) []json.RawMessage {
	var out []json.RawMessage
	for _, p := range c.Pushes() {
		if p.Event == event {
			out = append(out, p.Payload)
		}
	}
	return out
}

// BinaryOf returns the frames pushed under event.
func (c *FakeConn) BinaryOf(event string) [][]byte {
	var out [][]byte
	for _, p := range c.BinaryPushes() {
		if p.Event == event {
			out = append(out, p.Data)
		}
	}
	return out
}

// Join records the request. The join completes when the test calls Connect.
func (c *FakeConn) Join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return errors.ChannelClosed(c.topic)
	}
	c.joins++
	return nil
}

// Connect completes a join and reports it as connected.
func (c *FakeConn) Connect() {
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.EmitStatus(channel.StatusEvent{Status: channel.StatusConnected})
}

// Drop simulates a lost connection.
func (c *FakeConn) Drop() {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	c.EmitStatus(channel.StatusEvent{Status: channel.StatusDisconnected})
}

// Crash simulates the server crashing a joined channel: pushes are refused
// until the next Connect.
func (c *FakeConn) Crash() {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	c.EmitStatus(channel.StatusEvent{Status: channel.StatusErrored, Reason: "channel crashed"})
}

// Leave implements channel.Conn.
func (c *FakeConn) Leave() {
	c.mu.Lock()
	was := !c.left
	c.left = true
	c.joined = false
	c.mu.Unlock()
	if was {
		c.EmitStatus(channel.StatusEvent{Status: channel.StatusClosed})
	}
}

func (c *FakeConn) checkPush() error {
	switch {
	case c.left:
		return errors.ChannelClosed(c.topic)
	case !c.joined:
		return errors.NotConnected(c.topic)
	}
	return nil
}

// Push implements channel.Conn. Replies are delivered synchronously.
func (c *FakeConn) Push(event string, payload any, onReply func(channel.Reply)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.checkPush(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pushes = append(c.pushes, Pushed{Event: event, Payload: body})
	replier := c.replier
	c.mu.Unlock()

	if replier != nil && onReply != nil {
		if r, ok := replier(event, body); ok {
			onReply(r)
		}
	}
	return nil
}

// PushBinary implements channel.Conn.
func (c *FakeConn) PushBinary(event string, data []byte) error {
	c.mu.Lock()
	if err := c.checkPush(); err != nil {
		c.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	c.binary = append(c.binary, BinaryPushed{Event: event, Data: frame})
	deliver := c.deliver
	c.mu.Unlock()

	if deliver != nil {
		deliver(event, frame)
	}
	return nil
}

func (c *FakeConn) register(add func(id int), remove func(id int)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	add(id)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		remove(id)
		c.mu.Unlock()
	}
}

// On implements channel.Conn.
func (c *FakeConn) On(event string, fn func(json.RawMessage)) func() {
	return c.register(func(id int) {
		if c.on[event] == nil {
			c.on[event] = make(map[int]func(json.RawMessage))
		}
		c.on[event][id] = fn
	}, func(id int) { delete(c.on[event], id) })
}

// OnAny implements channel.Conn.
func (c *FakeConn) OnAny(fn func(string, json.RawMessage)) func() {
	return c.register(func(id int) { c.onAny[id] = fn }, func(id int) { delete(c.onAny, id) })
}

// OnBinary implements channel.Conn.
func (c *FakeConn) OnBinary(event string, fn func([]byte)) func() {
	return c.register(func(id int) {
		if c.onBinary[event] == nil {
			c.onBinary[event] = make(map[int]func([]byte))
		}
		c.onBinary[event][id] = fn
	}, func(id int) { delete(c.onBinary[event], id) })
}

// OnStatus implements channel.Conn.
func (c *FakeConn) OnStatus(fn func(channel.StatusEvent)) func() {
	return c.register(func(id int) { c.onStatus[id] = fn }, func(id int) { delete(c.onStatus, id) })
}

// EmitStatus delivers a status event to every status listener.
func (c *FakeConn) EmitStatus(ev channel.StatusEvent) {
	c.mu.Lock()
	fns := ordered(c.onStatus)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Emit delivers a JSON event. payload is marshalled unless it is already a
// json.RawMessage.
func (c *FakeConn) Emit(event string, payload any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			panic(err)
		}
	}
	c.mu.Lock()
	fns := ordered(c.on[event])
	all := ordered(c.onAny)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
	for _, fn := range all {
		fn(event, raw)
	}
}

// EmitBinary delivers a binary event.
func (c *FakeConn) EmitBinary(event string, data []byte) {
	c.mu.Lock()
	fns := ordered(c.onBinary[event])
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func ordered[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

var _ channel.Conn = (*FakeConn)(nil)
var _ channel.Transport = (*FakeTransport)(nil)
