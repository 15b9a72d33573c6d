// Package channel implements a Phoenix-compatible channel client over
// gorilla/websocket: multiplexed topics, JSON and binary frames, heartbeats,
// and automatic reconnection with exponential backoff.
package channel

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ProtocolVersion is sent as the vsn query parameter.
const ProtocolVersion = "2.0.0"

// SocketState is reported to socket status listeners.
type SocketState string

const (
	SocketOpen  SocketState = "open"
	SocketClose SocketState = "close"
	SocketError SocketState = "error"
)

// SocketEvent describes a socket state change.
type SocketEvent struct {
	State SocketState
	Err   error
}

// Options configures a Socket.
type Options struct {
	URL               string
	Params            map[string]string
	Backoff           Backoff
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
	Clock             clockwork.Clock
	Logger            *logrus.Entry
}

// Socket owns one websocket connection and the channels multiplexed over it.
type Socket struct {
	opts   Options
	clock  clockwork.Clock
	logger *logrus.Entry

	mu               sync.Mutex
	conn             *websocket.Conn
	channels         []*Channel
	ref              uint64
	pendingHeartbeat string
	statusListeners  map[int]func(SocketEvent)
	nextListener     int
	cancel           context.CancelFunc
	done             chan struct{}

	writeMu sync.Mutex
}

// NewSocket creates a socket. Nothing is dialed until Connect.
func NewSocket(opts Options) *Socket {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("channel")
	}
	return &Socket{
		opts:            opts,
		clock:           opts.Clock,
		logger:          opts.Logger.WithField("url", opts.URL),
		statusListeners: make(map[int]func(SocketEvent)),
	}
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid socket URL")
	}
	q := u.Query()
	for k, v := range s.opts.Params {
		q.Set(k, v)
	}
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts the connection loop in the background. It returns
// immediately; progress is reported through OnStatus and channel status
// events. Calling Connect on a running socket is a no-op.
func (s *Socket) Connect(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, endpoint, s.done)
	return nil
}

// Disconnect stops the connection loop. It does not wait for the loop to
// exit; use Done for that.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the connection loop started by the last Connect exits.
func (s *Socket) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// IsConnected reports whether a websocket is currently open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// OnStatus registers a socket-level status listener.
func (s *Socket) OnStatus(fn func(SocketEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.statusListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.statusListeners, id)
	}
}

func (s *Socket) emit(ev SocketEvent) {
	s.mu.Lock()
	ids := sortedListenerIDs(s.statusListeners)
	listeners := make([]func(SocketEvent), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.statusListeners[id])
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Channel returns a channel for topic. params are sent with every join.
func (s *Socket) Channel(topic string, params map[string]any) *Channel {
	ch := newChannel(s, topic, params)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

func (s *Socket) removeChannel(target *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.channels {
		if ch == target {
			s.channels = append(s.channels[:i:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *Socket) channelsSnapshot() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.channels...)
}

func (s *Socket) makeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		conn, _, err := s.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).WithField("attempt", attempt).Warn("Socket dial failed")
			s.emit(SocketEvent{State: SocketError, Err: err})
			if !s.sleep(ctx, s.opts.Backoff.Duration(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !s.sleep(ctx, s.opts.Backoff.Duration(attempt)) {
			return
		}
		attempt++
	}
}

func (s *Socket) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// serve reads frames until the connection fails or ctx is cancelled.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.pendingHeartbeat = ""
	s.mu.Unlock()

	s.logger.Info("Socket connected")
	s.emit(SocketEvent{State: SocketOpen})
	for _, ch := range s.channelsSnapshot() {
		ch.socketOpened()
	}

	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, func() { conn.Close() })
	go s.heartbeat(connCtx, conn)

	var readErr error
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		s.dispatch(mt, data)
	}

	cancel()
	stop()
	conn.Close()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if ctx.Err() == nil {
		s.logger.WithError(readErr).Warn("Socket connection lost")
	} else {
		s.logger.Info("Socket disconnected")
	}
	s.emit(SocketEvent{State: SocketClose, Err: readErr})
	for _, ch := range s.channelsSnapshot() {
		ch.socketClosed()
	}
}

func (s *Socket) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := s.clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.mu.Lock()
			if s.pendingHeartbeat != "" {
				s.pendingHeartbeat = ""
				s.mu.Unlock()
				s.logger.Warn("Heartbeat timeout, closing connection")
				conn.Close()
				return
			}
			s.ref++
			ref := strconv.FormatUint(s.ref, 10)
			s.pendingHeartbeat = ref
			s.mu.Unlock()

			err := s.pushText(Message{Ref: ref, Topic: TopicPhoenix, Event: EventHeartbeat})
			if err != nil {
				s.logger.WithError(err).Debug("Heartbeat push failed")
			}
		}
	}
}

func (s *Socket) dispatch(mt int, data []byte) {
	var (
		msg Message
		err error
	)
	switch mt {
	case websocket.TextMessage:
		msg, err = DecodeText(data)
	case websocket.BinaryMessage:
		msg, err = DecodeBinary(data)
	default:
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}

	if msg.Topic == TopicPhoenix {
		s.mu.Lock()
		if msg.Ref != "" && msg.Ref == s.pendingHeartbeat {
			s.pendingHeartbeat = ""
		}
		s.mu.Unlock()
		return
	}

	for _, ch := range s.channelsSnapshot() {
		if ch.isMember(msg) {
			ch.trigger(msg)
		}
	}
}

func (s *Socket) write(mt int, data []byte, topic string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.NotConnected(topic)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrCodeNotConnected, "failed to set write deadline")
	}
	if err := conn.WriteMessage(mt, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeNotConnected, "websocket write failed").WithDetail("topic", topic)
	}
	return nil
}

func (s *Socket) pushText(m Message) error {
	data, err := EncodeText(m)
	if err != nil {
		return errors.MalformedFrame("text", err)
	}
	return s.write(websocket.TextMessage, data, m.Topic)
}

func (s *Socket) pushBinary(m Message) error {
	data, err := EncodeBinary(m)
	if err != nil {
		return err
	}
	return s.write(websocket.BinaryMessage, data, m.Topic)
}
