package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/collab/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phoenixServer is a minimal channel server used to exercise the client.
type phoenixServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*websocket.Conn
	writeMu    sync.Mutex
	rejectWith string
	joins      int
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	ps := &phoenixServer{t: t}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()
		ps.serve(conn)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *phoenixServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *phoenixServer) send(conn *websocket.Conn, mt int, data []byte) {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	_ = conn.WriteMessage(mt, data)
}

func (ps *phoenixServer) reply(conn *websocket.Conn, m Message, status string, response any) {
	payload, err := ReplyPayload(status, response)
	require.NoError(ps.t, err)
	data, err := EncodeText(Message{JoinRef: m.JoinRef, Ref: m.Ref, Topic: m.Topic, Event: EventReply, Payload: payload})
	require.NoError(ps.t, err)
	ps.send(conn, websocket.TextMessage, data)
}

func (ps *phoenixServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			m, err := DecodeBinary(data)
			if err != nil {
				continue
			}
			out, _ := EncodeBinary(Message{Kind: KindBroadcast, Topic: m.Topic, Event: m.Event, Binary: m.Binary})
			ps.send(conn, websocket.BinaryMessage, out)
			continue
		}

		m, err := DecodeText(data)
		if err != nil {
			continue
		}
		switch m.Event {
		case EventHeartbeat:
			ps.reply(conn, m, ReplyOK, nil)
		case EventJoin:
			ps.mu.Lock()
			ps.joins++
			reject := ps.rejectWith
			ps.mu.Unlock()
			if reject != "" {
				ps.reply(conn, m, ReplyError, map[string]string{"reason": reject})
				continue
			}
			ps.reply(conn, m, ReplyOK, map[string]string{"joined": m.Topic})
		case "ping":
			ps.reply(conn, m, ReplyOK, map[string]bool{"pong": true})
		case "shout":
			out, _ := EncodeText(Message{Topic: m.Topic, Event: "shout", Payload: m.Payload})
			ps.send(conn, websocket.TextMessage, out)
		}
	}
}

func (ps *phoenixServer) dropConnections() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		c.Close()
	}
	ps.conns = nil
}

func (ps *phoenixServer) joinCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.joins
}

func newTestSocket(t *testing.T, url string) *Socket {
	s := NewSocket(Options{
		URL:     url,
		Params:  map[string]string{"token": "t"},
		Backoff: Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	t.Cleanup(func() {
		s.Disconnect()
		<-s.Done()
	})
	return s
}

func statusRecorder(ch *Channel) <-chan StatusEvent {
	events := make(chan StatusEvent, 16)
	ch.OnStatus(func(ev StatusEvent) {
		events <- ev
	})
	return events
}

func waitStatus(t *testing.T, events <-chan StatusEvent, want Status) StatusEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Status == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s", want)
			return StatusEvent{}
		}
	}
}

func TestJoinPushAndReply(t *testing.T) {
	ps := newPhoenixServer(t)
	s := newTestSocket(t, ps.url())
	ch := s.Channel("room:1", map[string]any{"token": "t"})
	events := statusRecorder(ch)

	require.NoError(t, ch.Join())
	require.NoError(t, s.Connect(context.Background()))

	ev := waitStatus(t, events, StatusConnected)
	assert.JSONEq(t, `{"joined":"room:1"}`, string(ev.Response))
	assert.Equal(t, ChannelJoined, ch.State())

	replies := make(chan Reply, 1)
	require.NoError(t, ch.Push("ping", map[string]string{}, func(r Reply) { replies <- r }))
	select {
	case r := <-replies:
		assert.True(t, r.OK())
		assert.JSONEq(t, `{"pong":true}`, string(r.Response))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestServerEventsReachBindings(t *testing.T) {
	ps := newPhoenixServer(t)
	s := newTestSocket(t, ps.url())
	ch := s.Channel("room:1", nil)
	events := statusRecorder(ch)

	got := make(chan json.RawMessage, 1)
	ch.On("shout", func(p json.RawMessage) { got <- p })
	binary := make(chan []byte, 1)
	ch.OnBinary("yjs", func(b []byte) { binary <- b })

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, ch.Join())
	waitStatus(t, events, StatusConnected)

	require.NoError(t, ch.Push("shout", map[string]string{"msg": "hi"}, nil))
	select {
	case p := <-got:
		assert.JSONEq(t, `{"msg":"hi"}`, string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, ch.PushBinary("yjs", []byte{0, 1, 2}))
	select {
	case b := <-binary:
		assert.Equal(t, []byte{0, 1, 2}, b)
	case <-time.After(5 * time.Second):
		t.Fatal("no binary event")
	}
}

func TestJoinRejectedUnauthorized(t *testing.T) {
	ps := newPhoenixServer(t)
	ps.rejectWith = "unauthorized"
	s := newTestSocket(t, ps.url())
	ch := s.Channel("room:1", nil)
	events := statusRecorder(ch)

	require.NoError(t, ch.Join())
	require.NoError(t, s.Connect(context.Background()))

	ev := waitStatus(t, events, StatusErrored)
	assert.Equal(t, "unauthorized", ev.Reason)
	assert.True(t, errors.Is(ev.Err, errors.ErrCodeAuthRejected))
	assert.Equal(t, ChannelErrored, ch.State())

	// Auth failures are not retried.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ps.joinCount())
}

func TestReconnectRejoins(t *testing.T) {
	ps := newPhoenixServer(t)
	s := newTestSocket(t, ps.url())
	ch := s.Channel("room:1", nil)
	events := statusRecorder(ch)

	require.NoError(t, ch.Join())
	require.NoError(t, s.Connect(context.Background()))
	waitStatus(t, events, StatusConnected)

	ps.dropConnections()
	waitStatus(t, events, StatusDisconnected)

	waitStatus(t, events, StatusConnected)
	assert.Equal(t, 2, ps.joinCount())
}

func TestPushBeforeJoinFails(t *testing.T) {
	s := NewSocket(Options{URL: "ws://127.0.0.1:1/socket"})
	ch := s.Channel("room:1", nil)

	err := ch.Push("ping", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeChannelClosed))

	require.NoError(t, ch.Join())
	err = ch.PushBinary("yjs", []byte{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotConnected))
}

func TestLeaveEmitsClosed(t *testing.T) {
	ps := newPhoenixServer(t)
	s := newTestSocket(t, ps.url())
	ch := s.Channel("room:1", nil)
	events := statusRecorder(ch)

	require.NoError(t, ch.Join())
	require.NoError(t, s.Connect(context.Background()))
	waitStatus(t, events, StatusConnected)

	ch.Leave()
	waitStatus(t, events, StatusClosed)
	assert.Equal(t, ChannelClosed, ch.State())
	assert.Empty(t, s.channelsSnapshot())
}
