package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	// Clients heartbeat every 30s; two missed beats drop the socket.
	readTimeout  = 65 * time.Second
	maxFrameSize = 8 << 20
)

// client is one websocket connection and the rooms it has joined.
type client struct {
	id          string
	ws          *websocket.Conn
	server      *Server
	logger      *logrus.Entry
	socketToken string

	writeMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]*room
}

func (c *client) serve() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("Connection lost")
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *client) handleText(data []byte) {
	m, err := channel.DecodeText(data)
	if err != nil {
		c.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}
	c.server.metrics.frames.WithLabelValues(frameLabel(m.Event)).Inc()

	if m.Topic == channel.TopicPhoenix {
		if m.Event == channel.EventHeartbeat {
			c.reply(m, channel.ReplyOK, nil)
		}
		return
	}

	switch m.Event {
	case channel.EventJoin:
		c.join(m)
	case channel.EventLeave:
		c.leaveRoom(m.Topic)
		c.reply(m, channel.ReplyOK, nil)
	default:
		r := c.room(m.Topic)
		if r == nil {
			c.reply(m, channel.ReplyError, map[string]string{"reason": "unmatched topic"})
			return
		}
		r.handleEvent(c, m)
	}
}

func (c *client) handleBinary(data []byte) {
	m, err := channel.DecodeBinary(data)
	if err != nil {
		c.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}
	c.server.metrics.frames.WithLabelValues(frameLabel(m.Event)).Inc()

	if r := c.room(m.Topic); r != nil {
		r.handleBinary(c, m.Event, m.Binary)
	}
}

func (c *client) join(m channel.Message) {
	params := map[string]any{}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &params); err != nil {
			c.logger.WithError(err).Debug("Join params are not an object")
		}
	}
	if _, ok := params["token"]; !ok && c.socketToken != "" {
		params["token"] = c.socketToken
	}

	logger := c.logger.WithField("topic", m.Topic)
	_, auth := c.server.config()
	id, err := auth.Authenticate(params)
	if err != nil {
		c.server.metrics.joins.WithLabelValues("unauthorized").Inc()
		logger.WithError(err).Warn("Join rejected")
		c.reply(m, channel.ReplyError, map[string]string{"reason": "unauthorized"})
		return
	}

	r, err := c.server.room(context.Background(), m.Topic)
	if err != nil {
		c.server.metrics.joins.WithLabelValues("not_found").Inc()
		logger.WithError(err).Warn("Join rejected")
		c.reply(m, channel.ReplyError, map[string]string{"reason": "not_found"})
		return
	}

	c.mu.Lock()
	prev := c.rooms[m.Topic]
	c.rooms[m.Topic] = r
	c.mu.Unlock()
	if prev != nil {
		prev.leave(c)
	}

	r.join(c, m.JoinRef, id)
	c.server.metrics.joins.WithLabelValues("ok").Inc()
	c.reply(m, channel.ReplyOK, nil)
}

func (c *client) room(topic string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[topic]
}

func (c *client) leaveRoom(topic string) {
	c.mu.Lock()
	r := c.rooms[topic]
	delete(c.rooms, topic)
	c.mu.Unlock()
	if r != nil {
		r.leave(c)
	}
}

func (c *client) close() {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = map[string]*room{}
	c.mu.Unlock()

	for _, r := range rooms {
		r.leave(c)
	}
	_ = c.ws.Close()
	c.server.forget(c)
}

func (c *client) reply(m channel.Message, status string, response any) {
	payload, err := channel.ReplyPayload(status, response)
	if err != nil {
		c.logger.WithError(err).Error("Cannot encode reply")
		return
	}
	data, err := channel.EncodeText(channel.Message{
		JoinRef: m.JoinRef,
		Ref:     m.Ref,
		Topic:   m.Topic,
		Event:   channel.EventReply,
		Payload: payload,
	})
	if err != nil {
		c.logger.WithError(err).Error("Cannot encode reply")
		return
	}
	c.write(websocket.TextMessage, data)
}

func (c *client) pushText(topic, event string, payload json.RawMessage) {
	data, err := channel.EncodeText(channel.Message{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		c.logger.WithError(err).Error("Cannot encode push")
		return
	}
	c.write(websocket.TextMessage, data)
}

func (c *client) pushBinary(topic, event string, frame []byte) {
	data, err := channel.EncodeBinary(channel.Message{Kind: channel.KindBroadcast, Topic: topic, Event: event, Binary: frame})
	if err != nil {
		c.logger.WithError(err).Error("Cannot encode binary push")
		return
	}
	c.write(websocket.BinaryMessage, data)
}

func (c *client) write(mt int, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(mt, data); err != nil {
		c.logger.WithError(err).Debug("Write failed")
	}
}

// frameLabel bounds the metric label set to the events the relay knows.
func frameLabel(event string) string {
	switch event {
	case channel.EventJoin, channel.EventLeave, channel.EventHeartbeat,
		"yjs", "awareness", "save_workflow", "request_session_context",
		"request_versions", "request_adaptors", "request_credentials":
		return event
	}
	return "other"
}
