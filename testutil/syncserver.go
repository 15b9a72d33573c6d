package testutil

import (
	"sync"

	"github.com/grovetools/collab/pkg/crdt"
	"github.com/grovetools/collab/pkg/session"
)

// SyncServer plays the server side of the sync protocol for fake channels:
// it answers step 1, requests the client's missing state, and fans out
// document and presence frames to every other attached channel.
type SyncServer struct {
	Doc *crdt.Doc

	mu       sync.Mutex
	conns    []*FakeConn
	presence map[*FakeConn][]byte
}

// NewSyncServer creates a server holding an empty document.
func NewSyncServer() *SyncServer {
	s := &SyncServer{
		Doc:      crdt.NewDoc(1),
		presence: make(map[*FakeConn][]byte),
	}
	s.Doc.OnUpdate(func(frame []byte, origin any) {
		from, _ := origin.(*FakeConn)
		s.broadcast(from, session.EventSync, session.EncodeSync(session.Update, frame))
	})
	return s
}

// Attach routes the binary pushes of c to the server.
func (s *SyncServer) Attach(c *FakeConn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	c.SetDeliver(func(event string, data []byte) { s.receive(c, event, data) })
}

func (s *SyncServer) receive(c *FakeConn, event string, data []byte) {
	switch event {
	case session.EventSync:
		t, body, err := session.DecodeSync(data)
		if err != nil {
			return
		}
		switch t {
		case session.SyncStep1:
			diff, err := s.Doc.EncodeStateAsUpdate(body)
			if err != nil {
				return
			}
			c.EmitBinary(session.EventSync, session.EncodeSync(session.SyncStep2, diff))
			sv, err := s.Doc.EncodeStateVector()
			if err != nil {
				return
			}
			c.EmitBinary(session.EventSync, session.EncodeSync(session.SyncStep1, sv))
			for _, frame := range s.presenceExcept(c) {
				c.EmitBinary(session.EventAwareness, frame)
			}
		default:
			_ = s.Doc.ApplyUpdate(body, c)
		}
	case session.EventAwareness:
		s.mu.Lock()
		s.presence[c] = data
		s.mu.Unlock()
		s.broadcast(c, session.EventAwareness, data)
	}
}

func (s *SyncServer) presenceExcept(c *FakeConn) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, other := range s.conns {
		if frame, ok := s.presence[other]; ok && other != c {
			out = append(out, frame)
		}
	}
	return out
}

func (s *SyncServer) broadcast(from *FakeConn, event string, frame []byte) {
	s.mu.Lock()
	targets := make([]*FakeConn, 0, len(s.conns))
	for _, c := range s.conns {
		if c != from && c.Joined() {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.EmitBinary(event, frame)
	}
}
