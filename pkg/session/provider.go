package session

import (
	"sync"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/sirupsen/logrus"
)

// provider keeps a document and a presence handle in step with a room
// channel. Remote writes are applied with the provider as origin so they are
// not echoed back.
type provider struct {
	doc    *crdt.Doc
	handle *awareness.Handle
	conn   channel.Conn
	logger *logrus.Entry

	onSynced    func()
	onLocalEdit func()

	mu     sync.Mutex
	synced bool
	unsubs []func()
}

func newProvider(doc *crdt.Doc, handle *awareness.Handle, conn channel.Conn, logger *logrus.Entry) *provider {
	return &provider{doc: doc, handle: handle, conn: conn, logger: logger}
}

func (p *provider) bind() {
	p.unsubs = append(p.unsubs,
		p.conn.OnBinary(EventSync, p.onSyncFrame),
		p.conn.OnBinary(EventAwareness, p.onAwarenessFrame),
		p.doc.OnUpdate(p.onDocUpdate),
		p.handle.OnChange(p.onAwarenessChange),
	)
}

// start begins a sync round on a freshly joined channel.
func (p *provider) start() {
	p.mu.Lock()
	p.synced = false
	p.mu.Unlock()

	sv, err := p.doc.EncodeStateVector()
	if err != nil {
		p.logger.WithError(err).Error("Cannot encode state vector")
		return
	}
	p.send(EventSync, EncodeSync(SyncStep1, sv))
	p.broadcastLocal()
}

func (p *provider) reset() {
	p.mu.Lock()
	p.synced = false
	p.mu.Unlock()
}

func (p *provider) stop() {
	for _, fn := range p.unsubs {
		fn()
	}
	p.unsubs = nil
}

func (p *provider) isSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

func (p *provider) onSyncFrame(frame []byte) {
	t, body, err := DecodeSync(frame)
	if err != nil {
		p.logger.WithError(err).Warn("Dropping sync frame")
		return
	}

	switch t {
	case SyncStep1:
		diff, err := p.doc.EncodeStateAsUpdate(body)
		if err != nil {
			p.logger.WithError(err).Warn("Cannot answer sync step 1")
			return
		}
		p.send(EventSync, EncodeSync(SyncStep2, diff))
	case SyncStep2, Update:
		if err := p.doc.ApplyUpdate(body, p); err != nil {
			p.logger.WithError(err).WithField("type", t.String()).Warn("Dropping document update")
			return
		}
		if t == SyncStep2 {
			p.markSynced()
		}
	}
}

func (p *provider) markSynced() {
	p.mu.Lock()
	first := !p.synced
	p.synced = true
	p.mu.Unlock()

	if first {
		p.logger.Debug("Initial sync complete")
		if p.onSynced != nil {
			p.onSynced()
		}
	}
}

func (p *provider) onDocUpdate(frame []byte, origin any) {
	if origin == p {
		return
	}
	p.send(EventSync, EncodeSync(Update, frame))
	if p.onLocalEdit != nil {
		p.onLocalEdit()
	}
}

func (p *provider) onAwarenessFrame(frame []byte) {
	if err := p.handle.ApplyUpdate(frame, p); err != nil {
		p.logger.WithError(err).Warn("Dropping awareness frame")
	}
}

func (p *provider) onAwarenessChange(c awareness.Change) {
	if c.Origin != awareness.OriginLocal {
		return
	}
	p.broadcastLocal()
}

func (p *provider) broadcastLocal() {
	frame, err := p.handle.EncodeUpdate([]uint64{p.handle.ClientID()})
	if err != nil {
		p.logger.WithError(err).Error("Cannot encode awareness update")
		return
	}
	p.send(EventAwareness, frame)
}

// send pushes a binary frame. Frames dropped while offline are recovered by
// the state vector exchange after the next join.
func (p *provider) send(event string, frame []byte) {
	if err := p.conn.PushBinary(event, frame); err != nil {
		if errors.Is(err, errors.ErrCodeNotConnected) || errors.Is(err, errors.ErrCodeChannelClosed) {
			p.logger.WithField("event", event).Debug("Offline, frame deferred to next sync")
			return
		}
		p.logger.WithError(err).WithField("event", event).Warn("Push failed")
	}
}
