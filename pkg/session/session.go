// Package session owns the connection lifecycle of one collaboration room:
// the replicated document, the presence handle, and the channel that keeps
// both in step with the server.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/grovetools/collab/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Phase is the connection phase of a session.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseSyncing      Phase = "syncing"
	PhaseSynced       Phase = "synced"
	PhaseDisconnected Phase = "disconnected"
	PhaseReconnecting Phase = "reconnecting"
)

// State is the published session state.
type State struct {
	Document  *crdt.Doc
	Channel   channel.Conn
	Awareness *awareness.Store
	LocalUser *awareness.User
	RoomID    string

	Phase       Phase
	IsConnected bool
	IsSynced    bool
	// Settled latches on the first completed sync and never resets for the
	// lifetime of the session.
	Settled bool

	LastStatus *channel.StatusEvent
}

// Ready reports whether the editor may render. A settled session with a
// projection stays ready through disconnects.
func Ready(s *State, hasProjection bool) bool {
	if s == nil {
		return false
	}
	return s.IsSynced || (s.Settled && hasProjection)
}

// Options configures a Store.
type Options struct {
	Clock    clockwork.Clock
	Presence awareness.Settings
	// Outdated is how long a remote presence state may go unrenewed.
	Outdated time.Duration
	Logger   *logrus.Entry
}

// Store drives the session state machine.
type Store struct {
	opts   Options
	logger *logrus.Entry
	state  *store.Store[State]

	mu      sync.Mutex
	current *live
}

// live holds the resources of one initialised session.
type live struct {
	roomID   string
	doc      *crdt.Doc
	handle   *awareness.Handle
	presence *awareness.Store
	conn     channel.Conn
	provider *provider
	cancel   context.CancelFunc
	unsubs   []func()
}

// NewStore creates an idle session store.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Outdated <= 0 {
		opts.Outdated = config.Default().Presence.Outdated()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("session")
	}
	return &Store{
		opts:   opts,
		logger: opts.Logger,
		state:  store.New(State{Phase: PhaseIdle}, store.WithName("session"), store.WithLogger(opts.Logger)),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() *State {
	return s.state.Snapshot()
}

// Subscribe registers fn for every published change.
func (s *Store) Subscribe(fn func()) func() {
	return s.state.Subscribe(fn)
}

// State exposes the underlying store for selectors.
func (s *Store) State() *store.Store[State] {
	return s.state
}

// InitializeSession opens roomID on transport and starts joining it. The join
// is not awaited: its outcome arrives as phase changes.
func (s *Store) InitializeSession(transport channel.Transport, roomID string, authPayload map[string]any, localUser awareness.User) error {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return errors.SessionActive(s.current.roomID)
	}

	doc := crdt.NewDoc(0)
	handle := awareness.NewHandle(doc.ClientID(), s.opts.Clock, s.opts.Outdated)
	presence := awareness.NewStore(handle, s.opts.Clock, s.opts.Presence)
	conn := transport.Open(roomID, authPayload)

	l := &live{
		roomID:   roomID,
		doc:      doc,
		handle:   handle,
		presence: presence,
		conn:     conn,
	}
	logger := s.logger.WithFields(logrus.Fields{"room": roomID, "client_id": doc.ClientID()})
	l.provider = newProvider(doc, handle, conn, logger)
	l.provider.onSynced = func() { s.onSynced(l) }
	l.provider.onLocalEdit = presence.Touch
	l.provider.bind()
	l.unsubs = append(l.unsubs, conn.OnStatus(func(ev channel.StatusEvent) { s.onStatus(l, ev) }))
	s.current = l
	s.mu.Unlock()

	user := localUser
	s.state.SetState(func(State) State {
		return State{
			Document:  doc,
			Channel:   conn,
			Awareness: presence,
			LocalUser: &user,
			RoomID:    roomID,
			Phase:     PhaseConnecting,
		}
	})

	presence.SetLocalPresence(localUser)
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go presence.Run(ctx)

	logger.Info("Joining room")
	if err := conn.Join(); err != nil {
		s.Destroy()
		return err
	}
	return nil
}

func (s *Store) isCurrent(l *live) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == l
}

// owns reports whether prev still describes l. Destroy may publish idle
// between a caller's isCurrent check and its transition.
func (l *live) owns(prev State) bool {
	return prev.Document == l.doc
}

func (s *Store) onStatus(l *live, ev channel.StatusEvent) {
	if !s.isCurrent(l) {
		return
	}
	status := ev
	logger := s.logger.WithFields(logrus.Fields{"room": l.roomID, "status": ev.Status})

	switch ev.Status {
	case channel.StatusConnected:
		s.state.SetState(func(prev State) State {
			if !l.owns(prev) {
				return prev
			}
			if prev.Phase == PhaseDisconnected {
				prev.Phase = PhaseReconnecting
			}
			prev.IsConnected = true
			prev.LastStatus = &status
			return prev
		})
		owned := false
		s.state.SetState(func(prev State) State {
			if owned = l.owns(prev); !owned {
				return prev
			}
			prev.Phase = PhaseSyncing
			return prev
		})
		if !owned {
			return
		}
		logger.Debug("Connected, syncing")
		l.provider.start()

	case channel.StatusDisconnected, channel.StatusErrored:
		// A crashed channel refuses pushes until it rejoins, so a joined
		// session treats it like a lost connection.
		dropped := false
		s.state.SetState(func(prev State) State {
			if !l.owns(prev) {
				return prev
			}
			prev.LastStatus = &status
			if ev.Status == channel.StatusDisconnected || prev.IsConnected {
				dropped = true
				prev.Phase = PhaseDisconnected
				prev.IsConnected = false
				prev.IsSynced = false
			}
			return prev
		})
		if ev.Err != nil {
			logger.WithError(ev.Err).Warn("Channel reported an error")
		}
		if dropped {
			l.provider.reset()
			logger.Info("Disconnected")
		}

	default:
		s.state.SetState(func(prev State) State {
			if !l.owns(prev) {
				return prev
			}
			prev.LastStatus = &status
			return prev
		})
		if ev.Err != nil {
			logger.WithError(ev.Err).Warn("Channel reported an error")
		}
	}
}

func (s *Store) onSynced(l *live) {
	if !s.isCurrent(l) {
		return
	}
	s.state.SetState(func(prev State) State {
		if !l.owns(prev) || !prev.IsConnected {
			return prev
		}
		prev.Phase = PhaseSynced
		prev.IsSynced = true
		prev.Settled = true
		return prev
	})
}

// Destroy tears the session down and returns to idle. It is a no-op when no
// session is active.
func (s *Store) Destroy() {
	s.mu.Lock()
	l := s.current
	s.current = nil
	s.mu.Unlock()
	if l == nil {
		return
	}

	for _, fn := range l.unsubs {
		fn()
	}
	// Announce departure while the channel is still joined.
	l.handle.SetLocalState(nil)
	l.conn.Leave()
	l.provider.stop()
	if l.cancel != nil {
		l.cancel()
	}
	l.presence.Close()
	l.handle.Destroy()
	l.doc.Close()

	s.state.SetState(func(State) State { return State{Phase: PhaseIdle} })
	s.logger.WithField("room", l.roomID).Info("Session destroyed")
}

// Close destroys the session and releases subscribers.
func (s *Store) Close() {
	s.Destroy()
	s.state.Close()
}
