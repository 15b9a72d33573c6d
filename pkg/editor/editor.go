// Package editor wires the session and domain stores of one collaborative
// editing session together.
package editor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/adaptor"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/credential"
	"github.com/grovetools/collab/pkg/events"
	"github.com/grovetools/collab/pkg/session"
	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/grovetools/collab/pkg/store"
	"github.com/grovetools/collab/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// OriginPresenceLeave marks presence removals reported by the server.
const OriginPresenceLeave = "presence_leave"

// Options configures an Editor.
type Options struct {
	Clock    clockwork.Clock
	Presence awareness.Settings
	Outdated time.Duration
}

// Target identifies the room an editor joins.
type Target struct {
	WorkflowID string
	Version    sessioncontext.VersionRef
	Auth       map[string]any
	User       awareness.User
}

// Editor owns the stores of one editing session.
type Editor struct {
	Session     *session.Store
	Workflow    *workflow.Store
	Adaptors    *adaptor.Store
	Credentials *credential.Store
	Context     *sessioncontext.Store

	logger *logrus.Entry

	mu           sync.Mutex
	transport    channel.Transport
	target       Target
	bound        channel.Conn
	unbind       []func()
	wasConnected bool
	sessionUnsub func()
}

// New creates an editor with fresh stores. Call Start to join a room.
func New(opts Options) *Editor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("editor")
	e := &Editor{
		Session: session.NewStore(session.Options{
			Clock:    opts.Clock,
			Presence: opts.Presence,
			Outdated: opts.Outdated,
		}),
		Workflow:    workflow.NewStore(),
		Adaptors:    adaptor.NewStore(opts.Clock),
		Credentials: credential.NewStore(opts.Clock),
		Context:     sessioncontext.NewStore(opts.Clock),
		logger:      logger,
	}
	e.sessionUnsub = e.Session.Subscribe(e.onSession)
	return e
}

// Start joins the room described by target.
func (e *Editor) Start(transport channel.Transport, target Target) error {
	e.mu.Lock()
	e.transport = transport
	e.target = target
	e.mu.Unlock()

	topic := sessioncontext.Topic(target.WorkflowID, target.Version)
	e.logger.WithFields(logrus.Fields{"topic": topic, "version": target.Version.String()}).Info("Starting editor session")
	return e.Session.InitializeSession(transport, topic, target.Auth, target.User)
}

// onSession follows session changes: it rebinds event routing when the
// channel changes, fetches context after every join, and unlocks errors once
// the session has synced.
func (e *Editor) onSession() {
	st := e.Session.Snapshot()

	e.mu.Lock()
	rebind := st.Channel != e.bound
	var stale []func()
	if rebind {
		stale = e.unbind
		e.unbind = nil
		e.bound = st.Channel
		e.wasConnected = false
	}
	joined := st.IsConnected && !e.wasConnected
	e.wasConnected = st.IsConnected
	e.mu.Unlock()

	for _, fn := range stale {
		fn()
	}
	if rebind {
		if st.Channel == nil {
			e.Workflow.Detach()
		} else {
			e.Workflow.Attach(st.Document)
			unsub := st.Channel.OnAny(e.dispatch)
			e.mu.Lock()
			e.unbind = append(e.unbind, unsub)
			e.mu.Unlock()
		}
	}

	if st.Settled {
		e.Workflow.MarkSynced()
	}
	if joined {
		e.Context.RequestSessionContext(st.Channel)
		e.Adaptors.RequestAdaptors(st.Channel)
		e.Credentials.RequestCredentials(st.Channel)
	}
}

func (e *Editor) dispatch(name string, payload json.RawMessage) {
	ev, err := events.Decode(name, payload)
	if err != nil {
		e.logger.WithError(err).WithField("event", name).Warn("Dropping malformed event")
		return
	}

	switch ev := ev.(type) {
	case events.SessionContext:
		e.Context.HandleContext(ev.Context)
	case events.WorkflowSaved:
		e.Context.HandleWorkflowSaved(ev.LockVersion)
	case events.WorkflowErrors:
		e.Workflow.SetServerErrors(ev.Errors)
	case events.Versions:
		e.Context.HandleVersions(ev.Versions)
	case events.AdaptorsUpdated:
		e.Adaptors.HandleUpdated(ev.Payload)
	case events.CredentialsUpdated:
		e.Credentials.HandleUpdated(ev.Payload)
	case events.PresenceDiff:
		if p := e.Session.Snapshot().Awareness; p != nil {
			if left := ev.LeftClients(); len(left) > 0 {
				p.Handle().RemoveStates(left, OriginPresenceLeave)
			}
		}
	case events.Unknown:
		e.logger.WithField("event", name).Debug("Ignoring unknown event")
	}
}

// SessionSnapshot returns the current session state.
func (e *Editor) SessionSnapshot() *session.State {
	return e.Session.Snapshot()
}

// AwarenessList returns the remote users of the current session.
func (e *Editor) AwarenessList() []awareness.RemoteUser {
	p := e.Session.Snapshot().Awareness
	if p == nil {
		return nil
	}
	return p.RemoteUsers()
}

// Select returns a memoised reader of one slice of a domain store.
func Select[S, R any](s *store.Store[S], selector func(*S) R) func() R {
	return store.WithSelector(s, selector)
}

// Ready reports whether the editor can render.
func (e *Editor) Ready() bool {
	return session.Ready(e.Session.Snapshot(), e.Workflow.Snapshot().HasProjection())
}

// ReadOnly reports whether edits must be blocked. It stays false until the
// session has synced once.
func (e *Editor) ReadOnly() bool {
	if !e.Session.Snapshot().Settled {
		return false
	}
	e.mu.Lock()
	latest := e.target.Version.IsLatest()
	e.mu.Unlock()
	if !latest {
		return true
	}
	var lockVersion *int
	var deletedAt *time.Time
	if wf := e.Workflow.Snapshot().Workflow; wf != nil {
		lockVersion, deletedAt = wf.LockVersion, wf.DeletedAt
	}
	return e.Context.Snapshot().ReadOnly(lockVersion, deletedAt)
}

func (e *Editor) conn() (channel.Conn, error) {
	if c := e.Session.Snapshot().Channel; c != nil {
		return c, nil
	}
	return nil, errors.NoSession("reach the server")
}

// SaveWorkflow asks the server to persist the workflow. done may be nil.
func (e *Editor) SaveWorkflow(done func(workflow.SaveResult)) {
	finish := func(r workflow.SaveResult) {
		if done != nil {
			done(r)
		}
	}
	c, err := e.conn()
	if err != nil {
		finish(workflow.SaveResult{Err: err})
		return
	}
	err = e.Workflow.Save(c, func(r workflow.SaveResult) {
		if r.Err == nil {
			e.Context.HandleWorkflowSaved(r.LockVersion)
		}
		finish(r)
	})
	if err != nil {
		e.logger.WithError(err).Warn("Save not sent")
		finish(workflow.SaveResult{Err: err})
	}
}

// SetClientErrors replaces locally detected validation errors.
func (e *Editor) SetClientErrors(errs workflow.Errors) {
	e.Workflow.SetClientErrors(errs)
}

// RequestVersions fetches the snapshot history.
func (e *Editor) RequestVersions() {
	c, err := e.conn()
	if err != nil {
		e.logger.WithError(err).Debug("Versions not requested")
		return
	}
	e.Context.RequestVersions(c)
}

// SelectVersion re-joins the room for ref.
func (e *Editor) SelectVersion(ref sessioncontext.VersionRef) error {
	e.mu.Lock()
	transport := e.transport
	target := e.target
	e.mu.Unlock()
	if transport == nil {
		return errors.NoSession("select a version")
	}

	e.Session.Destroy()
	target.Version = ref
	return e.Start(transport, target)
}

// Close destroys the session and releases every store.
func (e *Editor) Close() {
	e.Session.Destroy()
	if e.sessionUnsub != nil {
		e.sessionUnsub()
	}
	e.Session.Close()
	e.Workflow.Close()
	e.Adaptors.State().Close()
	e.Credentials.State().Close()
	e.Context.State().Close()
}
