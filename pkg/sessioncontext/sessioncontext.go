// Package sessioncontext holds who the local user is, what they may do, and
// which snapshot versions of the workflow exist.
package sessioncontext

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Request events.
const (
	EventRequestContext  = "request_session_context"
	EventRequestVersions = "request_versions"
)

// User is the signed-in user.
type User struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`
}

// DisplayName joins the first and last name.
func (u User) DisplayName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Project is the project owning the workflow.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AppConfig carries server-side feature switches.
type AppConfig struct {
	RequireEmailVerification bool `json:"require_email_verification"`
}

// Permissions are the local user's rights on the workflow.
type Permissions struct {
	CanEditWorkflow bool `json:"can_edit_workflow"`
	CanRunWorkflow  bool `json:"can_run_workflow"`
}

// Context is the payload of session_context events.
type Context struct {
	User                      *User       `json:"user"`
	Project                   *Project    `json:"project"`
	Config                    AppConfig   `json:"config"`
	Permissions               Permissions `json:"permissions"`
	LatestSnapshotLockVersion *int        `json:"latest_snapshot_lock_version"`
	IsNewWorkflow             bool        `json:"is_new_workflow"`
}

// Version is one saved snapshot of the workflow.
type Version struct {
	LockVersion int       `json:"lock_version"`
	InsertedAt  time.Time `json:"inserted_at"`
	IsLatest    bool      `json:"is_latest"`
}

// VersionsPayload is the body of versions events and request replies.
type VersionsPayload struct {
	Versions []Version `json:"versions"`
}

// State is the published session context.
type State struct {
	Context
	// Loaded is set once a context has arrived.
	Loaded      bool
	IsLoading   bool
	Error       string
	LastUpdated time.Time

	Versions        []Version
	VersionsLoading bool
	VersionsError   string
}

// ReadOnly reports whether the workflow at lockVersion, deleted at
// deletedAt, must be shown read-only. A workflow being created is always
// writable, and nothing is forced read-only before the context has loaded.
func (s *State) ReadOnly(lockVersion *int, deletedAt *time.Time) bool {
	if s == nil || !s.Loaded || s.IsNewWorkflow {
		return false
	}
	if !s.Permissions.CanEditWorkflow {
		return true
	}
	if deletedAt != nil {
		return true
	}
	if s.LatestSnapshotLockVersion != nil && lockVersion != nil && *s.LatestSnapshotLockVersion != *lockVersion {
		return true
	}
	return false
}

// Store tracks the session context.
type Store struct {
	clock  clockwork.Clock
	logger *logrus.Entry
	state  *store.Store[State]
}

// NewStore creates an empty, unloaded context.
func NewStore(clk clockwork.Clock) *Store {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("sessioncontext")
	return &Store{
		clock:  clk,
		logger: logger,
		state:  store.New(State{}, store.WithName("sessioncontext"), store.WithLogger(logger)),
	}
}

// State exposes the underlying store for selectors.
func (s *Store) State() *store.Store[State] { return s.state }

// Snapshot returns the current context.
func (s *Store) Snapshot() *State { return s.state.Snapshot() }

// Subscribe registers fn for published changes.
func (s *Store) Subscribe(fn func()) func() { return s.state.Subscribe(fn) }

// RequestSessionContext asks the server for the context.
func (s *Store) RequestSessionContext(p channel.Pusher) {
	s.state.SetState(func(prev State) State {
		prev.IsLoading = true
		prev.Error = ""
		return prev
	})
	err := p.Push(EventRequestContext, map[string]any{}, func(r channel.Reply) {
		if !r.OK() {
			s.failContext(r.Reason())
			return
		}
		var ctx Context
		if err := json.Unmarshal(r.Response, &ctx); err != nil {
			s.failContext(err.Error())
			return
		}
		s.HandleContext(ctx)
	})
	if err != nil {
		s.failContext(err.Error())
	}
}

func (s *Store) failContext(reason string) {
	s.logger.WithField("reason", reason).Warn("Session context request failed")
	s.state.SetState(func(prev State) State {
		prev.IsLoading = false
		prev.Error = reason
		return prev
	})
}

// HandleContext replaces the context. The new-workflow flag is sticky: once
// cleared by a save it is not restored by a late context.
func (s *Store) HandleContext(ctx Context) {
	now := s.clock.Now()
	s.state.SetState(func(prev State) State {
		if prev.Loaded && !prev.IsNewWorkflow {
			ctx.IsNewWorkflow = false
		}
		prev.Context = ctx
		prev.Loaded = true
		prev.IsLoading = false
		prev.Error = ""
		prev.LastUpdated = now
		return prev
	})
}

// RequestVersions asks the server for the snapshot history.
func (s *Store) RequestVersions(p channel.Pusher) {
	s.state.SetState(func(prev State) State {
		prev.VersionsLoading = true
		prev.VersionsError = ""
		return prev
	})
	err := p.Push(EventRequestVersions, map[string]any{}, func(r channel.Reply) {
		if !r.OK() {
			s.failVersions(r.Reason())
			return
		}
		var payload VersionsPayload
		if err := json.Unmarshal(r.Response, &payload); err != nil {
			s.failVersions(err.Error())
			return
		}
		s.HandleVersions(payload.Versions)
	})
	if err != nil {
		s.failVersions(err.Error())
	}
}

func (s *Store) failVersions(reason string) {
	s.logger.WithField("reason", reason).Warn("Version request failed")
	s.state.SetState(func(prev State) State {
		prev.VersionsLoading = false
		prev.VersionsError = reason
		return prev
	})
}

// HandleVersions replaces the version list, newest first.
func (s *Store) HandleVersions(versions []Version) {
	list := append([]Version(nil), versions...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].LockVersion > list[j].LockVersion })
	s.state.SetState(func(prev State) State {
		prev.Versions = list
		prev.VersionsLoading = false
		prev.VersionsError = ""
		return prev
	})
}

// HandleWorkflowSaved records a new latest snapshot. The first save of a new
// workflow ends its creation mode.
func (s *Store) HandleWorkflowSaved(lockVersion int) {
	s.state.SetState(func(prev State) State {
		v := lockVersion
		prev.LatestSnapshotLockVersion = &v
		prev.IsNewWorkflow = false
		return prev
	})
}
