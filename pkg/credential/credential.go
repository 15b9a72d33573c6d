// Package credential holds the project and keychain credentials a workflow
// can reference.
package credential

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

// EventRequest asks the server for the credential lists.
const EventRequest = "request_credentials"

// ProjectCredential is a credential shared with the project.
type ProjectCredential struct {
	ID                  string `json:"id"`
	ProjectCredentialID string `json:"project_credential_id"`
	Name                string `json:"name"`
	Schema              string `json:"schema"`
	OwnerEmail          string `json:"owner_email,omitempty"`
}

// KeychainCredential resolves a credential per run from a JSON path.
type KeychainCredential struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Path                string  `json:"path"`
	DefaultCredentialID *string `json:"default_credential_id,omitempty"`
}

// Payload is the body of credentials_updated events and request replies.
type Payload struct {
	ProjectCredentials  []ProjectCredential  `json:"project_credentials"`
	KeychainCredentials []KeychainCredential `json:"keychain_credentials"`
}

// State is the published credential lists.
type State struct {
	ProjectCredentials  []ProjectCredential
	KeychainCredentials []KeychainCredential
	IsLoading           bool
	Error               string
	LastUpdated         time.Time
}

// Store tracks credentials.
type Store struct {
	clock  clockwork.Clock
	logger *logrus.Entry
	state  *store.Store[State]
}

// NewStore creates an empty credential store.
func NewStore(clk clockwork.Clock) *Store {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("credential")
	return &Store{
		clock:  clk,
		logger: logger,
		state:  store.New(State{}, store.WithName("credential"), store.WithLogger(logger)),
	}
}

// State exposes the underlying store for selectors.
func (s *Store) State() *store.Store[State] { return s.state }

// Snapshot returns the current lists.
func (s *Store) Snapshot() *State { return s.state.Snapshot() }

// Subscribe registers fn for published changes.
func (s *Store) Subscribe(fn func()) func() { return s.state.Subscribe(fn) }

// RequestCredentials asks the server for both lists.
func (s *Store) RequestCredentials(p channel.Pusher) {
	s.state.SetState(func(prev State) State {
		prev.IsLoading = true
		prev.Error = ""
		return prev
	})

	err := p.Push(EventRequest, map[string]any{}, func(r channel.Reply) {
		if !r.OK() {
			s.fail(r.Reason())
			return
		}
		var payload Payload
		if err := json.Unmarshal(r.Response, &payload); err != nil {
			s.fail(err.Error())
			return
		}
		s.HandleUpdated(payload)
	})
	if err != nil {
		s.fail(err.Error())
	}
}

func (s *Store) fail(reason string) {
	s.logger.WithField("reason", reason).Warn("Credential request failed")
	s.state.SetState(func(prev State) State {
		prev.IsLoading = false
		prev.Error = reason
		return prev
	})
}

// HandleUpdated replaces both lists.
func (s *Store) HandleUpdated(p Payload) {
	project := append([]ProjectCredential(nil), p.ProjectCredentials...)
	sort.SliceStable(project, func(i, j int) bool { return project[i].Name < project[j].Name })
	keychain := append([]KeychainCredential(nil), p.KeychainCredentials...)
	sort.SliceStable(keychain, func(i, j int) bool { return keychain[i].Name < keychain[j].Name })

	now := s.clock.Now()
	s.state.SetState(func(State) State {
		return State{ProjectCredentials: project, KeychainCredentials: keychain, LastUpdated: now}
	})
}

// FindProjectCredential looks up a project credential by its
// project_credential_id, which is what jobs reference.
func (s *Store) FindProjectCredential(id string) (ProjectCredential, bool) {
	for _, c := range s.Snapshot().ProjectCredentials {
		if c.ProjectCredentialID == id || c.ID == id {
			return c, true
		}
	}
	return ProjectCredential{}, false
}

// FindKeychainCredential looks up a keychain credential by id.
func (s *Store) FindKeychainCredential(id string) (KeychainCredential, bool) {
	for _, c := range s.Snapshot().KeychainCredentials {
		if c.ID == id {
			return c, true
		}
	}
	return KeychainCredential{}, false
}
