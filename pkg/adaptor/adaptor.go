// Package adaptor holds the adaptor catalogue advertised by the server.
package adaptor

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

// EventRequest asks the server for the adaptor catalogue.
const EventRequest = "request_adaptors"

// Version is one published adaptor version.
type Version struct {
	Version string `json:"version"`
}

// Adaptor is a named adaptor with its versions, newest first.
type Adaptor struct {
	Name     string    `json:"name"`
	Repo     string    `json:"repo,omitempty"`
	Latest   string    `json:"latest,omitempty"`
	Versions []Version `json:"versions"`
}

// LatestVersion returns Latest, or the first listed version.
func (a Adaptor) LatestVersion() string {
	if a.Latest != "" {
		return a.Latest
	}
	if len(a.Versions) > 0 {
		return a.Versions[0].Version
	}
	return ""
}

// Payload is the body of adaptors_updated events and request replies.
type Payload struct {
	Adaptors []Adaptor `json:"adaptors"`
}

// State is the published catalogue.
type State struct {
	Adaptors    []Adaptor
	IsLoading   bool
	Error       string
	LastUpdated time.Time
}

// Store tracks the adaptor catalogue.
type Store struct {
	clock  clockwork.Clock
	logger *logrus.Entry
	state  *store.Store[State]
}

// NewStore creates an empty catalogue.
func NewStore(clk clockwork.Clock) *Store {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("adaptor")
	return &Store{
		clock:  clk,
		logger: logger,
		state:  store.New(State{}, store.WithName("adaptor"), store.WithLogger(logger)),
	}
}

// State exposes the underlying store for selectors.
func (s *Store) State() *store.Store[State] { return s.state }

// Snapshot returns the current catalogue.
func (s *Store) Snapshot() *State { return s.state.Snapshot() }

// Subscribe registers fn for published changes.
func (s *Store) Subscribe(fn func()) func() { return s.state.Subscribe(fn) }

// RequestAdaptors asks the server for the catalogue. The reply, like an
// adaptors_updated event, replaces it.
func (s *Store) RequestAdaptors(p channel.Pusher) {
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
		s.logger.WithError(err).Debug("Adaptor request not sent")
		s.fail(err.Error())
	}
}

func (s *Store) fail(reason string) {
	s.logger.WithField("reason", reason).Warn("Adaptor request failed")
	s.state.SetState(func(prev State) State {
		prev.IsLoading = false
		prev.Error = reason
		return prev
	})
}

// HandleUpdated replaces the catalogue.
func (s *Store) HandleUpdated(p Payload) {
	adaptors := append([]Adaptor(nil), p.Adaptors...)
	sort.Slice(adaptors, func(i, j int) bool { return adaptors[i].Name < adaptors[j].Name })
	now := s.clock.Now()
	s.state.SetState(func(prev State) State {
		return State{Adaptors: adaptors, LastUpdated: now}
	})
}

// Find returns the adaptor called name.
func (s *Store) Find(name string) (Adaptor, bool) {
	return Find(s.Snapshot(), name)
}

// Find looks name up in st.
func Find(st *State, name string) (Adaptor, bool) {
	i := sort.Search(len(st.Adaptors), func(i int) bool { return st.Adaptors[i].Name >= name })
	if i < len(st.Adaptors) && st.Adaptors[i].Name == name {
		return st.Adaptors[i], true
	}
	return Adaptor{}, false
}

// LatestVersion returns the newest version of name, or "".
func (s *Store) LatestVersion(name string) string {
	a, ok := s.Find(name)
	if !ok {
		return ""
	}
	return a.LatestVersion()
}
