package awareness

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// FallbackInitials is shown for names without a first and last token.
const FallbackInitials = "??"

// Settings holds the presence thresholds.
type Settings struct {
	StaleAfter time.Duration
	RetainFor  time.Duration
	Heartbeat  time.Duration
	Throttle   time.Duration
	Refresh    time.Duration
}

// SettingsFromConfig converts the presence section of the configuration.
func SettingsFromConfig(p config.PresenceConfig) Settings {
	return Settings{
		StaleAfter: p.StaleAfter(),
		RetainFor:  p.RetainFor(),
		Heartbeat:  p.Heartbeat(),
		Throttle:   p.Throttle(),
		Refresh:    p.Refresh(),
	}
}

// DefaultSettings returns the configured defaults.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default().Presence)
}

// RemoteUser is one remote connection as shown to the UI.
type RemoteUser struct {
	ClientID uint64
	User     User
	LastSeen *time.Time
	// ObservedAt is the last time the transport confirmed this client.
	ObservedAt time.Time
	IsActive   bool
}

// Initials returns the display initials for the user.
func (u RemoteUser) Initials() string {
	return Initials(u.User.Name)
}

// Snapshot is the published awareness state.
type Snapshot struct {
	LocalClientID uint64
	Users         []RemoteUser
}

type cached struct {
	user       User
	lastSeen   *time.Time
	observedAt time.Time
}

// Store derives the remote user list from a Handle. Entries stay listed for
// RetainFor after their last observation, even when the handle drops them
// by timeout; explicit removals take effect immediately.
type Store struct {
	handle   *Handle
	clock    clockwork.Clock
	settings Settings
	logger   *logrus.Entry
	state    *store.Store[Snapshot]

	mu        sync.Mutex
	cache     map[uint64]*cached
	local     *User
	lastSeen  *int64
	lastTouch time.Time
	unsub     func()
}

// NewStore wraps handle. A zero Settings field takes its default.
func NewStore(handle *Handle, clk clockwork.Clock, settings Settings) *Store {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	def := DefaultSettings()
	if settings.StaleAfter <= 0 {
		settings.StaleAfter = def.StaleAfter
	}
	if settings.RetainFor <= 0 {
		settings.RetainFor = def.RetainFor
	}
	if settings.Heartbeat <= 0 {
		settings.Heartbeat = def.Heartbeat
	}
	if settings.Throttle < 0 {
		settings.Throttle = 0
	}
	if settings.Refresh <= 0 {
		settings.Refresh = def.Refresh
	}

	logger := logging.NewLogger("awareness")
	s := &Store{
		handle:   handle,
		clock:    clk,
		settings: settings,
		logger:   logger,
		state: store.New(Snapshot{LocalClientID: handle.ClientID()},
			store.WithName("awareness"), store.WithLogger(logger)),
		cache: make(map[uint64]*cached),
	}
	s.unsub = handle.OnChange(s.onChange)
	for id, st := range handle.States() {
		if id != handle.ClientID() {
			s.cache[id] = &cached{user: st.User, lastSeen: st.LastSeenTime(), observedAt: clk.Now()}
		}
	}
	s.refresh()
	return s
}

// Handle returns the underlying presence handle.
func (s *Store) Handle() *Handle {
	return s.handle
}

// Snapshot returns the current published state.
func (s *Store) Snapshot() *Snapshot {
	return s.state.Snapshot()
}

// Subscribe registers a listener for published changes.
func (s *Store) Subscribe(fn func()) func() {
	return s.state.Subscribe(fn)
}

// RemoteUsers returns every remote connection ordered by client id.
func (s *Store) RemoteUsers() []RemoteUser {
	return s.state.Snapshot().Users
}

func (s *Store) onChange(c Change) {
	now := s.clock.Now()
	states := s.handle.States()

	s.mu.Lock()
	for _, ids := range [][]uint64{c.Added, c.Updated, c.Renewed} {
		for _, id := range ids {
			if id == s.handle.ClientID() {
				continue
			}
			st, ok := states[id]
			if !ok {
				continue
			}
			s.cache[id] = &cached{user: st.User, lastSeen: st.LastSeenTime(), observedAt: now}
		}
	}
	if c.Reason == RemovedExplicit {
		for _, id := range c.Removed {
			delete(s.cache, id)
		}
	}
	s.mu.Unlock()

	s.refresh()
}

// refresh prunes expired cache entries and republishes the user list with
// activity re-derived against the current time. The list is built inside the
// transition so concurrent refreshes publish in the order they read the cache.
func (s *Store) refresh() {
	s.state.SetState(func(prev Snapshot) Snapshot {
		now := s.clock.Now()

		s.mu.Lock()
		users := make([]RemoteUser, 0, len(s.cache))
		for id, c := range s.cache {
			if now.Sub(c.observedAt) > s.settings.RetainFor {
				delete(s.cache, id)
				continue
			}
			users = append(users, RemoteUser{
				ClientID:   id,
				User:       c.user,
				LastSeen:   c.lastSeen,
				ObservedAt: c.observedAt,
				IsActive:   IsActive(c.lastSeen, now, s.settings.StaleAfter),
			})
		}
		s.mu.Unlock()

		sort.Slice(users, func(i, j int) bool { return users[i].ClientID < users[j].ClientID })
		if len(users) == 0 {
			users = nil
		}
		if sameUsers(prev.Users, users) {
			return prev
		}
		prev.Users = users
		return prev
	})
}

// IsActive reports whether a user last seen at lastSeen counts as active at
// now. The threshold is inclusive; an unknown lastSeen is never active.
func IsActive(lastSeen *time.Time, now time.Time, staleAfter time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= staleAfter
}

// SetLocalPresence announces the local user and marks it active now.
func (s *Store) SetLocalPresence(user User) {
	now := s.clock.Now()
	ms := now.UnixMilli()

	s.mu.Lock()
	u := user
	s.local = &u
	s.lastSeen = &ms
	s.lastTouch = now
	s.mu.Unlock()

	s.handle.SetLocalState(&State{User: user, LastSeen: &ms})
}

// Touch records local activity. Calls within the throttle window of the
// previous one are dropped.
func (s *Store) Touch() {
	now := s.clock.Now()

	s.mu.Lock()
	if s.local == nil || now.Sub(s.lastTouch) < s.settings.Throttle {
		s.mu.Unlock()
		return
	}
	ms := now.UnixMilli()
	s.lastSeen = &ms
	s.lastTouch = now
	user := *s.local
	s.mu.Unlock()

	s.handle.SetLocalState(&State{User: user, LastSeen: &ms})
}

// Heartbeat re-broadcasts the local state so peers renew our membership.
// It does not advance lastSeen.
func (s *Store) Heartbeat() {
	s.mu.Lock()
	if s.local == nil {
		s.mu.Unlock()
		return
	}
	st := &State{User: *s.local}
	if s.lastSeen != nil {
		v := *s.lastSeen
		st.LastSeen = &v
	}
	s.mu.Unlock()

	s.handle.SetLocalState(st)
}

// Run drives the heartbeat and the periodic refresh until ctx is done.
func (s *Store) Run(ctx context.Context) {
	refresh := s.clock.NewTicker(s.settings.Refresh)
	defer refresh.Stop()
	heartbeat := s.clock.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.Chan():
			s.handle.CheckOutdated()
			s.refresh()
		case <-heartbeat.Chan():
			s.Heartbeat()
		}
	}
}

// Refresh re-derives activity immediately.
func (s *Store) Refresh() {
	s.refresh()
}

// Close detaches from the handle and releases subscribers.
func (s *Store) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.state.Close()
}

func sameUsers(a, b []RemoteUser) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ClientID != y.ClientID || x.User != y.User || x.IsActive != y.IsActive || !x.ObservedAt.Equal(y.ObservedAt) {
			return false
		}
		if (x.LastSeen == nil) != (y.LastSeen == nil) {
			return false
		}
		if x.LastSeen != nil && !x.LastSeen.Equal(*y.LastSeen) {
			return false
		}
	}
	return true
}

// Initials returns the upper-cased first letters of the first and last
// whitespace-separated tokens of name. Names with fewer than two tokens
// yield FallbackInitials.
func Initials(name string) string {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return FallbackInitials
	}
	first := []rune(fields[0])[0]
	last := []rune(fields[len(fields)-1])[0]
	return string(unicode.ToUpper(first)) + string(unicode.ToUpper(last))
}
