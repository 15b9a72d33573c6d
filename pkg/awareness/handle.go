// Package awareness tracks ephemeral per-connection presence: who is in the
// room, their display identity, and when they were last active.
package awareness

import (
	"sort"
	"sync"
	"time"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/jonboulle/clockwork"
)

// User is the display identity a client announces.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color"`
}

// State is the presence payload of one client. LastSeen is milliseconds
// since the Unix epoch and advances only on local activity.
type State struct {
	User     User   `json:"user"`
	LastSeen *int64 `json:"lastSeen,omitempty"`
}

// LastSeenTime converts LastSeen to a time, or nil.
func (s *State) LastSeenTime() *time.Time {
	if s == nil || s.LastSeen == nil {
		return nil
	}
	t := time.UnixMilli(*s.LastSeen)
	return &t
}

// RemovalReason explains why a client left the state set.
type RemovalReason string

const (
	RemovedExplicit RemovalReason = "explicit"
	RemovedTimeout  RemovalReason = "timeout"
)

// Change reports the clients affected by one update.
type Change struct {
	Added   []uint64
	Updated []uint64
	// Renewed lists clients whose membership was confirmed without a
	// state change.
	Renewed []uint64
	Removed []uint64
	Reason  RemovalReason
	Origin  any
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Renewed)+len(c.Removed) == 0
}

type wireState struct {
	ClientID uint64 `cbor:"1,keyasint"`
	Clock    uint64 `cbor:"2,keyasint"`
	State    *State `cbor:"3,keyasint"`
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// OriginLocal marks changes made through SetLocalState.
const OriginLocal = "local"

// Handle holds the presence states of every client in a room, including
// the local one.
type Handle struct {
	clientID uint64
	clock    clockwork.Clock
	outdated time.Duration

	mu        sync.Mutex
	states    map[uint64]*State
	meta      map[uint64]meta
	nextID    int
	listeners map[int]func(Change)
}

// NewHandle creates a handle for the local client. Remote states not renewed
// within outdated are removed by CheckOutdated.
func NewHandle(clientID uint64, clk clockwork.Clock, outdated time.Duration) *Handle {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Handle{
		clientID:  clientID,
		clock:     clk,
		outdated:  outdated,
		states:    make(map[uint64]*State),
		meta:      make(map[uint64]meta),
		listeners: make(map[int]func(Change)),
	}
}

// ClientID returns the local client id.
func (h *Handle) ClientID() uint64 {
	return h.clientID
}

// OnChange registers fn for every non-empty change.
func (h *Handle) OnChange(fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

func (h *Handle) emit(c Change) {
	if c.empty() {
		return
	}
	h.mu.Lock()
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// LocalState returns a copy of the local state, or nil when offline.
func (h *Handle) LocalState() *State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyState(h.states[h.clientID])
}

// SetLocalState replaces the local state and bumps its clock. A nil state
// marks the local client as gone.
func (h *Handle) SetLocalState(s *State) {
	h.mu.Lock()
	prev, existed := h.states[h.clientID]
	m := h.meta[h.clientID]
	m.clock++
	m.lastUpdated = h.clock.Now()
	h.meta[h.clientID] = m

	var c Change
	c.Origin = OriginLocal
	switch {
	case s == nil:
		delete(h.states, h.clientID)
		if existed {
			c.Removed = []uint64{h.clientID}
			c.Reason = RemovedExplicit
		}
	case !existed:
		h.states[h.clientID] = copyState(s)
		c.Added = []uint64{h.clientID}
	case statesEqual(prev, s):
		c.Renewed = []uint64{h.clientID}
	default:
		h.states[h.clientID] = copyState(s)
		c.Updated = []uint64{h.clientID}
	}
	h.mu.Unlock()

	h.emit(c)
}

// States returns a copy of every known state keyed by client id.
func (h *Handle) States() map[uint64]*State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint64]*State, len(h.states))
	for id, s := range h.states {
		out[id] = copyState(s)
	}
	return out
}

// EncodeUpdate encodes the current state of the given clients. A client
// without state is encoded as removed.
func (h *Handle) EncodeUpdate(clients []uint64) ([]byte, error) {
	h.mu.Lock()
	wire := make([]wireState, 0, len(clients))
	for _, id := range clients {
		wire = append(wire, wireState{
			ClientID: id,
			Clock:    h.meta[id].clock,
			State:    copyState(h.states[id]),
		})
	}
	h.mu.Unlock()
	return crdt.Marshal(wire)
}

// EncodeRemoval encodes an explicit removal for clients whose last known
// clock is given. Relays use it to announce departures.
func EncodeRemoval(clients map[uint64]uint64) ([]byte, error) {
	ids := make([]uint64, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	wire := make([]wireState, 0, len(ids))
	for _, id := range ids {
		wire = append(wire, wireState{ClientID: id, Clock: clients[id] + 1})
	}
	return crdt.Marshal(wire)
}

// DecodeUpdate exposes the client ids and clocks carried by a frame.
func DecodeUpdate(frame []byte) (map[uint64]uint64, error) {
	var wire []wireState
	if err := crdt.Unmarshal(frame, &wire); err != nil {
		return nil, errors.MalformedFrame("awareness", err)
	}
	out := make(map[uint64]uint64, len(wire))
	for _, w := range wire {
		out[w.ClientID] = w.Clock
	}
	return out, nil
}

// ApplyUpdate merges a remote frame. Updates carrying an older clock than
// the one already known are ignored, as are states whose lastSeen moves
// backwards; the latter still count as a membership renewal.
func (h *Handle) ApplyUpdate(frame []byte, origin any) error {
	var wire []wireState
	if err := crdt.Unmarshal(frame, &wire); err != nil {
		return errors.MalformedFrame("awareness", err)
	}

	now := h.clock.Now()
	c := Change{Origin: origin, Reason: RemovedExplicit}

	h.mu.Lock()
	for _, w := range wire {
		if w.ClientID == h.clientID {
			continue
		}
		cur, known := h.meta[w.ClientID]
		prev, exists := h.states[w.ClientID]

		newer := !known || cur.clock < w.Clock
		removal := w.State == nil && exists && cur.clock == w.Clock
		if !newer && !removal {
			continue
		}

		if w.State == nil {
			h.meta[w.ClientID] = meta{clock: w.Clock, lastUpdated: now}
			if exists {
				delete(h.states, w.ClientID)
				c.Removed = append(c.Removed, w.ClientID)
			}
			continue
		}

		if exists && olderActivity(prev, w.State) {
			h.meta[w.ClientID] = meta{clock: w.Clock, lastUpdated: now}
			c.Renewed = append(c.Renewed, w.ClientID)
			continue
		}

		h.meta[w.ClientID] = meta{clock: w.Clock, lastUpdated: now}
		h.states[w.ClientID] = copyState(w.State)
		switch {
		case !exists:
			c.Added = append(c.Added, w.ClientID)
		case statesEqual(prev, w.State):
			c.Renewed = append(c.Renewed, w.ClientID)
		default:
			c.Updated = append(c.Updated, w.ClientID)
		}
	}
	h.mu.Unlock()

	h.emit(c)
	return nil
}

// RemoveStates drops remote clients, for example when the transport reports
// them as gone.
func (h *Handle) RemoveStates(clients []uint64, origin any) {
	c := Change{Origin: origin, Reason: RemovedExplicit}
	h.mu.Lock()
	for _, id := range clients {
		if id == h.clientID {
			continue
		}
		if _, ok := h.states[id]; ok {
			delete(h.states, id)
			m := h.meta[id]
			m.clock++
			h.meta[id] = m
			c.Removed = append(c.Removed, id)
		}
	}
	h.mu.Unlock()
	h.emit(c)
}

// CheckOutdated removes remote states not renewed within the outdated
// timeout and reports them as timeout removals.
func (h *Handle) CheckOutdated() {
	if h.outdated <= 0 {
		return
	}
	now := h.clock.Now()
	c := Change{Origin: "timeout", Reason: RemovedTimeout}

	h.mu.Lock()
	for id := range h.states {
		if id == h.clientID {
			continue
		}
		if now.Sub(h.meta[id].lastUpdated) >= h.outdated {
			delete(h.states, id)
			c.Removed = append(c.Removed, id)
		}
	}
	h.mu.Unlock()

	sort.Slice(c.Removed, func(i, j int) bool { return c.Removed[i] < c.Removed[j] })
	h.emit(c)
}

// Destroy marks the local client as gone and drops every listener.
func (h *Handle) Destroy() {
	h.SetLocalState(nil)
	h.mu.Lock()
	h.listeners = make(map[int]func(Change))
	h.mu.Unlock()
}

func olderActivity(prev, next *State) bool {
	return prev.LastSeen != nil && next.LastSeen != nil && *next.LastSeen < *prev.LastSeen
}

func statesEqual(a, b *State) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.User != b.User {
		return false
	}
	if (a.LastSeen == nil) != (b.LastSeen == nil) {
		return false
	}
	return a.LastSeen == nil || *a.LastSeen == *b.LastSeen
}

func copyState(s *State) *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastSeen != nil {
		v := *s.LastSeen
		out.LastSeen = &v
	}
	return &out
}
