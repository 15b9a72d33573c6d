// Package crdt implements the replicated document shared by every replica of
// a collaboration room: a tree of named maps whose fields merge
// last-writer-wins on a Lamport clock. Merging is commutative, associative
// and idempotent, so update frames may be applied in any order and more than
// once.
package crdt

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/grovetools/collab/errors"
)

// Kind distinguishes the three entry shapes stored in a document.
type Kind uint8

const (
	KindValue Kind = iota + 1
	KindMap
	KindDeleted
)

type entry struct {
	Path  []string   `cbor:"1,keyasint"`
	Kind  Kind       `cbor:"2,keyasint"`
	Value RawMessage `cbor:"3,keyasint,omitempty"`
	Clock Clock      `cbor:"4,keyasint"`
}

type updateFrame struct {
	Entries []entry `cbor:"1,keyasint"`
}

// Event describes a change that was integrated into the document.
type Event struct {
	Origin any
	Local  bool
	// Containers lists the root containers touched, sorted.
	Containers []string
}

// Touches reports whether the event changed the named root container.
func (e Event) Touches(container string) bool {
	for _, c := range e.Containers {
		if c == container {
			return true
		}
	}
	return false
}

const pathSep = "\x1f"

func pathKey(path []string) string {
	return strings.Join(path, pathSep)
}

// Doc is a replicated document. It is safe for concurrent use.
type Doc struct {
	clientID uint64

	mu       sync.RWMutex
	entries  map[string]*entry
	children map[string]map[string]struct{}
	counter  uint64
	sv       StateVector

	obsMu           sync.Mutex
	nextObserver    int
	observers       map[int]func(Event)
	updateObservers map[int]func([]byte, any)
}

// NewDoc creates an empty document. A zero clientID picks a random one.
func NewDoc(clientID uint64) *Doc {
	for clientID == 0 {
		clientID = rand.Uint64()
	}
	return &Doc{
		clientID:        clientID,
		entries:         make(map[string]*entry),
		children:        make(map[string]map[string]struct{}),
		sv:              make(StateVector),
		observers:       make(map[int]func(Event)),
		updateObservers: make(map[int]func([]byte, any)),
	}
}

// ClientID returns the node identifier stamped on local writes.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Observe registers fn to run after every local transaction or remote merge
// that changed the document.
func (d *Doc) Observe(fn func(Event)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers, id)
	}
}

// OnUpdate registers fn to receive the encoded frame of every integrated
// change along with its origin. Providers use it to forward local edits.
func (d *Doc) OnUpdate(fn func(frame []byte, origin any)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.updateObservers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.updateObservers, id)
	}
}

// Close drops every observer.
func (d *Doc) Close() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = make(map[int]func(Event))
	d.updateObservers = make(map[int]func([]byte, any))
}

// Transact runs fn and commits its writes atomically. fn observes the
// document as it was before the transaction. If fn records an error, nothing
// is committed.
func (d *Doc) Transact(origin any, fn func(*Txn)) error {
	txn := &Txn{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				txn.err = errors.UpdaterPanic(r)
			}
		}()
		fn(txn)
	}()
	if txn.err != nil {
		return txn.err
	}
	if len(txn.ops) == 0 {
		return nil
	}

	d.mu.Lock()
	applied := make([]entry, 0, len(txn.ops))
	containers := make(map[string]struct{})
	for _, op := range txn.ops {
		d.counter++
		op.Clock = Clock{Counter: d.counter, Node: d.clientID}
		if d.integrate(op) {
			applied = append(applied, op)
			containers[op.Path[0]] = struct{}{}
		}
	}
	d.mu.Unlock()

	frame, err := Marshal(updateFrame{Entries: applied})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode local update")
	}
	d.emit(frame, Event{Origin: origin, Local: true, Containers: sortedKeys(containers)})
	return nil
}

// ApplyUpdate merges a frame produced by another replica.
func (d *Doc) ApplyUpdate(frame []byte, origin any) error {
	var update updateFrame
	if err := Unmarshal(frame, &update); err != nil {
		return errors.DocumentDecode(err)
	}
	for _, e := range update.Entries {
		if len(e.Path) < 2 || e.Kind < KindValue || e.Kind > KindDeleted || e.Clock.IsZero() {
			return errors.New(errors.ErrCodeDocumentDecode, "update contains an invalid entry").
				WithDetail("path", e.Path)
		}
	}

	d.mu.Lock()
	containers := make(map[string]struct{})
	for _, e := range update.Entries {
		if d.integrate(e) {
			containers[e.Path[0]] = struct{}{}
		}
	}
	d.mu.Unlock()

	if len(containers) == 0 {
		return nil
	}
	d.emit(frame, Event{Origin: origin, Local: false, Containers: sortedKeys(containers)})
	return nil
}

// integrate stores e if it wins against the current entry at its path.
// Callers hold d.mu.
func (d *Doc) integrate(e entry) bool {
	d.sv.observe(e.Clock)
	if e.Clock.Counter > d.counter {
		d.counter = e.Clock.Counter
	}

	k := pathKey(e.Path)
	if cur, ok := d.entries[k]; ok && !cur.Clock.Less(e.Clock) {
		return false
	}

	stored := e
	stored.Path = append([]string(nil), e.Path...)
	d.entries[k] = &stored

	parent := pathKey(e.Path[:len(e.Path)-1])
	kids, ok := d.children[parent]
	if !ok {
		kids = make(map[string]struct{})
		d.children[parent] = kids
	}
	kids[e.Path[len(e.Path)-1]] = struct{}{}
	return true
}

func (d *Doc) emit(frame []byte, ev Event) {
	d.obsMu.Lock()
	updates := make([]func([]byte, any), 0, len(d.updateObservers))
	for _, id := range sortedIDs(d.updateObservers) {
		updates = append(updates, d.updateObservers[id])
	}
	observers := make([]func(Event), 0, len(d.observers))
	for _, id := range sortedIDs(d.observers) {
		observers = append(observers, d.observers[id])
	}
	d.obsMu.Unlock()

	for _, fn := range updates {
		fn(frame, ev.Origin)
	}
	for _, fn := range observers {
		fn(ev)
	}
}

// EncodeStateVector returns the encoded vector of counters seen per node.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	d.mu.RLock()
	sv := make(StateVector, len(d.sv))
	for node, counter := range d.sv {
		sv[node] = counter
	}
	d.mu.RUnlock()
	return Marshal(sv)
}

// DecodeStateVector parses a vector produced by EncodeStateVector. An empty
// input yields an empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(data) == 0 {
		return sv, nil
	}
	if err := Unmarshal(data, &sv); err != nil {
		return nil, errors.DocumentDecode(err)
	}
	return sv, nil
}

// EncodeStateAsUpdate returns a frame with every entry the holder of the
// given state vector has not seen. A nil vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	missing := make([]entry, 0, len(d.entries))
	for _, e := range d.entries {
		if !sv.Covers(e.Clock) {
			missing = append(missing, *e)
		}
	}
	d.mu.RUnlock()

	sort.Slice(missing, func(i, j int) bool {
		return missing[i].Clock.Less(missing[j].Clock)
	})
	return Marshal(updateFrame{Entries: missing})
}

// visible reports whether e is live: not deleted and every enclosing map
// marker predates it. Callers hold d.mu for reading.
func (d *Doc) visible(e *entry) bool {
	if e.Kind == KindDeleted {
		return false
	}
	for i := 2; i < len(e.Path); i++ {
		anc, ok := d.entries[pathKey(e.Path[:i])]
		if !ok || anc.Kind != KindMap || !anc.Clock.Less(e.Clock) {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
