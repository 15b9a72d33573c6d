// Package store provides a generic state container with synchronous,
// registration-ordered subscriber notification and reference-stable snapshots.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/sirupsen/logrus"
)

// Store holds a value of type S. Readers never block: Snapshot returns the
// currently published pointer, which stays identical until the next
// transition that actually changes the state.
type Store[S any] struct {
	name   string
	logger *logrus.Entry

	mu   sync.Mutex // serialises transitions
	snap atomic.Pointer[S]

	lmu       sync.Mutex
	listeners []*listener
	gen       uint64
	stable    []*listener
	stableGen uint64
	closed    bool
}

type listener struct {
	fn      func()
	removed atomic.Bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	name   string
	logger *logrus.Entry
}

// WithName labels the store in log output.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger overrides the logger used to report recovered panics.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a store holding initial.
func New[S any](initial S, opts ...Option) *Store[S] {
	o := options{name: "store"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogger("store")
	}

	s := &Store[S]{
		name:   o.name,
		logger: o.logger.WithField("store", o.name),
	}
	s.snap.Store(&initial)
	return s
}

// Snapshot returns the current state. The returned pointer must be treated as
// read-only; it is reused until the next changing transition.
func (s *Store[S]) Snapshot() *S {
	return s.snap.Load()
}

// Subscribe registers listener to be called after every changing transition.
// The returned function removes it; removal during an in-flight notification
// prevents the call if the listener has not been reached yet.
func (s *Store[S]) Subscribe(fn func()) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	if s.closed {
		return func() {}
	}

	l := &listener{fn: fn}
	s.listeners = append(s.listeners, l)
	s.gen++

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(l) })
	}
}

func (s *Store[S]) remove(target *listener) {
	target.removed.Store(true)

	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, l := range s.listeners {
		if l == target {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			s.gen++
			return
		}
	}
}

// SetState applies a pure transition. It reports whether a new snapshot was
// published. A panicking updater leaves the state untouched.
func (s *Store[S]) SetState(updater func(S) S) bool {
	changed := false
	err := s.transition(func(cur S) (S, error) {
		return updater(cur), nil
	}, &changed)
	if err != nil {
		s.logger.WithError(err).Error("State transition failed")
	}
	return changed
}

// Update applies a transition that may fail. On error the state is untouched
// and subscribers are not notified.
func (s *Store[S]) Update(updater func(S) (S, error)) error {
	return s.transition(updater, nil)
}

func (s *Store[S]) transition(updater func(S) (S, error), changed *bool) (err error) {
	s.mu.Lock()
	published := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.UpdaterPanic(r).WithDetail("store", s.name)
			}
		}()

		prev := s.snap.Load()
		next, uerr := updater(*prev)
		if uerr != nil {
			err = uerr
			return
		}
		if ShallowEqual(*prev, next) {
			return
		}
		s.snap.Store(&next)
		published = true
	}()
	s.mu.Unlock()

	if changed != nil {
		*changed = published
	}
	if published {
		s.notify()
	}
	return err
}

// stableListeners returns the listener list as of the current generation,
// reusing the previous copy when nothing was added or removed since.
func (s *Store[S]) stableListeners() []*listener {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.stable == nil || s.stableGen != s.gen {
		s.stable = append([]*listener(nil), s.listeners...)
		s.stableGen = s.gen
	}
	return s.stable
}

func (s *Store[S]) notify() {
	for _, l := range s.stableListeners() {
		if l.removed.Load() {
			continue
		}
		s.call(l)
	}
}

func (s *Store[S]) call(l *listener) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Store listener panicked")
		}
	}()
	l.fn()
}

// Close releases every listener. Further subscriptions are no-ops.
func (s *Store[S]) Close() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for _, l := range s.listeners {
		l.removed.Store(true)
	}
	s.listeners = nil
	s.stable = nil
	s.gen++
	s.closed = true
}
