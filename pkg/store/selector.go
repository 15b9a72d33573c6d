package store

import "sync"

// WithSelector returns an accessor that derives R from the current snapshot.
// The result is recomputed only when the snapshot pointer changes.
func WithSelector[S, R any](s *Store[S], selector func(*S) R) func() R {
	var (
		mu     sync.Mutex
		last   *S
		result R
	)
	return func() R {
		snap := s.Snapshot()
		mu.Lock()
		defer mu.Unlock()
		if last != snap {
			result = selector(snap)
			last = snap
		}
		return result
	}
}

// Watch calls fn whenever the selected value changes by shallow equality.
// Transitions that leave the selection untouched are not reported.
func Watch[S, R any](s *Store[S], selector func(*S) R, fn func(R)) func() {
	var mu sync.Mutex
	prev := selector(s.Snapshot())

	return s.Subscribe(func() {
		next := selector(s.Snapshot())
		mu.Lock()
		if ShallowEqual(prev, next) {
			mu.Unlock()
			return
		}
		prev = next
		mu.Unlock()
		fn(next)
	})
}
