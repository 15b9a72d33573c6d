package store

import (
	"fmt"
	"testing"

	"github.com/grovetools/collab/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Count int
	Label string
	Tags  []string
}

func TestSnapshotIsStableWithoutTransition(t *testing.T) {
	s := New(counter{Count: 1})

	first := s.Snapshot()
	second := s.Snapshot()
	assert.Same(t, first, second)
}

func TestSetStatePublishesOnlyWhenChanged(t *testing.T) {
	s := New(counter{Count: 1})
	calls := 0
	s.Subscribe(func() { calls++ })

	before := s.Snapshot()
	changed := s.SetState(func(c counter) counter { return c })
	assert.False(t, changed)
	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, 0, calls)

	changed = s.SetState(func(c counter) counter {
		c.Count++
		return c
	})
	assert.True(t, changed)
	assert.NotSame(t, before, s.Snapshot())
	assert.Equal(t, 2, s.Snapshot().Count)
	assert.Equal(t, 1, calls)
}

func TestSliceFieldComparedByIdentity(t *testing.T) {
	tags := []string{"a"}
	s := New(counter{Tags: tags})
	calls := 0
	s.Subscribe(func() { calls++ })

	s.SetState(func(c counter) counter {
		c.Tags = tags
		return c
	})
	assert.Equal(t, 0, calls)

	s.SetState(func(c counter) counter {
		c.Tags = []string{"a"}
		return c
	})
	assert.Equal(t, 1, calls)
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	s := New(counter{})
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		s.Subscribe(func() { order = append(order, name) })
	}

	s.SetState(func(c counter) counter { c.Count = 1; return c })
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestUnsubscribeDuringNotificationSkipsPendingListener(t *testing.T) {
	s := New(counter{})
	var order []string
	var unsubC func()

	s.Subscribe(func() { order = append(order, "a") })
	s.Subscribe(func() {
		order = append(order, "b")
		unsubC()
	})
	unsubC = s.Subscribe(func() { order = append(order, "c") })

	s.SetState(func(c counter) counter { c.Count = 1; return c })
	assert.Equal(t, []string{"a", "b"}, order)

	order = nil
	s.SetState(func(c counter) counter { c.Count = 2; return c })
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Len(t, s.listeners, 2)
}

func TestSubscribeDuringNotificationWaitsForNextTransition(t *testing.T) {
	s := New(counter{})
	lateCalls := 0
	added := false

	s.Subscribe(func() {
		if !added {
			added = true
			s.Subscribe(func() { lateCalls++ })
		}
	})

	s.SetState(func(c counter) counter { c.Count = 1; return c })
	assert.Equal(t, 0, lateCalls)

	s.SetState(func(c counter) counter { c.Count = 2; return c })
	assert.Equal(t, 1, lateCalls)
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	s := New(counter{})
	reached := false
	s.Subscribe(func() { panic("boom") })
	s.Subscribe(func() { reached = true })

	assert.NotPanics(t, func() {
		s.SetState(func(c counter) counter { c.Count = 1; return c })
	})
	assert.True(t, reached)
}

func TestPanickingUpdaterLeavesStateUntouched(t *testing.T) {
	s := New(counter{Count: 3})
	before := s.Snapshot()
	calls := 0
	s.Subscribe(func() { calls++ })

	changed := s.SetState(func(c counter) counter {
		c.Count = 99
		panic("half-way")
	})
	assert.False(t, changed)
	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, 3, s.Snapshot().Count)
	assert.Equal(t, 0, calls)

	err := s.Update(func(c counter) (counter, error) { panic("again") })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUpdaterFailed))
}

func TestUpdateErrorLeavesStateUntouched(t *testing.T) {
	s := New(counter{Count: 3})
	err := s.Update(func(c counter) (counter, error) {
		c.Count = 4
		return c, fmt.Errorf("rejected")
	})
	require.Error(t, err)
	assert.Equal(t, 3, s.Snapshot().Count)
}

func TestNestedSetStateFromListener(t *testing.T) {
	s := New(counter{})
	s.Subscribe(func() {
		if s.Snapshot().Count == 1 {
			s.SetState(func(c counter) counter { c.Label = "follow-up"; return c })
		}
	})

	s.SetState(func(c counter) counter { c.Count = 1; return c })
	assert.Equal(t, "follow-up", s.Snapshot().Label)
}

func TestWithSelectorMemoizesOnSnapshotIdentity(t *testing.T) {
	s := New(counter{Count: 2})
	computed := 0
	double := WithSelector(s, func(c *counter) int {
		computed++
		return c.Count * 2
	})

	assert.Equal(t, 4, double())
	assert.Equal(t, 4, double())
	assert.Equal(t, 1, computed)

	s.SetState(func(c counter) counter { c.Count = 5; return c })
	assert.Equal(t, 10, double())
	assert.Equal(t, 2, computed)
}

func TestWatchIgnoresUnrelatedChanges(t *testing.T) {
	s := New(counter{})
	var seen []int
	unsub := Watch(s, func(c *counter) int { return c.Count }, func(v int) {
		seen = append(seen, v)
	})

	s.SetState(func(c counter) counter { c.Label = "x"; return c })
	s.SetState(func(c counter) counter { c.Count = 1; return c })
	s.SetState(func(c counter) counter { c.Label = "y"; return c })
	assert.Equal(t, []int{1}, seen)

	unsub()
	s.SetState(func(c counter) counter { c.Count = 2; return c })
	assert.Equal(t, []int{1}, seen)
}

func TestCloseReleasesListeners(t *testing.T) {
	s := New(counter{})
	calls := 0
	s.Subscribe(func() { calls++ })
	s.Close()

	s.SetState(func(c counter) counter { c.Count = 1; return c })
	assert.Equal(t, 0, calls)
	assert.Empty(t, s.listeners)

	s.Subscribe(func() { calls++ })
	s.SetState(func(c counter) counter { c.Count = 2; return c })
	assert.Equal(t, 0, calls)
}

func TestShallowEqual(t *testing.T) {
	m := map[string]int{"a": 1}
	p := &counter{Count: 1}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil values", nil, nil, true},
		{"nil and value", nil, 1, false},
		{"equal scalars", 3, 3, true},
		{"different types", 3, int64(3), false},
		{"same map", m, m, true},
		{"maps with equal entries", map[string]int{"a": 1}, map[string]int{"a": 1}, true},
		{"maps with different entries", map[string]int{"a": 1}, map[string]int{"a": 2}, false},
		{"nested maps by identity", map[string]any{"m": map[string]int{}}, map[string]any{"m": map[string]int{}}, false},
		{"same pointer", p, p, true},
		{"pointers to equal structs", &counter{Count: 1}, &counter{Count: 1}, true},
		{"structs with equal fields", counter{Count: 1, Label: "x"}, counter{Count: 1, Label: "x"}, true},
		{"structs with different fields", counter{Count: 1}, counter{Count: 2}, false},
		{"slices with equal scalars", []int{1, 2}, []int{1, 2}, true},
		{"slices with different length", []int{1}, []int{1, 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShallowEqual(tt.a, tt.b))
		})
	}
}
