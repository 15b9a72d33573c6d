package crdt

import (
	"testing"

	"github.com/grovetools/collab/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name"`
	Body string `cbor:"body"`
}

func captureFrames(d *Doc) *[][]byte {
	var frames [][]byte
	d.OnUpdate(func(frame []byte, origin any) {
		frames = append(frames, frame)
	})
	return &frames
}

func TestTransactAndRead(t *testing.T) {
	d := NewDoc(1)
	err := d.Transact("local", func(tx *Txn) {
		tx.Map("workflow").Set("name", "Pipeline").Set("lock_version", 3)
		tx.Map("jobs").SetMap("j1").Set("id", "j1").Set("name", "Fetch")
	})
	require.NoError(t, err)

	name, ok := d.Map("workflow").Get("name")
	require.True(t, ok)
	assert.Equal(t, "Pipeline", name)

	var lock int
	found, err := d.Map("workflow").GetInto("lock_version", &lock)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, lock)

	var j job
	require.NoError(t, d.Map("jobs").Map("j1").Decode(&j))
	assert.Equal(t, job{ID: "j1", Name: "Fetch"}, j)
	assert.Equal(t, []string{"j1"}, d.Map("jobs").Keys())
	assert.True(t, d.Map("jobs", "j1").Exists())
}

func TestObserverReceivesTouchedContainers(t *testing.T) {
	d := NewDoc(1)
	var events []Event
	unobserve := d.Observe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, d.Transact("me", func(tx *Txn) {
		tx.Map("jobs").SetMap("j1").Set("name", "a")
		tx.Map("edges").SetMap("e1").Set("source", "j1")
	}))
	require.Len(t, events, 1)
	assert.True(t, events[0].Local)
	assert.Equal(t, "me", events[0].Origin)
	assert.Equal(t, []string{"edges", "jobs"}, events[0].Containers)
	assert.True(t, events[0].Touches("jobs"))

	unobserve()
	require.NoError(t, d.Transact("me", func(tx *Txn) {
		tx.Map("jobs").Map("j1").Set("name", "b")
	}))
	assert.Len(t, events, 1)
}

func TestFailedTransactionCommitsNothing(t *testing.T) {
	d := NewDoc(1)
	err := d.Transact(nil, func(tx *Txn) {
		tx.Map("workflow").Set("name", "draft")
		tx.Map("workflow").Set("bad", make(chan int))
	})
	require.Error(t, err)
	assert.False(t, d.Map("workflow").Has("name"))

	err = d.Transact(nil, func(tx *Txn) {
		tx.Map("workflow").Set("name", "draft")
		panic("interrupted")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUpdaterFailed))
	assert.False(t, d.Map("workflow").Has("name"))
}

func TestRemoteUpdatesConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	framesA := captureFrames(a)
	framesB := captureFrames(b)

	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("workflow").Set("name", "from-a") }))
	require.NoError(t, b.Transact(nil, func(tx *Txn) { tx.Map("workflow").Set("name", "from-b") }))

	for _, f := range *framesA {
		require.NoError(t, b.ApplyUpdate(f, "remote"))
	}
	for _, f := range *framesB {
		require.NoError(t, a.ApplyUpdate(f, "remote"))
	}

	assert.Equal(t, a.Map("workflow").ToMap(), b.Map("workflow").ToMap())
	// Equal counters break ties on the higher node id.
	name, _ := a.Map("workflow").Get("name")
	assert.Equal(t, "from-b", name)
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	frames := captureFrames(a)
	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("jobs").SetMap("j1").Set("name", "x") }))

	b := NewDoc(2)
	events := 0
	b.Observe(func(Event) { events++ })
	require.NoError(t, b.ApplyUpdate((*frames)[0], nil))
	require.NoError(t, b.ApplyUpdate((*frames)[0], nil))

	assert.Equal(t, 1, events)
	assert.Equal(t, a.Map("jobs").ToMap(), b.Map("jobs").ToMap())
}

func TestReplacedMapHidesOlderFields(t *testing.T) {
	d := NewDoc(1)
	require.NoError(t, d.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").SetMap("j1").Set("name", "old").Set("body", "keep?")
	}))
	require.NoError(t, d.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").SetMap("j1").Set("name", "new")
	}))

	assert.Equal(t, map[string]any{"j1": map[string]any{"name": "new"}}, d.Map("jobs").ToMap())
}

func TestDeletedMapHidesChildren(t *testing.T) {
	d := NewDoc(1)
	require.NoError(t, d.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").SetMap("j1").Set("name", "x")
	}))
	require.NoError(t, d.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").Delete("j1")
	}))

	assert.False(t, d.Map("jobs").Has("j1"))
	assert.False(t, d.Map("jobs", "j1").Exists())
	assert.Empty(t, d.Map("jobs").Keys())
	assert.Nil(t, d.Map("jobs", "j1").Keys())
}

func TestConcurrentEditOfDeletedMapStaysHidden(t *testing.T) {
	a := NewDoc(1)
	framesA := captureFrames(a)
	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("jobs").SetMap("j1").Set("name", "x") }))

	b := NewDoc(2)
	framesB := captureFrames(b)
	require.NoError(t, b.ApplyUpdate((*framesA)[0], nil))

	// a deletes while b edits the same job.
	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("jobs").Delete("j1") }))
	require.NoError(t, b.Transact(nil, func(tx *Txn) { tx.Map("jobs").Map("j1").Set("name", "y") }))

	require.NoError(t, b.ApplyUpdate((*framesA)[1], nil))
	require.NoError(t, a.ApplyUpdate((*framesB)[1], nil))

	assert.Equal(t, a.Map("jobs").ToMap(), b.Map("jobs").ToMap())
	assert.False(t, a.Map("jobs").Has("j1"))
}

func TestStateVectorDiff(t *testing.T) {
	a := NewDoc(1)
	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("workflow").Set("name", "v1") }))

	b := NewDoc(2)
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(full, nil))

	require.NoError(t, a.Transact(nil, func(tx *Txn) { tx.Map("workflow").Set("lock_version", 2) }))

	sv, err := b.EncodeStateVector()
	require.NoError(t, err)
	diff, err := a.EncodeStateAsUpdate(sv)
	require.NoError(t, err)

	var update updateFrame
	require.NoError(t, Unmarshal(diff, &update))
	require.Len(t, update.Entries, 1)
	assert.Equal(t, []string{"workflow", "lock_version"}, update.Entries[0].Path)

	require.NoError(t, b.ApplyUpdate(diff, nil))
	assert.Equal(t, a.Map("workflow").ToMap(), b.Map("workflow").ToMap())
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	d := NewDoc(1)
	err := d.ApplyUpdate([]byte{0xff, 0x00, 0x13}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDocumentDecode))

	bad, err := Marshal(updateFrame{Entries: []entry{{Path: []string{"x"}, Kind: KindValue, Clock: Clock{Counter: 1, Node: 9}}}})
	require.NoError(t, err)
	err = d.ApplyUpdate(bad, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDocumentDecode))
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	c := NewDoc(3)
	var frames [][]byte
	for _, d := range []*Doc{a, b, c} {
		d.OnUpdate(func(frame []byte, origin any) {
			if origin != "remote" {
				frames = append(frames, frame)
			}
		})
	}

	require.NoError(t, a.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").SetMap("j1").Set("name", "a-job")
		tx.Map("workflow").Set("name", "from-a")
	}))
	require.NoError(t, b.Transact(nil, func(tx *Txn) {
		tx.Map("workflow").Set("name", "from-b")
		tx.Map("positions").Set("j1", map[string]any{"x": 10, "y": 20})
	}))
	require.NoError(t, c.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").Delete("j1")
		tx.Map("edges").SetMap("e1").Set("target", "j2")
	}))
	require.NoError(t, a.Transact(nil, func(tx *Txn) {
		tx.Map("jobs").SetMap("j2").Set("name", "second")
	}))
	require.Len(t, frames, 4)

	var reference map[string]map[string]any
	for _, order := range permutations(len(frames)) {
		d := NewDoc(99)
		for _, i := range order {
			require.NoError(t, d.ApplyUpdate(frames[i], "remote"))
		}
		got := map[string]map[string]any{}
		for _, name := range []string{"workflow", "jobs", "edges", "positions"} {
			got[name] = d.Map(name).ToMap()
		}
		if reference == nil {
			reference = got
			continue
		}
		assert.Equal(t, reference, got, "order %v", order)
	}
}
