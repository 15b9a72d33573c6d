package crdt

import (
	"fmt"

	"github.com/grovetools/collab/errors"
)

// Txn collects writes for a single Transact call.
type Txn struct {
	ops []entry
	err error
}

// Fail aborts the transaction; nothing it staged is committed.
func (t *Txn) Fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// Err returns the first error recorded in the transaction.
func (t *Txn) Err() error {
	return t.err
}

// Map returns a writer for the container at path. The first segment names a
// root container, which always exists.
func (t *Txn) Map(path ...string) *MapWriter {
	if len(path) == 0 {
		t.Fail(errors.New(errors.ErrCodeInvalidInput, "container path is empty"))
	}
	for _, p := range path {
		if p == "" {
			t.Fail(errors.New(errors.ErrCodeInvalidInput, "container path has an empty segment").
				WithDetail("path", path))
		}
	}
	return &MapWriter{txn: t, path: append([]string(nil), path...)}
}

func (t *Txn) stage(path []string, kind Kind, value RawMessage) {
	if t.err != nil {
		return
	}
	t.ops = append(t.ops, entry{Path: path, Kind: kind, Value: value})
}

// MapWriter stages writes against one container.
type MapWriter struct {
	txn  *Txn
	path []string
}

func (m *MapWriter) child(key string) []string {
	if key == "" {
		m.txn.Fail(errors.New(errors.ErrCodeInvalidInput, "empty key").WithDetail("path", m.path))
	}
	p := make([]string, 0, len(m.path)+1)
	p = append(p, m.path...)
	return append(p, key)
}

// Set writes a value under key, replacing whatever was there.
func (m *MapWriter) Set(key string, value any) *MapWriter {
	path := m.child(key)
	raw, err := Marshal(value)
	if err != nil {
		m.txn.Fail(errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("cannot encode value for '%s'", key)))
		return m
	}
	m.txn.stage(path, KindValue, raw)
	return m
}

// SetAll writes every field of values in key order.
func (m *MapWriter) SetAll(values map[string]any) *MapWriter {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		m.Set(k, values[k])
	}
	return m
}

// SetMap replaces key with a fresh, empty map and returns a writer for it.
// Fields written to the previous map at key are no longer visible.
func (m *MapWriter) SetMap(key string) *MapWriter {
	path := m.child(key)
	m.txn.stage(path, KindMap, nil)
	return &MapWriter{txn: m.txn, path: path}
}

// Map returns a writer for an existing nested map without replacing it.
func (m *MapWriter) Map(key string) *MapWriter {
	return &MapWriter{txn: m.txn, path: m.child(key)}
}

// Delete removes key.
func (m *MapWriter) Delete(key string) *MapWriter {
	m.txn.stage(m.child(key), KindDeleted, nil)
	return m
}
