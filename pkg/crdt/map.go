package crdt

import (
	"sort"
)

// Map is a read view of a container. Every call reads the current document
// state; a Map holds no data of its own.
type Map struct {
	doc  *Doc
	path []string
}

// Map returns a read view of the container at path.
func (d *Doc) Map(path ...string) *Map {
	return &Map{doc: d, path: append([]string(nil), path...)}
}

// Path returns the container path.
func (m *Map) Path() []string {
	return append([]string(nil), m.path...)
}

// Exists reports whether the container is live. Root containers always are.
func (m *Map) Exists() bool {
	if len(m.path) < 2 {
		return len(m.path) == 1
	}
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.doc.entries[pathKey(m.path)]
	return ok && e.Kind == KindMap && m.doc.visible(e)
}

// Map returns a read view of a nested container.
func (m *Map) Map(key string) *Map {
	p := make([]string, 0, len(m.path)+1)
	p = append(p, m.path...)
	return &Map{doc: m.doc, path: append(p, key)}
}

func (m *Map) lookup(key string) (*entry, bool) {
	p := make([]string, 0, len(m.path)+1)
	p = append(p, m.path...)
	p = append(p, key)
	e, ok := m.doc.entries[pathKey(p)]
	if !ok || !m.doc.visible(e) {
		return nil, false
	}
	return e, true
}

// Has reports whether key holds a live value or map.
func (m *Map) Has(key string) bool {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	_, ok := m.lookup(key)
	return ok
}

// Get returns the decoded value at key. Nested maps are returned as
// map[string]any snapshots.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil, false
	}
	if e.Kind == KindMap {
		return m.Map(key).toMapLocked(), true
	}
	var v any
	if err := Unmarshal(e.Value, &v); err != nil {
		return nil, false
	}
	return v, true
}

// GetInto decodes the value at key into out. It reports false when the key
// is absent.
func (m *Map) GetInto(key string, out any) (bool, error) {
	m.doc.mu.RLock()
	e, ok := m.lookup(key)
	if !ok {
		m.doc.mu.RUnlock()
		return false, nil
	}
	if e.Kind == KindMap {
		snapshot := m.Map(key).toMapLocked()
		m.doc.mu.RUnlock()
		return true, remarshal(snapshot, out)
	}
	raw := e.Value
	m.doc.mu.RUnlock()
	return true, Unmarshal(raw, out)
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return m.keysLocked()
}

func (m *Map) keysLocked() []string {
	if len(m.path) >= 2 {
		marker, ok := m.doc.entries[pathKey(m.path)]
		if !ok || marker.Kind != KindMap || !m.doc.visible(marker) {
			return nil
		}
	}
	kids := m.doc.children[pathKey(m.path)]
	keys := make([]string, 0, len(kids))
	for k := range kids {
		if _, ok := m.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// ToMap returns a deep snapshot of the container.
func (m *Map) ToMap() map[string]any {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	return m.toMapLocked()
}

func (m *Map) toMapLocked() map[string]any {
	out := make(map[string]any)
	for _, k := range m.keysLocked() {
		e, _ := m.lookup(k)
		if e.Kind == KindMap {
			out[k] = m.Map(k).toMapLocked()
			continue
		}
		var v any
		if err := Unmarshal(e.Value, &v); err == nil {
			out[k] = v
		}
	}
	return out
}

// Decode converts the container into out, typically a struct with cbor or
// json-compatible field tags.
func (m *Map) Decode(out any) error {
	return remarshal(m.ToMap(), out)
}

func remarshal(in map[string]any, out any) error {
	raw, err := Marshal(in)
	if err != nil {
		return err
	}
	return Unmarshal(raw, out)
}

func sortStrings(s []string) {
	sort.Strings(s)
}
