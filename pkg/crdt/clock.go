package crdt

// Clock is a Lamport timestamp. Node breaks ties between writes that carry
// the same counter so every replica picks the same winner.
type Clock struct {
	Counter uint64 `cbor:"1,keyasint"`
	Node    uint64 `cbor:"2,keyasint"`
}

// Less reports whether c happened before o in the total order.
func (c Clock) Less(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Node < o.Node
}

// IsZero reports whether the clock was never assigned.
func (c Clock) IsZero() bool {
	return c.Counter == 0 && c.Node == 0
}

// StateVector records, per node, the highest counter observed from it.
type StateVector map[uint64]uint64

// Covers reports whether the vector already includes a write at c.
func (sv StateVector) Covers(c Clock) bool {
	return sv[c.Node] >= c.Counter
}

func (sv StateVector) observe(c Clock) {
	if c.Counter > sv[c.Node] {
		sv[c.Node] = c.Counter
	}
}
