// Package clock implements vector clocks for causal ordering of
// operations across collaborating nodes.
package clock

// VectorClock maps a node ID to that node's logical counter. A node
// only ever increments its own entry; merging takes the pointwise
// maximum across both clocks.
type VectorClock map[string]int64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Dominates
	Dominated
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// Clone returns an independent copy of the clock.
func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for node, counter := range c {
		out[node] = counter
	}
	return out
}

// Tick returns a copy of the clock with nodeID's counter incremented.
// The receiver is not modified; operations snapshot the returned clock.
func (c VectorClock) Tick(nodeID string) VectorClock {
	out := c.Clone()
	out[nodeID]++
	return out
}

// Merge folds other into the clock in place, taking the pointwise
// maximum. Merge is commutative, associative and idempotent.
func (c VectorClock) Merge(other VectorClock) {
	for node, counter := range other {
		if counter > c[node] {
			c[node] = counter
		}
	}
}

// Merged returns a new clock holding the pointwise maximum of a and b.
func Merged(a, b VectorClock) VectorClock {
	out := a.Clone()
	out.Merge(b)
	return out
}

// Compare reports the causal relation of c to other: Dominates when c
// covers every counter in other and exceeds at least one, Dominated for
// the inverse, Equal when identical, Concurrent otherwise.
func Compare(a, b VectorClock) Ordering {
	aAhead := false
	bAhead := false
	for node, counter := range a {
		if counter > b[node] {
			aAhead = true
		}
	}
	for node, counter := range b {
		if counter > a[node] {
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return Dominates
	case bAhead:
		return Dominated
	default:
		return Equal
	}
}

// Dominates reports whether a covers b entirely, with at least one
// counter strictly greater.
func (c VectorClock) Dominates(other VectorClock) bool {
	return Compare(c, other) == Dominates
}

// ConcurrentWith reports whether neither clock dominates the other.
func (c VectorClock) ConcurrentWith(other VectorClock) bool {
	return Compare(c, other) == Concurrent
}
