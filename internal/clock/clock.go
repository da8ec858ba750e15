// Package clock implements the vector-clock algebra used to establish causal
// order of memory mutations across nodes. A VectorClock maps a machine
// identifier to a monotonically increasing counter; merges take the
// elementwise maximum, so two clocks are comparable exactly when one's
// frontier dominates the other's.
package clock

import "maps"

// VectorClock maps machine_id → counter.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// New returns an empty vector clock.
func New() VectorClock { return VectorClock{} }

// Clone returns a deep copy. Mutating helpers never alias their receiver's
// map into results, so callers can hold snapshots safely.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	maps.Copy(out, vc)
	return out
}

// Tick increments machine's component and returns the new clock. The receiver
// is not modified.
func (vc VectorClock) Tick(machine string) VectorClock {
	out := vc.Clone()
	out[machine]++
	return out
}

// Counter returns machine's component (zero if absent).
func (vc VectorClock) Counter(machine string) uint64 { return vc[machine] }

// Merge returns the elementwise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for m, c := range other {
		if c > out[m] {
			out[m] = c
		}
	}
	return out
}

// Compare establishes the causal relation between vc and other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	vcAhead, otherAhead := false, false

	for m, c := range vc {
		if c > other[m] {
			vcAhead = true
		}
	}
	for m, c := range other {
		if c > vc[m] {
			otherAhead = true
		}
	}

	switch {
	case vcAhead && otherAhead:
		return Concurrent
	case vcAhead:
		return After
	case otherAhead:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether vc ≥ other on every component and strictly
// greater on at least one (i.e. other happened-before vc).
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// DominatesFrontier reports whether vc has advanced past the given frontier
// on at least one component. Used by pull to decide whether an event is new
// to the requesting peer.
func (vc VectorClock) DominatesFrontier(frontier VectorClock) bool {
	for m, c := range vc {
		if c > frontier[m] {
			return true
		}
	}
	return false
}
