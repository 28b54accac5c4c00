package resources

import "sort"

// Quantities is a scalar-only projection of a resource set: total
// quantity by resource name, ignoring roles and reservations. It is
// the currency of fairness and quota math, where only "how much" of
// each dimension matters, not who it is pinned to.
type Quantities map[string]Scalar

// Names returns the resource names in sorted order.
func (q Quantities) Names() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEmpty reports whether no dimension has a positive quantity.
func (q Quantities) IsEmpty() bool {
	for _, v := range q {
		if v > 0 {
			return false
		}
	}
	return true
}

// Copy returns an independent copy.
func (q Quantities) Copy() Quantities {
	out := make(Quantities, len(q))
	for name, v := range q {
		out[name] = v
	}
	return out
}

// Plus returns q + other.
func (q Quantities) Plus(other Quantities) Quantities {
	out := q.Copy()
	for name, v := range other {
		out[name] += v
	}
	return out
}

// Shortfall returns max(0, q - other) per dimension: how much of q is
// not covered by other. Dimensions fully covered are omitted.
func (q Quantities) Shortfall(other Quantities) Quantities {
	out := make(Quantities)
	for name, v := range q {
		if rest := v - other[name]; rest > 0 {
			out[name] = rest
		}
	}
	return out
}

// Dominates reports whether q has at least other's quantity on every
// dimension other names.
func (q Quantities) Dominates(other Quantities) bool {
	for name, v := range other {
		if q[name] < v {
			return false
		}
	}
	return true
}
