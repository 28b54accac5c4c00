package resources

import (
	"fmt"
	"sort"
	"strings"
)

// Range is an inclusive interval of unsigned integers, used for
// resources like port ranges.
type Range struct {
	Begin uint64
	End   uint64
}

// Ranges is a canonical interval set: sorted by Begin, non-adjacent,
// non-overlapping. Always build one through NewRanges or the Ranges
// operations so the canonical form is preserved.
type Ranges []Range

// NewRanges canonicalizes the given intervals: sorts, drops empty
// ones, and merges overlaps and adjacency.
func NewRanges(rs ...Range) Ranges {
	valid := make([]Range, 0, len(rs))
	for _, r := range rs {
		if r.Begin <= r.End {
			valid = append(valid, r)
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].Begin != valid[j].Begin {
			return valid[i].Begin < valid[j].Begin
		}
		return valid[i].End < valid[j].End
	})

	var out Ranges
	for _, r := range valid {
		if n := len(out); n > 0 && r.Begin <= out[n-1].End+1 {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Size returns the total number of values covered.
func (r Ranges) Size() uint64 {
	var total uint64
	for _, rng := range r {
		total += rng.End - rng.Begin + 1
	}
	return total
}

// IsEmpty reports whether the set covers no values.
func (r Ranges) IsEmpty() bool {
	return len(r) == 0
}

// Plus returns the union of the two interval sets.
func (r Ranges) Plus(other Ranges) Ranges {
	return NewRanges(append(append([]Range{}, r...), other...)...)
}

// Contains reports whether every value of other is covered by r.
func (r Ranges) Contains(other Ranges) bool {
	for _, o := range other {
		covered := false
		for _, rng := range r {
			if o.Begin >= rng.Begin && o.End <= rng.End {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Minus removes other from r. It fails when other is not fully
// contained, since removing absent values would be a negative
// remainder.
func (r Ranges) Minus(other Ranges) (Ranges, error) {
	if !r.Contains(other) {
		return nil, fmt.Errorf("ranges %v do not contain %v", r, other)
	}
	out := append(Ranges{}, r...)
	for _, o := range other {
		var next Ranges
		for _, rng := range out {
			if o.End < rng.Begin || o.Begin > rng.End {
				next = append(next, rng)
				continue
			}
			if o.Begin > rng.Begin {
				next = append(next, Range{rng.Begin, o.Begin - 1})
			}
			if o.End < rng.End {
				next = append(next, Range{o.End + 1, rng.End})
			}
		}
		out = next
	}
	return NewRanges(out...), nil
}

// Intersect returns the values covered by both sets.
func (r Ranges) Intersect(other Ranges) Ranges {
	var out []Range
	for _, a := range r {
		for _, b := range other {
			begin, end := a.Begin, a.End
			if b.Begin > begin {
				begin = b.Begin
			}
			if b.End < end {
				end = b.End
			}
			if begin <= end {
				out = append(out, Range{begin, end})
			}
		}
	}
	return NewRanges(out...)
}

// String formats the set as "[31000-32000,40000-41000]".
func (r Ranges) String() string {
	parts := make([]string, len(r))
	for i, rng := range r {
		parts[i] = fmt.Sprintf("%d-%d", rng.Begin, rng.End)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
