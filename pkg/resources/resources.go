package resources

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the three resource value representations.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindRanges Kind = "ranges"
	KindSet    Kind = "set"
)

// Reservation marks whether a resource is pinned to its role.
type Reservation string

const (
	// ReservationNone marks unreserved capacity, offerable to any role.
	ReservationNone Reservation = ""

	// ReservationStatic marks capacity bound to a specific role on a
	// specific agent, offerable only to frameworks subscribed to it.
	ReservationStatic Reservation = "static"
)

// DefaultRole is the role of unreserved resources.
const DefaultRole = "*"

// Resource is a single named quantity. Resources with the same
// (name, kind, role, reservation) key aggregate; different keys never
// mix, which is what keeps reserved capacity from leaking across
// roles.
type Resource struct {
	Name        string
	Kind        Kind
	Role        string
	Reservation Reservation

	Scalar Scalar
	Ranges Ranges
	Items  []string
}

// NewScalar builds an unreserved scalar resource.
func NewScalar(name string, value Scalar) Resource {
	return Resource{Name: name, Kind: KindScalar, Role: DefaultRole, Scalar: value}
}

// NewReservedScalar builds a scalar resource statically reserved for
// a role.
func NewReservedScalar(name string, value Scalar, role string) Resource {
	return Resource{
		Name:        name,
		Kind:        KindScalar,
		Role:        role,
		Reservation: ReservationStatic,
		Scalar:      value,
	}
}

// NewRangesResource builds an unreserved ranges resource.
func NewRangesResource(name string, ranges Ranges) Resource {
	return Resource{Name: name, Kind: KindRanges, Role: DefaultRole, Ranges: ranges}
}

// NewSetResource builds an unreserved set resource.
func NewSetResource(name string, items ...string) Resource {
	return Resource{Name: name, Kind: KindSet, Role: DefaultRole, Items: dedupe(items)}
}

type resourceKey struct {
	name        string
	kind        Kind
	role        string
	reservation Reservation
}

func (r Resource) key() resourceKey {
	return resourceKey{r.Name, r.Kind, r.Role, r.Reservation}
}

// IsEmpty reports whether the resource carries no quantity.
func (r Resource) IsEmpty() bool {
	switch r.Kind {
	case KindScalar:
		return r.Scalar == 0
	case KindRanges:
		return r.Ranges.IsEmpty()
	case KindSet:
		return len(r.Items) == 0
	}
	return true
}

// Validate checks structural well-formedness.
func (r Resource) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("resource has empty name")
	}
	switch r.Kind {
	case KindScalar, KindRanges, KindSet:
	default:
		return fmt.Errorf("resource %q has unknown kind %q", r.Name, r.Kind)
	}
	if r.Kind == KindScalar && r.Scalar < 0 {
		return fmt.Errorf("resource %q has negative quantity", r.Name)
	}
	if r.Role == "" {
		return fmt.Errorf("resource %q has empty role", r.Name)
	}
	if r.Reservation == ReservationStatic && r.Role == DefaultRole {
		return fmt.Errorf("resource %q is reserved for the default role", r.Name)
	}
	if r.Reservation == ReservationNone && r.Role != DefaultRole {
		return fmt.Errorf("resource %q is unreserved but has role %q", r.Name, r.Role)
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; !ok {
			seen[it] = struct{}{}
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}

// Resources is an immutable aggregate of resources in canonical form:
// entries merged by key, sorted, no empty entries. All operations
// return new values and never mutate the receiver, so a Resources can
// be shared freely.
type Resources []Resource

// New validates and canonicalizes the given resources.
func New(rs ...Resource) (Resources, error) {
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return canonicalize(rs), nil
}

// MustNew is New for static values known to be valid.
func MustNew(rs ...Resource) Resources {
	out, err := New(rs...)
	if err != nil {
		panic(err)
	}
	return out
}

func canonicalize(rs []Resource) Resources {
	merged := make(map[resourceKey]Resource)
	order := make([]resourceKey, 0, len(rs))
	for _, r := range rs {
		if r.Role == "" {
			r.Role = DefaultRole
		}
		key := r.key()
		cur, ok := merged[key]
		if !ok {
			order = append(order, key)
			merged[key] = r
			continue
		}
		switch r.Kind {
		case KindScalar:
			cur.Scalar += r.Scalar
		case KindRanges:
			cur.Ranges = cur.Ranges.Plus(r.Ranges)
		case KindSet:
			cur.Items = dedupe(append(append([]string{}, cur.Items...), r.Items...))
		}
		merged[key] = cur
	}

	out := make(Resources, 0, len(order))
	for _, key := range order {
		if !merged[key].IsEmpty() {
			out = append(out, merged[key])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Reservation != b.Reservation {
			return a.Reservation < b.Reservation
		}
		return a.Kind < b.Kind
	})
	return out
}

// IsEmpty reports whether the aggregate carries nothing.
func (rs Resources) IsEmpty() bool {
	return len(rs) == 0
}

// Plus returns rs + other.
func (rs Resources) Plus(other Resources) Resources {
	return canonicalize(append(append([]Resource{}, rs...), other...))
}

// Minus returns rs - other. It fails when other is not fully
// contained in rs: subtraction never produces a negative remainder,
// the caller gets an error and rs is unchanged.
func (rs Resources) Minus(other Resources) (Resources, error) {
	index := make(map[resourceKey]Resource, len(rs))
	for _, r := range rs {
		index[r.key()] = r
	}
	for _, o := range other {
		if o.IsEmpty() {
			continue
		}
		cur, ok := index[o.key()]
		if !ok {
			return nil, fmt.Errorf("cannot subtract %s: not present", formatOne(o))
		}
		switch o.Kind {
		case KindScalar:
			if cur.Scalar < o.Scalar {
				return nil, fmt.Errorf(
					"cannot subtract %s: only %s available", formatOne(o), cur.Scalar)
			}
			cur.Scalar -= o.Scalar
		case KindRanges:
			rest, err := cur.Ranges.Minus(o.Ranges)
			if err != nil {
				return nil, fmt.Errorf("cannot subtract %s: %w", formatOne(o), err)
			}
			cur.Ranges = rest
		case KindSet:
			have := make(map[string]struct{}, len(cur.Items))
			for _, it := range cur.Items {
				have[it] = struct{}{}
			}
			for _, it := range o.Items {
				if _, ok := have[it]; !ok {
					return nil, fmt.Errorf("cannot subtract %s: item %q not present", formatOne(o), it)
				}
				delete(have, it)
			}
			rest := make([]string, 0, len(have))
			for it := range have {
				rest = append(rest, it)
			}
			cur.Items = dedupe(rest)
		}
		index[o.key()] = cur
	}

	out := make([]Resource, 0, len(rs))
	for _, r := range rs {
		out = append(out, index[r.key()])
	}
	return canonicalize(out), nil
}

// Contains reports whether rs covers all of other.
func (rs Resources) Contains(other Resources) bool {
	_, err := rs.Minus(other)
	return err == nil
}

// Intersect returns the portion present in both aggregates, per key:
// the smaller scalar, the overlapping ranges, the common set items.
func (rs Resources) Intersect(other Resources) Resources {
	index := make(map[resourceKey]Resource, len(other))
	for _, o := range other {
		index[o.key()] = o
	}
	var out []Resource
	for _, r := range rs {
		o, ok := index[r.key()]
		if !ok {
			continue
		}
		switch r.Kind {
		case KindScalar:
			if o.Scalar < r.Scalar {
				r.Scalar = o.Scalar
			}
		case KindRanges:
			r.Ranges = r.Ranges.Intersect(o.Ranges)
		case KindSet:
			have := make(map[string]struct{}, len(o.Items))
			for _, it := range o.Items {
				have[it] = struct{}{}
			}
			var common []string
			for _, it := range r.Items {
				if _, ok := have[it]; ok {
					common = append(common, it)
				}
			}
			r.Items = common
		}
		out = append(out, r)
	}
	return canonicalize(out)
}

// Equal reports whether the two aggregates carry exactly the same
// resources.
func (rs Resources) Equal(other Resources) bool {
	return rs.Contains(other) && other.Contains(rs)
}

// Filter returns the resources matching pred.
func (rs Resources) Filter(pred func(Resource) bool) Resources {
	var out []Resource
	for _, r := range rs {
		if pred(r) {
			out = append(out, r)
		}
	}
	return canonicalize(out)
}

// Unreserved returns the capacity not pinned to any role.
func (rs Resources) Unreserved() Resources {
	return rs.Filter(func(r Resource) bool { return r.Reservation == ReservationNone })
}

// Reserved returns the capacity statically reserved for role.
func (rs Resources) Reserved(role string) Resources {
	return rs.Filter(func(r Resource) bool {
		return r.Reservation == ReservationStatic && r.Role == role
	})
}

// ForRole returns everything offerable to role: unreserved capacity
// plus capacity reserved for that role.
func (rs Resources) ForRole(role string) Resources {
	return rs.Filter(func(r Resource) bool {
		return r.Reservation == ReservationNone || r.Role == role
	})
}

// Quantities sums scalar quantities by name across roles and
// reservations. Ranges and sets do not participate in fairness math.
func (rs Resources) Quantities() Quantities {
	out := make(Quantities)
	for _, r := range rs {
		if r.Kind == KindScalar {
			out[r.Name] += r.Scalar
		}
	}
	return out
}

// CapTo trims the aggregate to at most the given quantities: scalars
// are reduced to the remaining quantity for their name, and scalar
// names absent from q are dropped entirely. Non-scalar resources are
// dropped. Used when allocating toward a quota guarantee, which only
// speaks in quantities.
func (rs Resources) CapTo(q Quantities) Resources {
	remaining := q.Copy()
	var out []Resource
	for _, r := range rs {
		if r.Kind != KindScalar {
			continue
		}
		take := r.Scalar
		if rest := remaining[r.Name]; rest < take {
			take = rest
		}
		if take > 0 {
			remaining[r.Name] -= take
			r.Scalar = take
			out = append(out, r)
		}
	}
	return canonicalize(out)
}

// LimitScalars trims scalars whose name appears in limit to at most
// the remaining quantity; names absent from limit are unbounded.
// Non-scalar resources pass through untouched.
func (rs Resources) LimitScalars(limit Quantities) Resources {
	remaining := limit.Copy()
	var out []Resource
	for _, r := range rs {
		if r.Kind == KindScalar {
			if rest, ok := remaining[r.Name]; ok {
				if r.Scalar > rest {
					r.Scalar = rest
				}
				remaining[r.Name] -= r.Scalar
			}
		}
		out = append(out, r)
	}
	return canonicalize(out)
}

// Allocatable reports whether the aggregate meets at least one of the
// minimum floors. An empty floor list means everything is allocatable;
// an empty aggregate never is.
func Allocatable(rs Resources, floors []Quantities) bool {
	if rs.IsEmpty() {
		return false
	}
	if len(floors) == 0 {
		return true
	}
	q := rs.Quantities()
	for _, floor := range floors {
		if q.Dominates(floor) {
			return true
		}
	}
	return false
}

func formatOne(r Resource) string {
	var value string
	switch r.Kind {
	case KindScalar:
		value = r.Scalar.String()
	case KindRanges:
		value = r.Ranges.String()
	case KindSet:
		value = "{" + strings.Join(r.Items, ",") + "}"
	}
	if r.Reservation == ReservationStatic {
		return fmt.Sprintf("%s(%s):%s", r.Name, r.Role, value)
	}
	return fmt.Sprintf("%s:%s", r.Name, value)
}

// String formats the aggregate in the same syntax Parse accepts.
func (rs Resources) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = formatOne(r)
	}
	return strings.Join(parts, ";")
}
