package quota

import (
	"github.com/elliotchance/orderedmap/v2"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// Quota is a role's layered guarantee: a minimum the role is entitled
// to regardless of fair-share position, and an optional ceiling. A
// nil Limit means unbounded.
type Quota struct {
	Guarantee resources.Quantities
	Limit     resources.Quantities
}

// Ledger tracks quotas by role. It is pure bookkeeping over
// quantities: satisfying guarantees is the allocation engine's job,
// the ledger only answers how much is promised and how much of a
// promise is still open. Not locked; the allocator worker is the only
// caller.
type Ledger struct {
	quotas *orderedmap.OrderedMap[types.RoleName, Quota]
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{quotas: orderedmap.NewOrderedMap[types.RoleName, Quota]()}
}

// Set installs or replaces the quota for a role. The sum of all
// guarantees must stay satisfiable by the cluster's total capacity on
// every dimension: the promise is checked eagerly even though the
// capacity need not be free right now. A limit below the guarantee is
// rejected.
func (l *Ledger) Set(role types.RoleName, q Quota, clusterTotal resources.Quantities) error {
	if role == types.DefaultRole || role == "" {
		return types.Validationf("cannot set quota for role %q", role)
	}
	if q.Guarantee.IsEmpty() && q.Limit == nil {
		return types.Validationf("quota for role %q is empty", role)
	}
	if q.Limit != nil && !q.Limit.Dominates(q.Guarantee) {
		return types.Validationf(
			"quota for role %q: limit %v is below guarantee %v", role, q.Limit, q.Guarantee)
	}

	promised := q.Guarantee
	for el := l.quotas.Front(); el != nil; el = el.Next() {
		if el.Key != role {
			promised = promised.Plus(el.Value.Guarantee)
		}
	}
	if !clusterTotal.Dominates(promised) {
		return types.Validationf(
			"quota for role %q: summed guarantees %v exceed cluster capacity %v",
			role, promised, clusterTotal)
	}

	l.quotas.Set(role, Quota{
		Guarantee: q.Guarantee.Copy(),
		Limit:     copyOrNil(q.Limit),
	})
	return nil
}

// Remove drops the role's quota. Removing an absent quota is fine.
func (l *Ledger) Remove(role types.RoleName) {
	l.quotas.Delete(role)
}

// Get returns the role's quota.
func (l *Ledger) Get(role types.RoleName) (Quota, bool) {
	return l.quotas.Get(role)
}

// Roles returns the quota'ed roles in the order quotas were set.
func (l *Ledger) Roles() []types.RoleName {
	out := make([]types.RoleName, 0, l.quotas.Len())
	for el := l.quotas.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key)
	}
	return out
}

// UnsatisfiedGuarantee returns how much of the role's guarantee the
// given allocation leaves open: max(0, guarantee - allocated) per
// dimension. Empty when the role has no quota or the guarantee is
// met.
func (l *Ledger) UnsatisfiedGuarantee(
	role types.RoleName, allocated resources.Quantities,
) resources.Quantities {
	q, ok := l.quotas.Get(role)
	if !ok {
		return nil
	}
	return q.Guarantee.Shortfall(allocated)
}

// Headroom returns how much of the given allocation the role may
// still grow by without crossing its limit, per limited dimension. A
// dimension at or over its limit is present with a zero entry, which
// is what distinguishes "capped out" from "uncapped" for callers that
// treat absent dimensions as unbounded. The second return is false
// when the role is unlimited.
func (l *Ledger) Headroom(
	role types.RoleName, allocated resources.Quantities,
) (resources.Quantities, bool) {
	q, ok := l.quotas.Get(role)
	if !ok || q.Limit == nil {
		return nil, false
	}
	out := make(resources.Quantities, len(q.Limit))
	for name, lim := range q.Limit {
		room := lim - allocated[name]
		if room < 0 {
			room = 0
		}
		out[name] = room
	}
	return out, true
}

// TotalUnsatisfied sums the open guarantees of every quota'ed role,
// given a lookup for each role's current allocation. This is the
// headroom the engine must withhold from non-quota allocation.
func (l *Ledger) TotalUnsatisfied(
	allocated func(types.RoleName) resources.Quantities,
) resources.Quantities {
	total := make(resources.Quantities)
	for el := l.quotas.Front(); el != nil; el = el.Next() {
		total = total.Plus(el.Value.Guarantee.Shortfall(allocated(el.Key)))
	}
	return total
}

// TotalUnsatisfiedExcept is TotalUnsatisfied with one role left out,
// for computing how much the engine must withhold from that role's
// own non-quota allocation.
func (l *Ledger) TotalUnsatisfiedExcept(
	except types.RoleName,
	allocated func(types.RoleName) resources.Quantities,
) resources.Quantities {
	total := make(resources.Quantities)
	for el := l.quotas.Front(); el != nil; el = el.Next() {
		if el.Key == except {
			continue
		}
		total = total.Plus(el.Value.Guarantee.Shortfall(allocated(el.Key)))
	}
	return total
}

func copyOrNil(q resources.Quantities) resources.Quantities {
	if q == nil {
		return nil
	}
	return q.Copy()
}
