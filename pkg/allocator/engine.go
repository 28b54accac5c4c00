package allocator

import (
	"fmt"

	"github.com/furrowhq/furrow/pkg/cluster"
	"github.com/furrowhq/furrow/pkg/events"
	"github.com/furrowhq/furrow/pkg/metrics"
	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// pass accumulates one allocation pass's grants so each framework
// gets at most one callback per pass.
type pass struct {
	a       *Allocator
	offers  map[types.FrameworkID]types.OfferBundle
	granted int
}

// allocate runs one full allocation pass: quota guarantees first,
// then the remaining capacity by weighted fair share. Runs in worker
// context; it sees and mutates a quiescent snapshot of the cluster.
func (a *Allocator) allocate() error {
	if a.paused {
		return nil
	}
	start := a.clk.Now()
	a.filters.ExpireBefore(start)

	p := &pass{a: a, offers: make(map[types.FrameworkID]types.OfferBundle)}
	p.quotaStage()
	p.freeStage()
	p.deliver()

	metrics.AllocationPasses.Inc()
	metrics.AllocationLatency.Observe(a.clk.Since(start).Seconds())
	a.syncQuotaGauges()
	if p.granted > 0 {
		a.broker.Emit(events.EventPassCompleted, "allocation pass completed", map[string]string{
			"offers": fmt.Sprintf("%d", p.granted),
		})
	}
	return nil
}

// quotaStage walks quota'ed roles in fairness order and chips away at
// each open guarantee with whatever each agent still has free for the
// role. Guarantee chunks go whole to the neediest unfiltered
// framework; splitting quota capacity would just fragment it below
// the offer floor.
func (p *pass) quotaStage() {
	a := p.a
	for _, roleName := range a.roleSorter.Order() {
		role := types.RoleName(roleName)
		unsat := a.ledger.UnsatisfiedGuarantee(role, a.roleAllocation(role))
		if unsat.IsEmpty() {
			continue
		}
		s := a.frameworkSorters[role]
		if s == nil || len(s.Order()) == 0 {
			// Nobody to offer to; the guarantee stays open and keeps
			// withholding headroom from the free stage.
			continue
		}
		for _, agent := range a.tracker.Agents() {
			if unsat.IsEmpty() {
				break
			}
			chunk := agent.Available().ForRole(string(role)).CapTo(unsat)
			if !resources.Allocatable(chunk, a.cfg.MinAllocatable) {
				continue
			}
			sawFilter := false
			for _, fwName := range s.Order() {
				fw := types.FrameworkID(fwName)
				if a.filters.Filtered(fw, agent.Info.ID, role, chunk) {
					sawFilter = true
					continue
				}
				if p.grant(fw, agent, role, chunk) {
					unsat = unsat.Shortfall(chunk.Quantities())
				}
				break
			}
			if sawFilter {
				metrics.OffersFiltered.Inc()
			}
		}
	}
}

// freeStage hands out everything still free, agent by agent: capacity
// reserved for a role goes whole to that role, then the unreserved
// pool is split across roles by weight and within a role equally
// across its frameworks. Unreserved grants are capped so the cluster
// keeps enough free capacity to satisfy every other role's open
// guarantee.
func (p *pass) freeStage() {
	a := p.a

	availFree := make(resources.Quantities)
	for _, agent := range a.tracker.Agents() {
		availFree = availFree.Plus(agent.Available().Unreserved().Quantities())
	}

	for _, agent := range a.tracker.Agents() {
		for _, roleName := range a.roleSorter.Order() {
			role := types.RoleName(roleName)
			reserved := agent.Available().Reserved(string(role))
			if reserved.IsEmpty() {
				continue
			}
			p.offerToRole(agent, role, reserved)
		}

		pool := agent.Available().Unreserved()
		if pool.IsEmpty() {
			continue
		}
		var active []types.RoleName
		var weights []float64
		for _, roleName := range a.roleSorter.Order() {
			role := types.RoleName(roleName)
			if s := a.frameworkSorters[role]; s != nil && len(s.Order()) > 0 {
				active = append(active, role)
				weights = append(weights, a.weight(role))
			}
		}
		if len(active) == 0 {
			continue
		}

		portions := splitShares(pool, weights)
		for i, role := range active {
			portion := portions[i]
			if portion.IsEmpty() {
				continue
			}
			required := a.ledger.TotalUnsatisfiedExcept(role, a.roleAllocation)
			portion = portion.LimitScalars(surplusOver(availFree, required))
			taken := p.offerToRole(agent, role, portion)
			for name, qty := range taken {
				if availFree[name] < qty {
					availFree[name] = 0
				} else {
					availFree[name] -= qty
				}
			}
		}
	}
}

// offerToRole caps rs by the role's quota limit, splits it equally
// across the role's offerable frameworks, and grants each chunk that
// clears the floor and no filter blocks. Returns the quantities
// actually granted.
func (p *pass) offerToRole(
	agent *cluster.Agent, role types.RoleName, rs resources.Resources,
) resources.Quantities {
	a := p.a
	if headroom, ok := a.ledger.Headroom(role, a.roleAllocation(role)); ok {
		rs = rs.LimitScalars(headroom)
	}
	if rs.IsEmpty() {
		return nil
	}
	s := a.frameworkSorters[role]
	if s == nil {
		return nil
	}
	order := s.Order()
	if len(order) == 0 {
		return nil
	}

	weights := make([]float64, len(order))
	for i := range weights {
		weights[i] = 1.0
	}
	chunks := splitShares(rs, weights)

	taken := make(resources.Quantities)
	for i, fwName := range order {
		chunk := chunks[i]
		if !resources.Allocatable(chunk, a.cfg.MinAllocatable) {
			continue
		}
		fw := types.FrameworkID(fwName)
		if a.filters.Filtered(fw, agent.Info.ID, role, chunk) {
			metrics.OffersFiltered.Inc()
			continue
		}
		if p.grant(fw, agent, role, chunk) {
			taken = taken.Plus(chunk.Quantities())
		}
	}
	return taken
}

// grant commits one offer: offered accounting on the agent, fairness
// credit in both sorter levels, and a slot in the framework's bundle.
func (p *pass) grant(
	fw types.FrameworkID, agent *cluster.Agent,
	role types.RoleName, rs resources.Resources,
) bool {
	a := p.a
	if err := a.tracker.ApplyOffer(fw, agent.Info.ID, role, rs); err != nil {
		a.logger.Warn().
			Str("framework_id", string(fw)).
			Str("agent_id", string(agent.Info.ID)).
			Str("role", string(role)).
			Err(err).
			Msg("offer rejected by tracker")
		return false
	}
	_ = a.roleSorter.Allocated(string(role), rs)
	if s := a.frameworkSorters[role]; s != nil && s.Contains(string(fw)) {
		_ = s.Allocated(string(fw), rs)
	}

	bundle := p.offers[fw]
	if bundle == nil {
		bundle = make(types.OfferBundle)
		p.offers[fw] = bundle
	}
	byAgent := bundle[role]
	if byAgent == nil {
		byAgent = make(map[types.AgentID]resources.Resources)
		bundle[role] = byAgent
	}
	byAgent[agent.Info.ID] = byAgent[agent.Info.ID].Plus(rs)

	p.granted++
	for name, qty := range rs.Quantities() {
		metrics.ResourcesOffered.WithLabelValues(name).Add(qty.Float64())
	}
	return true
}

// deliver invokes the offer callback once per framework, in
// registration order.
func (p *pass) deliver() {
	a := p.a
	for _, fw := range a.tracker.Frameworks() {
		bundle, ok := p.offers[fw.Info.ID]
		if !ok {
			continue
		}
		for _, byAgent := range bundle {
			metrics.OffersEmitted.Add(float64(len(byAgent)))
		}
		if a.offerCb != nil {
			a.offerCb(fw.Info.ID, bundle)
		}
		a.broker.Emit(events.EventOfferEmitted, "offers emitted", map[string]string{
			"framework_id": string(fw.Info.ID),
		})
	}
}

// syncQuotaGauges refreshes the per-role quota allocation gauges for
// roles touched since the last pass.
func (a *Allocator) syncQuotaGauges() {
	for _, role := range a.tracker.TakeDirty() {
		if _, ok := a.ledger.Get(role); !ok {
			continue
		}
		for name, qty := range a.roleAllocation(role) {
			metrics.QuotaAllocated.WithLabelValues(string(role), name).Set(qty.Float64())
		}
	}
}

// surplusOver returns what remains of the free pool after withholding
// required, keeping zero entries so exhausted dimensions stay capped.
func surplusOver(free, required resources.Quantities) resources.Quantities {
	out := make(resources.Quantities, len(free))
	for name, qty := range free {
		take := qty - required[name]
		if take < 0 {
			take = 0
		}
		out[name] = take
	}
	return out
}

// splitShares divides rs into len(weights) parts. Scalars are split
// proportionally in milli units, front to back, with the last part
// absorbing the rounding remainder. Ranges and sets cannot be divided
// meaningfully and go whole to the first part.
func splitShares(rs resources.Resources, weights []float64) []resources.Resources {
	n := len(weights)
	out := make([]resources.Resources, n)
	if n == 0 {
		return out
	}
	if n == 1 {
		out[0] = rs
		return out
	}

	parts := make([][]resources.Resource, n)
	for _, r := range rs {
		if r.Kind != resources.KindScalar {
			parts[0] = append(parts[0], r)
			continue
		}
		remaining := r.Scalar
		weightLeft := 0.0
		for _, w := range weights {
			weightLeft += w
		}
		for i := 0; i < n; i++ {
			take := remaining
			if i < n-1 && weightLeft > 0 {
				take = resources.Scalar(float64(remaining) * weights[i] / weightLeft)
			}
			weightLeft -= weights[i]
			remaining -= take
			if take > 0 {
				piece := r
				piece.Scalar = take
				parts[i] = append(parts[i], piece)
			}
		}
	}

	for i := range parts {
		if len(parts[i]) > 0 {
			out[i] = resources.MustNew(parts[i]...)
		}
	}
	return out
}
