package allocator

import (
	"errors"
	"sort"
	"time"

	"github.com/furrowhq/furrow/pkg/events"
	"github.com/furrowhq/furrow/pkg/metrics"
	"github.com/furrowhq/furrow/pkg/quota"
	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// AddAgent registers an agent with its total capacity and any
// resources already in use (keyed by framework, then by the role the
// usage was allocated under), as replayed from the owning system's
// registry. Usage may reference frameworks added later; their
// fairness accounts are settled when they arrive.
func (a *Allocator) AddAgent(
	info types.AgentInfo,
	total resources.Resources,
	used map[types.FrameworkID]map[types.RoleName]resources.Resources,
) *Future {
	return a.enqueue("agent.add", func() error {
		if err := a.tracker.AddAgent(info, total, used); err != nil {
			return err
		}
		for _, r := range total {
			if r.Reservation == resources.ReservationStatic {
				a.ensureRole(types.RoleName(r.Role))
			}
		}
		for _, fw := range sortedFrameworkIDs(used) {
			if a.tracker.Framework(fw) == nil {
				continue
			}
			a.creditUsage(fw, used[fw])
		}
		a.refreshTotals()
		metrics.AgentsTotal.Set(float64(len(a.tracker.Agents())))
		a.broker.Emit(events.EventAgentAdded, "agent added", map[string]string{
			"agent_id": string(info.ID),
			"hostname": info.Hostname,
			"total":    total.String(),
		})
		a.triggerAllocation()
		return nil
	})
}

// RemoveAgent drops an agent. Outstanding offers referencing it are
// implicitly invalid; their accounting is unwound here.
func (a *Allocator) RemoveAgent(id types.AgentID) *Future {
	return a.enqueue("agent.remove", func() error {
		agent, err := a.tracker.RemoveAgent(id)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().Str("agent_id", string(id)).Msg("remove of unknown agent ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, fw := range agent.Frameworks() {
			if a.tracker.Framework(fw) == nil {
				continue
			}
			a.debitUsage(fw, agent.UsedBy(fw))
			offered := agent.OfferedTo(fw)
			a.debitUsage(fw, offered)
			if len(offered) > 0 {
				a.broker.Emit(events.EventOfferRescinded, "offers rescinded", map[string]string{
					"framework_id": string(fw),
					"agent_id":     string(id),
				})
			}
		}
		a.filters.RemoveAgent(id)
		a.refreshTotals()
		metrics.AgentsTotal.Set(float64(len(a.tracker.Agents())))
		a.broker.Emit(events.EventAgentRemoved, "agent removed", map[string]string{
			"agent_id": string(id),
		})
		return nil
	})
}

// UpdateAgent replaces an agent's total capacity.
func (a *Allocator) UpdateAgent(id types.AgentID, total resources.Resources) *Future {
	return a.enqueue("agent.update", func() error {
		if err := a.tracker.UpdateAgentCapacity(id, total); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				a.logger.Debug().Str("agent_id", string(id)).Msg("update of unknown agent ignored")
				return nil
			}
			return err
		}
		a.refreshTotals()
		a.broker.Emit(events.EventAgentUpdated, "agent capacity updated", map[string]string{
			"agent_id": string(id),
			"total":    total.String(),
		})
		a.triggerAllocation()
		return nil
	})
}

// AddFramework registers a framework under its subscribed roles and
// settles its fairness account with any usage agents already report
// for it.
func (a *Allocator) AddFramework(info types.FrameworkInfo) *Future {
	return a.enqueue("framework.add", func() error {
		fw, err := a.tracker.AddFramework(info)
		if err != nil {
			return err
		}
		for _, role := range fw.SortedRoles() {
			a.ensureRole(role)
			_ = a.frameworkSorters[role].Add(string(info.ID), 1.0)
		}
		for _, agent := range a.tracker.Agents() {
			a.creditUsage(info.ID, agent.UsedBy(info.ID))
		}
		a.updateFrameworkMetrics()
		a.broker.Emit(events.EventFrameworkAdded, "framework added", map[string]string{
			"framework_id": string(info.ID),
			"name":         info.Name,
		})
		a.triggerAllocation()
		return nil
	})
}

// RemoveFramework drops a framework, its filters, its sorter entries,
// and every allocation it holds.
func (a *Allocator) RemoveFramework(id types.FrameworkID) *Future {
	return a.enqueue("framework.remove", func() error {
		released, err := a.tracker.RemoveFramework(id)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().Str("framework_id", string(id)).Msg("remove of unknown framework ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, role := range sortedRoleKeys(released) {
			if a.roleSorter.Contains(string(role)) {
				_ = a.roleSorter.Unallocated(string(role), released[role])
			}
		}
		for _, s := range a.frameworkSorters {
			if s.Contains(string(id)) {
				_ = s.Remove(string(id))
			}
		}
		a.filters.RemoveFramework(id)
		a.dropDeadRoles()
		a.updateFrameworkMetrics()
		a.broker.Emit(events.EventFrameworkRemoved, "framework removed", map[string]string{
			"framework_id": string(id),
		})
		return nil
	})
}

// UpdateFramework replaces a framework's role subscriptions.
func (a *Allocator) UpdateFramework(id types.FrameworkID, roles []types.RoleName) *Future {
	return a.enqueue("framework.update", func() error {
		added, removed, err := a.tracker.UpdateFrameworkRoles(id, roles)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().Str("framework_id", string(id)).Msg("update of unknown framework ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, role := range added {
			a.ensureRole(role)
			_ = a.frameworkSorters[role].Add(string(id), 1.0)
		}
		for _, role := range removed {
			if s := a.frameworkSorters[role]; s != nil && s.Contains(string(id)) {
				_ = s.Remove(string(id))
			}
		}
		a.dropDeadRoles()
		a.updateFrameworkMetrics()
		a.triggerAllocation()
		return nil
	})
}

// RequestResources notes a framework's demand. Demand does not
// reserve anything; it schedules a pass so the framework is
// considered promptly.
func (a *Allocator) RequestResources(id types.FrameworkID, rs resources.Resources) *Future {
	return a.enqueue("framework.request", func() error {
		if a.tracker.Framework(id) == nil {
			a.logger.Debug().Str("framework_id", string(id)).Msg("request from unknown framework ignored")
			return nil
		}
		a.logger.Info().
			Str("framework_id", string(id)).
			Str("resources", rs.String()).
			Msg("resource request noted")
		a.triggerAllocation()
		return nil
	})
}

// RecoverResources returns resources a framework no longer holds on
// an agent (a declined or unused offer, a finished task) to the free
// pool. A non-nil refuse duration installs a decline filter so the
// same resources are not immediately re-offered from that agent.
func (a *Allocator) RecoverResources(
	framework types.FrameworkID, agentID types.AgentID,
	rs resources.Resources, refuse *time.Duration,
) *Future {
	return a.enqueue("resources.recover", func() error {
		recovered, err := a.tracker.RecoverResources(framework, agentID, rs)
		if errors.Is(err, types.ErrNotFound) {
			// The agent or framework raced with a removal; nothing to
			// recover.
			a.logger.Debug().
				Str("framework_id", string(framework)).
				Str("agent_id", string(agentID)).
				Msg("recovery for unknown entity ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, role := range sortedRoleKeys(recovered) {
			chunk := recovered[role]
			if a.roleSorter.Contains(string(role)) {
				_ = a.roleSorter.Unallocated(string(role), chunk)
			}
			if s := a.frameworkSorters[role]; s != nil && s.Contains(string(framework)) {
				_ = s.Unallocated(string(framework), chunk)
			}
			if refuse != nil {
				a.filters.Put(framework, agentID, role, chunk, *refuse)
			}
		}
		a.triggerAllocation()
		return nil
	})
}

// TransformAllocation converts previously-offered resources into used
// ones, e.g. once the owning system launches tasks against an offer.
// Fairness is unaffected: the framework held the resources before and
// after.
func (a *Allocator) TransformAllocation(
	framework types.FrameworkID, agentID types.AgentID,
	role types.RoleName, rs resources.Resources,
) *Future {
	return a.enqueue("allocation.transform", func() error {
		err := a.tracker.TransformAllocation(framework, agentID, role, rs)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().
				Str("framework_id", string(framework)).
				Str("agent_id", string(agentID)).
				Msg("transform for unknown entity ignored")
			return nil
		}
		return err
	})
}

// SuppressOffers opts the framework out of offers for the given roles
// (all subscribed roles when none are given).
func (a *Allocator) SuppressOffers(id types.FrameworkID, roles ...types.RoleName) *Future {
	return a.enqueue("offers.suppress", func() error {
		affected, err := a.tracker.SuppressRoles(id, roles)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().Str("framework_id", string(id)).Msg("suppress for unknown framework ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, role := range affected {
			if s := a.frameworkSorters[role]; s != nil && s.Contains(string(id)) {
				_ = s.Deactivate(string(id))
			}
		}
		if len(affected) > 0 {
			a.broker.Emit(events.EventFrameworkSuppressed, "offers suppressed", map[string]string{
				"framework_id": string(id),
			})
		}
		return nil
	})
}

// ReviveOffers clears suppression and decline filters for the given
// roles (all subscribed roles when none are given), making the
// framework immediately offerable again.
func (a *Allocator) ReviveOffers(id types.FrameworkID, roles ...types.RoleName) *Future {
	return a.enqueue("offers.revive", func() error {
		affected, err := a.tracker.ReviveRoles(id, roles)
		if errors.Is(err, types.ErrNotFound) {
			a.logger.Debug().Str("framework_id", string(id)).Msg("revive for unknown framework ignored")
			return nil
		}
		if err != nil {
			return err
		}
		for _, role := range affected {
			if s := a.frameworkSorters[role]; s != nil && s.Contains(string(id)) {
				_ = s.Activate(string(id))
			}
		}
		a.filters.RemoveFramework(id)
		a.broker.Emit(events.EventFrameworkRevived, "offers revived", map[string]string{
			"framework_id": string(id),
		})
		a.triggerAllocation()
		return nil
	})
}

// SetQuota installs a guarantee (and optional limit) for a role. The
// sum of all guarantees must stay satisfiable by total cluster
// capacity.
func (a *Allocator) SetQuota(role types.RoleName, q quota.Quota) *Future {
	return a.enqueue("quota.set", func() error {
		if err := a.ledger.Set(role, q, a.tracker.TotalQuantities()); err != nil {
			return err
		}
		a.tracker.SetQuotaRef(role, true)
		a.ensureRole(role)
		for name, qty := range q.Guarantee {
			metrics.QuotaGuarantee.WithLabelValues(string(role), name).Set(qty.Float64())
		}
		a.broker.Emit(events.EventQuotaSet, "quota set", map[string]string{
			"role": string(role),
		})
		a.triggerAllocation()
		return nil
	})
}

// RemoveQuota drops a role's quota.
func (a *Allocator) RemoveQuota(role types.RoleName) *Future {
	return a.enqueue("quota.remove", func() error {
		a.ledger.Remove(role)
		a.tracker.SetQuotaRef(role, false)
		a.dropDeadRoles()
		metrics.QuotaGuarantee.DeletePartialMatch(map[string]string{"role": string(role)})
		metrics.QuotaAllocated.DeletePartialMatch(map[string]string{"role": string(role)})
		a.broker.Emit(events.EventQuotaRemoved, "quota removed", map[string]string{
			"role": string(role),
		})
		return nil
	})
}

// AddReservation pins free unreserved capacity on an agent to a role.
func (a *Allocator) AddReservation(
	agentID types.AgentID, role types.RoleName, rs resources.Resources,
) *Future {
	return a.enqueue("reservation.add", func() error {
		if err := a.tracker.AddReservation(agentID, role, rs); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				a.logger.Debug().Str("agent_id", string(agentID)).Msg("reservation for unknown agent ignored")
				return nil
			}
			return err
		}
		a.ensureRole(role)
		a.refreshTotals()
		a.broker.Emit(events.EventReservationAdded, "reservation added", map[string]string{
			"agent_id":  string(agentID),
			"role":      string(role),
			"resources": rs.String(),
		})
		a.triggerAllocation()
		return nil
	})
}

// DrainAgent sends inverse offers asking every framework with an
// allocation on the agent to release it, ahead of a graceful removal.
func (a *Allocator) DrainAgent(id types.AgentID) *Future {
	return a.enqueue("agent.drain", func() error {
		agent := a.tracker.Agent(id)
		if agent == nil {
			a.logger.Debug().Str("agent_id", string(id)).Msg("drain of unknown agent ignored")
			return nil
		}
		if a.inverseCb == nil {
			return nil
		}
		for _, fw := range agent.Frameworks() {
			a.inverseCb(fw, []types.AgentID{id})
		}
		a.broker.Emit(events.EventAgentDraining, "agent draining", map[string]string{
			"agent_id": string(id),
		})
		return nil
	})
}

// Pause suppresses allocation passes, periodic and event-driven,
// until Resume. Bookkeeping operations still apply.
func (a *Allocator) Pause() *Future {
	return a.enqueue("pause", func() error {
		a.paused = true
		return nil
	})
}

// Resume re-arms allocation and schedules an immediate pass to catch
// up.
func (a *Allocator) Resume() *Future {
	return a.enqueue("resume", func() error {
		a.paused = false
		a.triggerAllocation()
		return nil
	})
}

// creditUsage settles usage into the fairness views: the role sorter
// and the framework's entry in the role's private sorter.
func (a *Allocator) creditUsage(fw types.FrameworkID, byRole map[types.RoleName]resources.Resources) {
	for _, role := range sortedRoleKeys(byRole) {
		rs := byRole[role]
		a.ensureRole(role)
		s := a.frameworkSorters[role]
		if !s.Contains(string(fw)) {
			_ = s.Add(string(fw), 1.0)
		}
		_ = s.Allocated(string(fw), rs)
		_ = a.roleSorter.Allocated(string(role), rs)
	}
}

func (a *Allocator) debitUsage(fw types.FrameworkID, byRole map[types.RoleName]resources.Resources) {
	for _, role := range sortedRoleKeys(byRole) {
		rs := byRole[role]
		if a.roleSorter.Contains(string(role)) {
			_ = a.roleSorter.Unallocated(string(role), rs)
		}
		if s := a.frameworkSorters[role]; s != nil && s.Contains(string(fw)) {
			_ = s.Unallocated(string(fw), rs)
		}
	}
}

func (a *Allocator) updateFrameworkMetrics() {
	metrics.FrameworksTotal.Reset()
	for _, role := range a.tracker.Roles() {
		metrics.FrameworksTotal.WithLabelValues(string(role)).
			Set(float64(len(a.tracker.FrameworksOfRole(role))))
	}
}

func sortedFrameworkIDs(m map[types.FrameworkID]map[types.RoleName]resources.Resources) []types.FrameworkID {
	out := make([]types.FrameworkID, 0, len(m))
	for fw := range m {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedRoleKeys(m map[types.RoleName]resources.Resources) []types.RoleName {
	out := make([]types.RoleName, 0, len(m))
	for role := range m {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
