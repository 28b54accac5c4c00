/*
Package allocator implements hierarchical fair-share resource allocation
for Furrow clusters.

The allocator decides which framework is offered which resources from
which agent, balancing three forces: quota guarantees that some roles
must reach regardless of demand, weighted fairness between roles, and
fairness between the frameworks inside each role. It is the single
writer of all allocation state; the owning system feeds it cluster
events and receives offers through callbacks.

# Architecture

All state lives behind one worker goroutine. Every public operation is
a message; callers enqueue and get a Future:

	 AddAgent / AddFramework / RecoverResources / SetQuota / ...
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│                     Dispatch Queue (FIFO)                  │
	└────────────────┬───────────────────────────────────────────┘
	                 │  one worker goroutine
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  Worker-owned state                                        │
	│    • cluster.Tracker   (agents, frameworks, allocations)   │
	│    • quota.Ledger      (guarantees and limits per role)    │
	│    • filter.Registry   (decline filters)                   │
	│    • sorter.Sorter     (role level + one per role)         │
	└────────────────┬───────────────────────────────────────────┘
	                 │  allocation pass (periodic or triggered)
	                 ▼
	         OfferCallback(framework, bundle)

The periodic tick and event-driven triggers are themselves enqueued
messages, so passes interleave with mutations instead of racing them.
Redundant triggers coalesce: while a pass is already queued, further
triggers are absorbed.

# Allocation Pass

Each pass runs two stages over a quiescent snapshot:

 1. Quota stage. Roles with an unsatisfied guarantee are visited in
    fairness order. Each agent's free capacity for the role is capped
    to the open guarantee and granted whole to the role's neediest
    unfiltered framework.

 2. Free stage. The remaining capacity is handed out agent by agent.
    Capacity reserved for a role goes whole to that role; the
    unreserved pool is split across roles proportionally to their
    weights, and within a role equally across its frameworks. Grants
    are capped by quota limits, and enough free capacity is withheld
    to keep every other role's open guarantee satisfiable.

Chunks below the configured minimum-allocatable floor are never
offered; fragments stay on the agent until free capacity crosses a
floor again.

# Usage

	alloc, err := allocator.New(allocator.Config{
		AllocationInterval: time.Second,
		RoleWeights:        map[types.RoleName]float64{"web": 2.0},
	})
	if err != nil {
		return err
	}
	alloc.Initialize(
		func(fw types.FrameworkID, offers types.OfferBundle) {
			// ship offers to the framework, must not block
		},
		nil,
	)
	defer alloc.Stop()

	alloc.AddAgent(agentInfo, total, nil)
	if err := alloc.AddFramework(fwInfo).Wait(); err != nil {
		return err
	}

Futures may be dropped by callers that do not care about the outcome;
results are buffered so the worker never blocks on them.

# Determinism

Identical operation sequences produce identical offer sequences.
Everything the pass iterates is ordered: agents and frameworks by
registration order, roles by sorter order with registration-order tie
breaking, recovered and released allocations by sorted role name.

# See Also

  - pkg/cluster - authoritative agent/framework/allocation state
  - pkg/sorter - fair ordering strategies (DRF, lexicographic)
  - pkg/quota - guarantee and limit bookkeeping
  - pkg/filter - decline filters
*/
package allocator
