/*
Package cluster tracks the authoritative state of agents, frameworks,
and allocations.

The Tracker is the ground truth the allocator reasons over: each
agent's total capacity, what every framework uses and has been offered
on it, each framework's role subscriptions, and the set of live roles.
Roles exist implicitly, a role is alive while at least one framework
subscribes to it, an agent reserves capacity for it, or quota is set
on it.

Every mutator validates before committing, so a rejected operation
leaves no partial state, and the capacity invariant holds on every
agent at all times:

	used + offered + reserved-unused <= total

Offered resources count against capacity from the moment an offer is
emitted; a later pass can never hand out the same bytes twice. The
tracker also keeps a dirty-role set so the allocator can refresh
derived views (quota gauges) incrementally.

The tracker is not locked. The allocator's single worker goroutine is
its only caller.
*/
package cluster
