package cluster

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// roleState counts what keeps a role alive. A role exists implicitly
// once a framework subscribes to it, an agent reserves capacity for
// it, or quota is set on it, and vanishes when the last reference
// goes.
type roleState struct {
	frameworks   mapset.Set[types.FrameworkID]
	reservations int
	quota        bool
}

func (r *roleState) empty() bool {
	return r.frameworks.Cardinality() == 0 && r.reservations == 0 && !r.quota
}

// Tracker owns the authoritative cluster state: every agent's
// capacity and allocations, every framework's subscriptions, and the
// set of live roles. All mutators follow validate-then-commit: a
// rejected operation leaves no partial state behind. The tracker is
// not locked; the allocator's single worker is its only caller.
type Tracker struct {
	agents     *orderedmap.OrderedMap[types.AgentID, *Agent]
	frameworks *orderedmap.OrderedMap[types.FrameworkID, *Framework]
	roles      map[types.RoleName]*roleState

	total resources.Resources
	dirty mapset.Set[types.RoleName]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		agents:     orderedmap.NewOrderedMap[types.AgentID, *Agent](),
		frameworks: orderedmap.NewOrderedMap[types.FrameworkID, *Framework](),
		roles:      make(map[types.RoleName]*roleState),
		dirty:      mapset.NewSet[types.RoleName](),
	}
}

// AddAgent registers an agent with its total capacity and any
// resources already in use, keyed by framework and the role the usage
// was allocated under (seeded from the owning system's registry at
// startup). The used resources may reference frameworks not yet
// added.
func (t *Tracker) AddAgent(
	info types.AgentInfo,
	total resources.Resources,
	used map[types.FrameworkID]map[types.RoleName]resources.Resources,
) error {
	if _, ok := t.agents.Get(info.ID); ok {
		return types.Duplicatef("agent %q", info.ID)
	}

	allUsed := resources.Resources{}
	for _, byRole := range used {
		for _, rs := range byRole {
			allUsed = allUsed.Plus(rs)
		}
	}
	if !total.Contains(allUsed) {
		return types.Validationf(
			"agent %q: used %s exceeds total %s", info.ID, allUsed, total)
	}

	agent := newAgent(info, total)
	for fw, byRole := range used {
		for role, rs := range byRole {
			if !rs.IsEmpty() {
				addTo(agent.used, fw, role, rs)
				t.markDirty(role)
			}
		}
	}
	t.agents.Set(info.ID, agent)
	t.total = t.total.Plus(total)

	// Statically reserved capacity keeps its role alive.
	for _, role := range reservedRoles(total) {
		t.retainReservation(role)
		t.markDirty(role)
	}
	return nil
}

// RemoveAgent drops the agent and returns its final state so the
// caller can unwind sorter allocations and invalidate outstanding
// offers referencing it.
func (t *Tracker) RemoveAgent(id types.AgentID) (*Agent, error) {
	agent, ok := t.agents.Get(id)
	if !ok {
		return nil, types.NotFoundf("agent %q", id)
	}
	t.agents.Delete(id)

	rest, err := t.total.Minus(agent.Total)
	if err != nil {
		panic("cluster total diverged from agent totals: " + err.Error())
	}
	t.total = rest

	for _, role := range reservedRoles(agent.Total) {
		t.releaseReservation(role)
	}
	for _, byRole := range agent.used {
		for role := range byRole {
			t.markDirty(role)
		}
	}
	for _, byRole := range agent.offered {
		for role := range byRole {
			t.markDirty(role)
		}
	}
	return agent, nil
}

// UpdateAgentCapacity replaces the agent's total capacity. The new
// total must still cover everything used and offered.
func (t *Tracker) UpdateAgentCapacity(id types.AgentID, total resources.Resources) error {
	agent, ok := t.agents.Get(id)
	if !ok {
		return types.NotFoundf("agent %q", id)
	}
	if !total.Contains(agent.Allocated()) {
		return types.Validationf(
			"agent %q: new total %s does not cover allocation %s",
			id, total, agent.Allocated())
	}

	rest, err := t.total.Minus(agent.Total)
	if err != nil {
		panic("cluster total diverged from agent totals: " + err.Error())
	}
	for _, role := range reservedRoles(agent.Total) {
		t.releaseReservation(role)
	}
	agent.Total = total
	t.total = rest.Plus(total)
	for _, role := range reservedRoles(total) {
		t.retainReservation(role)
		t.markDirty(role)
	}
	return nil
}

// AddFramework registers a framework and brings its roles to life.
func (t *Tracker) AddFramework(info types.FrameworkInfo) (*Framework, error) {
	if _, ok := t.frameworks.Get(info.ID); ok {
		return nil, types.Duplicatef("framework %q", info.ID)
	}
	if len(info.Roles) == 0 {
		return nil, types.Validationf("framework %q subscribes to no roles", info.ID)
	}
	fw := newFramework(info)
	t.frameworks.Set(info.ID, fw)
	for _, role := range fw.SortedRoles() {
		t.retainFrameworkRole(role, info.ID)
		t.markDirty(role)
	}
	return fw, nil
}

// RemoveFramework drops the framework and strips its allocations from
// every agent. It returns the released resources by role so the
// caller can credit them back to the fairness and quota views.
func (t *Tracker) RemoveFramework(id types.FrameworkID) (map[types.RoleName]resources.Resources, error) {
	fw, ok := t.frameworks.Get(id)
	if !ok {
		return nil, types.NotFoundf("framework %q", id)
	}
	t.frameworks.Delete(id)

	released := make(map[types.RoleName]resources.Resources)
	for el := t.agents.Front(); el != nil; el = el.Next() {
		agent := el.Value
		for role, rs := range agent.used[id] {
			released[role] = released[role].Plus(rs)
			t.markDirty(role)
		}
		for role, rs := range agent.offered[id] {
			released[role] = released[role].Plus(rs)
			t.markDirty(role)
		}
		delete(agent.used, id)
		delete(agent.offered, id)
	}

	for _, role := range fw.SortedRoles() {
		t.releaseFrameworkRole(role, id)
	}
	return released, nil
}

// UpdateFrameworkRoles replaces the framework's subscriptions and
// returns the roles gained and lost.
func (t *Tracker) UpdateFrameworkRoles(
	id types.FrameworkID, roles []types.RoleName,
) (added, removed []types.RoleName, err error) {
	fw, ok := t.frameworks.Get(id)
	if !ok {
		return nil, nil, types.NotFoundf("framework %q", id)
	}
	if len(roles) == 0 {
		return nil, nil, types.Validationf("framework %q would subscribe to no roles", id)
	}

	next := mapset.NewSet(roles...)
	added = next.Difference(fw.Roles).ToSlice()
	removed = fw.Roles.Difference(next).ToSlice()
	sortRoleNames(added)
	sortRoleNames(removed)

	for _, role := range removed {
		for el := t.agents.Front(); el != nil; el = el.Next() {
			agent := el.Value
			if !agent.used[id][role].IsEmpty() || !agent.offered[id][role].IsEmpty() {
				return nil, nil, types.Validationf(
					"framework %q still holds resources under role %q on agent %q",
					id, role, el.Key)
			}
		}
	}

	fw.Roles = next
	fw.Info.Roles = append([]types.RoleName{}, roles...)
	for _, role := range added {
		t.retainFrameworkRole(role, id)
		t.markDirty(role)
	}
	for _, role := range removed {
		fw.Suppressed.Remove(role)
		t.releaseFrameworkRole(role, id)
		t.markDirty(role)
	}
	return added, removed, nil
}

// SuppressRoles opts the framework out of offers for the given roles
// (all subscribed roles when none are given). Returns the roles
// actually affected.
func (t *Tracker) SuppressRoles(id types.FrameworkID, roles []types.RoleName) ([]types.RoleName, error) {
	fw, ok := t.frameworks.Get(id)
	if !ok {
		return nil, types.NotFoundf("framework %q", id)
	}
	if len(roles) == 0 {
		roles = fw.SortedRoles()
	}
	var affected []types.RoleName
	for _, role := range roles {
		if fw.Subscribed(role) && fw.Suppressed.Add(role) {
			affected = append(affected, role)
		}
	}
	return affected, nil
}

// ReviveRoles clears suppression for the given roles (all subscribed
// roles when none are given).
func (t *Tracker) ReviveRoles(id types.FrameworkID, roles []types.RoleName) ([]types.RoleName, error) {
	fw, ok := t.frameworks.Get(id)
	if !ok {
		return nil, types.NotFoundf("framework %q", id)
	}
	if len(roles) == 0 {
		roles = fw.SortedRoles()
	}
	var affected []types.RoleName
	for _, role := range roles {
		if fw.Suppressed.Contains(role) {
			fw.Suppressed.Remove(role)
			affected = append(affected, role)
		}
	}
	return affected, nil
}

// ApplyOffer records resources as offered to the framework under the
// role. The engine calls this the moment an offer is emitted.
func (t *Tracker) ApplyOffer(
	framework types.FrameworkID, agentID types.AgentID,
	role types.RoleName, rs resources.Resources,
) error {
	agent, ok := t.agents.Get(agentID)
	if !ok {
		return types.NotFoundf("agent %q", agentID)
	}
	if !agent.Available().Contains(rs) {
		return types.Validationf(
			"agent %q: offer %s exceeds available %s", agentID, rs, agent.Available())
	}
	addTo(agent.offered, framework, role, rs)
	t.markDirty(role)
	return nil
}

// RecoverResources returns resources the framework no longer holds on
// the agent to the free pool, draining offered resources before used
// ones. It returns the recovered amounts by role. The whole request
// must be covered or nothing is recovered.
func (t *Tracker) RecoverResources(
	framework types.FrameworkID, agentID types.AgentID, rs resources.Resources,
) (map[types.RoleName]resources.Resources, error) {
	agent, ok := t.agents.Get(agentID)
	if !ok {
		return nil, types.NotFoundf("agent %q", agentID)
	}

	type step struct {
		pool map[types.FrameworkID]map[types.RoleName]resources.Resources
		role types.RoleName
		take resources.Resources
	}
	var plan []step
	remaining := rs
	for _, pool := range []map[types.FrameworkID]map[types.RoleName]resources.Resources{
		agent.offered, agent.used,
	} {
		for _, role := range sortedRoles(pool[framework]) {
			if remaining.IsEmpty() {
				break
			}
			take := pool[framework][role].Intersect(remaining)
			if take.IsEmpty() {
				continue
			}
			rest, err := remaining.Minus(take)
			if err != nil {
				return nil, types.Validationf("recover from agent %q: %v", agentID, err)
			}
			remaining = rest
			plan = append(plan, step{pool, role, take})
		}
	}
	if !remaining.IsEmpty() {
		return nil, types.Validationf(
			"framework %q does not hold %s on agent %q", framework, remaining, agentID)
	}

	recovered := make(map[types.RoleName]resources.Resources)
	for _, st := range plan {
		if err := removeFrom(st.pool, framework, st.role, st.take); err != nil {
			panic("recovery plan diverged from agent state: " + err.Error())
		}
		recovered[st.role] = recovered[st.role].Plus(st.take)
		t.markDirty(st.role)
	}
	return recovered, nil
}

// TransformAllocation converts previously-offered resources into used
// ones, e.g. when the owning system launches tasks against an offer.
func (t *Tracker) TransformAllocation(
	framework types.FrameworkID, agentID types.AgentID,
	role types.RoleName, rs resources.Resources,
) error {
	agent, ok := t.agents.Get(agentID)
	if !ok {
		return types.NotFoundf("agent %q", agentID)
	}
	offered := agent.offered[framework][role]
	if !offered.Contains(rs) {
		return types.Validationf(
			"framework %q was not offered %s under role %q on agent %q",
			framework, rs, role, agentID)
	}
	if err := removeFrom(agent.offered, framework, role, rs); err != nil {
		return types.Validationf("transform on agent %q: %v", agentID, err)
	}
	addTo(agent.used, framework, role, rs)
	t.markDirty(role)
	return nil
}

// AddReservation pins unreserved capacity on the agent to a role. The
// capacity must be free: reservations never displace existing
// allocations.
func (t *Tracker) AddReservation(
	agentID types.AgentID, role types.RoleName, rs resources.Resources,
) error {
	agent, ok := t.agents.Get(agentID)
	if !ok {
		return types.NotFoundf("agent %q", agentID)
	}
	if role == types.DefaultRole || role == "" {
		return types.Validationf("cannot reserve for role %q", role)
	}
	if !rs.Equal(rs.Unreserved()) {
		return types.Validationf("reservation resources %s must be unreserved", rs)
	}
	if !agent.Available().Unreserved().Contains(rs) {
		return types.Validationf(
			"agent %q: cannot reserve %s, free unreserved capacity is %s",
			agentID, rs, agent.Available().Unreserved())
	}

	reserved := reserveFor(rs, role)
	newTotal, err := agent.Total.Minus(rs)
	if err != nil {
		panic("reservation validated but subtraction failed: " + err.Error())
	}
	hadReservation := len(agent.Total.Reserved(string(role))) > 0

	agent.Total = newTotal.Plus(reserved)
	rest, err := t.total.Minus(rs)
	if err != nil {
		panic("cluster total diverged from agent totals: " + err.Error())
	}
	t.total = rest.Plus(reserved)

	if !hadReservation {
		t.retainReservation(role)
	}
	t.markDirty(role)
	return nil
}

// Agent returns the tracked agent, or nil.
func (t *Tracker) Agent(id types.AgentID) *Agent {
	agent, _ := t.agents.Get(id)
	return agent
}

// Agents returns all agents in registration order.
func (t *Tracker) Agents() []*Agent {
	out := make([]*Agent, 0, t.agents.Len())
	for el := t.agents.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Framework returns the tracked framework, or nil.
func (t *Tracker) Framework(id types.FrameworkID) *Framework {
	fw, _ := t.frameworks.Get(id)
	return fw
}

// Frameworks returns all frameworks in registration order.
func (t *Tracker) Frameworks() []*Framework {
	out := make([]*Framework, 0, t.frameworks.Len())
	for el := t.frameworks.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// FrameworksOfRole returns the ids of frameworks subscribed to the
// role, in registration order.
func (t *Tracker) FrameworksOfRole(role types.RoleName) []types.FrameworkID {
	var out []types.FrameworkID
	for el := t.frameworks.Front(); el != nil; el = el.Next() {
		if el.Value.Subscribed(role) {
			out = append(out, el.Key)
		}
	}
	return out
}

// HasRole reports whether the role is referenced by any framework,
// reservation, or quota.
func (t *Tracker) HasRole(role types.RoleName) bool {
	_, ok := t.roles[role]
	return ok
}

// Roles returns the live roles in sorted order.
func (t *Tracker) Roles() []types.RoleName {
	out := make([]types.RoleName, 0, len(t.roles))
	for role := range t.roles {
		out = append(out, role)
	}
	sortRoleNames(out)
	return out
}

// SetQuotaRef marks whether quota keeps the role alive. Called by the
// allocator when quota is set or removed.
func (t *Tracker) SetQuotaRef(role types.RoleName, ref bool) {
	if ref {
		t.role(role).quota = true
		t.markDirty(role)
		return
	}
	state, ok := t.roles[role]
	if !ok {
		return
	}
	state.quota = false
	if state.empty() {
		delete(t.roles, role)
	}
	t.markDirty(role)
}

// Total returns the cluster's aggregate capacity.
func (t *Tracker) Total() resources.Resources {
	return t.total
}

// TotalQuantities returns the scalar totals fairness shares are
// computed against.
func (t *Tracker) TotalQuantities() resources.Quantities {
	return t.total.Quantities()
}

// TakeDirty returns the roles touched since the last call and resets
// the set. Sorted, so callers iterate deterministically.
func (t *Tracker) TakeDirty() []types.RoleName {
	out := t.dirty.ToSlice()
	t.dirty.Clear()
	sortRoleNames(out)
	return out
}

// CheckInvariant verifies used + offered + reserved-unused <= total
// on every agent. Exported for tests; the mutators preserve it by
// construction.
func (t *Tracker) CheckInvariant() error {
	for el := t.agents.Front(); el != nil; el = el.Next() {
		agent := el.Value
		if !agent.Total.Contains(agent.Allocated()) {
			return types.Validationf(
				"agent %q: allocation %s exceeds total %s",
				el.Key, agent.Allocated(), agent.Total)
		}
	}
	return nil
}

func (t *Tracker) role(name types.RoleName) *roleState {
	state, ok := t.roles[name]
	if !ok {
		state = &roleState{frameworks: mapset.NewSet[types.FrameworkID]()}
		t.roles[name] = state
	}
	return state
}

func (t *Tracker) retainFrameworkRole(role types.RoleName, id types.FrameworkID) {
	t.role(role).frameworks.Add(id)
}

func (t *Tracker) releaseFrameworkRole(role types.RoleName, id types.FrameworkID) {
	state, ok := t.roles[role]
	if !ok {
		return
	}
	state.frameworks.Remove(id)
	if state.empty() {
		delete(t.roles, role)
	}
}

func (t *Tracker) retainReservation(role types.RoleName) {
	t.role(role).reservations++
}

func (t *Tracker) releaseReservation(role types.RoleName) {
	state, ok := t.roles[role]
	if !ok {
		return
	}
	state.reservations--
	if state.empty() {
		delete(t.roles, role)
	}
}

func (t *Tracker) markDirty(role types.RoleName) {
	t.dirty.Add(role)
}

func reservedRoles(rs resources.Resources) []types.RoleName {
	seen := mapset.NewSet[types.RoleName]()
	for _, r := range rs {
		if r.Reservation == resources.ReservationStatic {
			seen.Add(types.RoleName(r.Role))
		}
	}
	out := seen.ToSlice()
	sortRoleNames(out)
	return out
}

func reserveFor(rs resources.Resources, role types.RoleName) resources.Resources {
	out := make([]resources.Resource, 0, len(rs))
	for _, r := range rs {
		r.Role = string(role)
		r.Reservation = resources.ReservationStatic
		out = append(out, r)
	}
	reserved, err := resources.New(out...)
	if err != nil {
		panic("retagging cannot invalidate resources: " + err.Error())
	}
	return reserved
}
