package cluster

import (
	"sort"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// Agent is the tracker's authoritative view of one cluster node:
// total capacity (with statically reserved portions role-tagged
// inside it), plus what each framework currently uses and what has
// been offered but not yet consumed. The tracker owns agents
// exclusively; nothing outside this package mutates one.
type Agent struct {
	Info  types.AgentInfo
	Total resources.Resources

	// used and offered are keyed by framework, then by the role the
	// allocation was made under. Offered resources count against
	// capacity from the moment an offer is emitted, so a later pass
	// can never hand out the same bytes twice.
	used    map[types.FrameworkID]map[types.RoleName]resources.Resources
	offered map[types.FrameworkID]map[types.RoleName]resources.Resources
}

func newAgent(info types.AgentInfo, total resources.Resources) *Agent {
	return &Agent{
		Info:    info,
		Total:   total,
		used:    make(map[types.FrameworkID]map[types.RoleName]resources.Resources),
		offered: make(map[types.FrameworkID]map[types.RoleName]resources.Resources),
	}
}

// Allocated returns everything currently used or offered on the
// agent, across all frameworks and roles.
func (a *Agent) Allocated() resources.Resources {
	var out resources.Resources
	for _, byRole := range a.used {
		for _, rs := range byRole {
			out = out.Plus(rs)
		}
	}
	for _, byRole := range a.offered {
		for _, rs := range byRole {
			out = out.Plus(rs)
		}
	}
	return out
}

// Available returns the capacity not used, not offered. The capacity
// invariant guarantees the subtraction succeeds.
func (a *Agent) Available() resources.Resources {
	out, err := a.Total.Minus(a.Allocated())
	if err != nil {
		// Unreachable while every mutation is validated first.
		panic("agent " + string(a.Info.ID) + " capacity invariant broken: " + err.Error())
	}
	return out
}

// UsedBy returns what the framework uses on this agent, by role.
func (a *Agent) UsedBy(framework types.FrameworkID) map[types.RoleName]resources.Resources {
	return a.used[framework]
}

// OfferedTo returns what is offered to the framework, by role.
func (a *Agent) OfferedTo(framework types.FrameworkID) map[types.RoleName]resources.Resources {
	return a.offered[framework]
}

// Frameworks returns the frameworks holding or offered resources on
// this agent, sorted for deterministic iteration.
func (a *Agent) Frameworks() []types.FrameworkID {
	seen := make(map[types.FrameworkID]struct{})
	for fw := range a.used {
		seen[fw] = struct{}{}
	}
	for fw := range a.offered {
		seen[fw] = struct{}{}
	}
	out := make([]types.FrameworkID, 0, len(seen))
	for fw := range seen {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func addTo(
	m map[types.FrameworkID]map[types.RoleName]resources.Resources,
	framework types.FrameworkID,
	role types.RoleName,
	rs resources.Resources,
) {
	byRole, ok := m[framework]
	if !ok {
		byRole = make(map[types.RoleName]resources.Resources)
		m[framework] = byRole
	}
	byRole[role] = byRole[role].Plus(rs)
}

func removeFrom(
	m map[types.FrameworkID]map[types.RoleName]resources.Resources,
	framework types.FrameworkID,
	role types.RoleName,
	rs resources.Resources,
) error {
	byRole, ok := m[framework]
	if !ok {
		return types.Validationf("framework %q holds nothing here", framework)
	}
	rest, err := byRole[role].Minus(rs)
	if err != nil {
		return err
	}
	if rest.IsEmpty() {
		delete(byRole, role)
		if len(byRole) == 0 {
			delete(m, framework)
		}
	} else {
		byRole[role] = rest
	}
	return nil
}

func sortedRoles(byRole map[types.RoleName]resources.Resources) []types.RoleName {
	out := make([]types.RoleName, 0, len(byRole))
	for role := range byRole {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
