package cluster

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/furrowhq/furrow/pkg/types"
)

// Framework is the tracker's view of one resource consumer: the roles
// it subscribes to, the subset it has suppressed offers for, and its
// advertised capabilities. Per-agent usage lives on the agents; the
// framework record holds only identity and subscriptions, so there is
// exactly one owner for every piece of state.
type Framework struct {
	Info         types.FrameworkInfo
	Roles        mapset.Set[types.RoleName]
	Suppressed   mapset.Set[types.RoleName]
	Capabilities mapset.Set[string]
}

func newFramework(info types.FrameworkInfo) *Framework {
	return &Framework{
		Info:         info,
		Roles:        mapset.NewSet(info.Roles...),
		Suppressed:   mapset.NewSet[types.RoleName](),
		Capabilities: mapset.NewSet(info.Capabilities...),
	}
}

// Subscribed reports whether the framework subscribes to the role.
func (f *Framework) Subscribed(role types.RoleName) bool {
	return f.Roles.Contains(role)
}

// Eligible reports whether the framework currently accepts offers for
// the role: subscribed and not suppressed.
func (f *Framework) Eligible(role types.RoleName) bool {
	return f.Roles.Contains(role) && !f.Suppressed.Contains(role)
}

// SortedRoles returns the subscribed roles in sorted order for
// deterministic iteration.
func (f *Framework) SortedRoles() []types.RoleName {
	roles := f.Roles.ToSlice()
	sortRoleNames(roles)
	return roles
}

func sortRoleNames(roles []types.RoleName) {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
}
