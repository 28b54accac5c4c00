package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

func agentInfo(id string) types.AgentInfo {
	return types.AgentInfo{ID: types.AgentID(id), Hostname: id + ".local"}
}

func fwInfo(id string, roles ...string) types.FrameworkInfo {
	out := types.FrameworkInfo{ID: types.FrameworkID(id), Name: id}
	for _, role := range roles {
		out.Roles = append(out.Roles, types.RoleName(role))
	}
	return out
}

func TestAddAgentTracksTotals(t *testing.T) {
	tr := NewTracker()

	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4;mem:4096"), nil))
	require.NoError(t, tr.AddAgent(agentInfo("a2"), resources.MustParse("cpus:2"), nil))

	assert.True(t, tr.Total().Equal(resources.MustParse("cpus:6;mem:4096")))
	assert.Len(t, tr.Agents(), 2)

	// Duplicate registration is rejected without touching state.
	err := tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:1"), nil)
	assert.ErrorIs(t, err, types.ErrDuplicate)
	assert.True(t, tr.Total().Equal(resources.MustParse("cpus:6;mem:4096")))
}

func TestAddAgentWithUsedSeeding(t *testing.T) {
	tr := NewTracker()
	used := map[types.FrameworkID]map[types.RoleName]resources.Resources{
		"fw1": {"web": resources.MustParse("cpus:2;mem:1024")},
	}

	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4;mem:4096"), used))

	agent := tr.Agent("a1")
	require.NotNil(t, agent)
	assert.True(t, agent.Available().Equal(resources.MustParse("cpus:2;mem:3072")))
	assert.True(t, agent.UsedBy("fw1")["web"].Equal(resources.MustParse("cpus:2;mem:1024")))

	// Used beyond total is rejected atomically.
	over := map[types.FrameworkID]map[types.RoleName]resources.Resources{
		"fw1": {"web": resources.MustParse("cpus:9")},
	}
	err := tr.AddAgent(agentInfo("a2"), resources.MustParse("cpus:4"), over)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Nil(t, tr.Agent("a2"))
}

func TestRemoveAgentReturnsFinalState(t *testing.T) {
	tr := NewTracker()
	used := map[types.FrameworkID]map[types.RoleName]resources.Resources{
		"fw1": {"web": resources.MustParse("cpus:1")},
	}
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), used))

	agent, err := tr.RemoveAgent("a1")
	require.NoError(t, err)
	assert.True(t, agent.UsedBy("fw1")["web"].Equal(resources.MustParse("cpus:1")))
	assert.True(t, tr.Total().IsEmpty())

	_, err = tr.RemoveAgent("a1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestOfferLifecycle(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4;mem:4096"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)

	offer := resources.MustParse("cpus:2;mem:2048")
	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", offer))

	agent := tr.Agent("a1")
	assert.True(t, agent.Available().Equal(resources.MustParse("cpus:2;mem:2048")))

	// Offering more than is free fails.
	err = tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:3"))
	assert.ErrorIs(t, err, types.ErrValidation)

	// Launching against part of the offer moves it to used.
	require.NoError(t, tr.TransformAllocation("fw1", "a1", "web", resources.MustParse("cpus:1")))
	assert.True(t, agent.UsedBy("fw1")["web"].Equal(resources.MustParse("cpus:1")))
	assert.True(t, agent.OfferedTo("fw1")["web"].Equal(resources.MustParse("cpus:1;mem:2048")))

	// Transforming what was never offered fails.
	err = tr.TransformAllocation("fw1", "a1", "web", resources.MustParse("cpus:2"))
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, tr.CheckInvariant())
}

func TestRecoverDrainsOfferedBeforeUsed(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)

	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:2")))
	require.NoError(t, tr.TransformAllocation("fw1", "a1", "web", resources.MustParse("cpus:1")))
	// fw1 now has cpus:1 offered and cpus:1 used.

	recovered, err := tr.RecoverResources("fw1", "a1", resources.MustParse("cpus:1.5"))
	require.NoError(t, err)
	assert.True(t, recovered["web"].Equal(resources.MustParse("cpus:1.5")))

	agent := tr.Agent("a1")
	assert.Nil(t, agent.OfferedTo("fw1")["web"])
	assert.True(t, agent.UsedBy("fw1")["web"].Equal(resources.MustParse("cpus:0.5")))
	assert.True(t, agent.Available().Equal(resources.MustParse("cpus:3.5")))
}

func TestRecoverIsAllOrNothing(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)
	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:1")))

	_, err = tr.RecoverResources("fw1", "a1", resources.MustParse("cpus:2"))
	assert.ErrorIs(t, err, types.ErrValidation)

	// Nothing was drained by the failed attempt.
	assert.True(t, tr.Agent("a1").OfferedTo("fw1")["web"].Equal(resources.MustParse("cpus:1")))
}

func TestRemoveFrameworkReleasesByRole(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web", "db"))
	require.NoError(t, err)
	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:1")))
	require.NoError(t, tr.ApplyOffer("fw1", "a1", "db", resources.MustParse("cpus:2")))

	released, err := tr.RemoveFramework("fw1")
	require.NoError(t, err)
	assert.True(t, released["web"].Equal(resources.MustParse("cpus:1")))
	assert.True(t, released["db"].Equal(resources.MustParse("cpus:2")))

	assert.True(t, tr.Agent("a1").Available().Equal(resources.MustParse("cpus:4")))
	assert.False(t, tr.HasRole("web"))
	assert.False(t, tr.HasRole("db"))
}

func TestUpdateFrameworkRolesRejectsHeldRoles(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web", "db"))
	require.NoError(t, err)
	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:1")))

	// Dropping "web" while holding resources under it is rejected, and
	// the subscription set is untouched.
	_, _, err = tr.UpdateFrameworkRoles("fw1", []types.RoleName{"db"})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.True(t, tr.Framework("fw1").Subscribed("web"))

	// Dropping the unheld role works.
	added, removed, err := tr.UpdateFrameworkRoles("fw1", []types.RoleName{"web", "cache"})
	require.NoError(t, err)
	assert.Equal(t, []types.RoleName{"cache"}, added)
	assert.Equal(t, []types.RoleName{"db"}, removed)
}

func TestSuppressAndRevive(t *testing.T) {
	tr := NewTracker()
	_, err := tr.AddFramework(fwInfo("fw1", "web", "db"))
	require.NoError(t, err)

	// No roles given means all subscribed roles.
	affected, err := tr.SuppressRoles("fw1", nil)
	require.NoError(t, err)
	assert.Equal(t, []types.RoleName{"db", "web"}, affected)

	// Suppressing again is a no-op.
	affected, err = tr.SuppressRoles("fw1", nil)
	require.NoError(t, err)
	assert.Empty(t, affected)

	affected, err = tr.ReviveRoles("fw1", []types.RoleName{"web"})
	require.NoError(t, err)
	assert.Equal(t, []types.RoleName{"web"}, affected)
	assert.True(t, tr.Framework("fw1").Eligible("web"))
	assert.False(t, tr.Framework("fw1").Eligible("db"))
}

func TestAddReservationRetagsCapacity(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4;mem:4096"), nil))

	require.NoError(t, tr.AddReservation("a1", "web", resources.MustParse("cpus:1")))

	agent := tr.Agent("a1")
	assert.True(t, agent.Total.Equal(resources.MustParse("cpus:3;cpus(web):1;mem:4096")))
	assert.True(t, tr.Total().Equal(resources.MustParse("cpus:3;cpus(web):1;mem:4096")))
	assert.True(t, tr.HasRole("web"))

	// Quantities are unchanged by retagging.
	assert.Equal(t, resources.ScalarFromInt(4), tr.TotalQuantities()["cpus"])

	// Reserving for the default role or beyond free capacity fails.
	assert.ErrorIs(t, tr.AddReservation("a1", "*", resources.MustParse("cpus:1")), types.ErrValidation)
	assert.ErrorIs(t, tr.AddReservation("a1", "web", resources.MustParse("cpus:9")), types.ErrValidation)
}

func TestRoleLifecycleByRefcount(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))

	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)
	assert.True(t, tr.HasRole("web"))

	// Quota keeps the role alive after the framework leaves.
	tr.SetQuotaRef("web", true)
	_, err = tr.RemoveFramework("fw1")
	require.NoError(t, err)
	assert.True(t, tr.HasRole("web"))

	tr.SetQuotaRef("web", false)
	assert.False(t, tr.HasRole("web"))
}

func TestDirtyRoleTracking(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)
	tr.TakeDirty()

	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:1")))
	assert.Equal(t, []types.RoleName{"web"}, tr.TakeDirty())

	// Taking resets the set.
	assert.Empty(t, tr.TakeDirty())
}

func TestCapacityInvariantHolds(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.AddAgent(agentInfo("a1"), resources.MustParse("cpus:4;mem:4096"), nil))
	_, err := tr.AddFramework(fwInfo("fw1", "web"))
	require.NoError(t, err)

	require.NoError(t, tr.ApplyOffer("fw1", "a1", "web", resources.MustParse("cpus:2;mem:1024")))
	require.NoError(t, tr.TransformAllocation("fw1", "a1", "web", resources.MustParse("cpus:1")))
	require.NoError(t, tr.AddReservation("a1", "db", resources.MustParse("cpus:1")))
	_, err = tr.RecoverResources("fw1", "a1", resources.MustParse("mem:512"))
	require.NoError(t, err)

	require.NoError(t, tr.CheckInvariant())
}
