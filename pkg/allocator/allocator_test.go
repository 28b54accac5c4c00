package allocator

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furrowhq/furrow/pkg/events"
	"github.com/furrowhq/furrow/pkg/quota"
	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// recorder captures offer callbacks for assertions. Callbacks arrive
// from the worker goroutine, so it locks.
type recorder struct {
	mu     sync.Mutex
	offers []offerRecord
}

type offerRecord struct {
	framework types.FrameworkID
	role      types.RoleName
	agent     types.AgentID
	resources resources.Resources
}

func (r *recorder) callback(fw types.FrameworkID, bundle types.OfferBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, byAgent := range bundle {
		for agentID, rs := range byAgent {
			r.offers = append(r.offers, offerRecord{fw, role, agentID, rs})
		}
	}
}

// holdings sums everything offered to the framework so far.
func (r *recorder) holdings(fw types.FrameworkID) resources.Resources {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out resources.Resources
	for _, rec := range r.offers {
		if rec.framework == fw {
			out = out.Plus(rec.resources)
		}
	}
	return out
}

func (r *recorder) count(fw types.FrameworkID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.offers {
		if rec.framework == fw {
			n++
		}
	}
	return n
}

// transcript renders the offer history in a canonical form for
// determinism comparisons.
func (r *recorder) transcript() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.offers))
	for _, rec := range r.offers {
		out = append(out, fmt.Sprintf("%s/%s/%s %s",
			rec.framework, rec.role, rec.agent, rec.resources))
	}
	sort.Strings(out)
	return out
}

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *recorder) {
	t.Helper()
	if cfg.Clock == nil {
		// A huge interval keeps periodic passes out of the way; tests
		// drive passes through the operations that trigger them.
		cfg.Clock = fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	if cfg.AllocationInterval == 0 {
		cfg.AllocationInterval = time.Hour
	}
	rec := &recorder{}
	a, err := New(cfg)
	require.NoError(t, err)
	a.Initialize(rec.callback, nil)
	t.Cleanup(a.Stop)
	return a, rec
}

// barrier waits until every previously enqueued message, including
// triggered allocation passes, has been processed. A request from an
// unknown framework is a benign no-op that does not trigger a pass.
func barrier(t *testing.T, a *Allocator) {
	t.Helper()
	require.NoError(t, a.RequestResources("__barrier__", nil).Wait())
}

func testAgent(id string) types.AgentInfo {
	return types.AgentInfo{ID: types.AgentID(id), Hostname: id + ".local"}
}

func testFramework(id string, roles ...string) types.FrameworkInfo {
	out := types.FrameworkInfo{ID: types.FrameworkID(id), Name: id}
	for _, role := range roles {
		out.Roles = append(out.Roles, types.RoleName(role))
	}
	return out
}

func TestEqualSplitWithinRole(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4;mem:4096"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.AddFramework(testFramework("f2", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	want := resources.MustParse("cpus:2;mem:2048")
	assert.True(t, rec.holdings("f1").Equal(want), "f1 holds %s", rec.holdings("f1"))
	assert.True(t, rec.holdings("f2").Equal(want), "f2 holds %s", rec.holdings("f2"))
}

func TestWeightedSplitAcrossRoles(t *testing.T) {
	a, rec := newTestAllocator(t, Config{
		RoleWeights: map[types.RoleName]float64{"heavy": 3.0, "light": 1.0},
	})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4;mem:4096"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("fh", "heavy")).Wait())
	require.NoError(t, a.AddFramework(testFramework("fl", "light")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	assert.True(t, rec.holdings("fh").Equal(resources.MustParse("cpus:3;mem:3072")),
		"fh holds %s", rec.holdings("fh"))
	assert.True(t, rec.holdings("fl").Equal(resources.MustParse("cpus:1;mem:1024")),
		"fl holds %s", rec.holdings("fl"))
}

func TestQuotaSatisfiedBeforeFairShare(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	used := map[types.FrameworkID]map[types.RoleName]resources.Resources{
		"f-other": {"other": resources.MustParse("cpus:4")},
	}
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), used).Wait())
	require.NoError(t, a.AddFramework(testFramework("f-other", "other")).Wait())
	require.NoError(t, a.SetQuota("r", quota.Quota{
		Guarantee: resources.Quantities{"cpus": resources.ScalarFromInt(2)},
	}).Wait())
	require.NoError(t, a.AddFramework(testFramework("f-r", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	// Everything is in use; nobody can be offered anything yet.
	assert.Empty(t, rec.transcript())

	// The moment capacity comes back, it goes to the quota'ed role,
	// not to the framework the free-stage fair share would pick.
	require.NoError(t, a.RecoverResources("f-other", "a1", resources.MustParse("cpus:2"), nil).Wait())
	barrier(t, a)

	assert.True(t, rec.holdings("f-r").Equal(resources.MustParse("cpus:2")),
		"f-r holds %s", rec.holdings("f-r"))
	assert.Zero(t, rec.count("f-other"))
}

func TestQuotaHeadroomWithheldFromFreeStage(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	// Quota'ed role with no framework yet: its guarantee must be
	// withheld from everyone else.
	require.NoError(t, a.SetQuota("r", quota.Quota{
		Guarantee: resources.Quantities{"cpus": resources.ScalarFromInt(3)},
	}).Wait())
	require.NoError(t, a.AddFramework(testFramework("f-other", "other")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	assert.True(t, rec.holdings("f-other").Equal(resources.MustParse("cpus:1")),
		"f-other holds %s", rec.holdings("f-other"))
}

func TestQuotaLimitCapsAllocation(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.SetQuota("r", quota.Quota{
		Guarantee: resources.Quantities{"cpus": resources.ScalarFromInt(1)},
		Limit:     resources.Quantities{"cpus": resources.ScalarFromInt(2)},
	}).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	assert.True(t, rec.holdings("f1").Equal(resources.MustParse("cpus:2")),
		"f1 holds %s", rec.holdings("f1"))
}

func TestReservedCapacityNeverLeaksAcrossRoles(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	total := resources.MustParse("cpus:3;cpus(r):1;mem:1024")
	require.NoError(t, a.AddAgent(testAgent("a1"), total, nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f-s", "s")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	got := rec.holdings("f-s")
	assert.True(t, got.Equal(resources.MustParse("cpus:3;mem:1024")), "f-s holds %s", got)
	for _, r := range got {
		assert.NotEqual(t, resources.ReservationStatic, r.Reservation)
	}

	// Once a framework subscribes to "r", the reserved cpu reaches it.
	require.NoError(t, a.AddFramework(testFramework("f-r", "r")).Wait())
	barrier(t, a)
	assert.True(t, rec.holdings("f-r").Equal(resources.MustParse("cpus(r):1")),
		"f-r holds %s", rec.holdings("f-r"))
}

func TestDeclineFilterSuppressesReoffer(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a, rec := newTestAllocator(t, Config{Clock: clk})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	// Decline with a 30 second filter. The recovery triggers a pass,
	// which must not hand the same resources straight back.
	refuse := 30 * time.Second
	require.NoError(t, a.RecoverResources("f1", "a1", resources.MustParse("cpus:4"), &refuse).Wait())
	barrier(t, a)
	assert.Equal(t, 1, rec.count("f1"))

	// Still inside the window.
	clk.Increment(29 * time.Second)
	require.NoError(t, a.RequestResources("f1", nil).Wait())
	barrier(t, a)
	assert.Equal(t, 1, rec.count("f1"))

	// Past expiry the resources are offerable again.
	clk.Increment(2 * time.Second)
	require.NoError(t, a.RequestResources("f1", nil).Wait())
	barrier(t, a)
	assert.Equal(t, 2, rec.count("f1"))
	assert.True(t, rec.holdings("f1").Equal(resources.MustParse("cpus:8")))
}

func TestReviveClearsFilters(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	refuse := time.Hour
	require.NoError(t, a.RecoverResources("f1", "a1", resources.MustParse("cpus:4"), &refuse).Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	require.NoError(t, a.ReviveOffers("f1").Wait())
	barrier(t, a)
	assert.Equal(t, 2, rec.count("f1"))
}

func TestSuppressStopsOffers(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.SuppressOffers("f1").Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	assert.Zero(t, rec.count("f1"))

	require.NoError(t, a.ReviveOffers("f1").Wait())
	barrier(t, a)
	assert.Equal(t, 1, rec.count("f1"))
}

func TestAllocatableThreshold(t *testing.T) {
	a, rec := newTestAllocator(t, Config{
		MinAllocatable: []resources.Quantities{
			{"cpus": resources.ScalarFromInt(1)},
		},
	})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:0.5"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)

	// The fragment stays on the agent.
	assert.Zero(t, rec.count("f1"))

	// More capacity crosses the floor and the whole lot is offered.
	require.NoError(t, a.UpdateAgent("a1", resources.MustParse("cpus:2")).Wait())
	barrier(t, a)
	assert.True(t, rec.holdings("f1").Equal(resources.MustParse("cpus:2")))
}

func TestRemoveFrameworkFreesAllocation(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	require.NoError(t, a.RemoveFramework("f1").Wait())
	require.NoError(t, a.AddFramework(testFramework("f2", "r")).Wait())
	barrier(t, a)

	assert.True(t, rec.holdings("f2").Equal(resources.MustParse("cpus:4")),
		"f2 holds %s", rec.holdings("f2"))
}

func TestTransformThenRecoverUsed(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	// Launch against half the offer, give the rest back.
	require.NoError(t, a.TransformAllocation("f1", "a1", "r", resources.MustParse("cpus:2")).Wait())
	require.NoError(t, a.RecoverResources("f1", "a1", resources.MustParse("cpus:2"), nil).Wait())
	barrier(t, a)

	// The recovered half comes back as a fresh offer; the used half
	// never does.
	assert.True(t, rec.holdings("f1").Equal(resources.MustParse("cpus:6")),
		"f1 was offered %s in total", rec.holdings("f1"))
}

func TestDuplicateAndUnknownOperations(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})

	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	assert.ErrorIs(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait(),
		types.ErrDuplicate)

	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	assert.ErrorIs(t, a.AddFramework(testFramework("f1", "r")).Wait(), types.ErrDuplicate)

	// Removals of unknown entities are benign no-ops.
	assert.NoError(t, a.RemoveAgent("ghost").Wait())
	assert.NoError(t, a.RemoveFramework("ghost").Wait())
	assert.NoError(t, a.RecoverResources("ghost", "a1", resources.MustParse("cpus:1"), nil).Wait())
}

func TestPassesAreDeterministic(t *testing.T) {
	run := func() []string {
		a, rec := newTestAllocator(t, Config{})
		require.NoError(t, a.Pause().Wait())
		require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:8;mem:8192"), nil).Wait())
		require.NoError(t, a.AddAgent(testAgent("a2"), resources.MustParse("cpus:4;mem:4096"), nil).Wait())
		require.NoError(t, a.SetQuota("q", quota.Quota{
			Guarantee: resources.Quantities{"cpus": resources.ScalarFromInt(2)},
		}).Wait())
		for i, role := range []string{"q", "r", "r", "s"} {
			id := fmt.Sprintf("f%d", i)
			require.NoError(t, a.AddFramework(testFramework(id, role)).Wait())
		}
		require.NoError(t, a.Resume().Wait())
		barrier(t, a)
		return rec.transcript()
	}

	first := run()
	assert.NotEmpty(t, first)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run())
	}
}

func TestStopResolvesPendingOperations(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())

	a.Stop()
	assert.ErrorIs(t, a.AddFramework(testFramework("f1", "r")).Wait(), ErrStopped)
}

func TestEnqueueAfterStopAlwaysResolves(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())

	a.Stop()

	// Once the worker has drained and exited, every late operation
	// must still resolve; none may land in the dead queue.
	for i := 0; i < 50; i++ {
		done := make(chan error, 1)
		go func() { done <- a.RemoveAgent("a1").Wait() }()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatalf("operation %d never resolved after stop", i)
		}
	}
}

func TestRemoveAgentRescindsOutstandingOffers(t *testing.T) {
	a, rec := newTestAllocator(t, Config{})
	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	require.NoError(t, a.RemoveAgent("a1").Wait())

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventOfferRescinded {
				assert.Equal(t, "f1", ev.Metadata["framework_id"])
				assert.Equal(t, "a1", ev.Metadata["agent_id"])
				return
			}
		case <-deadline:
			t.Fatal("rescind event not delivered")
		}
	}
}

func TestPeriodicPassFiresOnTick(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a, rec := newTestAllocator(t, Config{Clock: clk, AllocationInterval: time.Second})

	require.NoError(t, a.Pause().Wait())
	require.NoError(t, a.AddAgent(testAgent("a1"), resources.MustParse("cpus:4"), nil).Wait())
	require.NoError(t, a.AddFramework(testFramework("f1", "r")).Wait())
	require.NoError(t, a.Resume().Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	// Decline with a filter outliving the recovery's own triggered
	// pass. Only a later periodic pass can re-offer.
	refuse := 3 * time.Second
	require.NoError(t, a.RecoverResources("f1", "a1", resources.MustParse("cpus:4"), &refuse).Wait())
	barrier(t, a)
	require.Equal(t, 1, rec.count("f1"))

	for i := 0; i < 3; i++ {
		clk.WaitForWatcherAndIncrement(time.Second)
	}
	require.Eventually(t, func() bool {
		return rec.holdings("f1").Quantities()["cpus"] >= resources.ScalarFromInt(8)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.count("f1"))
}
