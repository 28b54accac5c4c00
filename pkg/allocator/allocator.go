package allocator

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/furrowhq/furrow/pkg/cluster"
	"github.com/furrowhq/furrow/pkg/events"
	"github.com/furrowhq/furrow/pkg/filter"
	"github.com/furrowhq/furrow/pkg/log"
	"github.com/furrowhq/furrow/pkg/metrics"
	"github.com/furrowhq/furrow/pkg/quota"
	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/sorter"
	"github.com/furrowhq/furrow/pkg/types"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultAllocationInterval = 1 * time.Second
	DefaultQueueDepth         = 1024
	DefaultRoleWeight         = 1.0
	DefaultSorter             = "drf"
)

// DefaultMinAllocatable is the floor an offer must clear when the
// configuration does not set one: at least a hundredth of a CPU or
// 32 megabytes of memory.
func DefaultMinAllocatable() []resources.Quantities {
	return []resources.Quantities{
		{"cpus": resources.ScalarFromFloat(0.01)},
		{"mem": resources.ScalarFromInt(32)},
	}
}

// Config fixes the allocator's behavior for its lifetime.
type Config struct {
	// AllocationInterval is the periodic pass cadence.
	AllocationInterval time.Duration

	// MinAllocatable lists alternative per-dimension floors; a
	// resource set below every floor is never offered. Sub-threshold
	// fragments stay on the agent until free capacity crosses a
	// floor. Nil means DefaultMinAllocatable; empty means no floor.
	MinAllocatable []resources.Quantities

	// DefaultWeight applies to roles without an explicit weight.
	DefaultWeight float64

	// RoleWeights are fairness multipliers per role.
	RoleWeights map[types.RoleName]float64

	// ExcludedNames are resource names left out of fairness shares.
	ExcludedNames []string

	// RoleSorter and FrameworkSorter select strategies from the
	// sorter registry.
	RoleSorter      string
	FrameworkSorter string

	// QueueDepth sizes the dispatch queue.
	QueueDepth int

	// Clock is injectable for tests; nil means the wall clock.
	Clock clock.Clock

	// Events receives allocator lifecycle events; nil means a broker
	// is created internally (reachable via Events()).
	Events *events.Broker
}

func (c Config) withDefaults() Config {
	if c.AllocationInterval <= 0 {
		c.AllocationInterval = DefaultAllocationInterval
	}
	if c.MinAllocatable == nil {
		c.MinAllocatable = DefaultMinAllocatable()
	}
	if c.DefaultWeight <= 0 {
		c.DefaultWeight = DefaultRoleWeight
	}
	if c.RoleSorter == "" {
		c.RoleSorter = DefaultSorter
	}
	if c.FrameworkSorter == "" {
		c.FrameworkSorter = DefaultSorter
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	return c
}

// Allocator is the sequential decision loop tying the cluster
// tracker, quota ledger, filter registry, and sorters together. All
// five are owned by one worker goroutine; every public operation is a
// message, and callers get a Future resolved once their message has
// been processed.
type Allocator struct {
	cfg    Config
	clk    clock.Clock
	logger zerolog.Logger
	broker *events.Broker

	queue    chan *message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// mu orders enqueues against Stop: once closed is set no message
	// enters the queue, so the worker's final drain is complete.
	mu     sync.Mutex
	closed bool

	offerCb   types.OfferCallback
	inverseCb types.InverseOfferCallback

	// Worker-owned state. Never touched outside the worker.
	tracker          *cluster.Tracker
	ledger           *quota.Ledger
	filters          *filter.Registry
	roleSorter       sorter.Sorter
	frameworkSorters map[types.RoleName]sorter.Sorter

	paused      bool
	passPending bool
}

// New builds an allocator. Initialize must be called before any other
// operation.
func New(cfg Config) (*Allocator, error) {
	cfg = cfg.withDefaults()

	opts := sorter.Options{ExcludedNames: cfg.ExcludedNames}
	roleSorter, err := sorter.New(cfg.RoleSorter, opts)
	if err != nil {
		return nil, err
	}

	broker := cfg.Events
	if broker == nil {
		broker = events.NewBroker()
		broker.Start()
	}

	return &Allocator{
		cfg:              cfg,
		clk:              cfg.Clock,
		logger:           log.WithComponent("allocator"),
		broker:           broker,
		queue:            make(chan *message, cfg.QueueDepth),
		stopCh:           make(chan struct{}),
		tracker:          cluster.NewTracker(),
		ledger:           quota.NewLedger(),
		filters:          filter.NewRegistry(cfg.Clock),
		roleSorter:       roleSorter,
		frameworkSorters: make(map[types.RoleName]sorter.Sorter),
	}, nil
}

// Initialize installs the delivery callbacks and starts the worker
// and the periodic trigger. Callbacks must not block; the engine
// enqueues and moves on.
func (a *Allocator) Initialize(offerCb types.OfferCallback, inverseCb types.InverseOfferCallback) {
	a.offerCb = offerCb
	a.inverseCb = inverseCb
	a.wg.Add(2)
	go a.run()
	go a.tick()
	a.logger.Info().
		Dur("interval", a.cfg.AllocationInterval).
		Str("role_sorter", a.cfg.RoleSorter).
		Str("framework_sorter", a.cfg.FrameworkSorter).
		Msg("allocator initialized")
}

// Stop shuts the worker down. Pending operations resolve with
// ErrStopped.
func (a *Allocator) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.stopCh)
		a.wg.Wait()
		if a.cfg.Events == nil {
			a.broker.Stop()
		}
	})
}

// Events returns the allocator's event broker.
func (a *Allocator) Events() *events.Broker {
	return a.broker
}

// weight returns the fairness multiplier for a role.
func (a *Allocator) weight(role types.RoleName) float64 {
	if w, ok := a.cfg.RoleWeights[role]; ok && w > 0 {
		return w
	}
	return a.cfg.DefaultWeight
}

// ensureRole makes the role visible to the sorters: a node in the
// role sorter and a private framework sorter of its own.
func (a *Allocator) ensureRole(role types.RoleName) {
	name := string(role)
	if !a.roleSorter.Contains(name) {
		if err := a.roleSorter.Add(name, a.weight(role)); err == nil {
			metrics.RolesTotal.Set(float64(a.roleSorter.Count()))
		}
	}
	if _, ok := a.frameworkSorters[role]; !ok {
		s, err := sorter.New(a.cfg.FrameworkSorter, sorter.Options{ExcludedNames: a.cfg.ExcludedNames})
		if err != nil {
			// The strategy was validated at New; registry entries do
			// not disappear.
			panic(err)
		}
		s.UpdateTotal(a.tracker.TotalQuantities())
		a.frameworkSorters[role] = s
	}
}

// dropDeadRoles removes sorter state for roles nothing references
// anymore.
func (a *Allocator) dropDeadRoles() {
	for role := range a.frameworkSorters {
		if a.tracker.HasRole(role) {
			continue
		}
		if _, ok := a.ledger.Get(role); ok {
			continue
		}
		delete(a.frameworkSorters, role)
		if a.roleSorter.Contains(string(role)) {
			_ = a.roleSorter.Remove(string(role))
		}
	}
	metrics.RolesTotal.Set(float64(a.roleSorter.Count()))
}

// roleAllocation returns the role's current allocation (used plus
// offered) as quantities.
func (a *Allocator) roleAllocation(role types.RoleName) resources.Quantities {
	return a.roleSorter.Allocation(string(role)).Quantities()
}

func (a *Allocator) refreshTotals() {
	total := a.tracker.TotalQuantities()
	a.roleSorter.UpdateTotal(total)
	for _, s := range a.frameworkSorters {
		s.UpdateTotal(total)
	}
	for name, qty := range total {
		metrics.ClusterCapacity.WithLabelValues(name).Set(qty.Float64())
	}
}
