package sorter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/furrowhq/furrow/pkg/resources"
)

// Sorter computes a fair visitation order over a set of named clients
// (roles at the top level, frameworks within a role). Implementations
// are not safe for concurrent use; the allocator worker is the only
// caller.
//
// Order is required to be a strict total order: ascending fairness
// rank, ties broken by registration order, never by map iteration.
type Sorter interface {
	// Add registers a client. Fails with ErrDuplicate if it is
	// already registered.
	Add(client string, weight float64) error

	// Remove unregisters a client and drops its allocation.
	Remove(client string) error

	// Activate makes the client eligible for Order.
	Activate(client string) error

	// Deactivate hides the client from Order while keeping its
	// allocation, e.g. while all its offers are suppressed.
	Deactivate(client string) error

	// Allocated credits resources to the client.
	Allocated(client string, rs resources.Resources) error

	// Unallocated removes resources from the client. Fails when the
	// client does not hold them.
	Unallocated(client string, rs resources.Resources) error

	// Allocation returns the client's current allocation.
	Allocation(client string) resources.Resources

	// UpdateTotal replaces the cluster total the fairness shares are
	// computed against.
	UpdateTotal(total resources.Quantities)

	// Order returns the active clients in allocation order.
	Order() []string

	// Contains reports whether the client is registered.
	Contains(client string) bool

	// Count returns the number of registered clients.
	Count() int
}

// Options configures a sorter instance.
type Options struct {
	// ExcludedNames are resource names left out of fairness shares
	// (e.g. ephemeral or non-compressible dimensions).
	ExcludedNames []string
}

// Constructor builds a sorter instance.
type Constructor func(Options) Sorter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a sorter strategy available under a name. Intended
// to be called from package init.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("sorter %q registered twice", name))
	}
	registry[name] = c
}

// New builds a sorter by registered name.
func New(name string, opts Options) (Sorter, error) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sorter %q (have %v)", name, Names())
	}
	return c(opts), nil
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
