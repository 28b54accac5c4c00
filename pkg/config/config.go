package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/furrowhq/furrow/pkg/allocator"
	"github.com/furrowhq/furrow/pkg/quota"
	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/sorter"
	"github.com/furrowhq/furrow/pkg/types"
)

// Config is the top-level furrow configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Cluster   ClusterConfig   `yaml:"cluster"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AllocatorConfig maps onto allocator.Config. Quantity-valued fields
// use the textual resource syntax, e.g. "cpus:0.01".
type AllocatorConfig struct {
	Interval time.Duration `yaml:"interval"`

	// MinAllocatable lists alternative floors; an offer clears the
	// threshold when it meets any one of them.
	MinAllocatable []string `yaml:"min_allocatable"`

	DefaultWeight   float64            `yaml:"default_weight"`
	RoleWeights     map[string]float64 `yaml:"role_weights"`
	ExcludedNames   []string           `yaml:"excluded_names"`
	RoleSorter      string             `yaml:"role_sorter"`
	FrameworkSorter string             `yaml:"framework_sorter"`
	QueueDepth      int                `yaml:"queue_depth"`
}

// ClusterConfig seeds initial cluster state, typically replayed from
// the owning system's registry at startup.
type ClusterConfig struct {
	Agents       []AgentConfig       `yaml:"agents"`
	Frameworks   []FrameworkConfig   `yaml:"frameworks"`
	Quotas       []QuotaConfig       `yaml:"quotas"`
	Reservations []ReservationConfig `yaml:"reservations"`
}

// AgentConfig declares one agent and its capacity.
type AgentConfig struct {
	ID        string `yaml:"id"`
	Hostname  string `yaml:"hostname"`
	Resources string `yaml:"resources"`
}

// FrameworkConfig declares one framework and its roles.
type FrameworkConfig struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// QuotaConfig declares a role's guarantee and optional limit.
type QuotaConfig struct {
	Role      string `yaml:"role"`
	Guarantee string `yaml:"guarantee"`
	Limit     string `yaml:"limit"`
}

// ReservationConfig pins capacity on an agent to a role.
type ReservationConfig struct {
	Agent     string `yaml:"agent"`
	Role      string `yaml:"role"`
	Resources string `yaml:"resources"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that can be checked without a running
// allocator: resource syntax, sorter names, weight signs.
func (c *Config) Validate() error {
	for _, floor := range c.Allocator.MinAllocatable {
		if _, err := resources.ParseQuantities(floor); err != nil {
			return fmt.Errorf("min_allocatable %q: %w", floor, err)
		}
	}
	for role, w := range c.Allocator.RoleWeights {
		if w <= 0 {
			return fmt.Errorf("role_weights[%s]: weight must be positive, got %v", role, w)
		}
	}
	for _, name := range []string{c.Allocator.RoleSorter, c.Allocator.FrameworkSorter} {
		if name == "" {
			continue
		}
		if _, err := sorter.New(name, sorter.Options{}); err != nil {
			return err
		}
	}
	for _, a := range c.Cluster.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, err := resources.Parse(a.Resources); err != nil {
			return fmt.Errorf("agent %q resources: %w", a.ID, err)
		}
	}
	for _, fw := range c.Cluster.Frameworks {
		if fw.ID == "" {
			return fmt.Errorf("framework with empty id")
		}
		if len(fw.Roles) == 0 {
			return fmt.Errorf("framework %q subscribes to no roles", fw.ID)
		}
	}
	for _, q := range c.Cluster.Quotas {
		if _, err := resources.ParseQuantities(q.Guarantee); err != nil {
			return fmt.Errorf("quota for %q guarantee: %w", q.Role, err)
		}
		if q.Limit != "" {
			if _, err := resources.ParseQuantities(q.Limit); err != nil {
				return fmt.Errorf("quota for %q limit: %w", q.Role, err)
			}
		}
	}
	for _, r := range c.Cluster.Reservations {
		if _, err := resources.Parse(r.Resources); err != nil {
			return fmt.Errorf("reservation on %q: %w", r.Agent, err)
		}
	}
	return nil
}

// AllocatorConfig converts the file form into the runtime form.
func (c *Config) AllocatorConfig() (allocator.Config, error) {
	out := allocator.Config{
		AllocationInterval: c.Allocator.Interval,
		DefaultWeight:      c.Allocator.DefaultWeight,
		ExcludedNames:      c.Allocator.ExcludedNames,
		RoleSorter:         c.Allocator.RoleSorter,
		FrameworkSorter:    c.Allocator.FrameworkSorter,
		QueueDepth:         c.Allocator.QueueDepth,
	}
	if c.Allocator.MinAllocatable != nil {
		floors := make([]resources.Quantities, 0, len(c.Allocator.MinAllocatable))
		for _, raw := range c.Allocator.MinAllocatable {
			q, err := resources.ParseQuantities(raw)
			if err != nil {
				return allocator.Config{}, err
			}
			floors = append(floors, q)
		}
		out.MinAllocatable = floors
	}
	if len(c.Allocator.RoleWeights) > 0 {
		out.RoleWeights = make(map[types.RoleName]float64, len(c.Allocator.RoleWeights))
		for role, w := range c.Allocator.RoleWeights {
			out.RoleWeights[types.RoleName(role)] = w
		}
	}
	return out, nil
}

// Seed replays the configured cluster state into a running allocator.
// Allocation is paused for the duration so frameworks added early do
// not receive lopsided offers before the rest of the cluster is in.
func (c *Config) Seed(a *allocator.Allocator) error {
	if err := a.Pause().Wait(); err != nil {
		return err
	}
	for _, ac := range c.Cluster.Agents {
		total := resources.MustParse(ac.Resources)
		info := types.AgentInfo{ID: types.AgentID(ac.ID), Hostname: ac.Hostname}
		if err := a.AddAgent(info, total, nil).Wait(); err != nil {
			return fmt.Errorf("seed agent %q: %w", ac.ID, err)
		}
	}
	for _, rc := range c.Cluster.Reservations {
		rs := resources.MustParse(rc.Resources)
		err := a.AddReservation(types.AgentID(rc.Agent), types.RoleName(rc.Role), rs).Wait()
		if err != nil {
			return fmt.Errorf("seed reservation on %q: %w", rc.Agent, err)
		}
	}
	for _, qc := range c.Cluster.Quotas {
		q := quota.Quota{Guarantee: mustQuantities(qc.Guarantee)}
		if qc.Limit != "" {
			q.Limit = mustQuantities(qc.Limit)
		}
		if err := a.SetQuota(types.RoleName(qc.Role), q).Wait(); err != nil {
			return fmt.Errorf("seed quota for %q: %w", qc.Role, err)
		}
	}
	for _, fc := range c.Cluster.Frameworks {
		roles := make([]types.RoleName, 0, len(fc.Roles))
		for _, role := range fc.Roles {
			roles = append(roles, types.RoleName(role))
		}
		info := types.FrameworkInfo{ID: types.FrameworkID(fc.ID), Name: fc.Name, Roles: roles}
		if err := a.AddFramework(info).Wait(); err != nil {
			return fmt.Errorf("seed framework %q: %w", fc.ID, err)
		}
	}
	return a.Resume().Wait()
}

// mustQuantities assumes Validate already ran.
func mustQuantities(raw string) resources.Quantities {
	q, err := resources.ParseQuantities(raw)
	if err != nil {
		panic(err)
	}
	return q
}
