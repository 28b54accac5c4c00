package filter

import (
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/furrowhq/furrow/pkg/resources"
	"github.com/furrowhq/furrow/pkg/types"
)

// entry is one temporary exclusion: do not re-offer these resources
// from this agent to this framework until the expiry. An empty agent,
// role, or resource scope matches everything in that position.
type entry struct {
	agent     types.AgentID
	role      types.RoleName
	resources resources.Resources
	expiry    time.Time
}

func (e *entry) matches(
	agent types.AgentID, role types.RoleName, offer resources.Resources,
) bool {
	if e.agent != "" && e.agent != agent {
		return false
	}
	if e.role != "" && e.role != role {
		return false
	}
	// An unscoped filter suppresses everything; a scoped one only
	// suppresses offers wholly contained in its resources.
	if e.resources.IsEmpty() {
		return true
	}
	return e.resources.Contains(offer)
}

// Registry tracks decline filters per framework. Expired entries are
// swept lazily during matching and eagerly when the engine calls
// ExpireBefore at the start of a pass; a framework's entries go away
// with the framework. Not locked; the allocator worker is the only
// caller.
type Registry struct {
	clk     clock.Clock
	entries map[types.FrameworkID][]*entry
}

// NewRegistry creates an empty registry on the given clock.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clk:     clk,
		entries: make(map[types.FrameworkID][]*entry),
	}
}

// Put installs a filter. A zero duration falls back to the default
// decline window. Agent, role, and rs may each be empty to widen the
// scope.
func (r *Registry) Put(
	framework types.FrameworkID, agent types.AgentID,
	role types.RoleName, rs resources.Resources, duration time.Duration,
) {
	if duration <= 0 {
		duration = types.DefaultFilterDuration
	}
	r.entries[framework] = append(r.entries[framework], &entry{
		agent:     agent,
		role:      role,
		resources: rs,
		expiry:    r.clk.Now().Add(duration),
	})
}

// Filtered reports whether offering rs from the agent to the
// framework under the role is currently excluded.
func (r *Registry) Filtered(
	framework types.FrameworkID, agent types.AgentID,
	role types.RoleName, rs resources.Resources,
) bool {
	now := r.clk.Now()
	for _, e := range r.entries[framework] {
		if !e.expiry.After(now) {
			continue
		}
		if e.matches(agent, role, rs) {
			return true
		}
	}
	return false
}

// ExpireBefore drops every entry whose expiry is at or before now.
func (r *Registry) ExpireBefore(now time.Time) {
	for fw, list := range r.entries {
		kept := list[:0]
		for _, e := range list {
			if e.expiry.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.entries, fw)
		} else {
			r.entries[fw] = kept
		}
	}
}

// RemoveFramework purges all of the framework's filters.
func (r *Registry) RemoveFramework(framework types.FrameworkID) {
	delete(r.entries, framework)
}

// RemoveAgent purges entries scoped to the agent, after the agent is
// gone there is nothing left to filter.
func (r *Registry) RemoveAgent(agent types.AgentID) {
	for fw, list := range r.entries {
		kept := list[:0]
		for _, e := range list {
			if e.agent != agent {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.entries, fw)
		} else {
			r.entries[fw] = kept
		}
	}
}

// Count returns the number of active entries for the framework.
func (r *Registry) Count(framework types.FrameworkID) int {
	return len(r.entries[framework])
}
