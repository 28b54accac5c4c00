package types

import (
	"time"

	"github.com/furrowhq/furrow/pkg/resources"
)

// AgentID identifies a resource-providing cluster node.
type AgentID string

// FrameworkID identifies a resource consumer.
type FrameworkID string

// RoleName identifies a named grouping of frameworks, the unit of
// quota and reservation.
type RoleName string

// DefaultRole is the role unreserved resources belong to.
const DefaultRole RoleName = resources.DefaultRole

// AgentInfo describes an agent at registration time.
type AgentInfo struct {
	ID           AgentID
	Hostname     string
	Capabilities []string
}

// FrameworkInfo describes a framework at registration time.
type FrameworkInfo struct {
	ID           FrameworkID
	Name         string
	Roles        []RoleName
	Capabilities []string
}

// OfferBundle is the per-framework callback payload: everything
// offered to one framework in one allocation pass, grouped by role
// and agent.
type OfferBundle map[RoleName]map[AgentID]resources.Resources

// OfferCallback delivers one pass's offers for one framework. It is
// invoked at most once per framework per pass and must not block; the
// owning system ships the offers over its own transport.
type OfferCallback func(framework FrameworkID, offers OfferBundle)

// InverseOfferCallback asks a framework to release resources on the
// listed agents, e.g. ahead of an agent drain.
type InverseOfferCallback func(framework FrameworkID, agents []AgentID)

// DefaultFilterDuration is how long declined resources stay excluded
// when the caller does not say otherwise.
const DefaultFilterDuration = 5 * time.Second
