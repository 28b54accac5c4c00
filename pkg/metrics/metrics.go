package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	AgentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "furrow_agents_total",
			Help: "Total number of registered agents",
		},
	)

	FrameworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "furrow_frameworks_total",
			Help: "Total number of registered frameworks by role",
		},
		[]string{"role"},
	)

	RolesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "furrow_roles_total",
			Help: "Total number of active roles",
		},
	)

	ClusterCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "furrow_cluster_capacity",
			Help: "Total cluster capacity by resource name",
		},
		[]string{"resource"},
	)

	// Allocation metrics
	AllocationPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "furrow_allocation_passes_total",
			Help: "Total number of allocation passes",
		},
	)

	AllocationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "furrow_allocation_latency_seconds",
			Help:    "Time taken by one allocation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OffersEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "furrow_offers_emitted_total",
			Help: "Total number of offers emitted",
		},
	)

	ResourcesOffered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furrow_resources_offered_total",
			Help: "Total scalar quantity offered by resource name",
		},
		[]string{"resource"},
	)

	OffersFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "furrow_offers_filtered_total",
			Help: "Total number of candidate offers suppressed by decline filters",
		},
	)

	TriggersCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "furrow_triggers_coalesced_total",
			Help: "Total number of allocation triggers absorbed into a pending pass",
		},
	)

	// Quota metrics
	QuotaGuarantee = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "furrow_quota_guarantee",
			Help: "Quota guarantee by role and resource name",
		},
		[]string{"role", "resource"},
	)

	QuotaAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "furrow_quota_allocated",
			Help: "Current allocation of quota'ed roles by resource name",
		},
		[]string{"role", "resource"},
	)

	// Dispatch metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "furrow_dispatch_queue_depth",
			Help: "Number of messages waiting for the allocator worker",
		},
	)

	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furrow_dispatch_messages_total",
			Help: "Total messages processed by the allocator worker, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(FrameworksTotal)
	prometheus.MustRegister(RolesTotal)
	prometheus.MustRegister(ClusterCapacity)
	prometheus.MustRegister(AllocationPasses)
	prometheus.MustRegister(AllocationLatency)
	prometheus.MustRegister(OffersEmitted)
	prometheus.MustRegister(ResourcesOffered)
	prometheus.MustRegister(OffersFiltered)
	prometheus.MustRegister(TriggersCoalesced)
	prometheus.MustRegister(QuotaGuarantee)
	prometheus.MustRegister(QuotaAllocated)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesProcessed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
