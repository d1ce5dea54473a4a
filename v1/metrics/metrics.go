package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts lock acquisitions by result (acquired, not_acquired, cancelled).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// AcquireAttempts observes how many quorum rounds an acquisition took.
	AcquireAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redlock_acquire_attempts",
		Help:    "Number of quorum rounds per acquisition",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})
	// NodeErrorCounter counts per-node failures that were turned into
	// missing votes.
	NodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_node_errors_total",
		Help: "Total number of node call failures",
	}, []string{"node", "op"})
	// ExtendCounter counts lease extensions by result.
	ExtendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_extend_total",
		Help: "Total number of lease extensions by result",
	}, []string{"result"})
	// ReleaseCounter counts releases by result (released, expired).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_release_total",
		Help: "Total number of lease releases by result",
	}, []string{"result"})
	// CacheLookupCounter counts read-through lookups by result (hit, late_hit, miss).
	CacheLookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_cache_lookups_total",
		Help: "Total number of read-through cache lookups by result",
	}, []string{"result"})
	// LoaderCounter counts origin loader invocations.
	LoaderCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_loader_calls_total",
		Help: "Total number of origin loader invocations",
	})
	// DegradedCounter counts lookups served without stampede protection.
	DegradedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_degraded_total",
		Help: "Total number of lookups that bypassed the distributed lock",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock and read-through collectors on reg.
// Collectors are updated whether or not they are registered.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		AcquireAttempts,
		NodeErrorCounter,
		ExtendCounter,
		ReleaseCounter,
		CacheLookupCounter,
		LoaderCounter,
		DegradedCounter,
	)
}
