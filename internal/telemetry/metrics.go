package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "blacklist",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CollectionRunsTotal counts finished collection runs by service and outcome.
var CollectionRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "blacklist",
		Subsystem: "collection",
		Name:      "runs_total",
		Help:      "Total number of finished collection runs by service and outcome.",
	},
	[]string{"service", "outcome"},
)

// CollectionDuration tracks how long a collection run takes end to end.
var CollectionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "blacklist",
		Subsystem: "collection",
		Name:      "duration_seconds",
		Help:      "Collection run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"service"},
)

// CollectionItemsTotal counts inserted/updated/failed rows across all runs.
var CollectionItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "blacklist",
		Subsystem: "collection",
		Name:      "items_total",
		Help:      "Total number of blacklist rows processed by outcome.",
	},
	[]string{"service", "outcome"},
)

// QueueDepth reports the current depth of the shared collection queue,
// labelled by the service that reported it.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "blacklist",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of jobs currently in the shared collection queue.",
	},
	[]string{"service"},
)

// CacheOpsTotal counts cache hits/misses/errors by operation.
var CacheOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "blacklist",
		Subsystem: "cache",
		Name:      "ops_total",
		Help:      "Total cache operations by result.",
	},
	[]string{"op", "result"},
)

// FirewallFeedRequestsTotal counts firewall feed pulls by format.
var FirewallFeedRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "blacklist",
		Subsystem: "firewall",
		Name:      "feed_requests_total",
		Help:      "Total firewall feed requests by format.",
	},
	[]string{"format"},
)

// All returns all service-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CollectionRunsTotal,
		CollectionDuration,
		CollectionItemsTotal,
		QueueDepth,
		CacheOpsTotal,
		FirewallFeedRequestsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
