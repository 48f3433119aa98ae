package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "vitest_bridge"
)

var (
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	discoveredProjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "discovered_projects",
		Help:      "Number of projects found by the last discovery pass",
	}, []string{
		"folder",
	})

	discoveryPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "discovery_passes_total",
		Help:      "Count of discovery passes",
	})

	workersStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_started_total",
		Help:      "Count of worker processes launched",
	})

	workerInitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "worker_init_failures_total",
		Help:      "Count of per-project initialization failures reported by workers",
	})

	rpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "rpc_calls_total",
		Help:      "Count of RPC calls sent to workers",
	}, []string{
		"method",
		"result",
	})
)

// RecordError increments the error counter for a labelled condition.
func RecordError(label string) {
	errorsTotal.WithLabelValues(label).Inc()
}

// RecordDiscovery records the outcome of one discovery pass for a folder.
func RecordDiscovery(folder string, projects int) {
	discoveryPassesTotal.Inc()
	discoveredProjects.WithLabelValues(folder).Set(float64(projects))
}

// RecordWorkerStarted counts a launched worker process.
func RecordWorkerStarted() {
	workersStartedTotal.Inc()
}

// RecordWorkerInitFailures counts per-project initialization failures.
func RecordWorkerInitFailures(n int) {
	workerInitFailuresTotal.Add(float64(n))
}

// RecordRPCCall counts one RPC round-trip and its outcome.
func RecordRPCCall(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rpcCallsTotal.WithLabelValues(method, result).Inc()
}
