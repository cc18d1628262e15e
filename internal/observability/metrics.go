// Package observability holds fnbox logging setup, Prometheus metrics and
// the gin middlewares that feed them.
package observability

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolSource reports worker pool occupancy.
type PoolSource func() (active, waiting int)

var (
	registerOnce sync.Once
	poolSource   atomic.Value // PoolSource

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fnbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnbox",
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Function invocations by terminal status.",
		},
		[]string{"function", "status"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fnbox",
			Subsystem: "dispatch",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of function invocations in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"function", "status"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnbox",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Function registration attempts by outcome.",
		},
		[]string{"outcome"},
	)
	workspacesSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fnbox",
			Subsystem: "dispatch",
			Name:      "workspaces_swept_total",
			Help:      "Retained workspaces removed by the retention sweep.",
		},
	)
	poolActive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fnbox",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Invocations currently holding a worker.",
		},
		func() float64 { a, _ := readPool(); return float64(a) },
	)
	poolWaiting = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fnbox",
			Subsystem: "pool",
			Name:      "waiting",
			Help:      "Invocations queued for a worker.",
		},
		func() float64 { _, w := readPool(); return float64(w) },
	)
)

// RegisterMetrics registers all collectors with the default registry. It is
// safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			invocations, invocationDuration,
			registrations, workspacesSwept,
			poolActive, poolWaiting,
		)
	})
}

// SetPoolSource installs the function backing the pool gauges.
func SetPoolSource(src PoolSource) {
	poolSource.Store(src)
}

func readPool() (int, int) {
	src, _ := poolSource.Load().(PoolSource)
	if src == nil {
		return 0, 0
	}
	return src()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordInvocation(functionID, status string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(functionID, status).Inc()
	invocationDuration.WithLabelValues(functionID, status).Observe(duration.Seconds())
}

func RecordRegistration(outcome string) {
	RegisterMetrics()
	registrations.WithLabelValues(outcome).Inc()
}

func RecordSwept(n int) {
	RegisterMetrics()
	workspacesSwept.Add(float64(n))
}
