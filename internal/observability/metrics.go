// Package observability groups the Prometheus instruments used by the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveRuntimes    prometheus.Gauge
	RuntimeEvents     *prometheus.CounterVec
	OutputRequests    *prometheus.CounterVec
	Recoveries        *prometheus.CounterVec
	Merges            *prometheus.CounterVec
	MergeDuration     prometheus.Histogram
	RebasesPerformed  prometheus.Counter
	AuthzDenials      *prometheus.CounterVec
	SessionsBound     prometheus.Counter
	DispatchRequests  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRuntimes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_task_runtimes",
			Help:      "Number of tasks with a non-idle runtime view.",
		}),
		RuntimeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_events_total",
			Help:      "Runtime registry transitions by type.",
		}, []string{"event"}),
		OutputRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_requests_total",
			Help:      "Auto-output readiness decisions by mode.",
		}, []string{"mode"}),
		Recoveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_recoveries_total",
			Help:      "Stale execution recovery attempts by result.",
		}, []string{"result"}),
		Merges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by result.",
		}, []string{"result"}),
		MergeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Wall time of a full merge attempt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		RebasesPerformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_rebases_total",
			Help:      "Rebases performed as part of merge attempts.",
		}),
		AuthzDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_denials_total",
			Help:      "Authorization denials by error code.",
		}, []string{"code"}),
		SessionsBound: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_bound_total",
			Help:      "Sessions bound to an explicit capability profile.",
		}),
		DispatchRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Dispatched requests by capability and outcome.",
		}, []string{"capability", "outcome"}),
	}
}

func (m *Metrics) ObserveMergeDuration(d time.Duration) {
	m.MergeDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
