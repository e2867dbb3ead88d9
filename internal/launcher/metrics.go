package launcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "testrun_launcher"

// Metrics are the launcher's Prometheus collectors
type Metrics struct {
	dispatches   *prometheus.CounterVec
	correlations *prometheus.CounterVec
	completions  *prometheus.CounterVec
	pollErrors   prometheus.Counter
	tracked      prometheus.Gauge
	pending      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_total",
			Help:      "Workflow dispatches by kind and result",
		}, []string{"kind", "result"}),
		correlations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "correlations_total",
			Help:      "Run discovery outcomes by phase",
		}, []string{"phase", "result"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "run_completions_total",
			Help:      "Completed runs by kind and conclusion",
		}, []string{"kind", "conclusion"}),
		pollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_errors_total",
			Help:      "Failed run status polls",
		}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_polling",
			Help:      "Runs currently being polled",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_pending",
			Help:      "Dispatches still waiting for their run",
		}),
	}
}

func kind(bulk bool) string {
	if bulk {
		return "bulk"
	}
	return "single"
}
