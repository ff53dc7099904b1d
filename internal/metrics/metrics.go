// Package metrics holds the engine's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repackit"

type Metrics struct {
	reg *prometheus.Registry

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	observations    *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	lastSuccess     *prometheus.GaugeVec
	bonuses         *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pricing", Name: "provider_calls_total",
			Help: "Provider chunk calls by result.",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pricing", Name: "provider_call_seconds",
			Help:    "Latency of a single provider call attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pricing", Name: "observations_total",
			Help: "Lookup keys resolved per cycle, by whether a price was found.",
		}, []string{"found"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision", Name: "evaluations_total",
			Help: "Item evaluations by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "deliveries_total",
			Help: "Notification deliveries by outcome.",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_runs_total",
			Help: "Scheduled job runs by result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_duration_seconds",
			Help:    "Duration of scheduled job runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		bonuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capacity", Name: "referral_bonus_total",
			Help: "Referral trigger outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.providerCalls, m.providerLatency, m.observations, m.decisions,
		m.deliveries, m.jobRuns, m.jobDuration, m.lastSuccess, m.bonuses,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ProviderCall(provider, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, result).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) Observations(found, missing int) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues("true").Add(float64(found))
	m.observations.WithLabelValues("false").Add(float64(missing))
}

func (m *Metrics) Decision(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.decisions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobRun(job string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
	if err == nil {
		m.lastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
}

func (m *Metrics) Bonus(outcome string) {
	if m == nil {
		return
	}
	m.bonuses.WithLabelValues(outcome).Inc()
}
