// Package telemetry exposes the coordinator's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benidevo/vega-companion/internal/errclass"
)

// Metrics holds every coordinator metric on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	failuresTotal *prometheus.CounterVec
	loginsTotal   *prometheus.CounterVec
	jobSavesTotal *prometheus.CounterVec
	dedupHits     prometheus.Counter
	broadcasts    prometheus.Counter
}

// New constructs the metric set. activeConnections is sampled on scrape;
// the connection registry's count method slots in directly.
func New(activeConnections func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vega",
			Subsystem: "companion",
			Name:      "failures_total",
			Help:      "Classified operation failures by category.",
		}, []string{"category"}),
		loginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vega",
			Subsystem: "companion",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		jobSavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vega",
			Subsystem: "companion",
			Name:      "job_saves_total",
			Help:      "Job capture uploads by outcome.",
		}, []string{"outcome"}),
		dedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vega",
			Subsystem: "companion",
			Name:      "dedup_hits_total",
			Help:      "Duplicate requests suppressed by the dedup cache.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vega",
			Subsystem: "companion",
			Name:      "broadcasts_total",
			Help:      "Envelopes broadcast to all connected agents.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vega",
		Subsystem: "companion",
		Name:      "active_connections",
		Help:      "Currently registered agent connections.",
	}, func() float64 { return float64(activeConnections()) })

	return m
}

// ObserveFailure implements errclass.Observer.
func (m *Metrics) ObserveFailure(d errclass.Details) {
	m.failuresTotal.WithLabelValues(string(d.Category)).Inc()
}

// LoginAttempt records a login outcome.
func (m *Metrics) LoginAttempt(ok bool) {
	m.loginsTotal.WithLabelValues(outcome(ok)).Inc()
}

// JobSave records an upload outcome.
func (m *Metrics) JobSave(ok bool) {
	m.jobSavesTotal.WithLabelValues(outcome(ok)).Inc()
}

// DedupHit records one suppressed duplicate request.
func (m *Metrics) DedupHit() {
	m.dedupHits.Inc()
}

// Broadcast records one registry-wide broadcast.
func (m *Metrics) Broadcast() {
	m.broadcasts.Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
