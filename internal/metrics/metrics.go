// Package metrics exports Prometheus collectors for the limiter, the
// resolvers, the marketplace client, the circuit breaker and batch runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

const namespace = "catalog"

// Metrics holds all collectors, registered on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	LimiterWait     prometheus.Histogram
	LimiterRejected prometheus.Counter

	Resolutions *prometheus.CounterVec

	MarketplaceCalls    *prometheus.CounterVec
	MarketplaceDuration *prometheus.HistogramVec
	CircuitState        prometheus.Gauge

	BatchRuns      *prometheus.CounterVec
	BatchItems     *prometheus.CounterVec
	BatchLinks     prometheus.Counter
	BatchDuration  prometheus.Histogram
	BatchLastRunTS prometheus.Gauge
}

// New creates the collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		LimiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limiter token.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LimiterRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "rejected_total",
			Help:      "Acquires that failed because the context ended first.",
		}),

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "resolutions_total",
			Help:      "Resolve attempts by resolver, method and resulting status.",
		}, []string{"resolver", "method", "status", "deferred"}),

		MarketplaceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "calls_total",
			Help:      "Marketplace HTTP calls by operation and status code.",
		}, []string{"op", "code"}),
		MarketplaceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "call_duration_seconds",
			Help:      "Marketplace HTTP call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),

		BatchRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Finished batch runs by outcome.",
		}, []string{"outcome"}),
		BatchItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Batch items by result.",
		}, []string{"result"}),
		BatchLinks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "links_discovered_total",
			Help:      "Links written by batch runs.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "run_duration_seconds",
			Help:      "Batch run wall time.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		BatchLastRunTS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "last_run_timestamp_seconds",
			Help:      "Finish time of the last batch run.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveWait implements ratelimit.Observer.
func (m *Metrics) ObserveWait(d time.Duration) {
	m.LimiterWait.Observe(d.Seconds())
}

// ObserveRejected implements ratelimit.Observer.
func (m *Metrics) ObserveRejected() {
	m.LimiterRejected.Inc()
}

// ObserveCall implements marketplace.CallObserver. Code 0 means no response.
func (m *Metrics) ObserveCall(op string, code int, d time.Duration) {
	m.MarketplaceCalls.WithLabelValues(op, strconv.Itoa(code)).Inc()
	m.MarketplaceDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCircuit matches the resilience breaker state-change callback.
func (m *Metrics) ObserveCircuit(_, to resilience.CircuitState) {
	m.CircuitState.Set(float64(to))
}

// ObserveRun implements batch.Observer.
func (m *Metrics) ObserveRun(s *model.RunSummary) {
	if s == nil {
		return
	}
	outcome := "completed"
	if s.Cancelled {
		outcome = "cancelled"
	}
	m.BatchRuns.WithLabelValues(outcome).Inc()
	m.BatchItems.WithLabelValues("found").Add(float64(s.Found))
	m.BatchItems.WithLabelValues("no_match").Add(float64(s.NoMatch))
	m.BatchItems.WithLabelValues("deferred").Add(float64(s.Deferred))
	m.BatchItems.WithLabelValues("failed").Add(float64(s.Failed))
	m.BatchLinks.Add(float64(s.LinksDiscovered))
	if !s.FinishedAt.IsZero() {
		m.BatchDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
		m.BatchLastRunTS.Set(float64(s.FinishedAt.Unix()))
	}
}

// Resolver returns a resolve.Observer that labels resolutions with name.
func (m *Metrics) Resolver(name string) ResolverObserver {
	return ResolverObserver{name: name, vec: m.Resolutions}
}

// ResolverObserver implements resolve.Observer for one named resolver.
type ResolverObserver struct {
	name string
	vec  *prometheus.CounterVec
}

// ObserveResolution implements resolve.Observer.
func (o ResolverObserver) ObserveResolution(method model.Method, status model.LookupStatus, deferred bool) {
	o.vec.WithLabelValues(o.name, string(method), string(status), strconv.FormatBool(deferred)).Inc()
}
