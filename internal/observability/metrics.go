package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for counters.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics collects Prometheus metrics for routing, breakers, jobs and
// broadcasting. A nil *Metrics is valid and records nothing, which keeps
// instrumentation out of the way in unit tests.
type Metrics struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	jobsActive   prometheus.Gauge
	jobsTotal    *prometheus.CounterVec
	pollAttempts *prometheus.CounterVec

	tieredResponses *prometheus.CounterVec

	broadcastMessages *prometheus.CounterVec
	broadcastDropped  prometheus.Counter
	subscribers       prometheus.Gauge
}

// NewMetrics creates and registers the metric set. A nil registerer
// falls back to the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_queries_total",
			Help: "Total number of routed queries",
		}, []string{"provider", "category", "outcome"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_query_duration_seconds",
			Help:    "Routed query latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_fallbacks_total",
			Help: "Total number of fallback attempts to the alternate provider",
		}, []string{"provider"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"provider", "to"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Current number of research jobs not yet terminal",
		}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of research jobs by terminal status",
		}, []string{"status"}),
		pollAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_poll_attempts_total",
			Help: "Total number of poll attempts against providers",
		}, []string{"provider", "outcome"}),
		tieredResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tiered_responses_total",
			Help: "Total number of tiered responses by serving tier",
		}, []string{"tier", "fallback", "outcome"}),
		broadcastMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_messages_total",
			Help: "Total number of status messages fanned out to subscribers",
		}, []string{"type"}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Total number of messages dropped on slow subscribers",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Current number of status subscribers",
		}),
	}
}

// ObserveRoute records the outcome of one routed query.
func (m *Metrics) ObserveRoute(provider, category string, fallback bool, d time.Duration, err error) {
	if m == nil {
		return
	}

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}

	m.queriesTotal.WithLabelValues(provider, category, outcome).Inc()
	m.queryDuration.WithLabelValues(provider).Observe(d.Seconds())
	if fallback {
		m.fallbacks.WithLabelValues(provider).Inc()
	}
}

// ObserveBreakerTransition records a circuit breaker state change. The
// state value encodes 0 closed, 1 open, 2 half-open.
func (m *Metrics) ObserveBreakerTransition(provider, to string, state float64) {
	if m == nil {
		return
	}

	m.breakerTransitions.WithLabelValues(provider, to).Inc()
	m.breakerState.WithLabelValues(provider).Set(state)
}

// ObserveJobCreated records a new research job entering the registry.
func (m *Metrics) ObserveJobCreated() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

// ObserveJobTerminal records a research job reaching a terminal status.
func (m *Metrics) ObserveJobTerminal(status string) {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
}

// ObservePollAttempt records one poll call against a provider.
func (m *Metrics) ObservePollAttempt(provider string, err error) {
	if m == nil {
		return
	}

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	m.pollAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveTiered records the outcome of one tiered response.
func (m *Metrics) ObserveTiered(tier string, fallback bool, err error) {
	if m == nil {
		return
	}

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}

	fellBack := "false"
	if fallback {
		fellBack = "true"
	}
	m.tieredResponses.WithLabelValues(tier, fellBack, outcome).Inc()
}

// ObserveBroadcast records one message fanned out to subscribers.
func (m *Metrics) ObserveBroadcast(messageType string) {
	if m == nil {
		return
	}
	m.broadcastMessages.WithLabelValues(messageType).Inc()
}

// ObserveBroadcastDropped records a message dropped on a slow subscriber.
func (m *Metrics) ObserveBroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

// SetSubscribers records the current subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
