package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	require.NotNil(t, metrics)
	assert.NotNil(t, metrics.queriesTotal, "queriesTotal counter should be initialized")
	assert.NotNil(t, metrics.queryDuration, "queryDuration histogram should be initialized")
	assert.NotNil(t, metrics.fallbacks, "fallbacks counter should be initialized")
	assert.NotNil(t, metrics.breakerState, "breakerState gauge should be initialized")
	assert.NotNil(t, metrics.breakerTransitions, "breakerTransitions counter should be initialized")
	assert.NotNil(t, metrics.jobsActive, "jobsActive gauge should be initialized")
	assert.NotNil(t, metrics.jobsTotal, "jobsTotal counter should be initialized")
	assert.NotNil(t, metrics.pollAttempts, "pollAttempts counter should be initialized")
	assert.NotNil(t, metrics.tieredResponses, "tieredResponses counter should be initialized")
	assert.NotNil(t, metrics.broadcastMessages, "broadcastMessages counter should be initialized")
	assert.NotNil(t, metrics.broadcastDropped, "broadcastDropped counter should be initialized")
	assert.NotNil(t, metrics.subscribers, "subscribers gauge should be initialized")
}

func TestObserveRoute(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveRoute("claude", "general", false, 120*time.Millisecond, nil)
	metrics.ObserveRoute("claude", "general", false, 80*time.Millisecond, nil)
	metrics.ObserveRoute("perplexity", "research", true, 300*time.Millisecond, errors.New("boom"))

	success := metrics.queriesTotal.WithLabelValues("claude", "general", "success")
	assert.Equal(t, float64(2), testutil.ToFloat64(success))

	failed := metrics.queriesTotal.WithLabelValues("perplexity", "research", "error")
	assert.Equal(t, float64(1), testutil.ToFloat64(failed))

	fallbacks := metrics.fallbacks.WithLabelValues("perplexity")
	assert.Equal(t, float64(1), testutil.ToFloat64(fallbacks))
}

func TestObserveBreakerTransition(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveBreakerTransition("claude", "open", 1)
	metrics.ObserveBreakerTransition("claude", "half_open", 2)
	metrics.ObserveBreakerTransition("claude", "closed", 0)

	transitions := metrics.breakerTransitions.WithLabelValues("claude", "open")
	assert.Equal(t, float64(1), testutil.ToFloat64(transitions))

	state := metrics.breakerState.WithLabelValues("claude")
	assert.Equal(t, float64(0), testutil.ToFloat64(state))
}

func TestJobMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveJobCreated()
	metrics.ObserveJobCreated()
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.jobsActive))

	metrics.ObserveJobTerminal("completed")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.jobsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.jobsTotal.WithLabelValues("completed")))

	metrics.ObservePollAttempt("perplexity", nil)
	metrics.ObservePollAttempt("perplexity", errors.New("transient"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.pollAttempts.WithLabelValues("perplexity", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.pollAttempts.WithLabelValues("perplexity", "error")))
}

func TestBroadcastMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveBroadcast("api-status")
	metrics.ObserveBroadcast("api-status")
	metrics.ObserveBroadcastDropped()
	metrics.SetSubscribers(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.broadcastMessages.WithLabelValues("api-status")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.broadcastDropped))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.subscribers))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var metrics *Metrics

	assert.NotPanics(t, func() {
		metrics.ObserveRoute("claude", "general", true, time.Second, nil)
		metrics.ObserveBreakerTransition("claude", "open", 1)
		metrics.ObserveJobCreated()
		metrics.ObserveJobTerminal("failed")
		metrics.ObservePollAttempt("perplexity", nil)
		metrics.ObserveTiered("enhanced", false, nil)
		metrics.ObserveBroadcast("job-status")
		metrics.ObserveBroadcastDropped()
		metrics.SetSubscribers(1)
	})
}
