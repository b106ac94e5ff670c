package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/howardjong/AgentPrice-sub011/config"
	"github.com/howardjong/AgentPrice-sub011/services/broadcast"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Claude.APIKey = "test-claude-key"
	cfg.Claude.BreakerThreshold = 2
	cfg.Perplexity.APIKey = "test-perplexity-key"
	// Dead local endpoints make health probes fail fast instead of
	// reaching out to the real APIs.
	cfg.Claude.BaseURL = "http://127.0.0.1:1"
	cfg.Perplexity.BaseURL = "http://127.0.0.1:1"
	cfg.Broadcast.MonitorInterval = 50 * time.Millisecond
	cfg.Broadcast.PingTimeout = 50 * time.Millisecond
	return cfg
}

func TestNewDependencies(t *testing.T) {
	t.Run("successful initialization with all components", func(t *testing.T) {
		logger := zaptest.NewLogger(t)

		deps, err := NewDependencies(testConfig(), logger)
		require.NoError(t, err)
		require.NotNil(t, deps)
		defer func() { assert.NoError(t, deps.Close()) }()

		// Infrastructure
		assert.NotNil(t, deps.Config)
		assert.NotNil(t, deps.Logger)
		assert.NotNil(t, deps.Metrics)
		assert.NotNil(t, deps.PromRegistry)

		// Provider plumbing
		assert.NotNil(t, deps.Telemetry)
		require.NotNil(t, deps.Providers)
		assert.Equal(t, 2, deps.Providers.Count())

		require.NotNil(t, deps.Breakers)
		for _, name := range []string{providers.ProviderClaude, providers.ProviderPerplexity} {
			_, ok := deps.Breakers.Get(name)
			assert.True(t, ok, "missing breaker for %s", name)
		}

		// Domain services
		assert.NotNil(t, deps.Router)
		assert.NotNil(t, deps.Tiered)
		assert.NotNil(t, deps.Jobs)
		assert.NotNil(t, deps.Broadcaster)
		assert.NotNil(t, deps.RateLimiter)
	})

	t.Run("no providers without api keys", func(t *testing.T) {
		logger := zaptest.NewLogger(t)
		cfg := config.Default()

		deps, err := NewDependencies(cfg, logger)
		require.NoError(t, err)
		defer func() { _ = deps.Close() }()

		assert.Equal(t, 0, deps.Providers.Count())
	})

	t.Run("containers use independent metric registries", func(t *testing.T) {
		logger := zaptest.NewLogger(t)

		first, err := NewDependencies(testConfig(), logger)
		require.NoError(t, err)
		defer func() { _ = first.Close() }()

		// A second container must not collide on metric names.
		second, err := NewDependencies(testConfig(), logger)
		require.NoError(t, err)
		defer func() { _ = second.Close() }()

		assert.NotSame(t, first.PromRegistry, second.PromRegistry)
	})
}

func TestDependenciesBreakerWiring(t *testing.T) {
	logger := zaptest.NewLogger(t)

	deps, err := NewDependencies(testConfig(), logger)
	require.NoError(t, err)
	defer func() { _ = deps.Close() }()

	sub, err := deps.Broadcaster.Subscribe("watcher", broadcast.TopicStatusChange)
	require.NoError(t, err)

	// Drain the subscription ack.
	ack := <-sub.C
	require.Equal(t, broadcast.TypeSubscribe, ack.Type)

	br, ok := deps.Breakers.Get(providers.ProviderClaude)
	require.True(t, ok)

	// Two consecutive failures trip the configured threshold.
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = br.Execute(context.Background(), func(context.Context) error { return boom })
	}

	select {
	case env := <-sub.C:
		assert.Equal(t, broadcast.TypeStatusChange, env.Type)
		data, ok := env.Data.(broadcast.TransitionData)
		require.True(t, ok)
		assert.Equal(t, providers.ProviderClaude, data.Provider)
		assert.Equal(t, "closed", data.From)
		assert.Equal(t, "open", data.To)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a breaker transition broadcast")
	}
}

func TestDependenciesStartClose(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		logger := zaptest.NewLogger(t)

		deps, err := NewDependencies(testConfig(), logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		deps.Start(ctx)

		// The first monitor sweep runs immediately.
		assert.Eventually(t, func() bool {
			return len(deps.Broadcaster.Statuses()) == 2
		}, 2*time.Second, 20*time.Millisecond)

		require.NoError(t, deps.Close())

		// Second close should not panic.
		assert.NoError(t, deps.Close())
	})
}

func TestProviderConfig(t *testing.T) {
	pc := config.ProviderConfig{
		APIKey:        "key",
		BaseURL:       "https://example.test",
		Model:         "model-a",
		BasicModel:    "model-b",
		ResearchModel: "model-c",
		MaxTokens:     512,
		Timeout:       9 * time.Second,
		MaxRetries:    4,
	}

	got := providerConfig(pc)

	assert.Equal(t, "key", got.APIKey)
	assert.Equal(t, "https://example.test", got.BaseURL)
	assert.Equal(t, "model-a", got.Model)
	assert.Equal(t, "model-b", got.BasicModel)
	assert.Equal(t, "model-c", got.ResearchModel)
	assert.Equal(t, 512, got.MaxTokens)
	assert.Equal(t, 9*time.Second, got.Timeout)
	assert.Equal(t, 4, got.MaxRetries)
}
