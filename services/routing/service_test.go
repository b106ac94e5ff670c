package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/breaker"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

var errProviderDown = errors.New("provider down")

type stubClient struct {
	name     string
	invokeFn func(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error)
	calls    int
	lastReq  *providers.QueryRequest
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) Invoke(ctx context.Context, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	c.calls++
	c.lastReq = req
	if c.invokeFn != nil {
		return c.invokeFn(ctx, req)
	}
	return &providers.InvokeResult{
		Response: &providers.QueryResponse{Provider: c.name, Content: "ok"},
	}, nil
}

func (c *stubClient) Poll(ctx context.Context, ref providers.PollReference) (*providers.PollResult, error) {
	return nil, errors.New("not implemented")
}

func (c *stubClient) Ping(ctx context.Context) error { return nil }

func (c *stubClient) Models() []string { return nil }

func failing(err error) func(context.Context, *providers.QueryRequest) (*providers.InvokeResult, error) {
	return func(context.Context, *providers.QueryRequest) (*providers.InvokeResult, error) {
		return nil, err
	}
}

type routerFixture struct {
	service    *Service
	claude     *stubClient
	perplexity *stubClient
	breakers   *breaker.Set
}

func newRouterFixture(t *testing.T, config Config) *routerFixture {
	t.Helper()

	claude := &stubClient{name: providers.ProviderClaude}
	perplexity := &stubClient{name: providers.ProviderPerplexity}

	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(claude))
	require.NoError(t, registry.Register(perplexity))

	breakers := breaker.NewSet()
	for _, name := range []string{providers.ProviderClaude, providers.ProviderPerplexity} {
		breakers.Add(breaker.New(name, breaker.Options{FailureThreshold: 2, Cooldown: time.Minute}, zap.NewNop()))
	}

	service := NewService(config, registry, breakers, providers.NewTelemetry(), nil, zap.NewNop())

	return &routerFixture{
		service:    service,
		claude:     claude,
		perplexity: perplexity,
		breakers:   breakers,
	}
}

func TestRoute_DefaultsToConversationalProvider(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	result, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story about a dragon"})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderClaude, result.Provider)
	assert.Equal(t, CategoryGeneral, result.Classification.Category)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, 1, f.claude.calls)
	assert.Equal(t, 0, f.perplexity.calls)
}

func TestRoute_DeepResearchSelectsResearchProvider(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	result, err := f.service.Route(context.Background(), &RouteRequest{
		Query: "Run deep research on battery suppliers",
	})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderPerplexity, result.Provider)
	assert.True(t, result.Classification.RequiresDeepResearch)
	assert.Equal(t, 0, f.claude.calls)
	require.Equal(t, 1, f.perplexity.calls)
	assert.True(t, f.perplexity.lastReq.DeepResearch)
}

func TestRoute_ExplicitDeepResearchFlag(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	result, err := f.service.Route(context.Background(), &RouteRequest{
		Query:        "Tell me a story about a dragon",
		DeepResearch: true,
	})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderPerplexity, result.Provider)
	assert.True(t, result.Classification.RequiresDeepResearch)
}

func TestRoute_ForceProvider(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	result, err := f.service.Route(context.Background(), &RouteRequest{
		Query:         "Tell me a story about a dragon",
		ForceProvider: providers.ProviderPerplexity,
	})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderPerplexity, result.Provider)
	assert.Equal(t, 0, f.claude.calls)
	assert.Equal(t, 1, f.perplexity.calls)
}

func TestRoute_ForceProviderUnknown(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	_, err := f.service.Route(context.Background(), &RouteRequest{
		Query:         "hello",
		ForceProvider: "openai",
	})

	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeValidation, services.GetErrorType(err))
	assert.Equal(t, 0, f.claude.calls)
	assert.Equal(t, 0, f.perplexity.calls)
}

func TestRoute_EmptyQuery(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	_, err := f.service.Route(context.Background(), &RouteRequest{Query: "   "})

	assert.ErrorIs(t, err, services.ErrEmptyQuery)
}

func TestRoute_FallbackOnPrimaryFailure(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())
	f.claude.invokeFn = failing(errProviderDown)

	result, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story"})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderPerplexity, result.Provider)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, 1, f.claude.calls)
	assert.Equal(t, 1, f.perplexity.calls)
}

func TestRoute_FallbackOnCircuitOpen(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())
	f.claude.invokeFn = failing(errProviderDown)

	// Two failing routes trip the claude breaker (threshold 2); each one
	// still succeeds through the fallback leg.
	for i := 0; i < 2; i++ {
		_, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story"})
		require.NoError(t, err)
	}

	claudeBreaker, ok := f.breakers.Get(providers.ProviderClaude)
	require.True(t, ok)
	require.Equal(t, breaker.StateOpen, claudeBreaker.State())

	callsBefore := f.claude.calls

	result, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story"})

	require.NoError(t, err)
	assert.Equal(t, providers.ProviderPerplexity, result.Provider)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, callsBefore, f.claude.calls, "open breaker must fail fast without invoking the provider")
}

func TestRoute_BothProvidersFail(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	primaryErr := errors.New("claude exploded")
	fallbackErr := errors.New("perplexity exploded")
	f.claude.invokeFn = failing(primaryErr)
	f.perplexity.invokeFn = failing(fallbackErr)

	_, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story"})

	require.Error(t, err)
	assert.True(t, services.IsRoutingFailedError(err))
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, fallbackErr)

	details := services.GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, providers.ProviderClaude, details["primary_provider"])
	assert.Equal(t, providers.ProviderPerplexity, details["fallback_provider"])
}

func TestRoute_ForcedProviderFailureDoesNotFallBack(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())
	f.claude.invokeFn = failing(errProviderDown)

	_, err := f.service.Route(context.Background(), &RouteRequest{
		Query:         "Tell me a story",
		ForceProvider: providers.ProviderClaude,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errProviderDown)
	assert.False(t, services.IsRoutingFailedError(err))
	assert.Equal(t, 0, f.perplexity.calls)
}

func TestRoute_NoFallbackWhenDisabled(t *testing.T) {
	config := DefaultConfig()
	config.EnableFallback = false

	f := newRouterFixture(t, config)
	f.claude.invokeFn = failing(errProviderDown)

	_, err := f.service.Route(context.Background(), &RouteRequest{Query: "Tell me a story"})

	require.Error(t, err)
	assert.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, 0, f.perplexity.calls)
}

func TestRoute_CancelledContextSkipsFallback(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	f.claude.invokeFn = func(ctx context.Context, _ *providers.QueryRequest) (*providers.InvokeResult, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, err := f.service.Route(ctx, &RouteRequest{Query: "Tell me a story"})

	require.Error(t, err)
	assert.Equal(t, 0, f.perplexity.calls, "no fallback leg once the caller has given up")
}

func TestRoute_TierAndModelCarriedThrough(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	temperature := 0.2
	_, err := f.service.Route(context.Background(), &RouteRequest{
		Query:        "Tell me a story",
		Tier:         providers.TierBasic,
		MaxTokens:    64,
		SystemPrompt: "Be brief",
		Temperature:  &temperature,
	})

	require.NoError(t, err)
	require.NotNil(t, f.claude.lastReq)
	assert.Equal(t, providers.TierBasic, f.claude.lastReq.Tier)
	assert.Equal(t, 64, f.claude.lastReq.MaxTokens)
	assert.Equal(t, "Be brief", f.claude.lastReq.SystemPrompt)
	require.NotNil(t, f.claude.lastReq.Temperature)
	assert.Equal(t, temperature, *f.claude.lastReq.Temperature)
}
