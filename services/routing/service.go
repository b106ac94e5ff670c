package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/internal/observability"
	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/breaker"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

// Config holds configuration for the routing service
type Config struct {
	// DefaultProvider answers conversational queries.
	DefaultProvider string

	// ResearchProvider answers deep research queries.
	ResearchProvider string

	// EnableFallback allows one attempt against the alternate provider
	// when the selected one fails.
	EnableFallback bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		DefaultProvider:  providers.ProviderClaude,
		ResearchProvider: providers.ProviderPerplexity,
		EnableFallback:   true,
	}
}

// RouteRequest is the routing input for a single query.
type RouteRequest struct {
	Query         string
	ForceProvider string
	Tier          string
	Model         string
	SystemPrompt  string
	MaxTokens     int
	Temperature   *float64

	// DeepResearch forces asynchronous research handling regardless of
	// what classification decides.
	DeepResearch bool
}

// RouteResult reports which provider answered and how.
type RouteResult struct {
	Provider       string
	Classification Classification
	FallbackUsed   bool
	Result         *providers.InvokeResult
}

// Service routes queries to providers through their circuit breakers.
//
// Selection order: an explicit ForceProvider wins, deep research picks
// the research provider, everything else goes to the conversational
// default. A failed call gets exactly one fallback to the alternate
// provider, except when the caller pinned the provider.
type Service struct {
	config    Config
	registry  *providers.Registry
	breakers  *breaker.Set
	telemetry *providers.Telemetry
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewService creates a new routing service
func NewService(config Config, registry *providers.Registry, breakers *breaker.Set, telemetry *providers.Telemetry, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if config.DefaultProvider == "" {
		config.DefaultProvider = providers.ProviderClaude
	}
	if config.ResearchProvider == "" {
		config.ResearchProvider = providers.ProviderPerplexity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:    config,
		registry:  registry,
		breakers:  breakers,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    logger,
	}
}

// Route classifies the query, selects a provider and invokes it through
// the provider's circuit breaker.
func (s *Service) Route(ctx context.Context, req *RouteRequest) (*RouteResult, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, services.ErrEmptyQuery
	}

	startTime := time.Now()

	classification := Classify(req.Query)
	if req.DeepResearch {
		classification.RequiresDeepResearch = true
	}

	primary, err := s.selectProvider(req, classification)
	if err != nil {
		return nil, err
	}

	queryReq := s.buildQueryRequest(req, classification)

	result, primaryErr := s.invoke(ctx, primary, queryReq)
	if primaryErr == nil {
		s.metrics.ObserveRoute(primary.Name(), classification.Category, false, time.Since(startTime), nil)
		return &RouteResult{
			Provider:       primary.Name(),
			Classification: classification,
			Result:         result,
		}, nil
	}

	// A pinned provider is honored even in failure, and a caller that
	// already gave up gets no second leg.
	if req.ForceProvider != "" || !s.config.EnableFallback || ctx.Err() != nil {
		s.metrics.ObserveRoute(primary.Name(), classification.Category, false, time.Since(startTime), primaryErr)
		return nil, primaryErr
	}

	fallbackClient, ok := s.registry.Alternate(primary.Name())
	if !ok {
		routingErr := services.NewRoutingFailedError(primary.Name(), primaryErr, "", nil)
		s.metrics.ObserveRoute(primary.Name(), classification.Category, false, time.Since(startTime), routingErr)
		return nil, routingErr
	}

	s.logger.Warn("primary provider failed, attempting fallback",
		zap.String("primary", primary.Name()),
		zap.String("fallback", fallbackClient.Name()),
		zap.Error(primaryErr))

	result, fallbackErr := s.invoke(ctx, fallbackClient, queryReq)
	if fallbackErr == nil {
		s.metrics.ObserveRoute(fallbackClient.Name(), classification.Category, true, time.Since(startTime), nil)
		return &RouteResult{
			Provider:       fallbackClient.Name(),
			Classification: classification,
			FallbackUsed:   true,
			Result:         result,
		}, nil
	}

	routingErr := services.NewRoutingFailedError(primary.Name(), primaryErr, fallbackClient.Name(), fallbackErr)
	s.metrics.ObserveRoute(fallbackClient.Name(), classification.Category, true, time.Since(startTime), routingErr)

	s.logger.Error("all providers failed",
		zap.String("primary", primary.Name()),
		zap.String("fallback", fallbackClient.Name()),
		zap.Error(routingErr))

	return nil, routingErr
}

// Providers returns the registry backing this router.
func (s *Service) Providers() *providers.Registry {
	return s.registry
}

// selectProvider picks the primary provider for a classified query.
func (s *Service) selectProvider(req *RouteRequest, classification Classification) (providers.Client, error) {
	name := s.config.DefaultProvider

	switch {
	case req.ForceProvider != "":
		name = req.ForceProvider
	case classification.RequiresDeepResearch:
		name = s.config.ResearchProvider
	}

	client, err := s.registry.Get(name)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("unknown provider %q", name), err).
			WithDetail("provider", name)
	}
	return client, nil
}

// invoke runs one provider call through the provider's breaker and
// records latency telemetry on success.
func (s *Service) invoke(ctx context.Context, client providers.Client, req *providers.QueryRequest) (*providers.InvokeResult, error) {
	var result *providers.InvokeResult
	call := func(ctx context.Context) error {
		var callErr error
		result, callErr = client.Invoke(ctx, req)
		return callErr
	}

	startTime := time.Now()

	br, ok := s.breakers.Get(client.Name())
	if !ok {
		// No breaker wired for this provider; call straight through.
		if err := call(ctx); err != nil {
			return nil, err
		}
		s.telemetry.Record(client.Name(), time.Since(startTime))
		return result, nil
	}

	if err := br.Execute(ctx, call); err != nil {
		return nil, err
	}

	s.telemetry.Record(client.Name(), time.Since(startTime))
	return result, nil
}

func (s *Service) buildQueryRequest(req *RouteRequest, classification Classification) *providers.QueryRequest {
	return &providers.QueryRequest{
		Query:        req.Query,
		Tier:         req.Tier,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		DeepResearch: req.DeepResearch || classification.RequiresDeepResearch,
	}
}
