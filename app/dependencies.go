package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/config"
	"github.com/howardjong/AgentPrice-sub011/internal/observability"
	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/breaker"
	"github.com/howardjong/AgentPrice-sub011/services/broadcast"
	"github.com/howardjong/AgentPrice-sub011/services/jobs"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
	"github.com/howardjong/AgentPrice-sub011/services/providers/claude"
	"github.com/howardjong/AgentPrice-sub011/services/providers/perplexity"
	"github.com/howardjong/AgentPrice-sub011/services/routing"
	"github.com/howardjong/AgentPrice-sub011/services/tiered"
)

// Rate limiter bucket hygiene. Idle clients are forgotten after ten
// minutes so the per-client map cannot grow without bound.
const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateLimiterMaxIdle       = 10 * time.Minute
)

// Dependencies holds all application dependencies following the GrantPulse pattern.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	PromRegistry *prometheus.Registry

	// Provider plumbing
	Telemetry *providers.Telemetry
	Providers *providers.Registry
	Breakers  *breaker.Set

	// Domain services
	Router      *routing.Service
	Tiered      *tiered.Service
	Jobs        *jobs.Service
	Broadcaster *broadcast.Service

	// HTTP middleware state
	RateLimiter *middleware.RateLimiter

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	janitorStop   chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
// This follows the GrantPulse pattern of centralized dependency
// injection. Background work (status monitor, sweepers) does not run
// until Start is called.
func NewDependencies(cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()
	deps.initTelemetry()

	if err := deps.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initBreakers(cfg)
	deps.initBroadcaster(cfg)
	deps.initRouting(cfg)
	deps.initTiered(cfg)
	deps.initJobs(cfg)

	deps.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initMetrics sets up a process-local Prometheus registry so repeated
// container construction (tests, embedding) never collides on metric
// names.
func (d *Dependencies) initMetrics() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.PromRegistry = registry
	d.Metrics = observability.NewMetrics(registry)
}

func (d *Dependencies) initTelemetry() {
	d.Telemetry = providers.NewTelemetry()
}

// initProviders registers an adapter for every provider with an API
// key. Running with none is allowed; the gateway reports not-ready and
// every route fails until a key appears.
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	if cfg.Claude.APIKey != "" {
		if err := registry.Register(claude.NewAdapter(providerConfig(cfg.Claude))); err != nil {
			return err
		}
		d.Logger.Info("registered provider", zap.String("provider", providers.ProviderClaude))
	}

	if cfg.Perplexity.APIKey != "" {
		if err := registry.Register(perplexity.NewAdapter(providerConfig(cfg.Perplexity))); err != nil {
			return err
		}
		d.Logger.Info("registered provider", zap.String("provider", providers.ProviderPerplexity))
	}

	if registry.Count() == 0 {
		d.Logger.Warn("no AI providers configured")
	}

	d.Providers = registry
	return nil
}

// initBreakers gives every registered provider its own breaker. The
// transition hook feeds metrics and the status broadcaster; the
// broadcaster is nil-checked because breakers outlive wiring order.
func (d *Dependencies) initBreakers(cfg *config.Config) {
	set := breaker.NewSet()

	for _, name := range d.Providers.Names() {
		pc := cfg.Claude
		if name == providers.ProviderPerplexity {
			pc = cfg.Perplexity
		}
		set.Add(breaker.New(name, breaker.Options{
			FailureThreshold: pc.BreakerThreshold,
			Cooldown:         pc.BreakerCooldown,
			OnStateChange:    d.onBreakerChange,
		}, d.Logger))
	}

	d.Breakers = set
}

// onBreakerChange fans a breaker transition out to metrics and the
// status broadcaster. The breaker itself already logs the transition.
func (d *Dependencies) onBreakerChange(change breaker.StateChange) {
	d.Metrics.ObserveBreakerTransition(change.Provider, change.To.String(), float64(change.To))
	if d.Broadcaster != nil {
		d.Broadcaster.PublishTransition(change)
	}
}

func (d *Dependencies) initBroadcaster(cfg *config.Config) {
	d.Broadcaster = broadcast.NewService(broadcast.Config{
		BufferSize:      cfg.Broadcast.BufferSize,
		MonitorInterval: cfg.Broadcast.MonitorInterval,
		PingTimeout:     cfg.Broadcast.PingTimeout,
	}, d.Breakers, d.Providers, d.Telemetry, d.Metrics, d.Logger)
}

func (d *Dependencies) initRouting(cfg *config.Config) {
	d.Router = routing.NewService(routing.Config{
		DefaultProvider:  cfg.Routing.DefaultProvider,
		ResearchProvider: cfg.Routing.ResearchProvider,
		EnableFallback:   cfg.Routing.EnableFallback,
	}, d.Providers, d.Breakers, d.Telemetry, d.Metrics, d.Logger)
}

// initTiered binds the tiered response service to the router. Each leg
// copies the request so tier overrides never leak between attempts.
func (d *Dependencies) initTiered(cfg *config.Config) {
	executor := func(ctx context.Context, tier string, req *routing.RouteRequest) (*providers.QueryResponse, error) {
		legReq := *req
		legReq.Tier = tier

		result, err := d.Router.Route(ctx, &legReq)
		if err != nil {
			return nil, err
		}
		if result.Result == nil || result.Result.Response == nil {
			return nil, services.WrapExternal(
				fmt.Sprintf("provider %q deferred a synchronous query to polling", result.Provider), nil)
		}
		return result.Result.Response, nil
	}

	d.Tiered = tiered.NewService(tiered.Config{
		EnhancedTimeout: cfg.Tiers.EnhancedTimeout,
		BasicTimeout:    cfg.Tiers.BasicTimeout,
		FallbackTimeout: cfg.Tiers.FallbackTimeout,
	}, executor, d.Metrics, d.Logger)
}

func (d *Dependencies) initJobs(cfg *config.Config) {
	d.Jobs = jobs.NewService(jobs.Config{
		BaseInterval:    cfg.Polling.BaseInterval,
		Multiplier:      cfg.Polling.Multiplier,
		MaxInterval:     cfg.Polling.MaxInterval,
		MaxAttempts:     cfg.Polling.MaxAttempts,
		Capacity:        cfg.Jobs.Capacity,
		TTL:             cfg.Jobs.TTL,
		JanitorInterval: cfg.Jobs.JanitorInterval,
	}, d.Router, d.Providers, d.Broadcaster, d.Metrics, d.Logger)
}

// Start launches the background workers: the provider status monitor
// and the rate limiter janitor. It must be called at most once.
func (d *Dependencies) Start(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	d.monitorCancel = cancel
	d.monitorDone = make(chan struct{})

	go func() {
		defer close(d.monitorDone)
		if err := d.Broadcaster.Run(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.Logger.Error("status monitor stopped", zap.Error(err))
		}
	}()

	d.janitorStop = make(chan struct{})
	go d.RateLimiter.StartJanitor(rateLimiterSweepInterval, rateLimiterMaxIdle, d.janitorStop)

	d.Logger.Info("background workers started")
}

// Close gracefully shuts down all dependencies. Jobs go first so their
// final events still reach the broadcaster, then the monitor stops, the
// broadcaster closes its subscriptions, and the logger flushes.
func (d *Dependencies) Close() error {
	d.Logger.Info("shutting down dependencies")

	if d.Jobs != nil {
		d.Jobs.Close()
	}

	if d.monitorCancel != nil {
		d.monitorCancel()
		<-d.monitorDone
	}

	if d.Broadcaster != nil {
		d.Broadcaster.Shutdown()
	}

	if d.janitorStop != nil {
		close(d.janitorStop)
		d.janitorStop = nil
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return nil
}

// providerConfig maps a config file provider section onto the adapter
// configuration. The mapping lives here so the config package stays
// free of provider imports.
func providerConfig(pc config.ProviderConfig) providers.Config {
	return providers.Config{
		APIKey:        pc.APIKey,
		BaseURL:       pc.BaseURL,
		Model:         pc.Model,
		BasicModel:    pc.BasicModel,
		ResearchModel: pc.ResearchModel,
		MaxTokens:     pc.MaxTokens,
		Timeout:       pc.Timeout,
		MaxRetries:    pc.MaxRetries,
	}
}
