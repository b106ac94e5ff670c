package tiered

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/internal/observability"
	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
	"github.com/howardjong/AgentPrice-sub011/services/routing"
)

// Executor runs a single attempt at the named tier. The application
// container binds it to the routing service; tests substitute their own.
type Executor func(ctx context.Context, tier string, req *routing.RouteRequest) (*providers.QueryResponse, error)

// Config holds the per-tier deadlines for the tiered response strategy.
type Config struct {
	// EnhancedTimeout bounds an enhanced-tier attempt.
	EnhancedTimeout time.Duration

	// BasicTimeout bounds a basic-tier attempt when basic is the
	// preferred tier.
	BasicTimeout time.Duration

	// FallbackTimeout bounds the basic attempt made after the preferred
	// tier failed or timed out. It is shorter than BasicTimeout because
	// the caller has already waited through the first leg.
	FallbackTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		EnhancedTimeout: 20 * time.Second,
		BasicTimeout:    8 * time.Second,
		FallbackTimeout: 5 * time.Second,
	}
}

// Response is the tiered answer handed back to the caller. Tier names
// the tier that actually produced the content, which differs from the
// preferred tier when Fallback is true.
type Response struct {
	Content   string   `json:"content"`
	Tier      string   `json:"tier"`
	Fallback  bool     `json:"fallback"`
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	Citations []string `json:"citations,omitempty"`
	LatencyMs int64    `json:"latency_ms"`
}

// Service degrades responses across tiers. The preferred tier runs
// first under its own deadline; if it fails or the deadline fires, one
// basic-tier attempt runs under the shorter fallback deadline. When the
// preferred tier is already basic there is no second leg.
type Service struct {
	config   Config
	executor Executor
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewService creates a new tiered response service
func NewService(config Config, executor Executor, metrics *observability.Metrics, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if config.EnhancedTimeout <= 0 {
		config.EnhancedTimeout = def.EnhancedTimeout
	}
	if config.BasicTimeout <= 0 {
		config.BasicTimeout = def.BasicTimeout
	}
	if config.FallbackTimeout <= 0 {
		config.FallbackTimeout = def.FallbackTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:   config,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// GetResponse answers the request at the preferred tier, degrading to
// the basic tier when the preferred attempt fails or exceeds its
// deadline. key identifies the request in logs and error details.
func (s *Service) GetResponse(ctx context.Context, key, preferredTier string, req *routing.RouteRequest) (*Response, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, services.ErrEmptyQuery
	}

	tier, err := normalizeTier(preferredTier)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	resp, preferredErr := s.attempt(ctx, tier, req, s.timeoutFor(tier))
	if preferredErr == nil {
		s.metrics.ObserveTiered(tier, false, nil)
		return s.buildResponse(resp, tier, false, startTime), nil
	}

	// The basic tier is its own fallback; one attempt is all it gets.
	if tier == providers.TierBasic {
		tieredErr := services.NewTieredFailedError(key, tier, preferredErr, nil)
		s.metrics.ObserveTiered(tier, false, tieredErr)
		return nil, tieredErr
	}

	// A caller that already gave up gets no second leg.
	if ctx.Err() != nil {
		s.metrics.ObserveTiered(tier, false, preferredErr)
		return nil, preferredErr
	}

	s.logger.Warn("preferred tier failed, degrading to basic",
		zap.String("key", key),
		zap.String("preferred_tier", tier),
		zap.Duration("elapsed", time.Since(startTime)),
		zap.Error(preferredErr))

	resp, fallbackErr := s.attempt(ctx, providers.TierBasic, req, s.config.FallbackTimeout)
	if fallbackErr == nil {
		s.metrics.ObserveTiered(providers.TierBasic, true, nil)
		return s.buildResponse(resp, providers.TierBasic, true, startTime), nil
	}

	tieredErr := services.NewTieredFailedError(key, tier, preferredErr, fallbackErr)
	s.metrics.ObserveTiered(providers.TierBasic, true, tieredErr)

	s.logger.Error("all response tiers failed",
		zap.String("key", key),
		zap.String("preferred_tier", tier),
		zap.Error(tieredErr))

	return nil, tieredErr
}

// attempt runs one executor call in its own goroutine under a deadline.
// An attempt that outlives the deadline is abandoned; the buffered
// channel lets it deliver its late result and exit without leaking.
func (s *Service) attempt(ctx context.Context, tier string, req *routing.RouteRequest, timeout time.Duration) (*providers.QueryResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *providers.QueryResponse
		err  error
	}

	resultCh := make(chan outcome, 1)
	go func() {
		resp, err := s.executor(attemptCtx, tier, req)
		resultCh <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.resp, out.err
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}

func (s *Service) timeoutFor(tier string) time.Duration {
	if tier == providers.TierBasic {
		return s.config.BasicTimeout
	}
	return s.config.EnhancedTimeout
}

func (s *Service) buildResponse(resp *providers.QueryResponse, tier string, fallback bool, startTime time.Time) *Response {
	out := &Response{
		Tier:      tier,
		Fallback:  fallback,
		LatencyMs: time.Since(startTime).Milliseconds(),
	}
	if resp != nil {
		out.Content = resp.Content
		out.Provider = resp.Provider
		out.Model = resp.Model
		out.Citations = resp.Citations
	}
	return out
}

// normalizeTier validates the requested tier, defaulting to enhanced.
func normalizeTier(tier string) (string, error) {
	switch tier {
	case "":
		return providers.TierEnhanced, nil
	case providers.TierEnhanced, providers.TierBasic:
		return tier, nil
	default:
		return "", services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("unknown tier %q", tier), nil).
			WithDetail("tier", tier)
	}
}
