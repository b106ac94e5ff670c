package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/internal/observability"
	"github.com/howardjong/AgentPrice-sub011/models"
	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
	"github.com/howardjong/AgentPrice-sub011/services/routing"
)

// Router submits the initial research request through provider
// selection and circuit breaking. Implemented by *routing.Service.
type Router interface {
	Route(ctx context.Context, req *routing.RouteRequest) (*routing.RouteResult, error)
}

// EventSink receives job snapshots for fan-out to status subscribers.
// Implemented by the status broadcaster.
type EventSink interface {
	PublishJobEvent(job *models.ResearchJob)
}

// Config holds configuration for the job service
type Config struct {
	// BaseInterval is the delay before the first poll and the cadence
	// while the provider reports progress.
	BaseInterval time.Duration

	// Multiplier stretches the interval after each transient poll
	// failure.
	Multiplier float64

	// MaxInterval caps the backoff.
	MaxInterval time.Duration

	// MaxAttempts is the poll budget before a job times out.
	MaxAttempts int

	// Capacity bounds the registry.
	Capacity int

	// TTL is how long terminal jobs stay queryable.
	TTL time.Duration

	// JanitorInterval is the cadence of the expired-job sweep.
	JanitorInterval time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		BaseInterval:    30 * time.Second,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     20,
		Capacity:        500,
		TTL:             30 * time.Minute,
		JanitorInterval: time.Minute,
	}
}

// CreateOptions carries optional overrides for a research job.
type CreateOptions struct {
	ForceProvider string
	Model         string
	SystemPrompt  string
	MaxTokens     int
}

// Service manages the lifecycle of asynchronous research jobs: it
// routes the initial request, then drives provider polling from an
// explicit per-job scheduler goroutine until the job reaches a
// terminal state. Each scheduler is tracked by a cancel func and a
// WaitGroup; Close stops them all and waits.
type Service struct {
	config   Config
	registry *Registry
	router   Router
	clients  *providers.Registry
	events   EventSink
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewService creates a new job service and starts its registry janitor
func NewService(config Config, router Router, clients *providers.Registry, events EventSink, metrics *observability.Metrics, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if config.BaseInterval <= 0 {
		config.BaseInterval = def.BaseInterval
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = def.JanitorInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:   config,
		registry: NewRegistry(config.Capacity, config.TTL),
		router:   router,
		clients:  clients,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.StartJanitor(config.JanitorInterval, s.stopCh)
	}()

	return s
}

// Create submits a deep research query and returns the tracking job.
// A provider that answers synchronously yields a job born completed;
// a poll reference yields a pending job with a scheduler goroutine
// driving it to a terminal state.
func (s *Service) Create(ctx context.Context, query string, opts CreateOptions) (*models.ResearchJob, error) {
	if strings.TrimSpace(query) == "" {
		return nil, services.ErrEmptyQuery
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, services.NewDomainError(services.ErrorTypeInternal, "job service is shut down", nil)
	}

	routeReq := &routing.RouteRequest{
		Query:         query,
		ForceProvider: opts.ForceProvider,
		Model:         opts.Model,
		SystemPrompt:  opts.SystemPrompt,
		MaxTokens:     opts.MaxTokens,
		DeepResearch:  true,
	}

	routeResult, err := s.router.Route(ctx, routeReq)
	if err != nil {
		return nil, err
	}
	if routeResult.Result == nil {
		return nil, services.NewDomainError(services.ErrorTypeInternal,
			"router returned no result for research request", nil)
	}

	job := models.NewResearchJob(query, routeResult.Provider)

	if !routeResult.Result.Async() {
		// The provider answered synchronously; the job is born terminal.
		job.MarkCompleted(routeResult.Result.Response)
		if err := s.registry.Add(job); err != nil {
			return nil, err
		}
		s.metrics.ObserveJobCreated()
		s.metrics.ObserveJobTerminal(string(models.JobStatusCompleted))
		s.logger.Info("research job answered synchronously",
			zap.String("job_id", job.ID),
			zap.String("provider", job.Provider))
		snap := job.Snapshot()
		s.publish(snap)
		return snap, nil
	}

	ref := *routeResult.Result.PollRef
	if err := s.registry.Add(job); err != nil {
		return nil, err
	}
	s.metrics.ObserveJobCreated()
	s.logger.Info("research job submitted",
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.String("poll_ref", ref.ID))

	snap := job.Snapshot()
	s.publish(snap)

	if !s.startScheduler(job.ID, ref) {
		// Shut down between the entry check and here.
		if failed, ok := s.finalize(job.ID, func(j *models.ResearchJob) {
			j.MarkFailed("job service is shut down")
		}); ok {
			return failed, nil
		}
		return s.registry.Get(job.ID)
	}

	return snap, nil
}

// Get returns the current job snapshot. It reads registry state only,
// never blocking on network I/O.
func (s *Service) Get(jobID string) (*models.ResearchJob, error) {
	return s.registry.Get(jobID)
}

// List returns snapshots of all tracked jobs, newest first
func (s *Service) List() []*models.ResearchJob {
	return s.registry.List()
}

// Stats returns registry occupancy counters
func (s *Service) Stats() RegistryStats {
	return s.registry.Stats()
}

// Cancel stops an active job, marking it failed with reason
// "cancelled". Cancelling an already terminal job returns its state
// unchanged; an unknown job returns a not-found error.
func (s *Service) Cancel(jobID string) (*models.ResearchJob, error) {
	snap, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if snap.Terminal() {
		return snap, nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	if failed, won := s.finalize(jobID, func(j *models.ResearchJob) {
		j.MarkFailed("cancelled")
	}); won {
		s.logger.Info("research job cancelled", zap.String("job_id", jobID))
		return failed, nil
	}

	// The scheduler reached a terminal state first.
	return s.registry.Get(jobID)
}

// Close stops the janitor and every scheduler, then waits for them.
// Active jobs are marked failed on the way down; nothing here is
// persisted across restarts.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	close(s.stopCh)
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

// startScheduler registers the cancel func and launches the polling
// goroutine. It refuses to start once the service is closed.
func (s *Service) startScheduler(jobID string, ref providers.PollReference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	// The scheduler outlives the creating request, so its context hangs
	// off the service, not the caller.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[jobID] = cancel
	s.wg.Add(1)
	go s.schedule(ctx, jobID, ref)

	return true
}

// schedule is the per-job polling loop: an explicit timer-select
// between the next poll tick and cancellation. Every poll counts one
// attempt and emits a job-status event; the interval stretches by the
// configured multiplier across consecutive transient failures and
// resets to the base cadence whenever the provider reports progress.
func (s *Service) schedule(ctx context.Context, jobID string, ref providers.PollReference) {
	defer s.wg.Done()
	defer s.clearCancel(jobID)

	client, err := s.clients.Get(ref.Provider)
	if err != nil {
		s.finalize(jobID, func(j *models.ResearchJob) {
			j.MarkFailed(fmt.Sprintf("no client registered for provider %q", ref.Provider))
		})
		return
	}

	interval := s.config.BaseInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalize(jobID, func(j *models.ResearchJob) {
				j.MarkFailed("cancelled")
			})
			return
		case <-timer.C:
		}

		snap, err := s.registry.Update(jobID, func(j *models.ResearchJob) {
			if j.Status == models.JobStatusPending {
				j.MarkPolling(ref)
			}
			j.RecordPollAttempt()
		})
		if err != nil {
			// Evicted mid-flight; nothing left to drive.
			return
		}
		attempts := snap.Attempts

		result, pollErr := client.Poll(ctx, ref)
		s.metrics.ObservePollAttempt(ref.Provider, pollErr)

		switch {
		case pollErr == nil && result != nil && result.Complete:
			if done, ok := s.finalize(jobID, func(j *models.ResearchJob) {
				j.MarkCompleted(result.Response)
			}); ok {
				s.logger.Info("research job completed",
					zap.String("job_id", done.ID),
					zap.String("provider", done.Provider),
					zap.Int("attempts", attempts))
			}
			return

		case pollErr != nil && ctx.Err() != nil:
			// Cancelled while the poll was in flight.
			s.finalize(jobID, func(j *models.ResearchJob) {
				j.MarkFailed("cancelled")
			})
			return

		case pollErr != nil && !providers.IsRetryable(pollErr):
			perr := services.NewPollDefinitiveError(ref.Provider, pollErr.Error(), pollErr)
			s.logger.Warn("research job failed",
				zap.String("job_id", jobID),
				zap.Int("attempts", attempts),
				zap.Error(perr))
			s.finalize(jobID, func(j *models.ResearchJob) {
				j.MarkFailed(pollErr.Error())
			})
			return

		case pollErr != nil:
			perr := services.NewPollTransientError(ref.Provider, pollErr)
			s.logger.Debug("poll attempt failed, backing off",
				zap.String("job_id", jobID),
				zap.Int("attempts", attempts),
				zap.Duration("interval", interval),
				zap.Error(perr))
			interval = s.nextInterval(interval)

		default:
			// Still in progress: next poll comes at the base cadence.
			interval = s.config.BaseInterval
		}

		if attempts >= s.config.MaxAttempts {
			if timedOut, ok := s.finalize(jobID, func(j *models.ResearchJob) {
				j.MarkTimedOut()
			}); ok {
				s.logger.Warn("research job timed out",
					zap.String("job_id", timedOut.ID),
					zap.Int("attempts", attempts))
			}
			return
		}

		// Non-terminal outcome: the attempt count alone makes this
		// event distinct from the previous one.
		s.publish(snap)

		timer.Reset(interval)
	}
}

// finalize applies a terminal transition under the registry lock.
// Terminal jobs are immutable, so when several goroutines race only
// one wins; the metric and event fire exactly once, for the winner.
func (s *Service) finalize(jobID string, apply func(*models.ResearchJob)) (*models.ResearchJob, bool) {
	applied := false
	snap, err := s.registry.Update(jobID, func(j *models.ResearchJob) {
		if j.Terminal() {
			return
		}
		apply(j)
		applied = true
	})
	if err != nil || !applied {
		return nil, false
	}

	s.metrics.ObserveJobTerminal(string(snap.Status))
	s.publish(snap)

	return snap, true
}

// nextInterval stretches the poll interval, capped at MaxInterval.
func (s *Service) nextInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * s.config.Multiplier)
	if next > s.config.MaxInterval {
		next = s.config.MaxInterval
	}
	return next
}

func (s *Service) clearCancel(jobID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
	s.mu.Unlock()
}

func (s *Service) publish(job *models.ResearchJob) {
	if s.events == nil {
		return
	}
	s.events.PublishJobEvent(job)
}
