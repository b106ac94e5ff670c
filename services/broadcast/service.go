package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/howardjong/AgentPrice-sub011/internal/observability"
	"github.com/howardjong/AgentPrice-sub011/models"
	"github.com/howardjong/AgentPrice-sub011/services"
	"github.com/howardjong/AgentPrice-sub011/services/breaker"
	"github.com/howardjong/AgentPrice-sub011/services/providers"
)

// allTopics is the subscription set used when a subscriber names none.
var allTopics = []string{TopicAPIStatus, TopicStatusChange, TopicJobStatus}

// Config tunes the broadcaster.
type Config struct {
	// BufferSize is each subscriber's channel capacity. A subscriber
	// that falls more than BufferSize messages behind starts losing
	// them.
	BufferSize int

	// MonitorInterval is the cadence of the provider health sweep.
	MonitorInterval time.Duration

	// PingTimeout bounds each reachability probe.
	PingTimeout time.Duration
}

// DefaultConfig returns the broadcaster defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      16,
		MonitorInterval: 30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// Subscriber is one registered observer. Messages for its topics are
// delivered in publish order on C; the channel is closed by
// Unsubscribe.
type Subscriber struct {
	ID     string
	C      chan Envelope
	topics map[string]struct{}
}

func (sub *Subscriber) wants(topic string) bool {
	_, ok := sub.topics[topic]
	return ok
}

// Topics returns the topics this subscriber receives, sorted.
func (sub *Subscriber) Topics() []string {
	out := make([]string, 0, len(sub.topics))
	for topic := range sub.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Service fans availability and job events out to subscribers. Sends
// never block: a subscriber whose buffer is full misses that message
// and the drop is counted instead.
type Service struct {
	config    Config
	breakers  *breaker.Set
	clients   *providers.Registry
	telemetry *providers.Telemetry
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	statuses    map[string]models.ServiceStatusSnapshot
	closed      bool
}

// NewService creates a broadcaster. Zero config fields fall back to
// DefaultConfig values.
func NewService(config Config, breakers *breaker.Set, clients *providers.Registry, telemetry *providers.Telemetry, metrics *observability.Metrics, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = defaults.MonitorInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = defaults.PingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:      config,
		breakers:    breakers,
		clients:     clients,
		telemetry:   telemetry,
		metrics:     metrics,
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
		statuses:    make(map[string]models.ServiceStatusSnapshot),
	}
}

// Subscribe registers an observer for the given topics (all topics when
// none are named). The new subscriber's channel already carries an ack
// and, when it watches api-status, the current snapshot of every known
// provider, so it sees where things stand before any delta arrives.
func (s *Service) Subscribe(id string, topics ...string) (*Subscriber, error) {
	if id == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "subscriber id cannot be empty", nil)
	}
	if len(topics) == 0 {
		topics = allTopics
	}
	for _, topic := range topics {
		switch topic {
		case TopicAPIStatus, TopicStatusChange, TopicJobStatus:
		default:
			return nil, services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("unknown topic %q", topic), nil).WithDetail("topic", topic)
		}
	}

	sub := &Subscriber{
		ID:     id,
		C:      make(chan Envelope, s.config.BufferSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, services.NewDomainError(services.ErrorTypeInternal, "broadcaster is shut down", nil)
	}
	if _, exists := s.subscribers[id]; exists {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("subscriber %q already registered", id), nil).WithDetail("subscriber_id", id)
	}
	s.subscribers[id] = sub
	s.metrics.SetSubscribers(len(s.subscribers))

	// Ack first, then the baseline, so deltas never reach a subscriber
	// that does not yet know the current state.
	s.deliver(sub, newEnvelope(TypeSubscribe, "", SubscribeAck{SubscriberID: id, Topics: sub.Topics()}))
	if sub.wants(TopicAPIStatus) {
		for _, snap := range s.sortedStatuses() {
			s.deliver(sub, newEnvelope(TypeAPIStatus, TopicAPIStatus, snap))
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscriber, sends it a final unsubscribe
// notice, and closes its channel. Unknown ids are a no-op.
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subscribers[id]
	if !exists {
		return
	}
	delete(s.subscribers, id)
	s.deliver(sub, newEnvelope(TypeUnsubscribe, "", UnsubscribeNotice{SubscriberID: id}))
	close(sub.C)
	s.metrics.SetSubscribers(len(s.subscribers))
}

// Shutdown tells every subscriber the stream is over and closes all
// channels. Handlers draining those channels return promptly instead of
// holding the HTTP server open through its shutdown deadline. Further
// Subscribe calls are rejected; Shutdown is idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		s.deliver(sub, newEnvelope(TypeError, "", ErrorData{Message: "server shutting down"}))
		close(sub.C)
	}
	s.metrics.SetSubscribers(0)
	s.logger.Info("broadcaster shut down")
}

// SubscriberCount returns the number of registered subscribers.
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Publish fans an envelope out to every subscriber of the topic.
func (s *Service) Publish(topic string, env Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.fanOut(topic, env)
}

// fanOut delivers to matching subscribers (must be called with at least
// the read lock held).
func (s *Service) fanOut(topic string, env Envelope) {
	env.Topic = topic
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	for _, sub := range s.subscribers {
		if sub.wants(topic) {
			s.deliver(sub, env)
		}
	}
}

// deliver sends without blocking. A full buffer drops the message for
// that subscriber only.
func (s *Service) deliver(sub *Subscriber, env Envelope) {
	select {
	case sub.C <- env:
		s.metrics.ObserveBroadcast(env.Type)
	default:
		s.metrics.ObserveBroadcastDropped()
		s.logger.Warn("subscriber buffer full, dropping message",
			zap.String("subscriber_id", sub.ID),
			zap.String("type", env.Type),
			zap.String("topic", env.Topic))
	}
}

// UpdateStatus records a provider availability snapshot and broadcasts
// it on api-status only when availability actually changed since the
// last broadcast for that provider. The stored snapshot is always
// refreshed so baselines carry current latency and check times. Returns
// whether a broadcast went out.
func (s *Service) UpdateStatus(snap models.ServiceStatusSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.statuses[snap.Provider]
	s.statuses[snap.Provider] = snap
	if seen && last.Same(snap) {
		return false
	}

	s.logger.Info("provider availability changed",
		zap.String("provider", snap.Provider),
		zap.String("status", snap.Status),
		zap.String("breaker_state", snap.BreakerState))
	s.fanOut(TopicAPIStatus, newEnvelope(TypeAPIStatus, TopicAPIStatus, snap))
	return true
}

// PublishTransition fans a breaker transition out on status-change.
// Wire it to breaker.Options.OnStateChange.
func (s *Service) PublishTransition(change breaker.StateChange) {
	data := TransitionData{
		Provider: change.Provider,
		From:     change.From.String(),
		To:       change.To.String(),
		Reason:   change.Reason,
	}
	s.Publish(TopicStatusChange, newEnvelope(TypeStatusChange, TopicStatusChange, data))
}

// PublishJobEvent fans a research job snapshot out on job-status.
func (s *Service) PublishJobEvent(job *models.ResearchJob) {
	if job == nil {
		return
	}
	s.Publish(TopicJobStatus, newEnvelope(TypeJobStatus, TopicJobStatus, job))
}

// Statuses returns the last known snapshot for every provider, sorted
// by provider name.
func (s *Service) Statuses() []models.ServiceStatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedStatuses()
}

// sortedStatuses snapshots the status map (must be called with at least
// the read lock held).
func (s *Service) sortedStatuses() []models.ServiceStatusSnapshot {
	out := make([]models.ServiceStatusSnapshot, 0, len(s.statuses))
	for _, snap := range s.statuses {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Probe runs one on-demand sweep and returns the refreshed snapshots.
// Any availability change it finds is broadcast to subscribers, same
// as a scheduled sweep.
func (s *Service) Probe(ctx context.Context) []models.ServiceStatusSnapshot {
	s.sweep(ctx)
	return s.Statuses()
}

// Run drives the availability monitor until ctx is cancelled. Each
// sweep pings every registered provider, folds breaker state and
// latency telemetry into a snapshot per provider, and feeds the
// snapshots through UpdateStatus so only real changes reach
// subscribers.
func (s *Service) Run(ctx context.Context) error {
	// Sweep immediately so early subscribers get a baseline instead of
	// waiting out the first interval.
	s.sweep(ctx)

	ticker := time.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes all providers concurrently and records the results.
func (s *Service) sweep(ctx context.Context) {
	if s.clients == nil {
		return
	}

	names := s.clients.Names()
	sort.Strings(names)

	pings := make([]error, len(names))
	g, pingCtx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			client, err := s.clients.Get(name)
			if err != nil {
				pings[i] = err
				return nil
			}
			probeCtx, cancel := context.WithTimeout(pingCtx, s.config.PingTimeout)
			defer cancel()
			pings[i] = client.Ping(probeCtx)
			return nil
		})
	}
	// Goroutines store their result and always return nil.
	_ = g.Wait()

	for i, name := range names {
		s.UpdateStatus(s.snapshotProvider(name, pings[i]))
	}
}

// snapshotProvider folds breaker state, latency telemetry and the ping
// outcome into one availability snapshot.
func (s *Service) snapshotProvider(name string, pingErr error) models.ServiceStatusSnapshot {
	snap := models.ServiceStatusSnapshot{
		Provider:      name,
		Status:        models.StatusOperational,
		BreakerState:  breaker.StateClosed.String(),
		LastCheckedAt: time.Now().UTC(),
	}
	if s.telemetry != nil {
		snap.ResponseTimeMs = s.telemetry.AverageMs(name)
	}
	if s.breakers != nil {
		if br, ok := s.breakers.Get(name); ok {
			bs := br.Snapshot()
			snap.BreakerState = bs.State.String()
			snap.ConsecutiveFailures = bs.ConsecutiveFailures
		}
	}
	snap.Status = models.StatusForBreaker(snap.BreakerState)

	// An unreachable provider is degraded even while its breaker is
	// still closed.
	if pingErr != nil && snap.Status == models.StatusOperational {
		snap.Status = models.StatusDegraded
	}
	return snap
}
