package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/howardjong/AgentPrice-sub011/services"
)

// State captures circuit breaker states.
type State int

const (
	// StateClosed indicates normal operation.
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen
	// StateHalfOpen indicates a single trial call is permitted.
	StateHalfOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChange describes a single breaker transition. Every transition is
// delivered to the OnStateChange hook so the status broadcaster can fan
// it out to observers.
type StateChange struct {
	Provider string
	From     State
	To       State
	Reason   string
	At       time.Time
}

// Snapshot is a point-in-time read of a breaker's state. Reads never
// block behind an in-flight call.
type Snapshot struct {
	Provider            string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Options configure a Breaker.
type Options struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// state that opens the breaker.
	FailureThreshold int

	// Cooldown is how long an OPEN breaker rejects calls before allowing
	// a HALF_OPEN trial.
	Cooldown time.Duration

	// OnStateChange receives every transition. Called outside the
	// breaker's lock; implementations may safely call back into the
	// breaker.
	OnStateChange func(StateChange)
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
)

// Breaker is a per-provider failure-isolation state machine. All
// transitions for one provider are serialized behind a single mutex.
//
// HALF_OPEN admits exactly one trial call; concurrent callers during the
// trial fail fast with a circuit-open error rather than queueing.
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	onChange  func(StateChange)
	logger    *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// New creates a breaker for a provider. Zero option values fall back to
// the defaults (threshold 5, cooldown 60s).
func New(provider string, opts Options, logger *zap.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		provider:  provider,
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		onChange:  opts.OnStateChange,
		logger:    logger,
		state:     StateClosed,
	}
}

// Provider returns the provider name this breaker guards.
func (b *Breaker) Provider() string {
	return b.provider
}

// Execute runs op through the breaker. When the breaker is OPEN inside
// its cooldown window, or a HALF_OPEN trial is already in flight, op is
// never called and a circuit-open error is returned immediately.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(ctx, err)
	return err
}

// State returns the current state without blocking behind in-flight calls.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Provider:            b.provider,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		remaining := b.cooldown - time.Since(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return services.NewCircuitOpenError(b.provider, remaining)
		}
		change := b.transition(StateHalfOpen, "cooldown elapsed, trial call permitted")
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(change)
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return services.NewCircuitOpenError(b.provider, 0).
				WithDetail("reason", "trial call in flight")
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) afterCall(ctx context.Context, err error) {
	b.mu.Lock()

	wasTrial := b.state == StateHalfOpen
	if wasTrial {
		b.trialInFlight = false
	}

	// A caller that gave up (its own context cancelled or expired) says
	// nothing about provider health; the outcome is not counted.
	if err != nil && ctx.Err() != nil {
		b.mu.Unlock()
		return
	}

	var change StateChange
	changed := false

	if err == nil {
		b.consecutiveFailures = 0
		if wasTrial {
			change = b.transition(StateClosed, "trial call succeeded")
			changed = true
		}
	} else {
		b.consecutiveFailures++
		switch {
		case wasTrial:
			b.openedAt = time.Now()
			change = b.transition(StateOpen, "trial call failed")
			changed = true
		case b.state == StateClosed && b.consecutiveFailures >= b.threshold:
			b.openedAt = time.Now()
			change = b.transition(StateOpen,
				fmt.Sprintf("failure threshold reached (%d consecutive failures)", b.consecutiveFailures))
			changed = true
		}
	}

	b.mu.Unlock()

	if changed {
		b.notify(change)
	}
}

// transition records a state change. Callers must hold b.mu.
func (b *Breaker) transition(to State, reason string) StateChange {
	change := StateChange{
		Provider: b.provider,
		From:     b.state,
		To:       to,
		Reason:   reason,
		At:       time.Now(),
	}
	b.state = to
	return change
}

func (b *Breaker) notify(change StateChange) {
	b.logger.Info("circuit breaker state change",
		zap.String("provider", change.Provider),
		zap.String("from", change.From.String()),
		zap.String("to", change.To.String()),
		zap.String("reason", change.Reason))

	if b.onChange != nil {
		b.onChange(change)
	}
}

// Set holds one breaker per provider. It is populated once at startup by
// the application container and read-only afterwards.
type Set struct {
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet() *Set {
	return &Set{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker under its provider name.
func (s *Set) Add(b *Breaker) {
	s.breakers[b.Provider()] = b
}

// Get returns the breaker for a provider.
func (s *Set) Get(provider string) (*Breaker, bool) {
	b, ok := s.breakers[provider]
	return b, ok
}

// Snapshots returns the current snapshot of every breaker.
func (s *Set) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
