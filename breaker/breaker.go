// Package breaker implements the per-tool circuit breaker: a three-state
// machine gating calls to a tool that is currently failing in production.
// It is one of two independent resilience signals in the hub; the other
// is the registry's periodic health check.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through (normal operation).
	StateClosed State = iota
	// StateOpen rejects calls without invoking the wrapped function.
	StateOpen
	// StateHalfOpen lets trial calls through after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config holds the fixed breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from Closed to Open.
	FailureThreshold int

	// SuccessThreshold is the number of successes in HalfOpen required
	// to close the breaker again.
	SuccessThreshold int

	// OpenTimeout is the cooldown before an Open breaker lets a trial
	// call through (Open -> HalfOpen).
	OpenTimeout time.Duration

	// OnStateChange is an optional state transition callback.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the hub defaults: 5 failures to open,
// 2 successes to close, 60s cooldown.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// OpenError is the synthetic rejection returned when the breaker is Open.
// The wrapped function was never invoked; callers can distinguish it from
// an underlying call failure, which always passes through unchanged.
type OpenError struct {
	Tool              string
	RemainingCooldown time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for tool %q, retry in %s", e.Tool, e.RemainingCooldown.Round(time.Millisecond))
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker is a per-tool circuit breaker. All state transitions happen
// under the mutex; the wrapped call itself runs outside it.
type Breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	failureCount        int
	successCount        int
	lastFailureTime     time.Time
	lastStateChangeTime time.Time
}

// Snapshot is a read-only view of the breaker for observability.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

// New creates a circuit breaker for the named tool.
func New(name string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}

	return &Breaker{
		name:                name,
		config:              config,
		logger:              logger.With(zap.String("component", "breaker"), zap.String("tool", name)),
		state:               StateClosed,
		lastStateChangeTime: time.Now(),
	}
}

// Execute gates a single call through the breaker. When the breaker is
// Open and the cooldown has not elapsed, it returns *OpenError without
// invoking fn. Errors from fn are returned unchanged after failure
// bookkeeping.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	b.afterCall(err == nil)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// beforeCall applies the entry transition rule and rejects when Open.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		elapsed := time.Since(b.lastFailureTime)
		if elapsed > b.config.OpenTimeout {
			b.setState(StateHalfOpen)
			b.successCount = 0
			b.logger.Info("circuit breaker half-open, allowing trial call")
			return nil
		}
		return &OpenError{
			Tool:              b.name,
			RemainingCooldown: b.config.OpenTimeout - elapsed,
		}

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		// Any success resets the consecutive failure count.
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.logger.Info("circuit breaker recovered",
				zap.Int("trial_successes", b.successCount),
			)
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}

	case StateOpen:
		b.logger.Warn("success recorded while circuit breaker open")
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// A single trial failure re-opens immediately.
		b.logger.Warn("trial call failed, circuit breaker re-opened")
		b.setState(StateOpen)
		b.successCount = 0

	case StateOpen:
		b.logger.Warn("failure recorded while circuit breaker open")
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChangeTime = time.Now()

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

// State returns the current breaker state.
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
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChangeTime,
	}
}

// Reset forces the breaker to Closed with zero counts, for manual recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChangeTime = time.Now()

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, StateClosed)
	}
}
