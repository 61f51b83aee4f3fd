// Package resilience guards speech-recognition backends against cascading
// failure.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) keyed
// on consecutive failures. [FallbackGroup] chains several backends of one
// type, each behind its own breaker, and tries them in order. [ASRFallback]
// and [Guard] adapt both to the asr.Provider interface so they can stand in
// for any single recognizer.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// elapsed since the breaker opened.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. All of them
	// succeeding closes the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// trial calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is invoked after every transition. It runs
	// while the breaker's lock is held and must not call back into the
	// breaker.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// CircuitBreaker implements the three-state circuit breaker pattern on top
// of gobreaker, adding context awareness and a manual reset.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu    sync.RWMutex
	inner *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: cfg.withDefaults()}
	cb.inner = cb.newInner()
	return cb
}

func (cb *CircuitBreaker) newInner() *gobreaker.CircuitBreaker[struct{}] {
	maxFailures := uint32(cb.cfg.MaxFailures)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cb.cfg.Name,
		MaxRequests: uint32(cb.cfg.HalfOpenMax),
		Timeout:     cb.cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsExcluded: func(err error) bool {
			var gone *callerGone
			return errors.As(err, &gone)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.notify(stateOf(from), stateOf(to))
		},
	})
}

func (cb *CircuitBreaker) breaker() *gobreaker.CircuitBreaker[struct{}] {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.inner
}

// callerGone marks an error caused by the caller abandoning the call. The
// breaker excludes it from its counts.
type callerGone struct{ err error }

func (e *callerGone) Error() string { return e.err.Error() }
func (e *callerGone) Unwrap() error { return e.err }

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and records the outcome.
//
// When ctx is already done the call is not attempted. An error from fn that
// coincides with ctx being cancelled is attributed to the caller and does
// not count against the backend; a backend that blows through its own
// deadline still counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ran := false
	_, err := cb.breaker().Execute(func() (struct{}, error) {
		ran = true
		err := fn(ctx)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return struct{}{}, &callerGone{err: err}
		}
		return struct{}{}, err
	})
	if err == nil {
		return nil
	}
	if !ran {
		return ErrCircuitOpen
	}
	var gone *callerGone
	if errors.As(err, &gone) {
		return gone.err
	}
	return err
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == StateClosed && to == StateOpen {
		cb.cfg.Logger.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"consecutive_failures", cb.cfg.MaxFailures)
	} else {
		cb.cfg.Logger.Info("circuit breaker state change",
			"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed moves to [StateHalfOpen] when observed.
func (cb *CircuitBreaker) State() State {
	return stateOf(cb.breaker().State())
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	fresh := cb.newInner()
	cb.mu.Lock()
	from := stateOf(cb.inner.State())
	cb.inner = fresh
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
