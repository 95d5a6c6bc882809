// Package circuit provides a circuit breaker for the external stores and
// brokers gominer reports into.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - limited requests probe recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // failures before opening
	SuccessRequired int           // half-open successes needed to close
	Timeout         time.Duration // open duration before probing
	ResetTimeout    time.Duration // failure count decay while closed

	// OnStateChange is invoked outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Named creates a breaker with default thresholds and the given name
func Named(name string) *Breaker {
	cfg := DefaultConfig()
	cfg.Name = name
	return New(cfg)
}

func (cb *Breaker) openError() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker",
		"circuit breaker is open").
		WithContext("breaker", cb.config.Name).
		WithContext("state", cb.GetState().String())
}

// IsOpenError reports whether err was produced by a rejecting breaker
func IsOpenError(err error) bool {
	ctx := errors.GetContext(err)
	return errors.IsType(err, errors.ErrorTypeInternal) && ctx != nil && ctx["state"] != nil
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allowRequest() {
		return cb.openError()
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !cb.allowRequest() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) allowRequest() bool {
	cb.mu.Lock()
	from := cb.state
	now := time.Now()
	allowed := false

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}
	case StateHalfOpen:
		allowed = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) || cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
