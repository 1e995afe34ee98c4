package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// Retry and circuit errors
var (
	ErrMaxRetriesExceeded = errors.New("time: max retries exceeded")
	ErrCircuitOpen        = errors.New("time: circuit breaker is open")
)

// ExponentialBackoff computes exponential backoff with secure jitter
func ExponentialBackoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	backoff := float64(base) * math.Pow(2, float64(attempt))

	// Apply jitter using crypto/rand
	if jitter > 0 {
		if jitter > 1 {
			jitter = 1
		}
		randomFactor := secureRandomFloat64()
		backoff = backoff * (1.0 + (randomFactor*2-1)*jitter)
	}

	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

// SleepWithContext sleeps for duration or until context is canceled
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig configures retry behavior. A nil RetryableFunc retries every
// failure.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	Timeout       time.Duration
	RetryableFunc func(error) bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Jitter:       0.2,
		Timeout:      2 * time.Minute,
	}
}

// RetryContext executes fn with exponential backoff retry
func RetryContext(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if config.RetryableFunc != nil && !config.RetryableFunc(lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		backoff := ExponentialBackoff(attempt, config.InitialDelay, config.MaxDelay, config.Jitter)
		if err := SleepWithContext(ctx, backoff); err != nil {
			return lastErr
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrMaxRetriesExceeded
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	failures    int
	lastFailure time.Time
	state       CircuitState
	mu          sync.RWMutex
}

// CircuitState represents circuit breaker state
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Execute runs fn through the circuit breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}

	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		// Check if enough time has passed to try half-open
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}

	return false
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}

	cb.failures = 0
}

// GetState returns the current circuit state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// secureRandomFloat64 generates a cryptographically secure random float in [0,1)
func secureRandomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fallback to time-based randomness (not ideal but better than panic)
		return float64(time.Now().UnixNano()%1000) / 1000.0
	}

	n := binary.BigEndian.Uint64(buf[:])
	return float64(n) / float64(math.MaxUint64)
}
