// Package resilience provides fault-tolerance patterns for calls to the tax
// authorities: retry with exponential backoff, circuit breakers and keyed
// mutual exclusion.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds resilience parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable decides whether a failed attempt may be repeated. Nil
	// retries every error.
	Retryable func(error) bool
}

// permanent marks an error that must not be retried.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so RetryWithBackoff returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// RetryWithBackoff executes fn with exponential backoff + jitter.
// It respects context cancellation and returns the number of attempts made.
func RetryWithBackoff(ctx context.Context, cfg Config, fn func() error) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempts, lastErr
			}
			return attempts, err
		}

		attempts++
		lastErr = fn()
		if lastErr == nil {
			return attempts, nil
		}

		var p *permanent
		if errors.As(lastErr, &p) {
			return attempts, p.err
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return attempts, lastErr
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return attempts, lastErr
			case <-time.After(Backoff(cfg, attempt)):
			}
		}
	}
	return attempts, lastErr
}

// Backoff returns the wait before retry number attempt (0-based).
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * cfg.InitialBackoff
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if half := int64(backoff / 2); half > 0 {
		backoff += time.Duration(rand.Int63n(half))
	}
	return backoff
}

// BreakerSettings tunes NewCircuitBreaker.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailRatio   float64
	// IsSuccessful reports errors that must not count as failures.
	IsSuccessful func(error) bool
}

// DefaultBreakerSettings mirrors the authority SLAs: trip after five calls
// with 60% failures, retry after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		MinRequests: 5,
		FailRatio:   0.6,
	}
}

// NewCircuitBreaker creates a circuit breaker for one endpoint.
func NewCircuitBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if s.IsSuccessful != nil {
				return s.IsSuccessful(err)
			}
			return false
		},
	})
}

// IsOpen reports whether err came from an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
