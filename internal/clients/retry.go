package clients

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// RetryConfig defines retry behavior for transient adapter failures
type RetryConfig struct {
	MaxAttempts    int           // Total attempts including the first
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
	Jitter         float64       // Random jitter factor (0-1)
}

// DefaultRetryConfig returns production-ready retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	}
}

// Retrier handles retry logic with exponential backoff. Only errors
// classified as TransientError are retried; AuthError and everything else
// returns immediately.
type Retrier struct {
	config *RetryConfig
}

// NewRetrier creates a new retrier with the given config
func NewRetrier(config *RetryConfig) *Retrier {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &Retrier{config: config}
}

// CalculateBackoff calculates the backoff duration for a given attempt,
// honoring a server-requested delay when present
func (r *Retrier) CalculateBackoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	backoff := float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffFactor, float64(attempt))

	if r.config.Jitter > 0 {
		jitter := backoff * r.config.Jitter * (rand.Float64()*2 - 1)
		backoff += jitter
	}

	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}

	return time.Duration(backoff)
}

// RetryableFunc is an operation that can be retried
type RetryableFunc func(ctx context.Context) error

// Do executes fn with retry on transient errors. It returns the number of
// attempts made and the final error, nil on success.
func (r *Retrier) Do(ctx context.Context, fn RetryableFunc) (int, error) {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}

		if !IsTransient(lastErr) {
			return attempt + 1, lastErr
		}

		if attempt == r.config.MaxAttempts-1 {
			break
		}

		backoff := r.CalculateBackoff(attempt, RetryAfterOf(lastErr))

		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return r.config.MaxAttempts, lastErr
}

// NewBreaker creates a circuit breaker for a marketplace client transport.
// The breaker opens after five consecutive failures and probes again after
// thirty seconds.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
