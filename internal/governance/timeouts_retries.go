package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/polisai/assetgate/pkg/domain"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behavior for domain store reads.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig keeps retries short: a decision sits on the request path.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    25 * time.Millisecond,
		MaxBackoff:        250 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// TimeoutConfig defines deadlines for calls to collaborators.
type TimeoutConfig struct {
	// StoreTimeout bounds a single domain store call.
	StoreTimeout time.Duration
	// UpstreamTimeout bounds fetching the protected asset from its origin.
	UpstreamTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		StoreTimeout:    2 * time.Second,
		UpstreamTimeout: 30 * time.Second,
	}
}

// RetryPolicy retries read operations that failed with domain.ErrStoreUnavailable.
// Mutations are never routed through it.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 25 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 250 * time.Millisecond
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry determines if a failed read should be retried.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, domain.ErrStoreUnavailable)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Do runs fn until it succeeds, fails with a non-retryable error, the retries are
// exhausted, or ctx is done. The returned error keeps the last failure in its chain.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt > 0 && attempt >= rp.config.MaxRetries {
				return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return lastErr
		}

		if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return lastErr
		}
	}
}

// TimeoutManager enforces deadlines on collaborator calls.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaults.UpstreamTimeout
	}

	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// WithStoreTimeout creates a context bounded by the store timeout.
func (tm *TimeoutManager) WithStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.config.StoreTimeout)
}

// WithUpstreamTimeout creates a context bounded by the upstream fetch timeout.
func (tm *TimeoutManager) WithUpstreamTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.config.UpstreamTimeout)
}
