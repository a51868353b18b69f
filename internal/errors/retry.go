package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wasp/internal/logging"
)

// ErrRetriesExhausted is wrapped into the error returned once every attempt failed.
var ErrRetriesExhausted = errors.New("max retries exceeded")

const (
	DefaultRetryAttempts = 4
	DefaultRetryDelay    = 4 * time.Second
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total number of attempts, first one included (default: 4)
	Delay       time.Duration // Fixed pause between attempts (default: 4s)
}

// DefaultRetryConfig returns the policy used for every WASP request.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultRetryAttempts,
		Delay:       DefaultRetryDelay,
	}
}

// Normalize fills zero or negative fields with defaults.
func (c RetryConfig) Normalize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryAttempts
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	return c
}

// RetryableFunc is a function that can be retried. attempt starts at 1.
type RetryableFunc[T any] func(ctx context.Context, attempt int) (T, error)

// RetryWithResult executes fn until it succeeds, returns a non-transient error,
// or MaxAttempts is reached. There is no pause after the final attempt.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn RetryableFunc[T], logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	config = config.Normalize()

	var zeroValue T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, stopping retries")
			return zeroValue, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 1 {
			logger.Debug("Retrying (attempt %d/%d)", attempt, config.MaxAttempts)
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded after %d attempts", attempt)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d failed: %v", attempt, err)

		if !IsTransient(err) {
			logger.Debug("Error is not transient, stopping retries")
			return zeroValue, Unpermanent(err)
		}

		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted", config.MaxAttempts)
			break
		}

		if config.Delay <= 0 {
			continue
		}
		logger.Debug("Waiting %v before next retry", config.Delay)

		timer := time.NewTimer(config.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("Context cancelled during backoff")
			return zeroValue, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zeroValue, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}
