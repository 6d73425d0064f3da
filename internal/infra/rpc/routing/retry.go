package routing

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/muniwatch/internal/core/errs"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries      int // retries after the first attempt
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64

	// OnRetry, when set, is called before each delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	BaseDelay:       1 * time.Second,
	MaxDelay:        60 * time.Second,
	ExponentialBase: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}
	if errs.IsRetryable(errs.ClassifyTransport(err)) {
		return ActionRetry
	}
	return ActionFatal
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry allowance is spent. Errors other than context cancellation are
// returned classified.
func Do(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= config.MaxRetries {
			return 0, true
		}
		delay := calculateBackoff(attempt, config)
		attempt++

		slog.Warn("Retrying request",
			"attempt", attempt,
			"max_retries", config.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)
		if config.OnRetry != nil {
			config.OnRetry(attempt, delay, lastErr)
		}
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = errs.ClassifyTransport(err)
		if ClassifyError(lastErr) == ActionFatal {
			return lastErr
		}
		return retry.RetryableError(lastErr)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errs.ClassifyTransport(err)
}

// calculateBackoff returns min(base * exp^attempt, max) scaled by a jitter
// factor in [0.5, 1.0).
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	base := config.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	delay := float64(config.BaseDelay) * math.Pow(base, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay * (0.5 + rand.Float64()*0.5))
}
