package service

import (
	"context"
	"math"
	"math/rand"
	"time"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
)

// RetryConfig configures caller-side retries. The engine itself never
// retries a filter command.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig suits xtables lock contention with other tools.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Retryable reports whether err is a filter command fault. Validation
// errors and programming errors fail the same way every time.
func Retryable(err error) bool {
	return errors.HasKind(err, errors.KindCall) || errors.HasKind(err, errors.KindNonZeroResult)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateDelay(attempt, cfg)):
		}
	}
	return lastErr
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))

	if cfg.Jitter {
		// up to 25%
		delay += delay * 0.25 * rand.Float64()
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// DisableWithRetry re-runs Disable on command faults. Disable is safe from
// any partial state, so each attempt continues where the last one stopped.
func (s *Service) DisableWithRetry(ctx context.Context, cfg RetryConfig, progress firewall.Progress) error {
	attempt := 0
	return Retry(ctx, cfg, func() error {
		attempt++
		err := s.Disable(ctx, progress)
		if err != nil && Retryable(err) && attempt < cfg.MaxAttempts {
			s.logger.Warn("disable failed, retrying", "attempt", attempt, "error", err)
		}
		return err
	})
}
