package provider

import (
	"context"
	"log/slog"
	"time"
)

// DoWithRetry runs fn with exponential backoff on retryable errors.
//
// The clients share this helper instead of each reimplementing the loop.
// Backoff is base * 2^(attempt-1); non-retryable errors return immediately.
func DoWithRetry(ctx context.Context, cfg Config, logger *slog.Logger, fn func(ctx context.Context) (Result, error)) (Result, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return Result{}, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Info("retrying upscale request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}
