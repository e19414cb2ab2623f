// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry configuration")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	// Default: 8s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns the retry bounds for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 || c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff ||
		c.BackoffFactor < 1.0 || c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidRetryConfig
	}
	return nil
}

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - config: Retry configuration.
//   - fn: The function to execute and potentially retry.
//
// Outputs:
//   - RetryResult: Statistics about the retry operation.
//   - error: The last error if all attempts failed, nil on success.
//
// Only errors for which IsTransient is true are retried. Other errors
// return immediately.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !IsTransient(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(calculateBackoff(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// calculateBackoff applies jitter in [base*(1-j), base*(1+j)].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
