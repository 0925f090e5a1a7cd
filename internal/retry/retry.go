// Package retry wraps fallible operations with bounded exponential
// backoff. Non-recoverable errors (see internal/faults) stop the loop
// immediately.
package retry

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/docmill/docmill/internal/faults"
	"github.com/sirupsen/logrus"
)

// freeMemory returns retained heap to the OS before retrying under memory
// pressure. Package variable so tests can observe the hint.
var freeMemory = debug.FreeOSMemory

const (
	// DefaultBaseDelay is the delay before the second attempt.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMultiplier grows the delay between successive attempts.
	DefaultMultiplier = 2.0
)

// Options tunes the backoff schedule.
type Options struct {
	BaseDelay  time.Duration
	Multiplier float64
}

// Do runs op up to maxAttempts times, sleeping baseDelay*multiplier^(n-1)
// between attempts. There is no sleep after the final attempt. The
// returned error embeds label and the attempt count and wraps the last
// underlying error.
func Do[T any](ctx context.Context, logger *logrus.Logger, label string, maxAttempts int, op func() (T, error)) (T, error) {
	return DoWithOptions(ctx, logger, label, maxAttempts, Options{BaseDelay: DefaultBaseDelay, Multiplier: DefaultMultiplier}, op)
}

// DoWithOptions is Do with an explicit backoff schedule.
func DoWithOptions[T any](ctx context.Context, logger *logrus.Logger, label string, maxAttempts int, opts Options, op func() (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		return zero, fmt.Errorf("%s: maxAttempts must be at least 1, got %d", label, maxAttempts)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = DefaultMultiplier
	}

	var lastErr error
	delay := opts.BaseDelay
	memoryHinted := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err

		logger.WithError(err).WithFields(logrus.Fields{
			"label":   label,
			"attempt": attempt,
			"max":     maxAttempts,
		}).Debug("Operation attempt failed")

		if attempt == maxAttempts {
			break
		}

		if !faults.ShouldRetry(err) {
			logger.WithField("label", label).Debug("Error is not recoverable, aborting retries")
			return zero, fmt.Errorf("%s failed on attempt %d (not recoverable): %w", label, attempt, err)
		}

		// One GC hint per loop, so the next attempt starts from a
		// smaller heap without thrashing the collector.
		if !memoryHinted && faults.Classify(err) == faults.ClassMemory {
			memoryHinted = true
			freeMemory()
			logger.WithField("label", label).Debug("Released heap to the OS before retrying under memory pressure")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s cancelled while waiting to retry: %w", label, ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * opts.Multiplier)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, maxAttempts, lastErr)
}
