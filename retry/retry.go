// Package retry provides the bounded retry-with-jittered-backoff primitive
// shared by OAuth refresh calls and upstream generative-model calls. The two
// paths differ only in attempt ceiling and error classifier.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/types"
)

// Class is the outcome of classifying an error between attempts.
type Class int

const (
	// ClassRetryable covers timeouts, 5xx responses and transport faults.
	ClassRetryable Class = iota
	// ClassFatal stops retrying immediately (4xx other than rate limits,
	// malformed requests, terminal provider rejections).
	ClassFatal
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) Class

// DefaultClassifier follows the types.Error Retryable flag and treats
// unclassified errors as retryable transport faults.
func DefaultClassifier(err error) Class {
	if e, ok := err.(*types.Error); ok {
		if e.Retryable {
			return ClassRetryable
		}
		return ClassFatal
	}
	return ClassRetryable
}

// Policy bounds attempts and delays for an Executor.
type Policy struct {
	// MaxAttempts is the total number of calls to the wrapped action.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration
}

// Executor runs actions under a Policy with a jittered exponential backoff.
// The delay before retry k is BaseDelay * 2^k scaled by a uniform random
// factor in [0.5, 1.5] and capped at MaxDelay.
type Executor struct {
	policy   Policy
	classify Classifier
	logger   *zap.Logger

	// Injectable for deterministic tests.
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. A nil classifier falls back to DefaultClassifier
// and a nil logger to a no-op logger.
func New(policy Policy, classify Classifier, logger *zap.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		policy:   policy,
		classify: classify,
		logger:   logger,
		rand:     rand.Float64,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn up to MaxAttempts times. Fatal errors are returned as-is;
// exhausting all attempts wraps the last error as RETRIES_EXHAUSTED.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.delay(attempt - 1)
			e.logger.Debug("retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := e.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry aborted: %w", err)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if e.classify(lastErr) == ClassFatal {
			e.logger.Debug("error is not retryable", zap.Error(lastErr))
			return lastErr
		}
	}

	e.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", e.policy.MaxAttempts),
		zap.Error(lastErr))
	return types.NewError(types.ErrRetriesExhausted,
		fmt.Sprintf("gave up after %d attempts", e.policy.MaxAttempts)).
		WithCause(lastErr)
}

// delay computes the jittered backoff before retry k (zero-based).
func (e *Executor) delay(k int) time.Duration {
	d := e.policy.BaseDelay << uint(k)
	if d <= 0 || d > e.policy.MaxDelay<<1 {
		// Shift overflow or far past the cap; the jitter factor cannot
		// bring it back under MaxDelay.
		return e.policy.MaxDelay
	}
	jittered := time.Duration(float64(d) * (0.5 + e.rand()))
	if jittered > e.policy.MaxDelay {
		return e.policy.MaxDelay
	}
	return jittered
}

// DoWithResult is a type-safe wrapper around Executor.Do for actions that
// produce a value.
func DoWithResult[T any](e *Executor, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
