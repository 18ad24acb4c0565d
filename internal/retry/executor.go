// Package retry runs idempotent remote operations with bounded exponential
// backoff.
//
// Only pass operations whose remote effect is a read or is provably
// idempotent. Transient errors are retried, deterministic rejections and
// unclassified errors fail on the first attempt.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"vault-state-engine/internal/observability"
)

// Executor runs operations under a Policy.
type Executor struct {
	policy   Policy
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
	logger   zerolog.Logger
}

// Option configures Executor.
type Option func(*Executor)

// WithClassifier replaces the default error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		e.classify = c
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRandom sets the source of jitter, returning values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(e *Executor) {
		e.random = random
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor for the given policy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy.normalized(),
		classify: Classify,
		sleep:    sleepContext,
		random:   rand.Float64,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. ctx is passed to every attempt and interrupts the
// backoff wait; the executor has no other cancellation.
func (e *Executor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.policy.JitteredDelay(attempt-1, e.random())
			e.logger.Debug().
				Str("op", name).
				Int("attempt", attempt).
				Int("max_attempts", e.policy.MaxAttempts).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying after transient error")
			if err := e.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: attempt %d: %w", name, attempt, err)
			}
		}

		observability.RecordRetryAttempt(name)
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: attempt %d: %w", name, attempt, err)
		}

		switch e.classify(err) {
		case Transient:
			continue
		case Rejected:
			observability.RecordRetryRejected(name)
			return err
		default:
			return err
		}
	}

	observability.RecordRetryExhausted(name)
	e.logger.Warn().
		Str("op", name).
		Int("attempts", e.policy.MaxAttempts).
		Err(lastErr).
		Msg("retries exhausted")
	return &ExhaustedError{Op: name, Attempts: e.policy.MaxAttempts, Last: lastErr}
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
