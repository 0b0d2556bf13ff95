// Package retry is a domain-agnostic retry-with-backoff primitive. The
// executor only counts attempts and sleeps; what is worth retrying is
// decided entirely by the policy's predicate, so each calling domain
// (network, database, file) plugs in its own error classification.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed wait.
	MaxDelay time.Duration
	// Multiplier grows the wait between consecutive attempts.
	Multiplier float64
	// Jitter randomizes each wait by +/-25%.
	Jitter bool
	// Retryable decides whether a failure is worth another attempt. A nil
	// predicate retries everything until MaxAttempts.
	Retryable func(error) bool
}

// Delay returns the wait before the given attempt (attempts are numbered
// from 1; the first attempt never waits). Jitter is not applied here.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Outcome reports how an execution went, whatever the result.
type Outcome struct {
	Attempts int
	Elapsed  time.Duration
}

// Executor runs operations under a Policy. The zero value is not usable;
// construct with New.
type Executor struct {
	policy Policy

	// OnRetry is invoked after a retryable failure, before the wait.
	OnRetry func(err error, attempt int)
	// OnExhausted is invoked once when every attempt has failed.
	OnExhausted func(err error)

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func New(policy Policy) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}
	return &Executor{
		policy:    policy,
		now:       time.Now,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// Do runs op until it succeeds, the predicate rejects its error, the
// attempt budget runs out, or ctx is done.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) (Outcome, error) {
	start := e.now()
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if e.OnRetry != nil {
				e.OnRetry(lastErr, attempt)
			}
			if err := e.sleep(ctx, e.delayFor(attempt)); err != nil {
				return Outcome{Attempts: attempt - 1, Elapsed: e.now().Sub(start)}, lastErr
			}
		}

		err := op(ctx)
		if err == nil {
			return Outcome{Attempts: attempt, Elapsed: e.now().Sub(start)}, nil
		}
		lastErr = err

		if !e.retryable(err) || errors.Is(err, context.Canceled) {
			return Outcome{Attempts: attempt, Elapsed: e.now().Sub(start)}, err
		}
	}

	if e.OnExhausted != nil {
		e.OnExhausted(lastErr)
	}
	return Outcome{Attempts: e.policy.MaxAttempts, Elapsed: e.now().Sub(start)}, lastErr
}

// Do runs op under the executor and returns its typed result.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, Outcome, error) {
	var result T
	outcome, err := e.Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, outcome, err
	}
	return result, outcome, nil
}

func (e *Executor) retryable(err error) bool {
	if e.policy.Retryable == nil {
		return true
	}
	return e.policy.Retryable(err)
}

// delayFor applies jitter to the policy delay: a uniform factor in
// [0.75, 1.25], floored at zero.
func (e *Executor) delayFor(attempt int) time.Duration {
	d := e.policy.Delay(attempt)
	if !e.policy.Jitter || d <= 0 {
		return d
	}
	factor := 0.75 + e.randFloat()*0.5
	jittered := time.Duration(float64(d) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
