package retry

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/domain"
)

// fakeClock drives the executor without real sleeps and records the waits.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel func(d time.Duration) error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if c.cancel != nil {
		if err := c.cancel(d); err != nil {
			return err
		}
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func instrument(e *Executor, clock *fakeClock) {
	e.now = clock.Now
	e.sleep = clock.Sleep
}

func TestPolicyDelay(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    10000 * time.Millisecond,
		Multiplier:  2,
	}

	t.Run("first attempt never waits", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), policy.Delay(1))
	})

	t.Run("doubles then caps at max delay", func(t *testing.T) {
		want := []time.Duration{
			1000 * time.Millisecond,
			2000 * time.Millisecond,
			4000 * time.Millisecond,
			8000 * time.Millisecond,
			10000 * time.Millisecond,
			10000 * time.Millisecond,
		}
		for i, expected := range want {
			assert.Equal(t, expected, policy.Delay(i+2), "attempt %d", i+2)
		}
	})

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 2; attempt <= 20; attempt++ {
			d := policy.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, policy.MaxDelay)
			prev = d
		}
	})
}

func TestExecutorDo(t *testing.T) {
	transient := errors.New("connection reset by peer")

	t.Run("succeeds first try without waiting", func(t *testing.T) {
		clock := newFakeClock()
		exec := New(Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
		instrument(exec, clock)

		outcome, err := exec.Do(context.Background(), func(context.Context) error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Empty(t, clock.slept)
	})

	t.Run("retries until success and reports attempts", func(t *testing.T) {
		clock := newFakeClock()
		exec := New(Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
		instrument(exec, clock)

		calls := 0
		outcome, err := exec.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.slept)
		assert.Equal(t, 3*time.Second, outcome.Elapsed)
	})

	t.Run("exhausts attempts and returns last error", func(t *testing.T) {
		clock := newFakeClock()
		exec := New(Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
		instrument(exec, clock)

		var exhausted error
		exec.OnExhausted = func(err error) { exhausted = err }

		outcome, err := exec.Do(context.Background(), func(context.Context) error { return transient })

		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, transient, exhausted)
	})

	t.Run("non-retryable error short-circuits regardless of budget", func(t *testing.T) {
		clock := newFakeClock()
		unauthorized := errors.New("unauthorized")
		exec := New(Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Multiplier:  2,
			Retryable:   func(err error) bool { return !errors.Is(err, unauthorized) },
		})
		instrument(exec, clock)

		calls := 0
		outcome, err := exec.Do(context.Background(), func(context.Context) error {
			calls++
			return unauthorized
		})

		assert.ErrorIs(t, err, unauthorized)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Empty(t, clock.slept)
	})

	t.Run("onRetry fires before each wait", func(t *testing.T) {
		clock := newFakeClock()
		exec := New(Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
		instrument(exec, clock)

		var attempts []int
		exec.OnRetry = func(err error, attempt int) {
			assert.ErrorIs(t, err, transient)
			assert.Empty(t, clock.slept[len(attempts):], "hook must run before the wait")
			attempts = append(attempts, attempt)
		}

		_, err := exec.Do(context.Background(), func(context.Context) error { return transient })

		assert.Error(t, err)
		assert.Equal(t, []int{2, 3}, attempts)
	})

	t.Run("context cancellation during wait stops retrying", func(t *testing.T) {
		clock := newFakeClock()
		clock.cancel = func(time.Duration) error { return context.Canceled }
		exec := New(Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
		instrument(exec, clock)

		outcome, err := exec.Do(context.Background(), func(context.Context) error { return transient })

		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 1, outcome.Attempts)
	})
}

func TestJitterBounds(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}

	// Sweep the random factor across its range; every jittered delay must
	// land within +/-25% of the base for that attempt.
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		exec := New(policy)
		exec.randFloat = func() float64 { return r }
		for attempt := 2; attempt <= 8; attempt++ {
			base := policy.Delay(attempt)
			d := exec.delayFor(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
		}
	}
}

func TestTypedDo(t *testing.T) {
	clock := newFakeClock()
	exec := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	instrument(exec, clock)

	calls := 0
	got, outcome, err := Do(context.Background(), exec, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestPredicates(t *testing.T) {
	t.Run("network", func(t *testing.T) {
		assert.True(t, IsNetworkRetryable(errors.New("dial tcp: connection refused")))
		assert.True(t, IsNetworkRetryable(errors.New("request failed with status 503")))
		assert.True(t, IsNetworkRetryable(errors.New("status 429 too many requests")))
		assert.True(t, IsNetworkRetryable(syscall.ECONNRESET))
		assert.False(t, IsNetworkRetryable(errors.New("invalid request payload")))
		assert.False(t, IsNetworkRetryable(domain.Permanentf("unauthorized")))
		assert.False(t, IsNetworkRetryable(context.Canceled))
	})

	t.Run("database", func(t *testing.T) {
		assert.True(t, IsDatabaseRetryable(errors.New("deadlock detected")))
		assert.True(t, IsDatabaseRetryable(errors.New("lock timeout exceeded")))
		assert.True(t, IsDatabaseRetryable(errors.New("read tcp: connection reset by peer")))
		assert.False(t, IsDatabaseRetryable(errors.New("duplicate key value violates unique constraint")))
	})

	t.Run("file", func(t *testing.T) {
		assert.True(t, IsFileRetryable(errors.New("open /tmp/x: too many open files")))
		assert.True(t, IsFileRetryable(syscall.EBUSY))
		assert.False(t, IsFileRetryable(errors.New("permission denied")))
	})

	t.Run("cancellation is never retried", func(t *testing.T) {
		assert.False(t, IsNetworkRetryable(domain.ErrCancelled))
		assert.False(t, IsDatabaseRetryable(domain.ErrCancelled))
		assert.False(t, IsFileRetryable(domain.ErrCancelled))
	})
}
