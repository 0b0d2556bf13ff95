package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/domain"
	"reportd/internal/retry"
)

func testPayload() json.RawMessage {
	return json.RawMessage(`{"report_id":"r-1"}`)
}

func TestMemoryQueueEnqueueDequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("dequeues pending job and marks it active", func(t *testing.T) {
		q := NewMemoryQueue()
		id, err := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
		require.NoError(t, err)

		job, err := q.DequeueLease(ctx, "w-1", []string{"exports"}, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, domain.JobStatusActive, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, "w-1", *job.LeasedBy)
	})

	t.Run("empty queue returns nil", func(t *testing.T) {
		q := NewMemoryQueue()
		job, err := q.DequeueLease(ctx, "w-1", []string{"exports"}, time.Minute)
		assert.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("honors run_at for delayed jobs", func(t *testing.T) {
		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		q := NewMemoryQueue(WithClock(func() time.Time { return now }))

		_, err := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{Delay: time.Hour})
		require.NoError(t, err)

		job, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job, "delayed job must not be leased before run_at")

		now = now.Add(time.Hour + time.Second)
		job, err = q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, job)
	})

	t.Run("orders by priority then creation time", func(t *testing.T) {
		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		q := NewMemoryQueue(WithClock(func() time.Time { return now }))

		low, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{Priority: 0})
		now = now.Add(time.Second)
		high, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{Priority: 5})
		now = now.Add(time.Second)

		first, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, high, first.ID)

		second, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, low, second.ID)
	})

	t.Run("filters by queue name", func(t *testing.T) {
		q := NewMemoryQueue()
		_, err := q.Enqueue(ctx, domain.JobTypeUsageUpdate, testPayload(), domain.EnqueueOptions{})
		require.NoError(t, err)

		job, err := q.DequeueLease(ctx, "w-1", []string{"exports"}, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = q.DequeueLease(ctx, "w-1", []string{"default"}, time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, job)
	})
}

func TestMemoryQueueAckNack(t *testing.T) {
	ctx := context.Background()

	t.Run("ack completes an active job exactly once", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, id))

		job, err := q.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		assert.NotNil(t, job.FinishedAt)

		assert.Error(t, q.Ack(ctx, id), "second ack must be rejected")
	})

	t.Run("nack with attempts left reschedules with backoff", func(t *testing.T) {
		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		q := NewMemoryQueue(
			WithClock(func() time.Time { return now }),
			WithBackoff(retry.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}),
		)
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{MaxAttempts: 3})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)

		status, err := q.Nack(ctx, id, errors.New("connection reset"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, status)

		job, _ := q.GetStatus(ctx, id)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, now.Add(time.Second), job.RunAt, "delay before attempt 2 is the base delay")
		assert.Equal(t, "connection reset", *job.LastError)
	})

	t.Run("nack after final attempt fails terminally", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{MaxAttempts: 1})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)

		status, err := q.Nack(ctx, id, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, status)
	})

	t.Run("permanent error fails immediately regardless of attempts", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{MaxAttempts: 5})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)

		status, err := q.Nack(ctx, id, domain.Permanentf("unauthorized"))
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, status)
	})
}

func TestMemoryQueueCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels pending job", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})

		ok, err := q.Cancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		job, _ := q.GetStatus(ctx, id)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)

		leased, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, leased, "cancelled job must not be leased")
	})

	t.Run("cancel of active job wins over late ack", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)

		ok, err := q.Cancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, q.Ack(ctx, id), "ack after cancel is a no-op, not an error")
		job, _ := q.GetStatus(ctx, id)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
	})

	t.Run("terminal jobs are not cancellable", func(t *testing.T) {
		q := NewMemoryQueue()
		id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
		_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, id))

		ok, err := q.Cancel(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryQueueLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(WithClock(func() time.Time { return now }))

	id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{MaxAttempts: 3})
	_, err := q.DequeueLease(ctx, "w-1", nil, 30*time.Second)
	require.NoError(t, err)

	// Lease still live: the job is invisible to other workers.
	job, err := q.DequeueLease(ctx, "w-2", nil, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Crash: the lease lapses and the job becomes eligible again after the
	// reclaim delay.
	now = now.Add(40 * time.Second)
	job, err = q.DequeueLease(ctx, "w-2", nil, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, job, "reclaimed job carries a retry delay")

	now = now.Add(10 * time.Second)
	job, err = q.DequeueLease(ctx, "w-2", nil, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "w-2", *job.LeasedBy)

	// The original holder can no longer extend.
	assert.ErrorIs(t, q.ExtendLease(ctx, id, "w-1", time.Minute), domain.ErrLeaseLost)
}

func TestMemoryQueueLeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	const jobs = 5
	const workers = 20

	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	leased := make(map[string]int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := q.DequeueLease(ctx, "w", nil, time.Minute)
				assert.NoError(t, err)
				if job == nil || err != nil {
					return
				}
				mu.Lock()
				leased[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, leased, jobs, "every job leased")
	for id, count := range leased {
		assert.Equal(t, 1, count, "job %s leased more than once", id)
	}

	counts := q.CountByStatus("")
	assert.Equal(t, jobs, counts[domain.JobStatusActive])
}

func TestMemoryQueueProgress(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	id, _ := q.Enqueue(ctx, domain.JobTypeExport, testPayload(), domain.EnqueueOptions{})
	_, err := q.DequeueLease(ctx, "w-1", nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, id, 40))
	job, _ := q.GetStatus(ctx, id)
	assert.Equal(t, 40, job.Progress)

	require.NoError(t, q.UpdateProgress(ctx, id, 140))
	job, _ = q.GetStatus(ctx, id)
	assert.Equal(t, 100, job.Progress, "progress is clamped")
}
