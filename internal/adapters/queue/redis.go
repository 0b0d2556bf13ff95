package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reportd/internal/domain"
)

// RedisBroker announces ready job IDs on per-queue lists and parks delayed
// IDs in a per-queue sorted set scored by their run time. The database
// stays authoritative; losing a broker entry only delays a job until the
// scheduler's reconcile pass re-announces it.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func readyKey(queue string) string { return "queue:" + queue }
func delayKey(queue string) string { return "delay:" + queue }

func (b *RedisBroker) Push(ctx context.Context, queue, jobID string) error {
	return b.client.LPush(ctx, readyKey(queue), jobID).Err()
}

func (b *RedisBroker) PushDelayed(ctx context.Context, queue, jobID string, runAt time.Time) error {
	return b.client.ZAdd(ctx, delayKey(queue), redis.Z{
		Score:  float64(runAt.Unix()),
		Member: jobID,
	}).Err()
}

func (b *RedisBroker) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = readyKey(q)
	}
	res, err := b.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

func (b *RedisBroker) Remove(ctx context.Context, queue, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, readyKey(queue), 0, jobID)
	pipe.ZRem(ctx, delayKey(queue), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, delayKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(queue), id)
		pipe.ZRem(ctx, delayKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ domain.QueueBroker = (*RedisBroker)(nil)
