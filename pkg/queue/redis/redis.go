// Package redis provides a Redis-backed job queue. Scheduled jobs live in
// a sorted set scored by run-at time; claimed jobs move to a hash until
// they are acked or nacked, so a crashed worker leaves evidence behind.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/queue"
	goredis "github.com/redis/go-redis/v9"
)

const (
	scheduledKey = "maestro:jobs:scheduled"
	claimedKey   = "maestro:jobs:claimed"
)

type Queue struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

func NewQueue(ctx context.Context, logger *slog.Logger, redisURL string) (*Queue, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Queue{
		client: client,
		logger: logger.With("module", "redis_queue"),
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	err = q.client.ZAdd(ctx, scheduledKey, goredis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: encoded,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return nil
}

// Dequeue claims up to limit due jobs. ZREM is the claim: a member only
// counts as ours when the removal reports we took it, so concurrent
// consumers never double-claim.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]*queue.Job, error) {
	now := time.Now().UTC()

	members, err := q.client.ZRangeByScore(ctx, scheduledKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(members))

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, scheduledKey, member).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		if removed == 0 {
			// Another consumer got there first.
			continue
		}

		job := &queue.Job{}

		err = json.Unmarshal([]byte(member), job)
		if err != nil {
			q.logger.ErrorContext(ctx, "Dropping undecodable job", "error", err)

			continue
		}

		job.Deliveries++

		err = q.storeClaimed(ctx, job)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *Queue) storeClaimed(ctx context.Context, job *queue.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal claimed job %s: %w", job.ID, err)
	}

	err = q.client.HSet(ctx, claimedKey, job.ID, encoded).Err()
	if err != nil {
		return fmt.Errorf("failed to record claim for job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	err := q.client.HDel(ctx, claimedKey, job.ID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, delay time.Duration) error {
	job.RunAt = time.Now().UTC().Add(delay)

	err := q.Enqueue(ctx, job)
	if err != nil {
		return err
	}

	err = q.client.HDel(ctx, claimedKey, job.ID).Err()
	if err != nil {
		return fmt.Errorf("failed to release claim for job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	err := q.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}
