package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DeliveryQueueKey = "delivery_queue"

// DeliveryJob is a single webhook delivery task queued in Redis. The
// envelope bytes are carried verbatim so every try of the same
// (event, subscription) chain posts a byte-identical, identically
// signed body.
type DeliveryJob struct {
	AttemptID          string          `json:"attempt_id"`
	EventID            string          `json:"event_id"`
	SubscriptionID     string          `json:"subscription_id"`
	TargetURL          string          `json:"target_url"`
	Secret             string          `json:"secret"`
	EventType          string          `json:"event_type"`
	Envelope           json.RawMessage `json:"envelope"`
	TryNumber          int             `json:"try_number"`
	RateLimitPerSecond int             `json:"rate_limit_per_second"`
}

// Queue is the delivery queue: a Redis sorted set whose score is the
// unix-micro time at which a job becomes due.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules a single job to become due at the given time.
func (q *Queue) Enqueue(ctx context.Context, job DeliveryJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	err = q.client.ZAdd(ctx, DeliveryQueueKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing delivery: %w", err)
	}
	return nil
}

// EnqueueAll pipelines a batch of jobs all due at the same time.
func (q *Queue) EnqueueAll(ctx context.Context, jobs []DeliveryJob, at time.Time) error {
	pipe := q.client.Pipeline()
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshaling job: %w", err)
		}
		pipe.ZAdd(ctx, DeliveryQueueKey, redis.Z{
			Score:  float64(at.UnixMicro()),
			Member: string(data),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuing deliveries: %w", err)
	}
	return nil
}

// PopDue claims up to limit jobs whose due time has passed. A job is
// only returned to the caller that wins the ZRem, so concurrent pollers
// never hand the same job to two workers.
//
// Winning the ZRem removes the job from Redis, so jobs claimed so far
// are always returned even when a later member fails: a bad member is
// skipped and reported after the batch, and a Redis error returns the
// partial batch alongside the error. Callers must dispatch the returned
// jobs before inspecting the error.
func (q *Queue) PopDue(ctx context.Context, limit int64) ([]DeliveryJob, error) {
	now := float64(time.Now().UnixMicro())

	results, err := q.client.ZRangeByScore(ctx, DeliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	var jobs []DeliveryJob
	var lastErr error
	for _, member := range results {
		removed, err := q.client.ZRem(ctx, DeliveryQueueKey, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("claiming job: %w", err)
		}
		if removed == 0 {
			// Another poller instance already claimed this job.
			continue
		}

		var job DeliveryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			lastErr = fmt.Errorf("unmarshaling job: %w", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, lastErr
}

// Depth returns the number of jobs currently waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DeliveryQueueKey).Result()
}
