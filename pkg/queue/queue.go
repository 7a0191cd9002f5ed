package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueInvalidations is the Redis list key for read-view invalidation jobs.
	QueueInvalidations = "worker:invalidations"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// DefaultMaxRetries is the number of times to retry a job before moving to DLQ.
	DefaultMaxRetries = 3
	// RetryBackoff is the default delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeInvalidateEvent JobType = "invalidate_event"
)

// InvalidatePayload asks the worker to drop cached read views of an event.
type InvalidatePayload struct {
	EventID uuid.UUID `json:"event_id"`
	Cause   string    `json:"cause"` // "reserved", "sold_out", "cancelled", "paid"
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client     *redis.Client
	logger     *zap.Logger
	maxRetries int
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, maxRetries: DefaultMaxRetries}
}

// SetMaxRetries overrides DefaultMaxRetries. Values below 1 are ignored.
func (q *Queue) SetMaxRetries(n int) {
	if n > 0 {
		q.maxRetries = n
	}
}

// NewJob wraps payload into a fresh job envelope.
func NewJob(jobType JobType, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   body,
		CreatedAt: time.Now(),
	}, nil
}

// EnqueueInvalidation enqueues a read-view invalidation job.
func (q *Queue) EnqueueInvalidation(ctx context.Context, payload InvalidatePayload) error {
	job, err := NewJob(JobTypeInvalidateEvent, payload)
	if err != nil {
		return err
	}
	if err := q.push(ctx, QueueInvalidations, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued invalidation job", zap.String("job_id", job.ID), zap.String("event_id", payload.EventID.String()))
	return nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout (0 = forever) until a job is available or ctx is done.
// A nil job with nil error means nothing was available or the entry was malformed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueInvalidations).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt reaches the retry limit, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= q.maxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.push(ctx, QueueInvalidations, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
