package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildhall/backend/pkg/queue"
)

// JobQueue is the queue surface the processor drains.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ViewCache drops cached read views of an event.
type ViewCache interface {
	Invalidate(ctx context.Context, eventID uuid.UUID) error
}

// InvalidationProcessor drops cached availability views when an event's
// registrations change.
type InvalidationProcessor struct {
	queue       JobQueue
	cache       ViewCache
	logger      *zap.Logger
	pollTimeout time.Duration
	backoff     time.Duration
}

// NewInvalidationProcessor creates an invalidation processor. backoff <= 0
// uses queue.RetryBackoff.
func NewInvalidationProcessor(q JobQueue, cache ViewCache, backoff time.Duration, logger *zap.Logger) *InvalidationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = queue.RetryBackoff
	}
	return &InvalidationProcessor{queue: q, cache: cache, logger: logger, pollTimeout: 5 * time.Second, backoff: backoff}
}

// Process executes one invalidation job.
func (p *InvalidationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeInvalidateEvent {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.InvalidatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.EventID == uuid.Nil {
		return fmt.Errorf("job %s: missing event id", job.ID)
	}
	if err := p.cache.Invalidate(ctx, payload.EventID); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	p.logger.Debug("availability invalidated", zap.String("event_id", payload.EventID.String()), zap.String("cause", payload.Cause))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns
// when ctx is done.
func (p *InvalidationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("invalidation worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *InvalidationProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
