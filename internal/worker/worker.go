// Package worker delivers queued notification jobs to audience inboxes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/pkg/queue"
)

// InboxTTL bounds how long undelivered inbox entries are kept.
const InboxTTL = 7 * 24 * time.Hour

// Worker consumes notification jobs and fans them out to per-audience Redis
// inboxes, where client applications pick them up.
type Worker struct {
	queue  *queue.Queue
	redis  *redis.Client
	logger *zap.Logger
}

// New creates a notification delivery worker.
func New(q *queue.Queue, rdb *redis.Client, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: q, redis: rdb, logger: logger}
}

// Run consumes jobs until ctx is cancelled. Failed deliveries are retried with
// the queue's backoff and land in the DLQ after exhausting retries.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("notification worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notification worker stopping")
			return
		default:
		}

		job, _, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.process(ctx, job); err != nil {
			w.logger.Warn("job processing failed",
				zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			if err := w.queue.Retry(ctx, job); err != nil {
				w.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeNotification:
		var p queue.NotificationPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal notification payload: %w", err)
		}
		return w.deliver(ctx, p)
	default:
		w.logger.Warn("unknown job type dropped", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		return nil
	}
}

func (w *Worker) deliver(ctx context.Context, p queue.NotificationPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal inbox entry: %w", err)
	}
	inbox := "inbox:" + p.AudienceRef.String()
	pipe := w.redis.TxPipeline()
	pipe.RPush(ctx, inbox, body)
	pipe.Expire(ctx, inbox, InboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push inbox entry: %w", err)
	}
	w.logger.Info("notification delivered",
		zap.String("audience_ref", p.AudienceRef.String()),
		zap.String("session_id", p.SessionID.String()),
		zap.String("kind", p.Kind))
	return nil
}
