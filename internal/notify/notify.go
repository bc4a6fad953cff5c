// Package notify dispatches session notifications to enrolled audiences.
// Delivery itself is fire-and-forget: messages are enqueued for an external
// push worker, and failures never propagate into lifecycle outcomes.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/pkg/queue"
)

// Message kinds.
const (
	KindReminder           = "reminder"
	KindLiveNow            = "live_now"
	KindRecordingAvailable = "recording_available"
	KindCancelled          = "cancelled"
)

// Message is a notification addressed to a session's audience.
type Message struct {
	SessionID uuid.UUID
	Kind      string
	Title     string
	Body      string
}

// Dispatcher enqueues notification jobs for the delivery worker.
type Dispatcher struct {
	queue  *queue.Queue
	redis  *redis.Client
	logger *zap.Logger
}

// NewDispatcher creates a notification dispatcher. The redis client is used for
// best-effort reminder dedup keys and may be the same client backing the queue.
func NewDispatcher(q *queue.Queue, rdb *redis.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: q, redis: rdb, logger: logger}
}

// Notify enqueues a notification for the audience. Errors are returned for
// logging only; callers must not treat them as transition failures.
func (d *Dispatcher) Notify(ctx context.Context, audienceRef uuid.UUID, msg Message) error {
	err := d.queue.EnqueueNotification(ctx, queue.NotificationPayload{
		AudienceRef: audienceRef,
		SessionID:   msg.SessionID,
		Kind:        msg.Kind,
		Title:       msg.Title,
		Body:        msg.Body,
	})
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// NotifyOnce enqueues a notification unless one with the same dedup key was
// sent within ttl. Dedup is best-effort (SET NX EX); a Redis failure falls back
// to sending, keeping delivery at-least-once.
func (d *Dispatcher) NotifyOnce(ctx context.Context, dedupKey string, ttl time.Duration, audienceRef uuid.UUID, msg Message) error {
	ok, err := d.redis.SetNX(ctx, "notify:dedup:"+dedupKey, 1, ttl).Result()
	if err != nil {
		d.logger.Warn("notification dedup check failed, sending anyway",
			zap.String("dedup_key", dedupKey), zap.Error(err))
	} else if !ok {
		d.logger.Debug("notification suppressed by dedup", zap.String("dedup_key", dedupKey))
		return nil
	}
	return d.Notify(ctx, audienceRef, msg)
}
