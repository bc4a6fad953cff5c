// Package orchestrator drives class sessions through their lifecycle:
// scheduled sessions are started when due, ended broadcasts are collected as
// recordings, and recordings are published as on-demand content.
//
// Two independent triggers feed the same entry points: precise one-shot timers
// and coarse periodic sweeps. Correctness under that race rests on conditional
// state updates against the store, never on in-memory bookkeeping.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/realtime"
	"github.com/aura-academy/backend/internal/sessions"
)

// SessionStore is the persistence surface the engine needs. The production
// implementation is *sessions.Repository; its ConditionalUpdate must be atomic
// and reject writes whose expected state no longer matches.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindScheduledDue(ctx context.Context, now time.Time, window time.Duration) ([]models.Session, error)
	FindScheduledBetween(ctx context.Context, from, to time.Time) ([]models.Session, error)
	FindRecordingReady(ctx context.Context) ([]models.Session, error)
	FindAwaitingRecording(ctx context.Context) ([]models.Session, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected models.SessionState, p sessions.Patch) error
}

// EndpointProvider allocates live-ingest endpoints and reports recording
// completion. Allocate must be idempotent by session id so a retry after a
// lost response does not create a second endpoint.
type EndpointProvider interface {
	Allocate(ctx context.Context, sessionID uuid.UUID, meta liveprovider.AllocateMetadata) (*liveprovider.Endpoint, error)
	PollRecording(ctx context.Context, endpointRef string) (liveprovider.RecordingStatus, string, error)
}

// ContentPublisher turns a ready recording into an on-demand content artifact.
// Implementations must be idempotent per session.
type ContentPublisher interface {
	Publish(ctx context.Context, s *models.Session) (*models.Content, error)
}

// Notifier delivers audience notifications. Best-effort: errors are logged by
// the caller and never affect transition outcomes.
type Notifier interface {
	Notify(ctx context.Context, audienceRef uuid.UUID, msg notify.Message) error
	NotifyOnce(ctx context.Context, dedupKey string, ttl time.Duration, audienceRef uuid.UUID, msg notify.Message) error
}

// EventSink receives lifecycle events for dashboards and cross-process
// coordination. May be nil-checked by callers; publishing is best-effort.
type EventSink interface {
	Publish(ev realtime.Event) error
}
