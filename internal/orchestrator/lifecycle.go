package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/realtime"
	"github.com/aura-academy/backend/internal/sessions"
)

// CancelledReason is persisted as last_error when an operator cancels a session.
const CancelledReason = "cancelled"

// Lifecycle is the single authority for session mutation. Every entry point
// re-reads the session and advances it with a conditional update, so two
// racing triggers resolve to exactly one transition and one no-op.
//
// AttemptStart and AttemptPublish never return errors: they run inside
// fire-and-forget timer and sweep callbacks, so every outcome is handled
// locally (logged, counted, and where fatal, persisted on the session).
type Lifecycle struct {
	store     SessionStore
	provider  EndpointProvider
	publisher ContentPublisher
	notifier  Notifier
	events    EventSink
	timers    *Timers

	locks          *keyedLocks
	callTimeout    time.Duration
	publishTimeout time.Duration
	logger         *zap.Logger
}

// NewLifecycle creates the state machine. events may be nil when no dashboard
// bus is wired (tests, single-binary runs). callTimeout bounds the quick
// provider/store calls of attempt-start; publishTimeout bounds the whole
// fetch-and-upload pipeline of attempt-publish.
func NewLifecycle(store SessionStore, provider EndpointProvider, publisher ContentPublisher,
	notifier Notifier, events EventSink, timers *Timers,
	callTimeout, publishTimeout time.Duration, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Minute
	}
	l := &Lifecycle{
		store:          store,
		provider:       provider,
		publisher:      publisher,
		notifier:       notifier,
		events:         events,
		timers:         timers,
		locks:          newKeyedLocks(),
		callTimeout:    callTimeout,
		publishTimeout: publishTimeout,
		logger:         logger,
	}
	if timers != nil {
		timers.SetFireHandler(func(sessionID uuid.UUID) {
			l.AttemptStart(context.Background(), sessionID)
		})
	}
	return l
}

// AttemptStart moves a session from scheduled to live_ready: it allocates a
// live endpoint and writes the transition guarded on the stored state still
// being scheduled. Any trigger may call this at any time; a session that has
// already advanced makes it a no-op.
func (l *Lifecycle) AttemptStart(ctx context.Context, sessionID uuid.UUID) {
	unlock := l.locks.lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	s, err := l.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			l.logger.Warn("attempt start: session vanished", zap.String("session_id", sessionID.String()))
			return
		}
		l.logger.Warn("attempt start: store read failed, retrying on next sweep",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	if s.State != models.StateScheduled {
		// Another trigger already advanced it. The persisted state is the
		// at-most-once guard, not the in-memory registry.
		conflictsTotal.Inc()
		l.logger.Debug("attempt start: already advanced",
			zap.String("session_id", sessionID.String()), zap.String("state", string(s.State)))
		return
	}

	ep, err := l.provider.Allocate(ctx, s.ID, liveprovider.AllocateMetadata{
		Title:       s.Title,
		ScheduledAt: s.ScheduledAt,
	})
	if err != nil {
		if errors.Is(err, liveprovider.ErrRejected) {
			providerErrorsTotal.WithLabelValues("fatal").Inc()
			l.fail(ctx, s, fmt.Sprintf("endpoint allocation rejected: %v", err))
			return
		}
		// Timeouts and network errors are transient; allocation is idempotent
		// by session id, so the next sweep retries without leaking endpoints.
		providerErrorsTotal.WithLabelValues("transient").Inc()
		l.logger.Warn("attempt start: provider error, retrying on next sweep",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}

	err = l.store.ConditionalUpdate(ctx, s.ID, models.StateScheduled, sessions.Patch{
		State:             models.StateLiveReady,
		LiveEndpointRef:   &ep.Ref,
		IngestCredentials: &ep.IngestCredentials,
	})
	switch {
	case errors.Is(err, sessions.ErrConflict):
		conflictsTotal.Inc()
		l.logger.Debug("attempt start: lost the race", zap.String("session_id", s.ID.String()))
		return
	case err != nil:
		l.logger.Warn("attempt start: conditional update failed, retrying on next sweep",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}

	transitionsTotal.WithLabelValues(string(models.StateLiveReady)).Inc()
	l.logger.Info("session live ready",
		zap.String("session_id", s.ID.String()), zap.String("endpoint_ref", ep.Ref))
	l.broadcast(s.ID, models.StateLiveReady)
	l.notifyBestEffort(ctx, s.OwnerGroupRef, notify.Message{
		SessionID: s.ID,
		Kind:      notify.KindLiveNow,
		Title:     s.Title,
		Body:      "Your class is about to go live.",
	})
}

// AttemptPublish moves a session from recording_ready to published: it runs
// the content pipeline and writes the transition guarded on the stored state.
func (l *Lifecycle) AttemptPublish(ctx context.Context, sessionID uuid.UUID) {
	unlock := l.locks.lock(sessionID)
	defer unlock()

	// A wedged download or upload must not park the trigger forever; the next
	// sweep retries and the pipeline is idempotent per session.
	ctx, cancel := context.WithTimeout(ctx, l.publishTimeout)
	defer cancel()

	s, err := l.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			l.logger.Warn("attempt publish: session vanished", zap.String("session_id", sessionID.String()))
			return
		}
		l.logger.Warn("attempt publish: store read failed, retrying on next sweep",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	if s.State != models.StateRecordingReady {
		conflictsTotal.Inc()
		l.logger.Debug("attempt publish: already advanced",
			zap.String("session_id", sessionID.String()), zap.String("state", string(s.State)))
		return
	}

	content, err := l.publisher.Publish(ctx, s)
	if err != nil {
		l.logger.Warn("attempt publish: pipeline failed, retrying on next sweep",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}

	err = l.store.ConditionalUpdate(ctx, s.ID, models.StateRecordingReady, sessions.Patch{
		State:               models.StatePublished,
		PublishedContentRef: &content.ID,
	})
	switch {
	case errors.Is(err, sessions.ErrConflict):
		conflictsTotal.Inc()
		l.logger.Debug("attempt publish: lost the race", zap.String("session_id", s.ID.String()))
		return
	case err != nil:
		l.logger.Warn("attempt publish: conditional update failed, retrying on next sweep",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}

	transitionsTotal.WithLabelValues(string(models.StatePublished)).Inc()
	l.logger.Info("session published",
		zap.String("session_id", s.ID.String()), zap.String("content_id", content.ID.String()))
	l.broadcast(s.ID, models.StatePublished)
	l.notifyBestEffort(ctx, s.OwnerGroupRef, notify.Message{
		SessionID: s.ID,
		Kind:      notify.KindRecordingAvailable,
		Title:     s.Title,
		Body:      "The class recording is now available on demand.",
	})
}

// Cancel removes the session's timer handle and persists failed{cancelled},
// guarded on the session still being scheduled. Persisting is what keeps the
// next sweep from resurrecting it; the timer removal alone would not.
func (l *Lifecycle) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	if l.timers != nil {
		l.timers.Cancel(sessionID)
	}
	reason := CancelledReason
	err := l.store.ConditionalUpdate(ctx, sessionID, models.StateScheduled, sessions.Patch{
		State:     models.StateFailed,
		LastError: &reason,
	})
	if err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(string(models.StateFailed)).Inc()
	l.logger.Info("session cancelled", zap.String("session_id", sessionID.String()))
	l.broadcast(sessionID, models.StateFailed)
	return nil
}

// MarkLive records the provider's go-live acknowledgement (live_ready → live).
func (l *Lifecycle) MarkLive(ctx context.Context, sessionID uuid.UUID) error {
	return l.externalTransition(ctx, sessionID, models.StateLiveReady, sessions.Patch{State: models.StateLive})
}

// MarkEnded records the external end-of-broadcast signal (live → ended).
func (l *Lifecycle) MarkEnded(ctx context.Context, sessionID uuid.UUID) error {
	return l.externalTransition(ctx, sessionID, models.StateLive, sessions.Patch{State: models.StateEnded})
}

// MarkRecordingReady records the provider's recording-ready signal. Sessions
// move there from ended or recording_pending, whichever the poller left them in.
func (l *Lifecycle) MarkRecordingReady(ctx context.Context, sessionID uuid.UUID, recordingRef string) error {
	patch := sessions.Patch{State: models.StateRecordingReady, RecordingRef: &recordingRef}
	err := l.externalTransition(ctx, sessionID, models.StateEnded, patch)
	if errors.Is(err, sessions.ErrConflict) {
		err = l.externalTransition(ctx, sessionID, models.StateRecordingPending, patch)
	}
	return err
}

func (l *Lifecycle) externalTransition(ctx context.Context, sessionID uuid.UUID,
	expected models.SessionState, patch sessions.Patch) error {
	if err := l.store.ConditionalUpdate(ctx, sessionID, expected, patch); err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(string(patch.State)).Inc()
	l.logger.Info("session state changed",
		zap.String("session_id", sessionID.String()), zap.String("state", string(patch.State)))
	l.broadcast(sessionID, patch.State)
	return nil
}

// CheckRecording polls the provider for a session awaiting its recording. An
// ended session is first marked recording_pending so dashboards can tell the
// poll has begun; a ready recording advances it to recording_ready.
func (l *Lifecycle) CheckRecording(ctx context.Context, s *models.Session) {
	if s.LiveEndpointRef == "" {
		return
	}
	status, recordingRef, err := l.provider.PollRecording(ctx, s.LiveEndpointRef)
	if err != nil {
		l.logger.Warn("recording poll failed, retrying on next sweep",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}
	switch status {
	case liveprovider.RecordingStatusReady:
		if err := l.MarkRecordingReady(ctx, s.ID, recordingRef); err != nil && !errors.Is(err, sessions.ErrConflict) {
			l.logger.Warn("mark recording ready failed",
				zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	case liveprovider.RecordingStatusPending:
		if s.State == models.StateEnded {
			err := l.store.ConditionalUpdate(ctx, s.ID, models.StateEnded,
				sessions.Patch{State: models.StateRecordingPending})
			if err != nil && !errors.Is(err, sessions.ErrConflict) {
				l.logger.Warn("mark recording pending failed",
					zap.String("session_id", s.ID.String()), zap.Error(err))
			}
		}
	}
}

// Remind dispatches a pre-start reminder, deduplicated per session within ttl.
func (l *Lifecycle) Remind(ctx context.Context, s *models.Session, ttl time.Duration) {
	err := l.notifier.NotifyOnce(ctx, "reminder:"+s.ID.String(), ttl, s.OwnerGroupRef, notify.Message{
		SessionID: s.ID,
		Kind:      notify.KindReminder,
		Title:     s.Title,
		Body:      "Your class starts in 15 minutes.",
	})
	if err != nil {
		l.logger.Warn("reminder dispatch failed",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return
	}
	remindersTotal.Inc()
}

func (l *Lifecycle) fail(ctx context.Context, s *models.Session, reason string) {
	err := l.store.ConditionalUpdate(ctx, s.ID, s.State, sessions.Patch{
		State:     models.StateFailed,
		LastError: &reason,
	})
	switch {
	case errors.Is(err, sessions.ErrConflict):
		l.logger.Debug("fail transition lost to a concurrent update", zap.String("session_id", s.ID.String()))
	case err != nil:
		l.logger.Warn("persisting failure state failed",
			zap.String("session_id", s.ID.String()), zap.Error(err))
	default:
		transitionsTotal.WithLabelValues(string(models.StateFailed)).Inc()
		l.logger.Error("session failed",
			zap.String("session_id", s.ID.String()), zap.String("reason", reason))
		l.broadcast(s.ID, models.StateFailed)
	}
}

func (l *Lifecycle) broadcast(sessionID uuid.UUID, state models.SessionState) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(realtime.Event{
		Type:      realtime.EventStateChanged,
		SessionID: sessionID,
		State:     state,
	}); err != nil {
		l.logger.Warn("event publish failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

func (l *Lifecycle) notifyBestEffort(ctx context.Context, audienceRef uuid.UUID, msg notify.Message) {
	if err := l.notifier.Notify(ctx, audienceRef, msg); err != nil {
		l.logger.Warn("notification dispatch failed",
			zap.String("session_id", msg.SessionID.String()), zap.Error(err))
	}
}
