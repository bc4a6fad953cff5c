package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-academy/backend/internal/models"
)

var (
	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a conditional update loses the state check:
	// the stored state no longer matches the expected one.
	ErrConflict = errors.New("session state conflict")
)

const sessionColumns = `id, title, scheduled_at, state, live_endpoint_ref, ingest_credentials,
		recording_ref, published_content_ref, owner_group_ref, last_error, created_at, updated_at`

// Patch is the set of fields a conditional update may change alongside state.
// Nil fields are left untouched.
type Patch struct {
	State               models.SessionState
	LiveEndpointRef     *string
	IngestCredentials   *string
	RecordingRef        *string
	PublishedContentRef *uuid.UUID
	LastError           *string
}

// Repository handles class session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new session in state scheduled.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO class_sessions (id, title, scheduled_at, state, owner_group_ref)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.Title, s.ScheduledAt, models.StateScheduled, s.OwnerGroupRef).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a session by ID, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1`
	row := r.pool.QueryRow(ctx, q, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// List returns sessions ordered by scheduled time, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sessionColumns + ` FROM class_sessions ORDER BY scheduled_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// FindScheduledDue returns scheduled sessions whose scheduled_at falls at or before
// now+window. Due comparison is inclusive so sessions landing exactly on a scan
// boundary are not skipped.
func (r *Repository) FindScheduledDue(ctx context.Context, now time.Time, window time.Duration) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions
		WHERE state = $1 AND scheduled_at <= $2 ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, models.StateScheduled, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// FindScheduledBetween returns scheduled sessions with scheduled_at in [from, to).
// Used by the reminder sweep.
func (r *Repository) FindScheduledBetween(ctx context.Context, from, to time.Time) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions
		WHERE state = $1 AND scheduled_at >= $2 AND scheduled_at < $3 ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, models.StateScheduled, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// FindRecordingReady returns sessions whose recording is ready but not yet published.
func (r *Repository) FindRecordingReady(ctx context.Context) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions
		WHERE state = $1 ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, models.StateRecordingReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// FindAwaitingRecording returns sessions that have ended but whose recording
// has not been reported ready yet.
func (r *Repository) FindAwaitingRecording(ctx context.Context) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions
		WHERE state = ANY($1) ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, []string{string(models.StateEnded), string(models.StateRecordingPending)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ConditionalUpdate applies patch to the session only if its stored state still
// equals expected. This is the correctness primitive for racing triggers: the
// UPDATE's WHERE clause makes the state check and the write a single atomic
// statement, so exactly one of two concurrent updaters can win.
// Returns ErrConflict when the row exists but the state check fails, ErrNotFound
// when the row is absent.
func (r *Repository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected models.SessionState, p Patch) error {
	const q = `UPDATE class_sessions SET
			state = $1,
			live_endpoint_ref = COALESCE($2, live_endpoint_ref),
			ingest_credentials = COALESCE($3, ingest_credentials),
			recording_ref = COALESCE($4, recording_ref),
			published_content_ref = COALESCE($5, published_content_ref),
			last_error = COALESCE($6, last_error),
			updated_at = NOW()
		WHERE id = $7 AND state = $8`
	tag, err := r.pool.Exec(ctx, q, p.State, p.LiveEndpointRef, p.IngestCredentials,
		p.RecordingRef, p.PublishedContentRef, p.LastError, id, expected)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err // ErrNotFound or a read failure
		}
		return ErrConflict
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var endpointRef, ingestCreds, recordingRef, lastErr *string
	err := row.Scan(&s.ID, &s.Title, &s.ScheduledAt, &s.State, &endpointRef, &ingestCreds,
		&recordingRef, &s.PublishedContentRef, &s.OwnerGroupRef, &lastErr, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if endpointRef != nil {
		s.LiveEndpointRef = *endpointRef
	}
	if ingestCreds != nil {
		s.IngestCredentials = *ingestCreds
	}
	if recordingRef != nil {
		s.RecordingRef = *recordingRef
	}
	if lastErr != nil {
		s.LastError = *lastErr
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
