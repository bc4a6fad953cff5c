package contents

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-academy/backend/internal/models"
)

// ErrDuplicate is returned when a content row already exists for the session.
// The session_id unique constraint makes concurrent publishers race on it.
var ErrDuplicate = errors.New("content already exists for session")

// Repository handles on-demand content persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a content repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new content row. Returns ErrDuplicate when another writer
// already published this session.
func (r *Repository) Create(ctx context.Context, c *models.Content) error {
	const q = `INSERT INTO contents (id, session_id, recording_ref, s3_url, s3_key, duration_seconds, file_size)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, q, c.SessionID, c.RecordingRef, c.S3URL, c.S3Key, c.DurationSeconds, c.FileSize).
		Scan(&c.ID, &c.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// GetBySessionID returns the content published for a session, or nil if none.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*models.Content, error) {
	const q = `SELECT id, session_id, recording_ref, s3_url, s3_key, duration_seconds, file_size, created_at
		FROM contents WHERE session_id = $1 ORDER BY created_at LIMIT 1`
	var c models.Content
	err := r.pool.QueryRow(ctx, q, sessionID).
		Scan(&c.ID, &c.SessionID, &c.RecordingRef, &c.S3URL, &c.S3Key, &c.DurationSeconds, &c.FileSize, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
