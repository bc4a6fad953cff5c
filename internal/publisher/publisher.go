// Package publisher converts ready recordings into on-demand content:
// it streams the provider asset into S3 and records a content row.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/contents"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/pkg/storage"
)

// RecordingSource opens a streaming download of a recorded asset.
type RecordingSource interface {
	FetchRecording(ctx context.Context, recordingRef string) (io.ReadCloser, string, int64, error)
}

// ContentStore persists content rows.
type ContentStore interface {
	Create(ctx context.Context, c *models.Content) error
	GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*models.Content, error)
}

// Uploader streams objects into the recordings bucket and removes them when a
// publish attempt has to be unwound.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	RecordingsBucket() string
}

// Publisher runs the recording-to-content pipeline.
type Publisher struct {
	contents ContentStore
	uploader Uploader
	source   RecordingSource
	logger   *zap.Logger
}

// New creates a publisher.
func New(contents ContentStore, uploader Uploader, source RecordingSource, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{contents: contents, uploader: uploader, source: source, logger: logger}
}

// Publish produces the on-demand content artifact for a session's recording.
// Idempotent per session: an existing content row is returned as-is, so a
// re-run after a crash or a lost state write does not upload twice.
func (p *Publisher) Publish(ctx context.Context, s *models.Session) (*models.Content, error) {
	existing, err := p.contents.GetBySessionID(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup existing content: %w", err)
	}
	if existing != nil {
		p.logger.Info("content already exists, reusing",
			zap.String("session_id", s.ID.String()), zap.String("content_id", existing.ID.String()))
		return existing, nil
	}

	body, contentType, size, err := p.source.FetchRecording(ctx, s.RecordingRef)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	defer body.Close()

	key := storage.RecordingKey(s.ID.String(), s.RecordingRef)
	url, err := p.uploader.Upload(ctx, p.uploader.RecordingsBucket(), key, contentType, body, size)
	if err != nil {
		return nil, fmt.Errorf("upload recording: %w", err)
	}

	content := &models.Content{
		SessionID:    s.ID,
		RecordingRef: s.RecordingRef,
		S3URL:        url,
		S3Key:        key,
		FileSize:     size,
	}
	if err := p.contents.Create(ctx, content); err != nil {
		// Unwind the upload so a retried publish starts clean instead of
		// leaving an orphaned object behind.
		if delErr := p.uploader.DeleteObject(ctx, p.uploader.RecordingsBucket(), key); delErr != nil {
			p.logger.Warn("orphaned object cleanup failed",
				zap.String("s3_key", key), zap.Error(delErr))
		}
		if errors.Is(err, contents.ErrDuplicate) {
			// A concurrent publisher won the unique-constraint race; converge
			// on its row.
			winner, getErr := p.contents.GetBySessionID(ctx, s.ID)
			if getErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("create content: %w", err)
	}

	p.logger.Info("recording published",
		zap.String("session_id", s.ID.String()),
		zap.String("content_id", content.ID.String()),
		zap.String("s3_key", key))
	return content, nil
}
