package models

import (
	"time"

	"github.com/google/uuid"
)

// Content is an on-demand video artifact published from a session recording.
type Content struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	RecordingRef    string    `json:"recording_ref"`
	S3URL           string    `json:"s3_url,omitempty"`
	S3Key           string    `json:"s3_key,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	FileSize        int64     `json:"file_size"`
	CreatedAt       time.Time `json:"created_at"`
}
