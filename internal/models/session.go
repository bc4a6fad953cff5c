package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a class session.
type SessionState string

// Session lifecycle states. Transitions only move forward along
// Scheduled → LiveReady → Live → Ended → RecordingPending → RecordingReady → Published,
// except into Failed, which is reachable from any non-terminal state.
const (
	StateScheduled        SessionState = "scheduled"
	StateLiveReady        SessionState = "live_ready"
	StateLive             SessionState = "live"
	StateEnded            SessionState = "ended"
	StateRecordingPending SessionState = "recording_pending"
	StateRecordingReady   SessionState = "recording_ready"
	StatePublished        SessionState = "published"
	StateFailed           SessionState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

// Session is one scheduled live class occurrence and its lifecycle record.
// Identity and ScheduledAt are immutable after creation; State is mutated
// exclusively through conditional updates.
type Session struct {
	ID                  uuid.UUID    `json:"id"`
	Title               string       `json:"title"`
	ScheduledAt         time.Time    `json:"scheduled_at"`
	State               SessionState `json:"state"`
	LiveEndpointRef     string       `json:"live_endpoint_ref,omitempty"`
	IngestCredentials   string       `json:"ingest_credentials,omitempty"`
	RecordingRef        string       `json:"recording_ref,omitempty"`
	PublishedContentRef *uuid.UUID   `json:"published_content_ref,omitempty"`
	OwnerGroupRef       uuid.UUID    `json:"owner_group_ref"`
	LastError           string       `json:"last_error,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}
