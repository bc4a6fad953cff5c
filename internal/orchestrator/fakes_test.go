package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/sessions"
)

// memStore is an in-memory SessionStore with the same conditional-update
// semantics as the Postgres repository.
type memStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*models.Session
	failReads   int
	failUpdates int
	updates     int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (m *memStore) add(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
}

func (m *memStore) get(id uuid.UUID) models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads > 0 {
		m.failReads--
		return nil, errors.New("store read unavailable")
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) FindScheduledDue(ctx context.Context, now time.Time, window time.Duration) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	limit := now.Add(window)
	for _, s := range m.sessions {
		if s.State == models.StateScheduled && !s.ScheduledAt.After(limit) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) FindScheduledBetween(ctx context.Context, from, to time.Time) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.State == models.StateScheduled && !s.ScheduledAt.Before(from) && s.ScheduledAt.Before(to) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) FindRecordingReady(ctx context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.State == models.StateRecordingReady {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) FindAwaitingRecording(ctx context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.State == models.StateEnded || s.State == models.StateRecordingPending {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected models.SessionState, p sessions.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates > 0 {
		m.failUpdates--
		return errors.New("store write unavailable")
	}
	s, ok := m.sessions[id]
	if !ok {
		return sessions.ErrNotFound
	}
	if s.State != expected {
		return sessions.ErrConflict
	}
	s.State = p.State
	if p.LiveEndpointRef != nil {
		s.LiveEndpointRef = *p.LiveEndpointRef
	}
	if p.IngestCredentials != nil {
		s.IngestCredentials = *p.IngestCredentials
	}
	if p.RecordingRef != nil {
		s.RecordingRef = *p.RecordingRef
	}
	if p.PublishedContentRef != nil {
		ref := *p.PublishedContentRef
		s.PublishedContentRef = &ref
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	m.updates++
	return nil
}

// memProvider simulates a provider whose allocation is idempotent by session
// id: repeated calls return the endpoint created by the first one.
type memProvider struct {
	mu         sync.Mutex
	endpoints  map[uuid.UUID]*liveprovider.Endpoint
	recordings map[string]string // endpointRef -> recordingRef, empty means pending
	calls      int
	created    int
	reject     bool
	failNext   int
}

func newMemProvider() *memProvider {
	return &memProvider{
		endpoints:  make(map[uuid.UUID]*liveprovider.Endpoint),
		recordings: make(map[string]string),
	}
}

func (m *memProvider) Allocate(ctx context.Context, sessionID uuid.UUID, meta liveprovider.AllocateMetadata) (*liveprovider.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.reject {
		return nil, fmt.Errorf("%w: quota exhausted", liveprovider.ErrRejected)
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("provider unreachable")
	}
	if ep, ok := m.endpoints[sessionID]; ok {
		cp := *ep
		return &cp, nil
	}
	m.created++
	ep := &liveprovider.Endpoint{
		Ref:               fmt.Sprintf("ep-%s", sessionID),
		IngestURL:         "rtmp://ingest.example.com/" + sessionID.String(),
		IngestCredentials: "token-" + sessionID.String(),
	}
	m.endpoints[sessionID] = ep
	cp := *ep
	return &cp, nil
}

func (m *memProvider) PollRecording(ctx context.Context, endpointRef string) (liveprovider.RecordingStatus, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.recordings[endpointRef]
	if !ok || ref == "" {
		return liveprovider.RecordingStatusPending, "", nil
	}
	return liveprovider.RecordingStatusReady, ref, nil
}

func (m *memProvider) allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// memPublisher creates at most one content per session.
type memPublisher struct {
	mu       sync.Mutex
	contents map[uuid.UUID]*models.Content
	created  int
	failNext int
	block    bool // simulate a wedged pipeline: park until ctx is done
}

func newMemPublisher() *memPublisher {
	return &memPublisher{contents: make(map[uuid.UUID]*models.Content)}
}

func (m *memPublisher) Publish(ctx context.Context, s *models.Session) (*models.Content, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("pipeline unavailable")
	}
	if c, ok := m.contents[s.ID]; ok {
		cp := *c
		return &cp, nil
	}
	m.created++
	c := &models.Content{
		ID:           uuid.New(),
		SessionID:    s.ID,
		RecordingRef: s.RecordingRef,
		CreatedAt:    time.Now(),
	}
	m.contents[s.ID] = c
	cp := *c
	return &cp, nil
}

// memNotifier records dispatched messages and dedups NotifyOnce by key.
type memNotifier struct {
	mu       sync.Mutex
	sent     []notify.Message
	onceKeys map[string]bool
}

func newMemNotifier() *memNotifier {
	return &memNotifier{onceKeys: make(map[string]bool)}
}

func (m *memNotifier) Notify(ctx context.Context, audienceRef uuid.UUID, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *memNotifier) NotifyOnce(ctx context.Context, dedupKey string, ttl time.Duration, audienceRef uuid.UUID, msg notify.Message) error {
	m.mu.Lock()
	if m.onceKeys[dedupKey] {
		m.mu.Unlock()
		return nil
	}
	m.onceKeys[dedupKey] = true
	m.mu.Unlock()
	return m.Notify(ctx, audienceRef, msg)
}

func (m *memNotifier) byKind(kind string) []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Message
	for _, msg := range m.sent {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func newScheduledSession(at time.Time) *models.Session {
	return &models.Session{
		ID:            uuid.New(),
		Title:         "Intro to Distributed Systems",
		ScheduledAt:   at,
		State:         models.StateScheduled,
		OwnerGroupRef: uuid.New(),
	}
}
