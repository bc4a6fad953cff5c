package publisher

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-academy/backend/internal/contents"
	"github.com/aura-academy/backend/internal/models"
)

type fakeSource struct {
	mu      sync.Mutex
	body    string
	fetches int
	failErr error
}

func (f *fakeSource) FetchRecording(ctx context.Context, recordingRef string) (io.ReadCloser, string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, "", 0, f.failErr
	}
	f.fetches++
	return io.NopCloser(strings.NewReader(f.body)), "video/mp4", int64(len(f.body)), nil
}

type fakeStore struct {
	mu         sync.Mutex
	bySess     map[uuid.UUID]*models.Content
	created    int
	failCreate error
	// dupWinner simulates a concurrent publisher committing between the
	// lookup and the insert: Create installs it and reports the unique
	// constraint violation.
	dupWinner *models.Content
}

func newFakeStore() *fakeStore {
	return &fakeStore{bySess: make(map[uuid.UUID]*models.Content)}
}

func (f *fakeStore) Create(ctx context.Context, c *models.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if f.dupWinner != nil {
		cp := *f.dupWinner
		f.bySess[c.SessionID] = &cp
		return contents.ErrDuplicate
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	cp := *c
	f.bySess[c.SessionID] = &cp
	f.created++
	return nil
}

func (f *fakeStore) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*models.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.bySess[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

type fakeUploader struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]int64
	failErr error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{bucket: "test-recordings", objects: make(map[string]int64)}
}

func (f *fakeUploader) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", f.failErr
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return "", err
	}
	f.objects[key] = n
	return "https://" + bucket + ".s3.amazonaws.com/" + key, nil
}

func (f *fakeUploader) DeleteObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeUploader) RecordingsBucket() string { return f.bucket }

func readySession() *models.Session {
	return &models.Session{
		ID:           uuid.New(),
		Title:        "Linear Algebra Recap",
		State:        models.StateRecordingReady,
		RecordingRef: "rec-42",
	}
}

func TestPublishUploadsAndCreatesContent(t *testing.T) {
	source := &fakeSource{body: "mp4-bytes"}
	store := newFakeStore()
	uploader := newFakeUploader()
	p := New(store, uploader, source, nil)

	s := readySession()
	content, err := p.Publish(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, s.ID, content.SessionID)
	assert.Equal(t, "rec-42", content.RecordingRef)
	assert.NotEqual(t, uuid.Nil, content.ID)
	assert.Equal(t, int64(len("mp4-bytes")), content.FileSize)
	assert.Contains(t, content.S3Key, s.ID.String())
	assert.Contains(t, content.S3URL, content.S3Key)

	uploaded, ok := uploader.objects[content.S3Key]
	require.True(t, ok, "object must land in the bucket")
	assert.Equal(t, int64(len("mp4-bytes")), uploaded)
}

func TestPublishReusesExistingContent(t *testing.T) {
	source := &fakeSource{body: "mp4-bytes"}
	store := newFakeStore()
	uploader := newFakeUploader()
	p := New(store, uploader, source, nil)

	s := readySession()
	first, err := p.Publish(context.Background(), s)
	require.NoError(t, err)

	second, err := p.Publish(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.created)
	assert.Equal(t, 1, source.fetches, "re-run must not download again")
}

func TestPublishFetchFailure(t *testing.T) {
	source := &fakeSource{failErr: errors.New("asset not yet available")}
	store := newFakeStore()
	p := New(store, newFakeUploader(), source, nil)

	_, err := p.Publish(context.Background(), readySession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch recording")
	assert.Equal(t, 0, store.created)
}

func TestPublishCreateFailureUnwindsUpload(t *testing.T) {
	source := &fakeSource{body: "mp4-bytes"}
	store := newFakeStore()
	store.failCreate = errors.New("connection refused")
	uploader := newFakeUploader()
	p := New(store, uploader, source, nil)

	s := readySession()
	_, err := p.Publish(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create content")
	assert.Empty(t, uploader.objects, "the uploaded object must be removed when the row insert fails")

	// Retry after the store recovers.
	store.failCreate = nil
	content, err := p.Publish(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, uploader.objects, 1)
	assert.Equal(t, 1, store.created)
	assert.NotEqual(t, uuid.Nil, content.ID)
}

func TestPublishConvergesOnConcurrentWinner(t *testing.T) {
	source := &fakeSource{body: "mp4-bytes"}
	store := newFakeStore()
	uploader := newFakeUploader()
	p := New(store, uploader, source, nil)

	s := readySession()
	winner := &models.Content{
		ID:           uuid.New(),
		SessionID:    s.ID,
		RecordingRef: s.RecordingRef,
		S3Key:        "recordings/other/winner.mp4",
	}
	store.dupWinner = winner

	content, err := p.Publish(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, content.ID, "must return the row that won the race")
	assert.Equal(t, 0, store.created)
	assert.Empty(t, uploader.objects, "the losing upload must be unwound")
}

func TestPublishUploadFailureLeavesNoRow(t *testing.T) {
	source := &fakeSource{body: "mp4-bytes"}
	store := newFakeStore()
	uploader := newFakeUploader()
	uploader.failErr = errors.New("connection reset")
	p := New(store, uploader, source, nil)

	s := readySession()
	_, err := p.Publish(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, 0, store.created, "failed uploads must not leave content rows")

	// Retry after the outage succeeds.
	uploader.failErr = nil
	content, err := p.Publish(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, store.created)
	assert.NotEqual(t, uuid.Nil, content.ID)
}
