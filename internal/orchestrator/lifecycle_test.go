package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/sessions"
)

func newTestLifecycle(store *memStore, provider *memProvider, pub *memPublisher, n *memNotifier) *Lifecycle {
	return NewLifecycle(store, provider, pub, n, nil, nil, 5*time.Second, time.Minute, nil)
}

func TestAttemptStartHappyPath(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	notifier := newMemNotifier()
	lc := newTestLifecycle(store, provider, newMemPublisher(), notifier)

	s := newScheduledSession(time.Now())
	store.add(s)

	lc.AttemptStart(context.Background(), s.ID)

	got := store.get(s.ID)
	assert.Equal(t, models.StateLiveReady, got.State)
	assert.Equal(t, "ep-"+s.ID.String(), got.LiveEndpointRef)
	assert.NotEmpty(t, got.IngestCredentials)
	assert.Equal(t, 1, provider.allocations())
	require.Len(t, notifier.byKind(notify.KindLiveNow), 1)
}

func TestAttemptStartAtMostOnceConcurrent(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			lc.AttemptStart(context.Background(), s.ID)
		}()
	}
	wg.Wait()

	got := store.get(s.ID)
	assert.Equal(t, models.StateLiveReady, got.State)
	assert.Equal(t, 1, provider.allocations(), "exactly one endpoint must be allocated")
}

// Two lifecycle instances share nothing in memory; only the store's
// conditional update arbitrates the race.
func TestAttemptStartIndependentTriggers(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lcA := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())
	lcB := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); lcA.AttemptStart(context.Background(), s.ID) }()
	go func() { defer wg.Done(); lcB.AttemptStart(context.Background(), s.ID) }()
	wg.Wait()

	got := store.get(s.ID)
	assert.Equal(t, models.StateLiveReady, got.State)
	assert.Equal(t, 1, provider.allocations())
	assert.NotEmpty(t, got.LiveEndpointRef)
}

func TestAttemptStartNoOpWhenAdvanced(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	s.State = models.StateLive
	store.add(s)

	lc.AttemptStart(context.Background(), s.ID)

	assert.Equal(t, models.StateLive, store.get(s.ID).State)
	assert.Equal(t, 0, provider.allocations())
}

func TestAttemptStartProviderRejected(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	provider.reject = true
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	lc.AttemptStart(context.Background(), s.ID)

	got := store.get(s.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Contains(t, got.LastError, "quota exhausted")
}

func TestAttemptStartTransientProviderError(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	provider.failNext = 1
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	lc.AttemptStart(context.Background(), s.ID)
	assert.Equal(t, models.StateScheduled, store.get(s.ID).State, "transient errors leave state untouched")

	// Next sweep retries and succeeds.
	lc.AttemptStart(context.Background(), s.ID)
	assert.Equal(t, models.StateLiveReady, store.get(s.ID).State)
}

// A crash between the provider call and the store write must not leak a
// second endpoint: allocation is idempotent by session id, so the retry
// observes the endpoint created before the lost write.
func TestRecoveryAfterLostWrite(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	store.failUpdates = 1
	lc.AttemptStart(context.Background(), s.ID)
	assert.Equal(t, models.StateScheduled, store.get(s.ID).State)

	lc.AttemptStart(context.Background(), s.ID)
	got := store.get(s.ID)
	assert.Equal(t, models.StateLiveReady, got.State)
	assert.Equal(t, 1, provider.allocations(), "retry must reuse the endpoint from the lost attempt")
}

func TestAttemptPublishIdempotent(t *testing.T) {
	store := newMemStore()
	pub := newMemPublisher()
	notifier := newMemNotifier()
	lc := newTestLifecycle(store, newMemProvider(), pub, notifier)

	s := newScheduledSession(time.Now().Add(-time.Hour))
	s.State = models.StateRecordingReady
	s.RecordingRef = "rec-1"
	store.add(s)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); lc.AttemptPublish(context.Background(), s.ID) }()
	go func() { defer wg.Done(); lc.AttemptPublish(context.Background(), s.ID) }()
	wg.Wait()

	got := store.get(s.ID)
	assert.Equal(t, models.StatePublished, got.State)
	require.NotNil(t, got.PublishedContentRef)
	assert.Equal(t, 1, pub.created, "exactly one content artifact")
	assert.Len(t, notifier.byKind(notify.KindRecordingAvailable), 1)
}

// A wedged pipeline must not park the trigger forever: the publish path has
// its own deadline, and the session stays recording_ready for the next sweep.
func TestAttemptPublishBoundedByTimeout(t *testing.T) {
	store := newMemStore()
	pub := newMemPublisher()
	pub.block = true
	lc := NewLifecycle(store, newMemProvider(), pub, newMemNotifier(), nil, nil,
		5*time.Second, 50*time.Millisecond, nil)

	s := newScheduledSession(time.Now().Add(-time.Hour))
	s.State = models.StateRecordingReady
	s.RecordingRef = "rec-8"
	store.add(s)

	done := make(chan struct{})
	go func() {
		lc.AttemptPublish(context.Background(), s.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt publish did not return after its deadline")
	}
	assert.Equal(t, models.StateRecordingReady, store.get(s.ID).State)
	assert.Equal(t, 0, pub.created)
}

func TestAttemptPublishNoOpWhenNotReady(t *testing.T) {
	store := newMemStore()
	pub := newMemPublisher()
	lc := newTestLifecycle(store, newMemProvider(), pub, newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)

	lc.AttemptPublish(context.Background(), s.ID)
	assert.Equal(t, models.StateScheduled, store.get(s.ID).State)
	assert.Equal(t, 0, pub.created)
}

func TestCancelScheduledSession(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	timers := NewTimers(24*time.Hour, nil)
	lc := NewLifecycle(store, provider, newMemPublisher(), newMemNotifier(), nil, timers, 5*time.Second, time.Minute, nil)

	s := newScheduledSession(time.Now().Add(time.Hour))
	store.add(s)
	require.NoError(t, timers.Schedule(s.ID, s.ScheduledAt))

	require.NoError(t, lc.Cancel(context.Background(), s.ID))

	assert.False(t, timers.Contains(s.ID))
	got := store.get(s.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, CancelledReason, got.LastError)

	// A later sweep must not resurrect it.
	scanner := NewScanner(store, lc, timers, ScannerOptions{}, nil)
	scanner.SweepStart(context.Background())
	assert.Equal(t, 0, provider.allocations())
	assert.Equal(t, models.StateFailed, store.get(s.ID).State)
}

func TestCancelAdvancedSessionConflicts(t *testing.T) {
	store := newMemStore()
	lc := newTestLifecycle(store, newMemProvider(), newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	s.State = models.StateLive
	store.add(s)

	err := lc.Cancel(context.Background(), s.ID)
	assert.ErrorIs(t, err, sessions.ErrConflict)
	assert.Equal(t, models.StateLive, store.get(s.ID).State)
}

func TestExternalTransitions(t *testing.T) {
	store := newMemStore()
	lc := newTestLifecycle(store, newMemProvider(), newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	s.State = models.StateLiveReady
	store.add(s)

	require.NoError(t, lc.MarkLive(context.Background(), s.ID))
	assert.Equal(t, models.StateLive, store.get(s.ID).State)

	require.NoError(t, lc.MarkEnded(context.Background(), s.ID))
	assert.Equal(t, models.StateEnded, store.get(s.ID).State)

	require.NoError(t, lc.MarkRecordingReady(context.Background(), s.ID, "rec-9"))
	got := store.get(s.ID)
	assert.Equal(t, models.StateRecordingReady, got.State)
	assert.Equal(t, "rec-9", got.RecordingRef)

	// Replayed webhook is a conflict, not a corruption.
	err := lc.MarkEnded(context.Background(), s.ID)
	assert.ErrorIs(t, err, sessions.ErrConflict)
}

func TestMarkRecordingReadyFromPending(t *testing.T) {
	store := newMemStore()
	lc := newTestLifecycle(store, newMemProvider(), newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	s.State = models.StateRecordingPending
	store.add(s)

	require.NoError(t, lc.MarkRecordingReady(context.Background(), s.ID, "rec-2"))
	assert.Equal(t, models.StateRecordingReady, store.get(s.ID).State)
}

func TestCheckRecording(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	s.State = models.StateEnded
	s.LiveEndpointRef = "ep-1"
	store.add(s)

	// Still pending: session parks in recording_pending.
	cur := store.get(s.ID)
	lc.CheckRecording(context.Background(), &cur)
	assert.Equal(t, models.StateRecordingPending, store.get(s.ID).State)

	// Ready: session advances with the recording ref.
	provider.mu.Lock()
	provider.recordings["ep-1"] = "rec-7"
	provider.mu.Unlock()
	cur = store.get(s.ID)
	lc.CheckRecording(context.Background(), &cur)
	got := store.get(s.ID)
	assert.Equal(t, models.StateRecordingReady, got.State)
	assert.Equal(t, "rec-7", got.RecordingRef)
}

func TestAttemptStartStoreReadFailure(t *testing.T) {
	store := newMemStore()
	provider := newMemProvider()
	lc := newTestLifecycle(store, provider, newMemPublisher(), newMemNotifier())

	s := newScheduledSession(time.Now())
	store.add(s)
	store.failReads = 1

	// Must not panic and must not touch the provider.
	lc.AttemptStart(context.Background(), s.ID)
	assert.Equal(t, 0, provider.allocations())
	assert.Equal(t, models.StateScheduled, store.get(s.ID).State)
}
