package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPastHorizon is returned when a fire time lies beyond the timer horizon.
// The reconciler re-registers such sessions once they come within range.
var ErrPastHorizon = errors.New("fire time beyond timer horizon")

// timerEntry tags each pending timer with the generation that created it, so
// a callback firing concurrently with a reschedule can tell whether the
// registry slot still belongs to it.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Timers holds at most one pending one-shot action per session id. Handles are
// in-memory only and rebuilt from the store on startup; a fired or cancelled
// handle is removed from the registry regardless of whether the downstream
// transition executed.
type Timers struct {
	mu      sync.Mutex
	pending map[uuid.UUID]timerEntry
	gen     uint64
	horizon time.Duration
	now     func() time.Time
	fire    func(sessionID uuid.UUID)
	logger  *zap.Logger
}

// NewTimers creates a timer registry. The fire handler is set separately to
// break the construction cycle with the lifecycle machine.
func NewTimers(horizon time.Duration, logger *zap.Logger) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timers{
		pending: make(map[uuid.UUID]timerEntry),
		horizon: horizon,
		now:     time.Now,
		logger:  logger,
	}
}

// SetFireHandler sets the callback invoked when a timer fires.
func (t *Timers) SetFireHandler(fn func(sessionID uuid.UUID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fire = fn
}

// SetClock overrides the time source.
func (t *Timers) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Schedule registers a one-shot action for the session. Last writer wins: an
// existing handle for the same id is cancelled first. A fire time already in
// the past fires immediately rather than being dropped.
func (t *Timers) Schedule(sessionID uuid.UUID, firesAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduleLocked(sessionID, firesAt)
}

// ScheduleIfAbsent registers a handle only if none exists for the session.
// Used by reconciliation so repeated sweeps are no-ops.
func (t *Timers) ScheduleIfAbsent(sessionID uuid.UUID, firesAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[sessionID]; ok {
		return nil
	}
	return t.scheduleLocked(sessionID, firesAt)
}

func (t *Timers) scheduleLocked(sessionID uuid.UUID, firesAt time.Time) error {
	delay := firesAt.Sub(t.now())
	if delay > t.horizon {
		return ErrPastHorizon
	}
	if delay < 0 {
		delay = 0
	}
	if existing, ok := t.pending[sessionID]; ok {
		existing.timer.Stop()
	}
	t.gen++
	gen := t.gen
	timer := time.AfterFunc(delay, func() {
		// A reschedule can race the fire instant: claim the slot only if it
		// still belongs to this generation, otherwise the newer handle owns it
		// and this callback must not touch the registry or fire.
		if !t.claim(sessionID, gen) {
			return
		}
		t.mu.Lock()
		fire := t.fire
		t.mu.Unlock()
		if fire != nil {
			fire(sessionID)
		}
	})
	t.pending[sessionID] = timerEntry{timer: timer, gen: gen}
	t.logger.Debug("timer scheduled",
		zap.String("session_id", sessionID.String()), zap.Time("fires_at", firesAt))
	return nil
}

// Cancel removes a pending handle if present. No-op otherwise.
func (t *Timers) Cancel(sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[sessionID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.pending, sessionID)
	t.logger.Debug("timer cancelled", zap.String("session_id", sessionID.String()))
	return true
}

// Contains reports whether a handle exists for the session.
func (t *Timers) Contains(sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[sessionID]
	return ok
}

// Len returns the number of pending handles.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all pending handles. Called on shutdown.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, id)
	}
}

// claim removes the session's handle only if it is still the one created for
// gen. Reports whether this callback won the slot.
func (t *Timers) claim(sessionID uuid.UUID, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[sessionID]
	if !ok || entry.gen != gen {
		return false
	}
	delete(t.pending, sessionID)
	return true
}
