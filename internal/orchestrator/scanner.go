package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/models"
)

// ScannerOptions holds the sweep cadences and windows.
type ScannerOptions struct {
	StartInterval    time.Duration // due-session sweep cadence
	StartWindow      time.Duration // forward window of the due sweep
	PublishInterval  time.Duration // recording_ready sweep cadence
	ReminderLead     time.Duration // how far before start reminders go out
	ReminderInterval time.Duration // reminder sweep cadence
}

// Scanner is the coarse-grained safety net behind the precise timers. Its
// sweeps re-trigger the lifecycle machine for any session a timer should have
// handled but didn't (restart before registration, clock skew, lost handle).
// Triggering a session twice is harmless: the state machine no-ops.
type Scanner struct {
	store     SessionStore
	lifecycle *Lifecycle
	timers    *Timers
	opts      ScannerOptions
	now       func() time.Time
	logger    *zap.Logger
}

// NewScanner creates the periodic scanner.
func NewScanner(store SessionStore, lifecycle *Lifecycle, timers *Timers,
	opts ScannerOptions, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StartInterval <= 0 {
		opts.StartInterval = time.Minute
	}
	if opts.StartWindow <= 0 {
		opts.StartWindow = 5 * time.Minute
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 5 * time.Minute
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = 15 * time.Minute
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = time.Minute
	}
	return &Scanner{
		store:     store,
		lifecycle: lifecycle,
		timers:    timers,
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (sc *Scanner) SetClock(now func() time.Time) { sc.now = now }

// Run executes all sweeps on their cadences until ctx is cancelled. Each sweep
// kind runs its own loop: a slow publish pipeline must never delay the start
// sweep, which is the safety net for missed sessions. Sweep failures are
// logged and retried on the next tick; they never stop the loops.
func (sc *Scanner) Run(ctx context.Context) {
	sc.logger.Info("periodic scanner started",
		zap.Duration("start_interval", sc.opts.StartInterval),
		zap.Duration("publish_interval", sc.opts.PublishInterval),
		zap.Duration("reminder_interval", sc.opts.ReminderInterval))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		sc.loop(ctx, sc.opts.StartInterval, sc.SweepStart)
	}()
	go func() {
		defer wg.Done()
		sc.loop(ctx, sc.opts.PublishInterval, func(ctx context.Context) {
			sc.SweepPublish(ctx)
			sc.SweepRecordings(ctx)
		})
	}()
	go func() {
		defer wg.Done()
		sc.loop(ctx, sc.opts.ReminderInterval, sc.SweepReminders)
	}()
	wg.Wait()
	sc.logger.Info("periodic scanner stopped")
}

func (sc *Scanner) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// SweepStart triggers attempt-start for every scheduled session that is due
// (scheduled_at <= now, inclusive so boundary sessions are not skipped) and
// backfills a timer handle for sessions due within the forward window that
// lost theirs.
func (sc *Scanner) SweepStart(ctx context.Context) {
	sweepsTotal.WithLabelValues("start").Inc()
	now := sc.now()
	list, err := sc.store.FindScheduledDue(ctx, now, sc.opts.StartWindow)
	if err != nil {
		sc.logger.Warn("start sweep query failed", zap.Error(err))
		return
	}
	for i := range list {
		s := &list[i]
		if !s.ScheduledAt.After(now) {
			sc.lifecycle.AttemptStart(ctx, s.ID)
			continue
		}
		if sc.timers != nil {
			if err := sc.timers.ScheduleIfAbsent(s.ID, s.ScheduledAt); err != nil {
				sc.logger.Warn("timer backfill failed",
					zap.String("session_id", s.ID.String()), zap.Error(err))
			}
		}
	}
}

// SweepPublish triggers attempt-publish for every session whose recording is
// ready but not yet converted.
func (sc *Scanner) SweepPublish(ctx context.Context) {
	sweepsTotal.WithLabelValues("publish").Inc()
	list, err := sc.store.FindRecordingReady(ctx)
	if err != nil {
		sc.logger.Warn("publish sweep query failed", zap.Error(err))
		return
	}
	for i := range list {
		sc.lifecycle.AttemptPublish(ctx, list[i].ID)
	}
}

// SweepRecordings polls the provider for ended sessions still waiting on
// their recording asset.
func (sc *Scanner) SweepRecordings(ctx context.Context) {
	sweepsTotal.WithLabelValues("recordings").Inc()
	list, err := sc.store.FindAwaitingRecording(ctx)
	if err != nil {
		sc.logger.Warn("recording sweep query failed", zap.Error(err))
		return
	}
	for i := range list {
		sc.lifecycle.CheckRecording(ctx, &list[i])
	}
}

// SweepReminders notifies audiences of sessions starting in about
// ReminderLead. Dedup is bounded to the sweep window; a duplicate inside one
// window is acceptable.
func (sc *Scanner) SweepReminders(ctx context.Context) {
	sweepsTotal.WithLabelValues("reminders").Inc()
	now := sc.now()
	from := now.Add(sc.opts.ReminderLead)
	to := from.Add(sc.opts.ReminderInterval)
	list, err := sc.store.FindScheduledBetween(ctx, from, to)
	if err != nil {
		sc.logger.Warn("reminder sweep query failed", zap.Error(err))
		return
	}
	for i := range list {
		sc.lifecycle.Remind(ctx, &list[i], 2*sc.opts.ReminderInterval)
	}
}

// Reconciler rebuilds in-memory timer state from the store: on startup and on
// a slow cadence it registers a handle for every scheduled session inside the
// timer horizon. Registration is idempotent, so overlapping runs are no-ops.
type Reconciler struct {
	store   SessionStore
	timers  *Timers
	horizon time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewReconciler creates the reconciliation loader.
func NewReconciler(store SessionStore, timers *Timers, horizon time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		timers:  timers,
		horizon: horizon,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Load registers timer handles for all upcoming scheduled sessions. A store
// query failure is returned for logging and retried on the next run; it never
// crashes the process.
func (r *Reconciler) Load(ctx context.Context) error {
	list, err := r.store.FindScheduledDue(ctx, r.now(), r.horizon)
	if err != nil {
		return err
	}
	registered := 0
	for i := range list {
		s := &list[i]
		if s.State != models.StateScheduled {
			continue
		}
		if err := r.timers.ScheduleIfAbsent(s.ID, s.ScheduledAt); err != nil {
			r.logger.Warn("reconcile: timer registration failed",
				zap.String("session_id", s.ID.String()), zap.Error(err))
			continue
		}
		registered++
	}
	r.logger.Info("reconciliation complete",
		zap.Int("sessions", len(list)), zap.Int("registered", registered), zap.Int("pending_timers", r.timers.Len()))
	return nil
}

// Run reloads on the given interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Load(ctx); err != nil {
				r.logger.Warn("reconciliation failed, retrying on next interval", zap.Error(err))
			}
		}
	}
}
