// Package main runs the live-class orchestration engine: timers, sweeps, and
// the session lifecycle state machine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-academy/backend/config"
	"github.com/aura-academy/backend/internal/contents"
	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/orchestrator"
	"github.com/aura-academy/backend/internal/publisher"
	"github.com/aura-academy/backend/internal/realtime"
	"github.com/aura-academy/backend/internal/sessions"
	"github.com/aura-academy/backend/pkg/database"
	"github.com/aura-academy/backend/pkg/queue"
	"github.com/aura-academy/backend/pkg/redis"
	"github.com/aura-academy/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	sessionRepo := sessions.NewRepository(pool)
	contentRepo := contents.NewRepository(pool)

	signer := liveprovider.NewIngestTokenSigner(cfg.Provider.IngestSecret, cfg.Provider.TokenValidity)
	provider := liveprovider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, signer, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifier := notify.NewDispatcher(jobQueue, rdb.Client, logger)
	bus := realtime.NewBus(rdb.Client, logger)

	pub := publisher.New(contentRepo, s3Client, provider, logger)

	timers := orchestrator.NewTimers(cfg.Orchestrator.TimerHorizon, logger)
	lifecycle := orchestrator.NewLifecycle(sessionRepo, provider, pub, notifier, bus, timers,
		cfg.Orchestrator.CallTimeout, cfg.Orchestrator.PublishTimeout, logger)

	reconciler := orchestrator.NewReconciler(sessionRepo, timers, cfg.Orchestrator.TimerHorizon, logger)
	scanner := orchestrator.NewScanner(sessionRepo, lifecycle, timers, orchestrator.ScannerOptions{
		StartInterval:    cfg.Orchestrator.StartSweepInterval,
		StartWindow:      cfg.Orchestrator.StartSweepWindow,
		PublishInterval:  cfg.Orchestrator.PublishSweepInterval,
		ReminderLead:     cfg.Orchestrator.ReminderLead,
		ReminderInterval: cfg.Orchestrator.ReminderSweepInterval,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rebuild timer state from the store before accepting triggers.
	if err := reconciler.Load(runCtx); err != nil {
		logger.Warn("initial reconciliation failed, relying on sweeps", zap.Error(err))
	}

	// The HTTP edge announces new and cancelled sessions on the bus so timers
	// track them without waiting for the next reconciliation.
	unsubscribe, err := bus.Subscribe(func(ev realtime.Event) {
		switch ev.Type {
		case realtime.EventSessionCreated:
			if ev.ScheduledAt == nil {
				return
			}
			if err := timers.Schedule(ev.SessionID, *ev.ScheduledAt); err != nil {
				logger.Debug("timer registration deferred to reconciler",
					zap.String("session_id", ev.SessionID.String()), zap.Error(err))
			}
		case realtime.EventStateChanged:
			if ev.State != models.StateScheduled {
				timers.Cancel(ev.SessionID)
			}
		}
	})
	if err != nil {
		logger.Fatal("event bus subscribe", zap.Error(err))
	}
	defer unsubscribe()

	go scanner.Run(runCtx)
	go reconciler.Run(runCtx, cfg.Orchestrator.ReconcileInterval)
	go serveMetrics(cfg.Orchestrator.MetricsAddr, logger)
	logger.Info("orchestrator started",
		zap.Duration("timer_horizon", cfg.Orchestrator.TimerHorizon),
		zap.Int("pending_timers", timers.Len()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	timers.Stop()
	time.Sleep(2 * time.Second)
	logger.Info("orchestrator stopped")
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
