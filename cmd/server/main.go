// Package main runs the HTTP edge: session scheduling endpoints, operator
// cancellation, provider webhooks, and the ops dashboard WebSocket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-academy/backend/config"
	"github.com/aura-academy/backend/internal/contents"
	"github.com/aura-academy/backend/internal/httpapi"
	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/middleware"
	"github.com/aura-academy/backend/internal/notify"
	"github.com/aura-academy/backend/internal/orchestrator"
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
	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifier := notify.NewDispatcher(jobQueue, rdb.Client, logger)
	bus := realtime.NewBus(rdb.Client, logger)

	// The edge only performs store-guarded transitions (cancel, webhooks); the
	// engine process owns timers, allocation, and publication.
	lifecycle := orchestrator.NewLifecycle(sessionRepo, nil, nil, notifier, bus, nil,
		cfg.Orchestrator.CallTimeout, cfg.Orchestrator.PublishTimeout, logger)

	hub := realtime.NewHub(logger)
	unsubscribe, err := bus.Subscribe(func(ev realtime.Event) {
		hub.Broadcast(ev)
	})
	if err != nil {
		logger.Fatal("event bus subscribe", zap.Error(err))
	}
	defer unsubscribe()

	signer := liveprovider.NewIngestTokenSigner(cfg.Provider.IngestSecret, cfg.Provider.TokenValidity)

	sessionHandler := httpapi.NewHandler(sessionRepo, lifecycle, bus, logger)
	contentHandler := httpapi.NewContentHandler(sessionRepo, contentRepo, s3Client, logger)
	ingestHandler := httpapi.NewIngestHandler(sessionRepo, signer, logger)
	webhookHandler := httpapi.NewWebhookHandler(lifecycle, cfg.Webhook.Secret, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(logger))

	api := r.Group("/api")
	{
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/cancel", sessionHandler.Cancel)
		api.GET("/sessions/:id/content", contentHandler.Get)
		api.POST("/ingest/authorize", ingestHandler.Authorize)
	}

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/live", webhookHandler.Live)
		webhooks.POST("/stream-ended", webhookHandler.StreamEnded)
		webhooks.POST("/recording-ready", webhookHandler.RecordingReady)
	}

	r.GET("/ws/ops", realtime.ServeWs(hub, logger))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ops_clients": hub.Count()})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server started", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
