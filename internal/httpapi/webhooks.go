package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/orchestrator"
	"github.com/aura-academy/backend/internal/sessions"
	"github.com/aura-academy/backend/pkg/response"
)

// WebhookHandler handles lifecycle callbacks from the live-video provider.
// Each callback is written through the same conditional update the engine
// uses, so replayed or out-of-order webhooks degrade to conflicts, not
// corrupted state.
type WebhookHandler struct {
	lifecycle *orchestrator.Lifecycle
	secret    string
	logger    *zap.Logger
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature verification (dev only).
func NewWebhookHandler(lifecycle *orchestrator.Lifecycle, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{lifecycle: lifecycle, secret: secret, logger: logger}
}

type webhookPayload struct {
	SessionID    string `json:"session_id"`
	EndpointRef  string `json:"endpoint_ref"`
	RecordingRef string `json:"recording_ref"`
}

// Live handles POST /webhooks/live: the provider acknowledged the broadcast
// went on air (live_ready → live).
func (h *WebhookHandler) Live(c *gin.Context) {
	h.handleTransition(c, "live", func(c *gin.Context, sessionID uuid.UUID, p webhookPayload) error {
		return h.lifecycle.MarkLive(c.Request.Context(), sessionID)
	})
}

// StreamEnded handles POST /webhooks/stream-ended (live → ended).
func (h *WebhookHandler) StreamEnded(c *gin.Context) {
	h.handleTransition(c, "stream_ended", func(c *gin.Context, sessionID uuid.UUID, p webhookPayload) error {
		return h.lifecycle.MarkEnded(c.Request.Context(), sessionID)
	})
}

// RecordingReady handles POST /webhooks/recording-ready: the recorded asset is
// available (ended|recording_pending → recording_ready).
func (h *WebhookHandler) RecordingReady(c *gin.Context) {
	h.handleTransition(c, "recording_ready", func(c *gin.Context, sessionID uuid.UUID, p webhookPayload) error {
		if p.RecordingRef == "" {
			return errMissingRecordingRef
		}
		return h.lifecycle.MarkRecordingReady(c.Request.Context(), sessionID, p.RecordingRef)
	})
}

var errMissingRecordingRef = errors.New("recording_ref required")

func (h *WebhookHandler) handleTransition(c *gin.Context, kind string,
	apply func(*gin.Context, uuid.UUID, webhookPayload) error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "read body failed")
		return
	}
	if h.secret != "" {
		if !VerifySignature(h.secret, body, c.GetHeader("X-Webhook-Signature")) {
			h.logger.Warn("webhook signature mismatch", zap.String("kind", kind))
			response.Unauthorized(c, "invalid signature")
			return
		}
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		response.BadRequest(c, "invalid payload")
		return
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}

	err = apply(c, sessionID, p)
	switch {
	case errors.Is(err, errMissingRecordingRef):
		response.BadRequest(c, err.Error())
	case errors.Is(err, sessions.ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, sessions.ErrConflict):
		// Replay or out-of-order delivery; the stored state already moved on.
		h.logger.Debug("webhook transition conflict",
			zap.String("kind", kind), zap.String("session_id", sessionID.String()))
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "no-op"})
	case err != nil:
		h.logger.Error("webhook transition failed",
			zap.String("kind", kind), zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "transition failed")
	default:
		h.logger.Info("webhook processed",
			zap.String("kind", kind), zap.String("session_id", sessionID.String()))
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
