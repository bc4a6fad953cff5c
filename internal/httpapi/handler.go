// Package httpapi exposes the service's HTTP edge: session scheduling and
// reads, operator cancellation, and the provider webhooks that carry external
// lifecycle events. All writes go through the same conditional-update
// discipline as the engine's own triggers.
package httpapi

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/orchestrator"
	"github.com/aura-academy/backend/internal/realtime"
	"github.com/aura-academy/backend/internal/sessions"
	"github.com/aura-academy/backend/pkg/response"
)

// Handler serves session scheduling and operator endpoints.
type Handler struct {
	repo      *sessions.Repository
	lifecycle *orchestrator.Lifecycle
	events    *realtime.Bus
	logger    *zap.Logger
}

// NewHandler creates the session API handler.
func NewHandler(repo *sessions.Repository, lifecycle *orchestrator.Lifecycle, events *realtime.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, lifecycle: lifecycle, events: events, logger: logger}
}

type createSessionRequest struct {
	Title         string    `json:"title" binding:"required"`
	ScheduledAt   time.Time `json:"scheduled_at" binding:"required"`
	OwnerGroupRef uuid.UUID `json:"owner_group_ref" binding:"required"`
}

// Create handles POST /api/sessions.
func (h *Handler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.ScheduledAt.After(time.Now()) {
		response.BadRequest(c, "scheduled_at must be in the future")
		return
	}

	s := &models.Session{
		Title:         req.Title,
		ScheduledAt:   req.ScheduledAt,
		State:         models.StateScheduled,
		OwnerGroupRef: req.OwnerGroupRef,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}

	// The engine process picks this up to register a precise timer; the
	// reconciliation sweep covers it if the event is lost.
	if err := h.events.Publish(realtime.Event{
		Type:        realtime.EventSessionCreated,
		SessionID:   s.ID,
		State:       s.State,
		ScheduledAt: &s.ScheduledAt,
	}); err != nil {
		h.logger.Warn("publish session.created failed", zap.String("session_id", s.ID.String()), zap.Error(err))
	}

	response.Created(c, s)
}

// List handles GET /api/sessions.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// Get handles GET /api/sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to get session")
		return
	}
	response.OK(c, s)
}

// Cancel handles POST /api/sessions/:id/cancel. Only scheduled sessions can
// be cancelled; anything already advanced reports a conflict.
func (h *Handler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	err = h.lifecycle.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, sessions.ErrConflict):
		response.Conflict(c, "session is no longer scheduled")
	case err != nil:
		h.logger.Error("cancel session failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to cancel session")
	default:
		response.OK(c, gin.H{"session_id": id, "state": models.StateFailed})
	}
}
