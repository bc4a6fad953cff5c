package httpapi

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/liveprovider"
	"github.com/aura-academy/backend/internal/models"
	"github.com/aura-academy/backend/internal/sessions"
	"github.com/aura-academy/backend/pkg/response"
)

// SessionReader is the read surface the ingest check needs.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// IngestHandler admits broadcasters: the ingest gateway presents the
// credential token a broadcaster connected with, and gets back the session
// and endpoint it was minted for.
type IngestHandler struct {
	sessions SessionReader
	signer   *liveprovider.IngestTokenSigner
	logger   *zap.Logger
}

// NewIngestHandler creates the ingest authorization handler.
func NewIngestHandler(sessionReader SessionReader, signer *liveprovider.IngestTokenSigner, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{sessions: sessionReader, signer: signer, logger: logger}
}

type authorizeIngestRequest struct {
	Token string `json:"token" binding:"required"`
}

// Authorize handles POST /api/ingest/authorize. The token must be valid, the
// session must exist with a matching endpoint, and the session must currently
// accept ingest (live_ready or live).
func (h *IngestHandler) Authorize(c *gin.Context) {
	var req authorizeIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	sessionID, endpointRef, err := h.signer.Verify(req.Token)
	if err != nil {
		h.logger.Debug("ingest token rejected", zap.Error(err))
		response.Unauthorized(c, "invalid ingest token")
		return
	}

	s, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			response.Unauthorized(c, "unknown session")
			return
		}
		h.logger.Error("ingest session lookup failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "failed to check session")
		return
	}
	if s.LiveEndpointRef != endpointRef {
		h.logger.Warn("ingest token endpoint mismatch",
			zap.String("session_id", sessionID.String()), zap.String("token_endpoint", endpointRef))
		response.Unauthorized(c, "token does not match the allocated endpoint")
		return
	}
	if s.State != models.StateLiveReady && s.State != models.StateLive {
		response.Conflict(c, "session is not accepting ingest")
		return
	}

	response.OK(c, gin.H{
		"session_id":   s.ID,
		"endpoint_ref": s.LiveEndpointRef,
		"state":        s.State,
	})
}
