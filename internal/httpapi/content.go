package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/contents"
	"github.com/aura-academy/backend/internal/sessions"
	"github.com/aura-academy/backend/pkg/response"
	"github.com/aura-academy/backend/pkg/storage"
)

// ContentHandler serves published on-demand content for sessions.
type ContentHandler struct {
	sessions *sessions.Repository
	contents *contents.Repository
	store    *storage.S3
	logger   *zap.Logger
}

// NewContentHandler creates the content API handler.
func NewContentHandler(sessionRepo *sessions.Repository, contentRepo *contents.Repository,
	store *storage.S3, logger *zap.Logger) *ContentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentHandler{sessions: sessionRepo, contents: contentRepo, store: store, logger: logger}
}

// Get handles GET /api/sessions/:id/content: the published artifact plus a
// time-limited download URL.
func (h *ContentHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, err := h.sessions.GetByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to get session")
		return
	}

	content, err := h.contents.GetBySessionID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get content failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to get content")
		return
	}
	if content == nil {
		response.NotFound(c, "session has no published content")
		return
	}

	downloadURL, err := h.store.GeneratePresignedDownloadURL(c.Request.Context(),
		h.store.RecordingsBucket(), content.S3Key, h.store.PresignExpire())
	if err != nil {
		h.logger.Error("presign download failed", zap.String("content_id", content.ID.String()), zap.Error(err))
		response.Internal(c, "failed to generate download url")
		return
	}

	response.OK(c, gin.H{
		"content":      content,
		"download_url": downloadURL,
		"expires_in":   int(h.store.PresignExpire().Seconds()),
	})
}
