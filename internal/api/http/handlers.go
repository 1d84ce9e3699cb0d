package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/builder"
	"github.com/GriffinCanCode/tsingtao/internal/domain/session"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
)

const version = "0.1.0"

// Handlers contains all HTTP handlers
type Handlers struct {
	sessions  *session.Manager
	seed      session.Seeder
	metrics   *monitoring.Metrics
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// NewHandlers creates a new handler set. seed may be nil.
func NewHandlers(sessions *session.Manager, seed session.Seeder, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		sessions:  sessions,
		seed:      seed,
		metrics:   metrics,
		sanitizer: shellPolicy(),
		logger:    logger,
	}
}

// Root identifies the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "tsingtao preview builder",
		"version": version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	h.metrics.SetSessionsActive(h.sessions.Len())
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.sessions.Len(),
		"metrics":  h.metrics.Snapshot(),
	})
}

// session looks up the :id session, writing the error response on failure
func (h *Handlers) session(c *gin.Context) (*session.Session, bool) {
	raw := c.Param("id")
	sid, err := id.ParseSessionID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	s, err := h.sessions.Get(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return s, true
}

// fail maps domain errors onto status codes
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vfs.ErrEmptyPath), errors.Is(err, vfs.ErrDuplicatePath), errors.Is(err, vfs.ErrNoEntry):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, builder.ErrClosed), errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
