package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/domain/session"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// FilesRequest carries a complete file set
type FilesRequest struct {
	Files map[string]string `json:"files"`
}

// ResizeRequest carries the preview frame's new viewport
type ResizeRequest struct {
	Width  float64 `json:"width" binding:"required,gt=0"`
	Height float64 `json:"height" binding:"required,gt=0"`
}

// ArtifactSummary describes the displayed artifact without its source
type ArtifactSummary struct {
	Entry     string   `json:"entry"`
	Modules   []string `json:"modules"`
	Externals []string `json:"externals"`
	Hash      string   `json:"hash"`
	Size      int      `json:"size"`
}

// SessionView is the JSON form of a session
type SessionView struct {
	ID          string             `json:"id"`
	Created     time.Time          `json:"created"`
	LastApplied time.Time          `json:"last_applied"`
	HasChanges  bool               `json:"has_changes"`
	Files       []string           `json:"files"`
	Artifact    *ArtifactSummary   `json:"artifact,omitempty"`
	State       orchestrator.State `json:"state"`
}

func viewOf(s *session.Session) SessionView {
	st := s.Builder().State()
	v := SessionView{
		ID:          s.ID.String(),
		Created:     s.Created,
		LastApplied: s.LastApplied(),
		HasChanges:  s.HasChanges(),
		State:       st,
		Files:       []string{},
	}
	if st.Files != nil {
		v.Files = st.Files.Paths()
	}
	if a := st.Artifact; a != nil {
		v.Artifact = &ArtifactSummary{
			Entry:     a.Entry,
			Modules:   a.Modules,
			Externals: a.Externals,
			Hash:      a.Hash,
			Size:      len(a.Source),
		}
	}
	return v
}

// CreateSession starts a session from the posted files, or from the seed
// when none are posted
func (h *Handlers) CreateSession(c *gin.Context) {
	var req FilesRequest
	if !bindOptional(c, &req) {
		return
	}

	files := req.Files
	if len(files) == 0 && h.seed != nil {
		seeded, err := h.seed(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		files = seeded
	}

	s, err := h.sessions.Create(files)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.metrics.IncSessionsTotal()
	h.metrics.SetSessionsActive(h.sessions.Len())

	c.JSON(http.StatusCreated, gin.H{
		"id":         s.ID.String(),
		"generation": s.Builder().State().Generation,
	})
}

// GetSession returns the session's state
func (h *Handlers) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// ApplySession builds the posted files, or the session's draft when the
// body carries none. The build runs in the background.
func (h *Handlers) ApplySession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req FilesRequest
	if !bindOptional(c, &req) {
		return
	}

	gen, err := s.Apply(req.Files)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.sessions.Touch(s)
	h.logger.Debug("Applied files", zap.String("session_id", s.ID.String()), zap.Uint64("generation", uint64(gen)))

	c.Header("X-Generation", formatGeneration(gen))
	c.JSON(http.StatusAccepted, gin.H{"generation": gen})
}

// ResizeSession forwards a viewport change to the sandbox
func (h *Handlers) ResizeSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Builder().Resize(c.Request.Context(), req.Width, req.Height); err != nil {
		h.fail(c, err)
		return
	}
	h.sessions.Touch(s)
	c.Status(http.StatusNoContent)
}

// DeleteSession closes a session
func (h *Handlers) DeleteSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.sessions.Delete(s.ID)
	h.metrics.SetSessionsActive(h.sessions.Len())
	c.Status(http.StatusNoContent)
}

// bindOptional decodes a JSON body that may be absent
func bindOptional(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func formatGeneration(gen types.Generation) string {
	return strconv.FormatUint(uint64(gen), 10)
}
