package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// gzipMinSize is the smallest artifact worth compressing
const gzipMinSize = 1024

// Artifact serves the displayed generation's bundle. The ETag is the hash
// of the files it was built from.
func (h *Handlers) Artifact(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	st := s.Builder().State()
	if st.Artifact == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":       "no successful build yet",
			"generation":  st.Generation,
			"diagnostics": st.Diagnostics,
		})
		return
	}

	tag := st.Artifact.Hash
	if st.Files != nil {
		tag = st.Files.Hash()
	}
	etag := `"` + tag + `"`

	header := c.Writer.Header()
	header.Set("ETag", etag)
	header.Set("X-Generation", formatGeneration(st.Displayed))
	header.Set("Cache-Control", "no-cache")
	header.Set("Vary", "Accept-Encoding")
	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}

	body := []byte(st.Artifact.Source)
	if len(body) < gzipMinSize || !acceptsGzip(c.GetHeader("Accept-Encoding")) {
		c.Data(http.StatusOK, "text/javascript; charset=utf-8", body)
		return
	}

	header.Set("Content-Type", "text/javascript; charset=utf-8")
	header.Set("Content-Encoding", "gzip")
	c.Status(http.StatusOK)

	zw, err := gzip.NewWriterLevel(c.Writer, gzip.BestSpeed)
	if err != nil {
		h.logger.Error("Failed to create gzip writer", zap.Error(err))
		return
	}
	if _, err := zw.Write(body); err != nil {
		h.logger.Debug("Artifact write aborted", zap.Error(err))
	}
	if err := zw.Close(); err != nil {
		h.logger.Debug("Artifact flush aborted", zap.Error(err))
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
