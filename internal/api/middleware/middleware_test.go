package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
)

func setupTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw...)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})
	return router
}

func get(router *gin.Engine, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantHeader bool
	}{
		{"simple GET with origin", http.MethodGet, "http://localhost:5173", http.StatusOK, true},
		{"preflight", http.MethodOptions, "http://localhost:5173", http.StatusNoContent, true},
		{"no origin", http.MethodGet, "", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantHeader {
				assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSExposesETag(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))
	w := get(router, "", map[string]string{"Origin": "http://localhost:5173"})
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Etag")
}

func TestCORSWithListedOrigins(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://editor.example.com"}
	router := setupTestRouter(CORS(cfg))

	w := get(router, "", map[string]string{"Origin": "https://editor.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://editor.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(router, "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(router, "192.168.1.1:1234", nil).Code, "request %d", i+1)
	}
	w := get(router, "192.168.1.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// buckets are per client
	assert.Equal(t, http.StatusOK, get(router, "192.168.1.2:1234", nil).Code)
}

func TestRequestID(t *testing.T) {
	router := setupTestRouter(RequestID())

	w := get(router, "", nil)
	issued := w.Header().Get(RequestIDHeader)
	assert.True(t, id.Valid(issued, id.RequestPrefix), issued)

	w = get(router, "", map[string]string{RequestIDHeader: "trace-from-editor"})
	assert.Equal(t, "trace-from-editor", w.Header().Get(RequestIDHeader))

	w = get(router, "", map[string]string{RequestIDHeader: strings.Repeat("x", 100)})
	assert.True(t, id.Valid(w.Header().Get(RequestIDHeader), id.RequestPrefix))
}

func TestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Logger(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "/boom", entries[1].ContextMap()["path"])
	assert.NotEmpty(t, entries[1].ContextMap()["request_id"])
}
