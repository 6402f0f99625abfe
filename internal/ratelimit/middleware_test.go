package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

func TestCategorize(t *testing.T) {
	prefixes := []string{"/api/auth"}
	tests := []struct {
		method, path string
		want         Category
	}{
		{http.MethodPost, "/api/auth/login", CategoryAuth},
		{http.MethodGet, "/api/auth/me", CategoryAuth},
		{http.MethodPost, "/api/clients", CategoryCreate},
		{http.MethodGet, "/api/clients", CategoryRead},
		{http.MethodHead, "/api/clients", CategoryRead},
		{http.MethodPut, "/api/clients/1", CategoryUpdate},
		{http.MethodPatch, "/api/clients/1", CategoryUpdate},
		{http.MethodDelete, "/api/clients/1", CategoryDelete},
		{http.MethodOptions, "/api/clients", CategoryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.method, tt.path, prefixes))
		})
	}
}

// boundary renders the last error the way the server's error mapper does,
// reduced to what these tests assert on.
func boundary(c *gin.Context) {
	c.Next()
	if len(c.Errors) == 0 {
		return
	}
	status := http.StatusInternalServerError
	switch kind, _ := apperrors.KindOf(c.Errors.Last().Err); kind {
	case apperrors.KindRateLimit, apperrors.KindIPBlocked:
		status = http.StatusTooManyRequests
	case apperrors.KindExternalService:
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatus(status)
}

func newRouter(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(boundary, l.Middleware(MiddlewareConfig{
		AuthPrefixes: []string{"/api/auth"},
		SkipPaths:    []string{"/healthz"},
	}))
	r.POST("/api/auth/login", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func login(r http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = ip + ":40000"
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareHeadersAndBlock(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	r := newRouter(l)

	for i := 0; i < 5; i++ {
		w := login(r, "1.2.3.4")
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := login(r, "1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1800", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	clock.Advance(time.Second)
	w = login(r, "1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1799", w.Header().Get("Retry-After"))
}

func TestMiddlewareSkipsHealth(t *testing.T) {
	l := New(brokenStore{}, &audit.Recorder{}, zaptest.NewLogger(t), WithFailurePolicy(FailClosed))
	r := newRouter(l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareFailClosed(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	l.store = brokenStore{}
	l.failure = FailClosed

	w := login(newRouter(l), "1.2.3.4")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCategoryDenialStillCountsGlobally(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	r := newRouter(l)

	for i := 0; i < 6; i++ {
		login(r, "1.2.3.4")
	}

	// the global window records each request before its category is checked
	st, err := l.Status(context.Background(), "1.2.3.4", CategoryGlobal)
	require.NoError(t, err)
	assert.Equal(t, 6, st.Count)

	st, err = l.Status(context.Background(), "1.2.3.4", CategoryAuth)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count)
	assert.True(t, st.Blocked)
}
