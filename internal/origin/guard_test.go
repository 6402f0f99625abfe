package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

var testAllowList = []string{"https://app.freelanceos.app", "https://staging.freelanceos.app/"}

func newGuard(t *testing.T, production bool) (*Guard, *audit.Recorder) {
	t.Helper()
	rec := &audit.Recorder{}
	g, err := NewGuard(Config{
		Production:     production,
		AllowedOrigins: testAllowList,
		DevPorts:       []int{3000, 3001, 4173, 5173, 5174, 8080},
	}, rec, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g, rec
}

func TestNewGuardRejectsBadAllowList(t *testing.T) {
	_, err := NewGuard(Config{AllowedOrigins: []string{"ftp://files.example.com"}}, &audit.Recorder{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestIsOriginAllowedProduction(t *testing.T) {
	g, _ := newGuard(t, true)
	tests := map[string]bool{
		"https://app.freelanceos.app":      true,
		"https://staging.freelanceos.app":  true,
		"":                                 false,
		"https://APP.freelanceos.app":      false,
		"http://app.freelanceos.app":       false,
		"https://app.freelanceos.app:8443": false,
		"https://app.freelanceos.app/":     false,
		"http://localhost:5173":            false,
		"https://evil.example.com":         false,
		"null":                             false,
	}
	for origin, want := range tests {
		assert.Equal(t, want, g.IsOriginAllowed(origin), "origin %q", origin)
	}
}

func TestIsOriginAllowedDevelopment(t *testing.T) {
	g, _ := newGuard(t, false)
	tests := map[string]bool{
		"":                             true,
		"http://localhost:5173":        true,
		"http://127.0.0.1:3000":        true,
		"http://[::1]:8080":            true,
		"http://localhost:9999":        false,
		"http://localhost":             false,
		"http://evil.example.com":      false,
		"http://localhost.evil.com:80": false,
		"https://app.freelanceos.app":  true,
		"https://APP.freelanceos.app":  true,
		"http://user@localhost:5173":   false,
		"http://localhost:5173/path":   false,
		"javascript:alert(1)":          false,
		"%zz":                          false,
	}
	for origin, want := range tests {
		assert.Equal(t, want, g.IsOriginAllowed(origin), "origin %q", origin)
	}
}

func TestInspect(t *testing.T) {
	g, _ := newGuard(t, true)
	const app = "https://app.freelanceos.app"

	tests := []struct {
		name, method, origin, referer string
		want                          Reason
		severity                      audit.Severity
	}{
		{"trace", "TRACE", app, "", ReasonMethodBlocked, audit.SeverityHigh},
		{"connect", "CONNECT", "", "", ReasonMethodBlocked, audit.SeverityHigh},
		{"webdav", "PROPFIND", app, "", ReasonMethodBlocked, audit.SeverityHigh},
		{"missing in production", "GET", "", "", ReasonOriginMissing, audit.SeverityLow},
		{"unparseable", "GET", "not a url", "", ReasonUnparseable, audit.SeverityMedium},
		{"foreign", "POST", "https://evil.example.com", "", ReasonNotAllowed, audit.SeverityMedium},
		{"mismatch", "POST", app, "https://evil.example.com/form", ReasonRefererMismatch, audit.SeverityHigh},
		{"bad referer", "DELETE", app, "::", ReasonRefererMismatch, audit.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Inspect(tt.method, tt.origin, tt.referer)
			require.NotNil(t, v)
			assert.Equal(t, tt.want, v.Reason)
			assert.Equal(t, tt.severity, v.Severity)
		})
	}

	assert.Nil(t, g.Inspect("POST", app, app+"/invoices/new"))
	assert.Nil(t, g.Inspect("POST", app, ""))
	// safe methods skip the referer comparison
	assert.Nil(t, g.Inspect("GET", app, "https://evil.example.com/"))
}

func TestMiddlewareEmitsAndAborts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, rec := newGuard(t, true)

	r := gin.New()
	var captured error
	r.Use(func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			captured = c.Errors.Last().Err
			c.AbortWithStatus(http.StatusForbidden)
		}
	}, g.Middleware(), g.CORS())
	r.POST("/api/invoices", func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.RemoteAddr = "203.0.113.9:1234"
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, apperrors.Is(captured, apperrors.CORSViolation))
	events := rec.OfType(audit.EventCORSViolation)
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.9", events[0].IP)
	assert.Equal(t, string(ReasonNotAllowed), events[0].Reason)
	assert.Equal(t, "https://evil.example.com", events[0].Attributes["origin"])

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	req.Header.Set("Origin", "https://app.freelanceos.app")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "https://app.freelanceos.app", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightFollowsGuard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, _ := newGuard(t, false)
	r := gin.New()
	r.Use(g.Middleware(), g.CORS())
	r.PUT("/api/clients/1", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/clients/1", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}
