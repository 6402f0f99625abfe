package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/internal/cache"
	"github.com/KyFuirY/FreelanceOS/internal/config"
	"github.com/KyFuirY/FreelanceOS/internal/errmap"
	"github.com/KyFuirY/FreelanceOS/internal/origin"
	"github.com/KyFuirY/FreelanceOS/internal/ratelimit"
	"github.com/KyFuirY/FreelanceOS/internal/sanitize"
	"github.com/KyFuirY/FreelanceOS/internal/secrets"
	"github.com/KyFuirY/FreelanceOS/internal/tokens"
)

const appOrigin = "https://app.freelanceos.app"

type ServerSuite struct {
	suite.Suite
	clock   *clockwork.FakeClock
	events  *audit.Recorder
	secrets *secrets.Store
	signer  *tokens.Signer
	srv     *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	t := s.T()
	logger := zaptest.NewLogger(t)
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	s.events = &audit.Recorder{}

	cfg := &config.Config{
		Environment: config.EnvProduction,
		HTTP:        config.HTTPConfig{Addr: ":0", MaxBodyBytes: 1 << 16, TrustedProxies: []string{"127.0.0.1"}},
		Security: config.SecurityConfig{
			AllowedOrigins: []string{appOrigin},
			AuthPrefixes:   []string{"/api/auth"},
		},
		Tracing: config.TracingConfig{Service: "freelanceos-test"},
	}

	store, err := secrets.New("server-test-master-key-0123456789abcdef", s.events, logger, secrets.WithClock(s.clock))
	s.Require().NoError(err)
	s.T().Cleanup(store.Close)
	s.Require().NoError(store.EnsureSystemSecrets(context.Background()))
	s.secrets = store

	guard, err := origin.NewGuard(origin.Config{Production: true, AllowedOrigins: cfg.Security.AllowedOrigins}, s.events, logger)
	s.Require().NoError(err)

	s.signer = tokens.NewSigner(store, "freelanceos", s.clock)
	srv, err := New(Deps{
		Config:    cfg,
		Logger:    logger,
		Cache:     cache.NewMemoryStore(s.clock),
		Secrets:   store,
		Limiter:   ratelimit.New(cache.NewMemoryStore(s.clock), s.events, logger, ratelimit.WithClock(s.clock)),
		Origin:    guard,
		Sanitizer: sanitize.NewGuard(sanitize.NewXSS(0), sanitize.NewPathValidator(0), s.events, logger),
		Errors:    errmap.New(true, s.events, logger),
		Signer:    s.signer,
	})
	s.Require().NoError(err)

	api := srv.Group("/api")
	api.POST("/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false})
	})
	api.POST("/clients", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusCreated, "application/json", body)
	})
	api.GET("/boom", func(c *gin.Context) {
		panic("handler exploded")
	})
	s.srv = srv
}

func (s *ServerSuite) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:51000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerSuite) problem(w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func (s *ServerSuite) TestSecurityHeadersOnEveryResponse() {
	for _, w := range []*httptest.ResponseRecorder{
		s.do(http.MethodGet, "/healthz", "", nil),
		s.do(http.MethodGet, "/api/unknown", "", map[string]string{"Origin": appOrigin}),
	} {
		assert.Equal(s.T(), "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(s.T(), "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(s.T(), "require-corp", w.Header().Get("Cross-Origin-Embedder-Policy"))
		assert.Contains(s.T(), w.Header().Get("Strict-Transport-Security"), "max-age=")
	}
}

func (s *ServerSuite) TestHealthz() {
	w := s.do(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.problem(w)
	s.Equal("ok", body["status"])
}

func (s *ServerSuite) TestMetricsEndpoint() {
	w := s.do(http.MethodGet, "/metrics", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "freelanceos_secrets_active")
}

func (s *ServerSuite) TestLoginBruteForceIsBlocked() {
	headers := map[string]string{"Origin": appOrigin}
	for i := 0; i < 5; i++ {
		w := s.do(http.MethodPost, "/api/auth/login", `{"email":"a@b.c"}`, headers)
		s.Equal(http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := s.do(http.MethodPost, "/api/auth/login", `{"email":"a@b.c"}`, headers)
	s.Equal(http.StatusTooManyRequests, w.Code)
	s.Equal("1800", w.Header().Get("Retry-After"))
	s.NotEmpty(w.Header().Get(errmap.ErrorIDHeader))

	s.clock.Advance(time.Second)
	w = s.do(http.MethodGet, "/api/unknown", "", headers)
	s.Equal(http.StatusTooManyRequests, w.Code)
	s.Equal("1799", w.Header().Get("Retry-After"))
	s.Len(s.events.OfType(audit.EventRateLimitBlocked), 1)
}

func (s *ServerSuite) TestForeignOriginRejected() {
	w := s.do(http.MethodPost, "/api/clients", `{"name":"Acme"}`, map[string]string{"Origin": "https://evil.example.com"})
	s.Equal(http.StatusForbidden, w.Code)
	s.Equal("application/problem+json", w.Header().Get("Content-Type"))
	s.Empty(w.Header().Get("Access-Control-Allow-Origin"))
	s.Len(s.events.OfType(audit.EventCORSViolation), 1)
}

func (s *ServerSuite) TestXSSBodyRejected() {
	w := s.do(http.MethodPost, "/api/clients", `{"name":"<img src=x onerror=alert(1)>"}`, map[string]string{"Origin": appOrigin})
	s.Equal(http.StatusBadRequest, w.Code)
	body := s.problem(w)
	s.Equal("The request contains disallowed content.", body["detail"])
	s.NotContains(w.Body.String(), "onerror")

	w = s.do(http.MethodPost, "/api/clients", `{"name":"<script>alert(1)</script>"}`, map[string]string{
		"Origin":       appOrigin,
		"Content-Type": "text/plain",
	})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Len(s.events.OfType(audit.EventXSSDetected), 2)

	w = s.do(http.MethodPost, "/api/clients", `{"name":"<b>Acme</b>"}`, map[string]string{"Origin": appOrigin})
	s.Equal(http.StatusCreated, w.Code)
	s.JSONEq(`{"name":"Acme"}`, w.Body.String())
	s.Equal(appOrigin, w.Header().Get("Access-Control-Allow-Origin"))
}

func (s *ServerSuite) TestPanicIsMapped() {
	w := s.do(http.MethodGet, "/api/boom", "", map[string]string{"Origin": appOrigin})
	s.Equal(http.StatusInternalServerError, w.Code)
	s.NotContains(w.Body.String(), "exploded")
	s.Equal("no-store", w.Header().Get("Cache-Control"))
	s.Len(s.events.OfType(audit.EventCriticalError), 1)
}

func (s *ServerSuite) TestAdminRequiresToken() {
	headers := map[string]string{"Origin": appOrigin}
	w := s.do(http.MethodGet, "/api/admin/secrets", "", headers)
	s.Equal(http.StatusUnauthorized, w.Code)

	token, err := s.signer.Issue(context.Background(), "ops@freelanceos.app", time.Hour)
	s.Require().NoError(err)
	headers["Authorization"] = "Bearer " + token

	w = s.do(http.MethodGet, "/api/admin/secrets", "", headers)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), secrets.JWTSigningKey)
	s.NotContains(w.Body.String(), "ciphertext")

	w = s.do(http.MethodGet, "/api/admin/rate-limits/clients/9.9.9.9", "", headers)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/admin/rate-limits/clients/9.9.9.9", "", headers)
	s.Equal(http.StatusNoContent, w.Code)

	w = s.do(http.MethodPost, "/api/admin/secrets/missing/rotate", "", headers)
	s.Equal(http.StatusNotFound, w.Code)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
