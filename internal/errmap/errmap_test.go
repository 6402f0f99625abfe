package errmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

func TestClassifyKinded(t *testing.T) {
	m := New(true, nil, zaptest.NewLogger(t))
	tests := []struct {
		err    error
		kind   apperrors.Kind
		status int
	}{
		{apperrors.Validation.Explain("bad email"), apperrors.KindValidation, http.StatusBadRequest},
		{apperrors.Unauthenticated, apperrors.KindAuthentication, http.StatusUnauthorized},
		{apperrors.Forbidden, apperrors.KindAuthorization, http.StatusForbidden},
		{apperrors.RateLimited, apperrors.KindRateLimit, http.StatusTooManyRequests},
		{apperrors.IPBlocked, apperrors.KindIPBlocked, http.StatusTooManyRequests},
		{apperrors.CORSViolation, apperrors.KindCORSViolation, http.StatusForbidden},
		{apperrors.XSSDetected, apperrors.KindXSSDetected, http.StatusBadRequest},
		{apperrors.PathTraversal, apperrors.KindPathTraversal, http.StatusBadRequest},
		{apperrors.DecryptionFailed, apperrors.KindDecryption, http.StatusInternalServerError},
		{apperrors.SecretIntegrity, apperrors.KindSecretIntegrity, http.StatusInternalServerError},
		{apperrors.ExternalService, apperrors.KindExternalService, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", apperrors.NotFound), apperrors.KindNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		cl := m.Classify(tt.err)
		assert.Equal(t, tt.kind, cl.Kind, tt.err.Error())
		assert.Equal(t, tt.status, cl.Status, tt.err.Error())
		assert.NotEmpty(t, cl.ID)
		assert.Empty(t, cl.Detail)
		assert.Empty(t, cl.Stack)
	}
}

func TestClassifySentinelsAndMessages(t *testing.T) {
	m := New(true, nil, zaptest.NewLogger(t))
	tests := []struct {
		err  error
		kind apperrors.Kind
	}{
		{gorm.ErrRecordNotFound, apperrors.KindNotFound},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), apperrors.KindExternalService},
		{errors.New("pq: duplicate key value violates unique"), apperrors.KindDatabase},
		{errors.New("user not found"), apperrors.KindNotFound},
		{errors.New("permission denied for invoice"), apperrors.KindAuthorization},
		{errors.New("dial tcp: connection refused"), apperrors.KindExternalService},
		{errors.New("pii: decryption failed"), apperrors.KindDecryption},
		{errors.New("field amount is required"), apperrors.KindValidation},
		{errors.New("nil map assignment"), apperrors.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, m.Classify(tt.err).Kind, tt.err.Error())
	}
}

func TestClassifyIDsAreUnique(t *testing.T) {
	m := New(true, nil, zaptest.NewLogger(t))
	a := m.Classify(errors.New("x"))
	b := m.Classify(errors.New("x"))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRedactPaths(t *testing.T) {
	in := "open /home/deploy/freelanceos/config/app.yaml: no such file\n\t/root/go/src/app/internal/x.go:42 +0x1d\nC:\\Users\\dev\\main.go:7"
	out := redactPaths(in)
	assert.NotContains(t, out, "/home/deploy")
	assert.NotContains(t, out, "/root/go")
	assert.NotContains(t, out, "Users")
	assert.Contains(t, out, "app.yaml")
	assert.Contains(t, out, "x.go:42")
	assert.Contains(t, out, "main.go:7")

	// relative paths and urls are left alone
	assert.Equal(t, "internal/x.go", redactPaths("internal/x.go"))
}

func newEngine(t *testing.T, m *Mapper, handler gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Recovery(), m.Middleware())
	r.GET("/x", handler)
	return r
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMiddlewareProductionHidesDetail(t *testing.T) {
	rec := &audit.Recorder{}
	m := New(true, rec, zaptest.NewLogger(t))
	r := newEngine(t, m, func(c *gin.Context) {
		_ = c.Error(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))

	body := decodeProblem(t, w)
	assert.Equal(t, w.Header().Get(ErrorIDHeader), body["error_id"])
	assert.Equal(t, Lookup(apperrors.KindExternalService).Message, body["detail"])
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
	assert.NotContains(t, body, "debug")
}

func TestMiddlewareDevelopmentAddsDebug(t *testing.T) {
	m := New(false, nil, zaptest.NewLogger(t))
	r := newEngine(t, m, func(c *gin.Context) {
		_ = c.Error(errors.New("open /srv/freelanceos/data/seed.json: boom"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	body := decodeProblem(t, w)
	dbg, ok := body["debug"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, dbg["message"], "seed.json")
	assert.NotContains(t, dbg["message"], "/srv/freelanceos")
	assert.NotEmpty(t, dbg["stack"])
}

func TestMiddlewareRetryAfterAndFields(t *testing.T) {
	m := New(true, nil, zaptest.NewLogger(t))
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/limited", func(c *gin.Context) {
		_ = c.Error(apperrors.IPBlocked.Retry(1799500 * time.Millisecond))
	})
	r.GET("/invalid", func(c *gin.Context) {
		_ = c.Error(apperrors.Validation.WithField("format", "email", "must be an email address"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1800", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/invalid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeProblem(t, w)
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "email", errs[0].(map[string]any)["field"])
}

func TestMiddlewareLeavesWrittenResponses(t *testing.T) {
	m := New(true, nil, zaptest.NewLogger(t))
	r := newEngine(t, m, func(c *gin.Context) {
		c.String(http.StatusTeapot, "already")
		_ = c.Error(errors.New("late"))
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "already", w.Body.String())
}

func TestRecoveryHandlesPanic(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &audit.Recorder{}
	m := New(true, rec, zap.New(core))
	r := newEngine(t, m, func(c *gin.Context) {
		panic("nil pointer somewhere")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "nil pointer")

	events := rec.OfType(audit.EventCriticalError)
	require.Len(t, events, 1)
	assert.Equal(t, w.Header().Get(ErrorIDHeader), events[0].Attributes["error_id"])
	assert.NotZero(t, logs.FilterField(zap.String("error_id", events[0].Attributes["error_id"])).Len())
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func TestGuardExitsInProduction(t *testing.T) {
	rec := &audit.Recorder{}
	exits := &exitRecorder{}
	g := NewGuard(New(true, rec, zaptest.NewLogger(t)), WithExit(exits.exit))

	func() {
		defer g.Recover()
		panic("corrupted state")
	}()
	assert.Equal(t, []int{1}, exits.Codes())

	g.Report(errors.New("background task failed"))
	assert.Equal(t, []int{1, 1}, exits.Codes())
	assert.Len(t, rec.OfType(audit.EventCriticalError), 2)
}

func TestGuardLogsOnlyOutsideProduction(t *testing.T) {
	exits := &exitRecorder{}
	g := NewGuard(New(false, nil, zap.NewNop()), WithExit(exits.exit))

	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		panic("boom")
	})
	<-done
	g.Report(errors.New("late failure"))
	assert.Empty(t, exits.Codes())
}

func TestGuardGoIgnoresCancellation(t *testing.T) {
	rec := &audit.Recorder{}
	g := NewGuard(New(true, rec, zaptest.NewLogger(t)), WithExit(func(int) { t.Error("unexpected exit") }))

	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return context.Canceled
	})
	<-done
	assert.Empty(t, rec.Events())
}
