// Package server assembles the HTTP pipeline around the security core.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/internal/cache"
	"github.com/KyFuirY/FreelanceOS/internal/config"
	"github.com/KyFuirY/FreelanceOS/internal/database"
	"github.com/KyFuirY/FreelanceOS/internal/errmap"
	"github.com/KyFuirY/FreelanceOS/internal/origin"
	"github.com/KyFuirY/FreelanceOS/internal/ratelimit"
	"github.com/KyFuirY/FreelanceOS/internal/sanitize"
	"github.com/KyFuirY/FreelanceOS/internal/secrets"
	"github.com/KyFuirY/FreelanceOS/internal/tokens"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

const (
	healthPath  = "/healthz"
	metricsPath = "/metrics"
)

// Deps are the collaborators of the HTTP host. DB and Events are optional.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Cache     cache.Store
	DB        *gorm.DB
	Events    *audit.GormSink
	Secrets   *secrets.Store
	Limiter   *ratelimit.Limiter
	Origin    *origin.Guard
	Sanitizer *sanitize.Guard
	Errors    *errmap.Mapper
	Signer    *tokens.Signer
}

// Server is the HTTP host.
type Server struct {
	deps   Deps
	logger *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the engine: access log, tracing, recovery, error boundary and
// security headers, then the probes, then origin guard, CORS, rate limiting
// and body sanitization, in that order.
func New(d Deps) (*Server, error) {
	if d.Config == nil || d.Logger == nil || d.Cache == nil || d.Secrets == nil ||
		d.Limiter == nil || d.Origin == nil || d.Sanitizer == nil || d.Errors == nil {
		return nil, errors.New("server: missing dependency")
	}
	cfg := d.Config

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.RemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return nil, err
	}

	s := &Server{
		deps:   d,
		logger: d.Logger.Named("server"),
		engine: engine,
	}

	engine.Use(ginzap.Ginzap(d.Logger, time.RFC3339, true))
	engine.Use(otelgin.Middleware(cfg.Tracing.Service))
	engine.Use(d.Errors.Recovery())
	engine.Use(d.Errors.Middleware())
	engine.Use(SecurityHeaders(cfg.IsProduction()))

	// probes skip the request guards
	engine.GET(healthPath, s.handleHealth)
	engine.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	engine.Use(d.Origin.Middleware())
	engine.Use(d.Origin.CORS())
	engine.Use(d.Limiter.Middleware(ratelimit.MiddlewareConfig{
		AuthPrefixes: cfg.Security.AuthPrefixes,
	}))
	engine.Use(d.Sanitizer.Body(sanitize.BodyConfig{MaxBytes: cfg.HTTP.MaxBodyBytes}))

	engine.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperrors.NotFound.Explain("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	if d.Signer != nil {
		s.registerAdmin(engine.Group("/api/admin", d.Signer.Middleware()))
	}

	s.http = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler is the assembled engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Group registers business routes behind the pipeline.
func (s *Server) Group(path string, handlers ...gin.HandlerFunc) *gin.RouterGroup {
	return s.engine.Group(path, handlers...)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := s.deps.Cache.Ping(ctx); err != nil {
		checks["cache"] = "unavailable"
		healthy = false
	} else {
		checks["cache"] = "ok"
	}
	if s.deps.Secrets.VerifyIntegrity(ctx) {
		checks["secrets"] = "ok"
	} else {
		checks["secrets"] = "integrity_failure"
		healthy = false
	}
	if s.deps.DB != nil {
		if err := database.Ping(ctx, s.deps.DB); err != nil {
			checks["database"] = "unavailable"
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
