package origin

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// Middleware rejects requests that fail Inspect and reports them as
// security events.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		v := g.Inspect(c.Request.Method, origin, c.GetHeader("Referer"))
		if v == nil {
			c.Next()
			return
		}

		g.logger.Warn("Origin rejected",
			zap.String("reason", string(v.Reason)),
			zap.String("origin", origin),
			zap.String("method", c.Request.Method),
			zap.String("ip", c.ClientIP()))
		ev := audit.FromRequest(c, audit.EventCORSViolation, v.Severity, string(v.Reason))
		if origin != "" {
			ev = ev.With("origin", origin)
		}
		g.emitter.Emit(c.Request.Context(), ev)

		_ = c.Error(apperrors.CORSViolation.Wrap(v).Explain("%s", v.Reason))
		c.Abort()
	}
}

// CORSConfig builds the gin-contrib/cors configuration whose origin
// decision is delegated to the guard.
func (g *Guard) CORSConfig() cors.Config {
	return cors.Config{
		AllowOriginFunc:  g.IsOriginAllowed,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "X-CSRF-Token"},
		ExposeHeaders:    []string{"X-Error-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// CORS returns the CORS response middleware for this guard.
func (g *Guard) CORS() gin.HandlerFunc {
	return cors.New(g.CORSConfig())
}
