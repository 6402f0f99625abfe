package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// MiddlewareConfig selects categories and exempt paths.
type MiddlewareConfig struct {
	// AuthPrefixes route matching paths to CategoryAuth.
	AuthPrefixes []string
	// SkipPaths are served without any rate limit check.
	SkipPaths []string
}

// Categorize maps a request to its budget category.
func Categorize(method, path string, authPrefixes []string) Category {
	for _, prefix := range authPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return CategoryAuth
		}
	}
	switch method {
	case http.MethodPost:
		return CategoryCreate
	case http.MethodGet, http.MethodHead:
		return CategoryRead
	case http.MethodPut, http.MethodPatch:
		return CategoryUpdate
	case http.MethodDelete:
		return CategoryDelete
	default:
		return CategoryGeneral
	}
}

// RetryAfterSeconds rounds d up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// Middleware enforces the global budget, then the request's category
// budget. A request admitted globally counts toward the global window even
// when its category then denies it. Denials are reported through c.Error
// for the error boundary.
func (l *Limiter) Middleware(cfg MiddlewareConfig) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		client := c.ClientIP()
		category := Categorize(c.Request.Method, c.Request.URL.Path, cfg.AuthPrefixes)

		for _, cat := range []Category{CategoryGlobal, category} {
			d, err := l.Check(c.Request.Context(), client, cat)
			if err != nil {
				_ = c.Error(apperrors.ExternalService.Wrap(err).Explain("rate limit store unavailable"))
				c.Abort()
				return
			}
			if !d.Allowed {
				deny(c, d)
				return
			}
			if cat == category {
				c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
		}
		c.Next()
	}
}

func deny(c *gin.Context, d Decision) {
	c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", "0")

	base := apperrors.RateLimited
	if d.Reason == ReasonBlocked {
		base = apperrors.IPBlocked
	}
	_ = c.Error(base.
		Explain("%s budget %s for %s", d.Category, d.Reason, c.ClientIP()).
		Retry(d.RetryAfter))
	c.Abort()
}
