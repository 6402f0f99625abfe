package errmap

import (
	"fmt"
	"math"
	"strconv"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// ErrorIDHeader carries the error ID on every error response.
const ErrorIDHeader = "X-Error-ID"

// Respond writes cl as a problem document. It does nothing when the
// response has already been written.
func (m *Mapper) Respond(c *gin.Context, cl Classified) {
	if c.Writer.Written() {
		return
	}

	problem := apperrors.NewProblemDetails(cl.Kind, cl.Title, cl.Status, cl.Message, c.Request.URL.Path)
	problem.ErrorID = cl.ID
	if traceID := traceIDFrom(c); traceID != "" {
		problem.WithTraceID(traceID)
	}
	if len(cl.Fields) > 0 {
		problem.WithFieldErrors(cl.Fields)
	}
	if !m.production {
		debugInfo := map[string]any{"message": cl.Detail}
		if cl.Stack != "" {
			debugInfo["stack"] = cl.Stack
		}
		problem.WithExtra("debug", debugInfo)
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "application/problem+json")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set(ErrorIDHeader, cl.ID)
	if cl.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(cl.RetryAfter.Seconds()))))
	}
	c.AbortWithStatusJSON(cl.Status, problem)
}

// Handle classifies err, records it and writes the response.
func (m *Mapper) Handle(c *gin.Context, err error) Classified {
	cl := m.Classify(err)
	m.record(c.Request.Context(), cl,
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("ip", c.ClientIP()),
	)
	m.Respond(c, cl)
	return cl
}

// Middleware is the error boundary. It renders the last error attached to
// the context when nothing else wrote a response.
func (m *Mapper) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		m.Handle(c, c.Errors.Last().Err)
	}
}

// HandlePanic renders a recovered handler panic as a critical internal
// error.
func (m *Mapper) HandlePanic(c *gin.Context, recovered any) {
	err := apperrors.Internal.Explain("panic: %v", recovered).Trace()
	cl := m.Classify(err)
	cl.Severity = audit.SeverityCritical
	m.record(c.Request.Context(), cl,
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
	)
	m.Respond(c, cl)
}

// Recovery recovers handler panics through ginzap and HandlePanic.
func (m *Mapper) Recovery() gin.HandlerFunc {
	return ginzap.CustomRecoveryWithZap(m.logger, !m.production, m.HandlePanic)
}

func traceIDFrom(c *gin.Context) string {
	sc := trace.SpanContextFromContext(c.Request.Context())
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}

// Describe is a short log-friendly form of cl.
func (cl Classified) Describe() string {
	return fmt.Sprintf("%s/%s %d [%s]", cl.Kind, cl.Severity, cl.Status, cl.ID)
}
