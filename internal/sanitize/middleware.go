package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// BodyConfig configures the JSON body middleware.
type BodyConfig struct {
	// Fields limits sanitization to these keys. Empty means every string.
	Fields []string
	// MaxBytes caps the request body.
	MaxBytes int64
	// PassThrough lists media types forwarded unchecked. Empty means
	// multipart/form-data only.
	PassThrough []string
}

var defaultPassThrough = []string{"multipart/form-data"}

func isJSONMedia(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Guard bundles the sanitizers with event reporting for the HTTP layer.
type Guard struct {
	xss     *XSS
	paths   *PathValidator
	emitter audit.Emitter
	logger  *zap.Logger
}

func NewGuard(xss *XSS, paths *PathValidator, emitter audit.Emitter, logger *zap.Logger) *Guard {
	return &Guard{xss: xss, paths: paths, emitter: emitter, logger: logger.Named("sanitize")}
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Body sanitizes request bodies in place. Every POST, PUT and PATCH body
// must decode as JSON whatever its declared type, except for the
// pass-through media types. Handlers read the cleaned document from
// c.Request.Body as usual.
func (g *Guard) Body(cfg BodyConfig) gin.HandlerFunc {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if len(cfg.PassThrough) == 0 {
		cfg.PassThrough = defaultPassThrough
	}
	pass := make(map[string]struct{}, len(cfg.PassThrough))
	for _, mt := range cfg.PassThrough {
		pass[strings.ToLower(mt)] = struct{}{}
	}

	return func(c *gin.Context) {
		if !hasBody(c.Request.Method) || c.Request.Body == nil || c.Request.Body == http.NoBody {
			c.Next()
			return
		}

		var mediaType string
		if ct := c.GetHeader("Content-Type"); ct != "" {
			mt, _, err := mime.ParseMediaType(ct)
			if err != nil {
				_ = c.Error(apperrors.Validation.Wrap(err).Explain("unparseable content type"))
				c.Abort()
				return
			}
			mediaType = mt
		}
		if _, ok := pass[mediaType]; ok {
			c.Next()
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBytes))
		if err != nil {
			_ = c.Error(apperrors.Validation.Wrap(err).Explain("request body unreadable or too large"))
			c.Abort()
			return
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			c.Next()
			return
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			msg := "malformed JSON body"
			if !isJSONMedia(mediaType) {
				msg = "unsupported request body, JSON expected"
			}
			_ = c.Error(apperrors.Validation.Wrap(err).Explain("%s", msg))
			c.Abort()
			return
		}

		clean, err := g.xss.SanitizeValue(doc, cfg.Fields...)
		if err != nil {
			g.rejectValue(c, err)
			return
		}

		out, err := json.Marshal(clean)
		if err != nil {
			_ = c.Error(apperrors.Internal.Wrap(err).Explain("re-encode sanitized body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(out))
		c.Request.ContentLength = int64(len(out))
		c.Next()
	}
}

func (g *Guard) rejectValue(c *gin.Context, err error) {
	field := "$"
	var fe *FieldError
	if errors.As(err, &fe) {
		field = fe.Path
	}

	switch {
	case errors.Is(err, ErrXSSDetected):
		g.report(c, audit.EventXSSDetected, audit.SeverityHigh, err.Error(), field)
		_ = c.Error(apperrors.XSSDetected.Wrap(err).
			Explain("unsafe content in %s", field).
			WithField("xss", field, "content not allowed"))
	case errors.Is(err, ErrInputTooLong):
		_ = c.Error(apperrors.Validation.Wrap(err).
			Explain("field %s too long", field).
			WithField("max_length", field, "value too long"))
	default:
		_ = c.Error(apperrors.Validation.Wrap(err).Explain("unsupported value in %s", field))
	}
	c.Abort()
}

func (g *Guard) report(c *gin.Context, typ audit.EventType, severity audit.Severity, reason, field string) {
	g.logger.Warn("Unsafe input rejected",
		zap.String("type", string(typ)),
		zap.String("field", field),
		zap.String("ip", c.ClientIP()))
	g.emitter.Emit(c.Request.Context(), audit.FromRequest(c, typ, severity, reason).With("field", field))
}

// PathParam validates the named route parameter and stores the normalized
// value back in the context under the same key.
func (g *Guard) PathParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		normalized, err := g.paths.Validate(c.Param(name))
		if err != nil {
			severity := audit.SeverityHigh
			var pe *PathError
			if errors.As(err, &pe) {
				severity = pe.Severity
			}
			g.report(c, audit.EventPathTraversal, severity, err.Error(), name)
			_ = c.Error(apperrors.PathTraversal.Wrap(err).Explain("unsafe path in %s", name))
			c.Abort()
			return
		}
		c.Set(name, normalized)
		c.Next()
	}
}

// ResolveWithin exposes the validator to handlers that open files.
func (g *Guard) ResolveWithin(base, userPath string) (string, error) {
	resolved, err := g.paths.ResolveWithin(base, userPath)
	if err != nil {
		var pe *PathError
		if errors.As(err, &pe) {
			return "", apperrors.PathTraversal.Wrap(err).Explain("%s", pe.Reason)
		}
		return "", err
	}
	return resolved, nil
}
