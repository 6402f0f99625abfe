package errmap

import (
	"context"
	"errors"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
	"github.com/KyFuirY/FreelanceOS/pkg/metrics"
)

// Classified is an error resolved against the taxonomy.
type Classified struct {
	ID       string
	Kind     apperrors.Kind
	Severity audit.Severity
	Status   int
	Title    string
	// Message is the generic text safe to show clients.
	Message string
	// Detail and Stack are the internal message and redacted stack. They
	// are only populated outside production.
	Detail     string
	Stack      string
	RetryAfter time.Duration
	Fields     []apperrors.FieldError
	Err        error
}

// Mapper classifies and renders errors.
type Mapper struct {
	production bool
	emitter    audit.Emitter
	logger     *zap.Logger
}

// New creates a mapper. Debug detail is attached only when production is
// false.
func New(production bool, emitter audit.Emitter, logger *zap.Logger) *Mapper {
	return &Mapper{production: production, emitter: emitter, logger: logger.Named("errmap")}
}

// Classify resolves err into the taxonomy and assigns it an error ID.
func (m *Mapper) Classify(err error) Classified {
	kind := kindOf(err)
	entry := Lookup(kind)
	cl := Classified{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: entry.Severity,
		Status:   entry.Status,
		Title:    entry.Title,
		Message:  entry.Message,
		Err:      err,
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		cl.RetryAfter = appErr.RetryAfter
		if kind == apperrors.KindValidation {
			cl.Fields = appErr.Fields
		}
	}

	if !m.production && err != nil {
		cl.Detail = redactPaths(err.Error())
		var stack []byte
		if appErr != nil {
			stack = appErr.Stack()
		}
		if len(stack) == 0 && entry.Status >= 500 {
			stack = debug.Stack()
		}
		cl.Stack = redactPaths(string(stack))
	}
	return cl
}

func kindOf(err error) apperrors.Kind {
	if err == nil {
		return apperrors.KindInternal
	}
	if kind, ok := apperrors.KindOf(err); ok {
		return kind
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.KindExternalService
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, s := range p.patterns {
			if strings.Contains(msg, s) {
				return p.kind
			}
		}
	}
	return apperrors.KindInternal
}

// absolutePath matches unix and windows absolute paths that start a line
// or follow whitespace, a quote or a paren, and captures the final element.
var absolutePath = regexp.MustCompile(`(^|[\s("'=])(?:[A-Za-z]:)?(?:[/\\][^\s/\\:()"']+)*[/\\]([^\s/\\:()"']+)`)

func redactPaths(s string) string {
	return absolutePath.ReplaceAllString(s, "${1}${2}")
}

// record logs cl and counts it. Critical errors are also emitted as
// security events.
func (m *Mapper) record(ctx context.Context, cl Classified, fields ...zap.Field) {
	metrics.ErrorsClassified.WithLabelValues(string(cl.Kind)).Inc()

	fields = append(fields,
		zap.String("error_id", cl.ID),
		zap.String("kind", string(cl.Kind)),
		zap.String("severity", string(cl.Severity)),
		zap.Int("status", cl.Status),
		zap.Error(cl.Err),
	)
	switch {
	case cl.Status >= 500:
		m.logger.Error("Request failed", fields...)
	case cl.Severity == audit.SeverityHigh:
		m.logger.Warn("Request rejected", fields...)
	default:
		m.logger.Info("Request rejected", fields...)
	}

	if cl.Severity == audit.SeverityCritical && m.emitter != nil {
		m.emitter.Emit(ctx, audit.Event{
			Type:     audit.EventCriticalError,
			Severity: audit.SeverityCritical,
			Reason:   string(cl.Kind),
			Attributes: map[string]string{
				"error_id": cl.ID,
			},
		})
	}
}
