// Package errors provides the kinded application error used across the
// security core and the RFC 7807 problem document it is rendered into.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Standard error functions
var (
	Is = errors.Is
	As = errors.As
)

// Kind is the taxonomy bucket of an error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindRateLimit         Kind = "rate_limit"
	KindIPBlocked         Kind = "ip_blocked"
	KindCORSViolation     Kind = "cors_violation"
	KindXSSDetected       Kind = "xss_detected"
	KindPathTraversal     Kind = "path_traversal"
	KindDecryption        Kind = "decryption_failure"
	KindSecretIntegrity   Kind = "secret_integrity"
	KindDatabase          Kind = "database"
	KindExternalService   Kind = "external_service"
	KindSecurityViolation Kind = "security_violation"
	KindInternal          Kind = "internal"
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Kinded sentinels. Use Explain and Wrap to derive request-specific copies.
var (
	Validation        = NewWithKind(KindValidation)
	Unauthenticated   = NewWithKind(KindAuthentication)
	Forbidden         = NewWithKind(KindAuthorization)
	NotFound          = NewWithKind(KindNotFound)
	RateLimited       = NewWithKind(KindRateLimit)
	IPBlocked         = NewWithKind(KindIPBlocked)
	CORSViolation     = NewWithKind(KindCORSViolation)
	XSSDetected       = NewWithKind(KindXSSDetected)
	PathTraversal     = NewWithKind(KindPathTraversal)
	DecryptionFailed  = NewWithKind(KindDecryption)
	SecretIntegrity   = NewWithKind(KindSecretIntegrity)
	Database          = NewWithKind(KindDatabase)
	ExternalService   = NewWithKind(KindExternalService)
	SecurityViolation = NewWithKind(KindSecurityViolation)
	Internal          = NewWithKind(KindInternal)
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind Kind `json:"kind"`
	// Message is the internal, human readable description. It is logged,
	// never returned to clients in production.
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`
	// RetryAfter is set on rate limiting and blocking errors.
	RetryAfter time.Duration `json:"-"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func NewWithKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Retry returns a copy of the error carrying a retry-after hint.
func (e *Error) Retry(after time.Duration) *Error {
	err := *e
	err.RetryAfter = after
	return &err
}

// Trace returns a copy of the error with the current stack attached.
func (e *Error) Trace() *Error {
	err := *e
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	err.trace = stack[:n]
	return &err
}

// Stack is the captured trace, if any.
func (e *Error) Stack() []byte {
	return e.trace
}

// WithField returns a copy of error with a field error appended.
func (e *Error) WithField(kind, field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &err
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
