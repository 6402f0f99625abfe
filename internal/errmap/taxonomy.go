// Package errmap maps errors into a fixed taxonomy and renders them as RFC
// 7807 problem documents without leaking internal detail.
package errmap

import (
	"net/http"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// Entry is the fixed mapping for one kind.
type Entry struct {
	Status   int
	Title    string
	Message  string
	Severity audit.Severity
}

var taxonomy = map[apperrors.Kind]Entry{
	apperrors.KindValidation: {
		http.StatusBadRequest, apperrors.TitleValidationError,
		"The request contains invalid data.", audit.SeverityLow,
	},
	apperrors.KindAuthentication: {
		http.StatusUnauthorized, apperrors.TitleUnauthorized,
		"Authentication is required.", audit.SeverityMedium,
	},
	apperrors.KindAuthorization: {
		http.StatusForbidden, apperrors.TitleForbidden,
		"You do not have permission to perform this action.", audit.SeverityMedium,
	},
	apperrors.KindNotFound: {
		http.StatusNotFound, apperrors.TitleNotFound,
		"The requested resource was not found.", audit.SeverityLow,
	},
	apperrors.KindRateLimit: {
		http.StatusTooManyRequests, apperrors.TitleRateLimit,
		"Too many requests. Please try again later.", audit.SeverityMedium,
	},
	apperrors.KindIPBlocked: {
		http.StatusTooManyRequests, apperrors.TitleBlocked,
		"Access temporarily blocked. Please try again later.", audit.SeverityHigh,
	},
	apperrors.KindCORSViolation: {
		http.StatusForbidden, apperrors.TitleOriginRejected,
		"Request origin is not allowed.", audit.SeverityHigh,
	},
	apperrors.KindXSSDetected: {
		http.StatusBadRequest, apperrors.TitleUnsafeInput,
		"The request contains disallowed content.", audit.SeverityHigh,
	},
	apperrors.KindPathTraversal: {
		http.StatusBadRequest, apperrors.TitleUnsafeInput,
		"The requested path is not allowed.", audit.SeverityHigh,
	},
	apperrors.KindDecryption: {
		http.StatusInternalServerError, apperrors.TitleInternalError,
		"An internal error occurred.", audit.SeverityHigh,
	},
	apperrors.KindSecretIntegrity: {
		http.StatusInternalServerError, apperrors.TitleInternalError,
		"An internal error occurred.", audit.SeverityCritical,
	},
	apperrors.KindDatabase: {
		http.StatusInternalServerError, apperrors.TitleInternalError,
		"An internal error occurred.", audit.SeverityHigh,
	},
	apperrors.KindExternalService: {
		http.StatusServiceUnavailable, apperrors.TitleUnavailable,
		"A dependency is temporarily unavailable. Please try again later.", audit.SeverityMedium,
	},
	apperrors.KindSecurityViolation: {
		http.StatusForbidden, apperrors.TitleForbidden,
		"The request was rejected.", audit.SeverityHigh,
	},
	apperrors.KindInternal: {
		http.StatusInternalServerError, apperrors.TitleInternalError,
		"An internal error occurred.", audit.SeverityHigh,
	},
}

// Lookup returns the entry for kind, falling back to internal.
func Lookup(kind apperrors.Kind) Entry {
	if e, ok := taxonomy[kind]; ok {
		return e
	}
	return taxonomy[apperrors.KindInternal]
}

// messagePatterns classify untyped errors by message. Checked in order.
var messagePatterns = []struct {
	kind     apperrors.Kind
	patterns []string
}{
	{apperrors.KindSecretIntegrity, []string{"integrity check", "integrity failure"}},
	{apperrors.KindDecryption, []string{"decryption", "decrypt", "message authentication failed"}},
	{apperrors.KindAuthentication, []string{"unauthenticated", "unauthorized", "authentication", "invalid token", "token expired"}},
	{apperrors.KindAuthorization, []string{"forbidden", "permission denied", "access denied", "not allowed"}},
	{apperrors.KindRateLimit, []string{"rate limit", "too many requests"}},
	{apperrors.KindNotFound, []string{"not found", "no rows"}},
	{apperrors.KindDatabase, []string{"database", "sql", "duplicate key", "deadlock", "constraint"}},
	{apperrors.KindExternalService, []string{"timeout", "deadline exceeded", "connection refused", "unavailable", "upstream"}},
	{apperrors.KindValidation, []string{"validation", "invalid", "required", "malformed"}},
	{apperrors.KindSecurityViolation, []string{"security", "csrf"}},
}
