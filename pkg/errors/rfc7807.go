package errors

import (
	"encoding/json"
	"net/http"
)

// ProblemBase prefixes every problem type URI.
const ProblemBase = "https://api.freelanceos.app/problems/"

// Problem titles
const (
	TitleValidationError = "Validation Error"
	TitleUnauthorized    = "Unauthorized"
	TitleForbidden       = "Forbidden"
	TitleNotFound        = "Not Found"
	TitleRateLimit       = "Rate Limit Exceeded"
	TitleBlocked         = "Client Blocked"
	TitleOriginRejected  = "Origin Rejected"
	TitleUnsafeInput     = "Unsafe Input"
	TitleInternalError   = "Internal Server Error"
	TitleUnavailable     = "Service Unavailable"
)

// TypeURI returns the problem type URI for a kind.
func TypeURI(kind Kind) string {
	return ProblemBase + string(kind)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	ErrorID  string         `json:"error_id,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Errors   []FieldError   `json:"errors,omitempty"`
	Extra    map[string]any `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithFieldErrors adds field errors to the problem details
func (p *ProblemDetails) WithFieldErrors(errs []FieldError) *ProblemDetails {
	p.Errors = errs
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value any) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]any, 8+len(p.Extra))
	// extras first so the standard members cannot be shadowed
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.ErrorID != "" {
		result["error_id"] = p.ErrorID
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a problem for kind with the given status and title.
func NewProblemDetails(kind Kind, title string, status int, detail, instance string) *ProblemDetails {
	if title == "" {
		title = http.StatusText(status)
	}
	return &ProblemDetails{
		Type:     TypeURI(kind),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}
