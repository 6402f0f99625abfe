// Package audit emits security events to logs, Kafka and the database.
package audit

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Severity ranks how urgently an event needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventType identifies what happened.
type EventType string

const (
	EventCORSViolation     EventType = "cors.violation"
	EventXSSDetected       EventType = "sanitize.xss_detected"
	EventPathTraversal     EventType = "sanitize.path_traversal"
	EventRateLimitBlocked  EventType = "rate_limit.blocked"
	EventRateLimitDegraded EventType = "rate_limit.degraded"
	EventClientUnblocked   EventType = "rate_limit.unblocked"
	EventSecretStored      EventType = "secret.stored"
	EventSecretAccessed    EventType = "secret.accessed"
	EventSecretRotated     EventType = "secret.rotated"
	EventSecretRevoked     EventType = "secret.revoked"
	EventSecretIntegrity   EventType = "secret.integrity_failure"
	EventCriticalError     EventType = "error.critical"
)

// Event is a single security event. It never carries secret values or
// personal data.
type Event struct {
	ID         uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	Type       EventType         `json:"type" gorm:"not null;index"`
	Severity   Severity          `json:"severity" gorm:"not null;index"`
	Reason     string            `json:"reason,omitempty"`
	IP         string            `json:"ip,omitempty" gorm:"index"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" gorm:"serializer:json"`
	Time       time.Time         `json:"time" gorm:"column:occurred_at;not null;index"`
}

// TableName for GORM
func (Event) TableName() string {
	return "security_events"
}

// With returns a copy of the event with an attribute set.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// FromRequest builds an event carrying the request's client IP, method
// and path.
func FromRequest(c *gin.Context, typ EventType, severity Severity, reason string) Event {
	return Event{
		Type:     typ,
		Severity: severity,
		Reason:   reason,
		IP:       c.ClientIP(),
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
	}
}
