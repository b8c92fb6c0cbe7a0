package auditlog

import (
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// Operation names recorded on entries.
const (
	OpProviderCreate      = "provider.create"
	OpProviderUpdate      = "provider.update"
	OpProviderDelete      = "provider.delete"
	OpProviderTest        = "provider.test_connection"
	OpProviderHealthCheck = "provider.health_check"

	OpJobCreate    = "job.create"
	OpJobProcess   = "job.process"
	OpJobTransmit  = "job.transmit"
	OpJobRetry     = "job.retry_scheduled"
	OpJobFailed    = "job.failed"
	OpJobCancel    = "job.cancel"
	OpJobReprocess = "job.reprocess"
	OpJobConfirm   = "job.confirm"
	OpJobRecover   = "job.recover"

	OpLockVeto    = "ethical_lock.veto"
	OpLockResolve = "ethical_lock.resolve"
)

// Entry is one append-only audit record. Request and Response hold captured
// traffic with credentials already redacted.
type Entry struct {
	ID         uuid.UUID              `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	JobID      *uuid.UUID             `json:"job_id,omitempty"`
	ProviderID *uuid.UUID             `json:"provider_id,omitempty"`
	Level      Level                  `json:"level"`
	Operation  string                 `json:"operation"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Request    map[string]interface{} `json:"request,omitempty"`
	Response   map[string]interface{} `json:"response,omitempty"`
	StatusCode *int                   `json:"status_code,omitempty"`
	LatencyMS  *int64                 `json:"latency_ms,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	JobStatus  string                 `json:"job_status,omitempty"`
	Actor      string                 `json:"actor"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	JobID      *uuid.UUID
	ProviderID *uuid.UUID
	Level      Level
	Operation  string
}
