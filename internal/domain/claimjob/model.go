package claimjob

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusChanged means the job left the expected status before the
	// conditional update ran.
	ErrStatusChanged = errors.New("job status changed concurrently")
	// ErrNotClaimed means another worker admitted the job first or it is no
	// longer due.
	ErrNotClaimed = errors.New("job not claimed")
	// ErrDuplicateActive is raised by the database when another job of the
	// same billing event is already processing, sent or accepted.
	ErrDuplicateActive     = errors.New("billing event already has a live submission")
	ErrProviderUnavailable = errors.New("provider not found or not active")
	ErrLocked              = errors.New("job has unresolved ethical locks")
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusSent         Status = "sent"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusManualReview Status = "manual_review"
)

// transitions lists every allowed status change.
var transitions = map[Status][]Status{
	StatusPending:      {StatusProcessing, StatusManualReview, StatusCancelled},
	StatusProcessing:   {StatusAccepted, StatusRejected, StatusSent, StatusPending, StatusFailed, StatusManualReview, StatusCancelled},
	StatusSent:         {StatusAccepted, StatusRejected, StatusCancelled},
	StatusFailed:       {StatusPending},
	StatusRejected:     {StatusPending},
	StatusManualReview: {StatusPending, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusAccepted,
		StatusRejected, StatusFailed, StatusCancelled, StatusManualReview:
		return true
	}
	return false
}

// Terminal reports whether the status has no further automatic transition.
// SENT counts: it waits for an external confirmation.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusProcessing
}

func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// LiveStatuses are the statuses that count as a submission of the billing
// event.
func LiveStatuses() []Status {
	return []Status{StatusProcessing, StatusSent, StatusAccepted}
}

type JobType string

const (
	TypeInvoice      JobType = "invoice"
	TypeSADT         JobType = "sadt"
	TypeConsultation JobType = "consultation"
	TypeProcedure    JobType = "procedure"
)

func (t JobType) Valid() bool {
	switch t {
	case TypeInvoice, TypeSADT, TypeConsultation, TypeProcedure:
		return true
	}
	return false
}

// Job maps to the claim_jobs table.
type Job struct {
	ID                   uuid.UUID              `db:"id" json:"id"`
	TenantID             string                 `db:"tenant_id" json:"tenant_id"`
	ProviderID           uuid.UUID              `db:"provider_id" json:"provider_id"`
	JobType              JobType                `db:"job_type" json:"job_type"`
	BillingEventID       *string                `db:"billing_event_id" json:"billing_event_id,omitempty"`
	ProcedureCode        *string                `db:"procedure_code" json:"procedure_code,omitempty"`
	PatientID            *string                `db:"patient_id" json:"patient_id,omitempty"`
	Payload              map[string]interface{} `db:"payload" json:"payload"`
	ResponseData         map[string]interface{} `db:"response_data" json:"response_data,omitempty"`
	Status               Status                 `db:"status" json:"status"`
	Attempts             int                    `db:"attempts" json:"attempts"`
	MaxAttempts          int                    `db:"max_attempts" json:"max_attempts"`
	Priority             int                    `db:"priority" json:"priority"`
	ScheduledAt          time.Time              `db:"scheduled_at" json:"scheduled_at"`
	ProcessedAt          *time.Time             `db:"processed_at" json:"processed_at,omitempty"`
	CompletedAt          *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
	NextRetryAt          *time.Time             `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError            *string                `db:"last_error" json:"last_error,omitempty"`
	LastErrorAt          *time.Time             `db:"last_error_at" json:"last_error_at,omitempty"`
	LockType             *string                `db:"lock_type" json:"lock_type,omitempty"`
	LockReason           *string                `db:"lock_reason" json:"lock_reason,omitempty"`
	ManualReviewRequired bool                   `db:"manual_review_required" json:"manual_review_required"`
	Metadata             map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedBy            *string                `db:"created_by" json:"created_by,omitempty"`
	CreatedAt            time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time              `db:"updated_at" json:"updated_at"`
}

// Str dereferences an optional column.
func Str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Update describes the side effects of one status transition. completed_at
// and manual_review_required follow from the target status.
type Update struct {
	Status        Status
	NextRetryAt   *time.Time
	LastError     *string
	ClearError    bool
	ResponseData  map[string]interface{}
	LockType      *string
	LockReason    *string
	ClearLock     bool
	ResetAttempts bool
	// ProcessedBefore additionally requires processed_at < this instant.
	ProcessedBefore *time.Time
}

// CreateRequest is the body of POST /jobs.
type CreateRequest struct {
	ProviderID     uuid.UUID              `json:"provider_id" validate:"required"`
	JobType        JobType                `json:"job_type" validate:"required,oneof=invoice sadt consultation procedure"`
	BillingEventID string                 `json:"billing_event_id" validate:"omitempty,max=100"`
	ProcedureCode  string                 `json:"procedure_code" validate:"omitempty,max=50"`
	PatientID      string                 `json:"patient_id" validate:"omitempty,max=100"`
	Payload        map[string]interface{} `json:"payload" validate:"required,min=1"`
	Priority       int                    `json:"priority" validate:"min=-100,max=100"`
	ScheduledAt    *time.Time             `json:"scheduled_at"`
	MaxAttempts    int                    `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type ConfirmRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=accepted rejected"`
	Notes   string `json:"notes" validate:"max=4000"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type Filter struct {
	Status         Status
	ProviderID     *uuid.UUID
	JobType        JobType
	BillingEventID string
}

// Due identifies a job selected by a sweep.
type Due struct {
	ID       uuid.UUID
	TenantID string
}

type Stats struct {
	ProvidersTotal  int            `json:"providers_total"`
	ProvidersActive int            `json:"providers_active"`
	JobsByStatus    map[Status]int `json:"jobs_by_status"`
	JobsTotal       int            `json:"jobs_total"`
	JobsToday       int            `json:"jobs_today"`
	OpenLocks       int            `json:"open_ethical_locks"`
	// SuccessRate is accepted / (accepted + rejected + failed), in percent.
	SuccessRate float64 `json:"success_rate"`
}

const maxBackoff = 24 * time.Hour

// Backoff is the delay before retrying after the given failed attempt:
// base, 2*base, 4*base, ... capped at 24h (or base when base is larger).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff && base < maxBackoff {
		d = maxBackoff
	}
	return d
}
