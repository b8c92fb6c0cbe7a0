package ethicallock

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("ethical lock not found")
	ErrAlreadyResolved = errors.New("ethical lock already resolved")
)

type LockType string

const (
	TypeDuplicateInvoice    LockType = "duplicate_invoice"
	TypeDiagnosticCollision LockType = "diagnostic_collision"
	TypeProcedureCollision  LockType = "procedure_collision"
	// TypePatientCollision is accepted for stored and imported locks; the
	// checker does not raise it.
	TypePatientCollision LockType = "patient_collision"
)

func (t LockType) Valid() bool {
	switch t {
	case TypeDuplicateInvoice, TypeDiagnosticCollision, TypeProcedureCollision, TypePatientCollision:
		return true
	}
	return false
}

// Lock maps to the claim_ethical_locks table. Once Resolved is true the
// resolution fields never change.
type Lock struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	JobID            uuid.UUID  `db:"job_id" json:"job_id"`
	LockType         LockType   `db:"lock_type" json:"lock_type"`
	ConflictingJobID *uuid.UUID `db:"conflicting_job_id" json:"conflicting_job_id,omitempty"`
	BillingEventID   *string    `db:"billing_event_id" json:"billing_event_id,omitempty"`
	ProcedureCode    *string    `db:"procedure_code" json:"procedure_code,omitempty"`
	PatientID        *string    `db:"patient_id" json:"patient_id,omitempty"`
	Reason           string     `db:"reason" json:"reason"`
	Resolved         bool       `db:"resolved" json:"resolved"`
	ResolvedBy       *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes  *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

type ResolveRequest struct {
	ResolutionNotes string `json:"resolution_notes" validate:"required,max=4000"`
}

type Filter struct {
	JobID    *uuid.UUID
	Resolved *bool
	LockType LockType
}
