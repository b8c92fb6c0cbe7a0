package provider

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/claimsgate/claimsgate/internal/platform/vault"
)

var (
	ErrNotFound = errors.New("provider not found")
	// ErrConflict is returned when the short code is already taken in the tenant.
	ErrConflict = errors.New("provider code already exists")
	// ErrInUse blocks deletion while jobs are still queued or in flight.
	ErrInUse = errors.New("provider has pending or processing jobs")
	// ErrStatusChanged means the status moved while a connection test ran.
	ErrStatusChanged = errors.New("provider status changed during the test")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusTesting   Status = "testing"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusTesting:
		return true
	}
	return false
}

const (
	EnvProduction = "production"
	EnvSandbox    = "sandbox"
)

const (
	DefaultTimeoutSeconds    = 30
	DefaultMaxAttempts       = 3
	DefaultRetryDelaySeconds = 60
)

// Provider maps to the claim_providers table.
type Provider struct {
	ID                    uuid.UUID              `db:"id" json:"id"`
	TenantID              string                 `db:"tenant_id" json:"tenant_id"`
	Name                  string                 `db:"name" json:"name"`
	Code                  string                 `db:"code" json:"code"`
	TaxID                 *string                `db:"tax_id" json:"tax_id,omitempty"`
	EndpointURL           string                 `db:"endpoint_url" json:"endpoint_url"`
	Environment           string                 `db:"environment" json:"environment"`
	Username              string                 `db:"username" json:"username"`
	PasswordEncrypted     string                 `db:"password_encrypted" json:"-"`
	CertificatePath       *string                `db:"certificate_path" json:"certificate_path,omitempty"`
	TimeoutSeconds        int                    `db:"timeout_seconds" json:"timeout_seconds"`
	MaxAttempts           int                    `db:"max_attempts" json:"max_attempts"`
	RetryDelaySeconds     int                    `db:"retry_delay_seconds" json:"retry_delay_seconds"`
	Status                Status                 `db:"status" json:"status"`
	LastTestResult        map[string]interface{} `db:"last_test_result" json:"last_test_result,omitempty"`
	LastTestedAt          *time.Time             `db:"last_tested_at" json:"last_tested_at,omitempty"`
	LastSuccessfulRequest *time.Time             `db:"last_successful_request" json:"last_successful_request,omitempty"`
	Metadata              map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	Notes                 *string                `db:"notes" json:"notes,omitempty"`
	CreatedAt             time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time              `db:"updated_at" json:"updated_at"`
}

// View is the API representation. The stored secret never leaves the
// registry; only a placeholder does.
type View struct {
	*Provider
	Password string `json:"password"`
}

func (p *Provider) View() *View {
	return &View{Provider: p, Password: vault.Mask(p.PasswordEncrypted)}
}

func (p *Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p *Provider) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// SenderIdentity returns the sender override carried in metadata, if any.
func (p *Provider) SenderIdentity() (code, name string) {
	if p.Metadata == nil {
		return "", ""
	}
	code, _ = p.Metadata["sender_code"].(string)
	name, _ = p.Metadata["sender_name"].(string)
	return code, name
}

// CreateRequest is the body of POST /providers.
type CreateRequest struct {
	Name              string                 `json:"name" validate:"required,max=255"`
	Code              string                 `json:"code" validate:"required,max=50"`
	TaxID             string                 `json:"tax_id" validate:"omitempty,max=32"`
	EndpointURL       string                 `json:"endpoint_url" validate:"required,url"`
	Environment       string                 `json:"environment" validate:"omitempty,oneof=production sandbox"`
	Username          string                 `json:"username" validate:"max=255"`
	Password          string                 `json:"password"`
	CertificatePath   string                 `json:"certificate_path"`
	TimeoutSeconds    int                    `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	MaxAttempts       int                    `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	RetryDelaySeconds *int                   `json:"retry_delay_seconds" validate:"omitempty,min=0,max=86400"`
	Status            Status                 `json:"status" validate:"omitempty,oneof=active inactive suspended testing"`
	Metadata          map[string]interface{} `json:"metadata"`
	Notes             string                 `json:"notes"`
}

// UpdateRequest is the body of PATCH /providers/:id. Nil fields are left
// unchanged; Password is re-encrypted only when supplied.
type UpdateRequest struct {
	Name              *string                `json:"name" validate:"omitempty,min=1,max=255"`
	TaxID             *string                `json:"tax_id" validate:"omitempty,max=32"`
	EndpointURL       *string                `json:"endpoint_url" validate:"omitempty,url"`
	Environment       *string                `json:"environment" validate:"omitempty,oneof=production sandbox"`
	Username          *string                `json:"username" validate:"omitempty,max=255"`
	Password          *string                `json:"password"`
	CertificatePath   *string                `json:"certificate_path"`
	TimeoutSeconds    *int                   `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	MaxAttempts       *int                   `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	RetryDelaySeconds *int                   `json:"retry_delay_seconds" validate:"omitempty,min=0,max=86400"`
	Status            *Status                `json:"status" validate:"omitempty,oneof=active inactive suspended testing"`
	Metadata          map[string]interface{} `json:"metadata"`
	Notes             *string                `json:"notes"`
}

// TestRequest optionally overrides the stored credentials for one probe.
type TestRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type Filter struct {
	Status      Status
	Environment string
}
