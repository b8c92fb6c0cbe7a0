package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
	"github.com/claimsgate/claimsgate/internal/platform/db"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
	"github.com/claimsgate/claimsgate/internal/platform/vault"
)

// ActiveJobCounter reports how many jobs still need a provider. The job store
// implements it.
type ActiveJobCounter interface {
	CountActiveForProvider(ctx context.Context, providerID uuid.UUID) (int, error)
}

// Prober performs a connectivity test against a gateway.
type Prober interface {
	Probe(ctx context.Context, target gateway.Target) *gateway.ProbeResult
}

// Registry owns provider configuration and is the only place secrets are
// encrypted or decrypted.
type Registry struct {
	repo     Repository
	vault    *vault.Vault
	prober   Prober
	audit    auditlog.Recorder
	jobs     ActiveJobCounter
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRegistry(repo Repository, v *vault.Vault, prober Prober, audit auditlog.Recorder, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:     repo,
		vault:    v,
		prober:   prober,
		audit:    audit,
		validate: validator.New(),
		logger:   logger.With().Str("component", "provider_registry").Logger(),
		now:      time.Now,
	}
}

// SetJobCounter enables the delete guard. The job store is built after the
// registry, so it is attached afterwards.
func (r *Registry) SetJobCounter(jobs ActiveJobCounter) { r.jobs = jobs }

func (r *Registry) Create(ctx context.Context, req *CreateRequest) (*Provider, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("invalid provider", err)
	}

	p := &Provider{
		Name:              strings.TrimSpace(req.Name),
		Code:              strings.ToUpper(strings.TrimSpace(req.Code)),
		TaxID:             optional(req.TaxID),
		EndpointURL:       req.EndpointURL,
		Environment:       req.Environment,
		Username:          req.Username,
		CertificatePath:   optional(req.CertificatePath),
		TimeoutSeconds:    req.TimeoutSeconds,
		MaxAttempts:       req.MaxAttempts,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
		Status:            req.Status,
		Metadata:          req.Metadata,
		Notes:             optional(req.Notes),
	}
	if p.Environment == "" {
		p.Environment = EnvProduction
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if req.RetryDelaySeconds != nil {
		p.RetryDelaySeconds = *req.RetryDelaySeconds
	}
	if p.Status == "" {
		p.Status = StatusInactive
	}

	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if req.Password != "" {
		enc, err := r.vault.Encrypt(tenant, req.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		p.PasswordEncrypted = enc
	}

	if err := r.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	r.record(ctx, p, auditlog.LevelInfo, auditlog.OpProviderCreate,
		fmt.Sprintf("provider %s created", p.Code), map[string]interface{}{
			"code":        p.Code,
			"environment": p.Environment,
			"status":      string(p.Status),
		})
	return p, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return r.repo.GetByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, claimerr.Validation("invalid status filter", fmt.Errorf("unknown status %q", f.Status))
	}
	return r.repo.List(ctx, f, limit, offset)
}

func (r *Registry) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*Provider, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("invalid provider update", err)
	}

	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := []string{}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.TaxID != nil {
		p.TaxID = optional(*req.TaxID)
		changed = append(changed, "tax_id")
	}
	if req.EndpointURL != nil {
		p.EndpointURL = *req.EndpointURL
		changed = append(changed, "endpoint_url")
	}
	if req.Environment != nil {
		p.Environment = *req.Environment
		changed = append(changed, "environment")
	}
	if req.Username != nil {
		p.Username = *req.Username
		changed = append(changed, "username")
	}
	if req.Password != nil && *req.Password != "" && *req.Password != vault.Masked {
		enc, err := r.vault.Encrypt(p.TenantID, *req.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		p.PasswordEncrypted = enc
		changed = append(changed, "password")
	}
	if req.CertificatePath != nil {
		p.CertificatePath = optional(*req.CertificatePath)
		changed = append(changed, "certificate_path")
	}
	if req.TimeoutSeconds != nil {
		p.TimeoutSeconds = *req.TimeoutSeconds
		changed = append(changed, "timeout_seconds")
	}
	if req.MaxAttempts != nil {
		p.MaxAttempts = *req.MaxAttempts
		changed = append(changed, "max_attempts")
	}
	if req.RetryDelaySeconds != nil {
		p.RetryDelaySeconds = *req.RetryDelaySeconds
		changed = append(changed, "retry_delay_seconds")
	}
	if req.Status != nil {
		p.Status = *req.Status
		changed = append(changed, "status")
	}
	if req.Metadata != nil {
		p.Metadata = req.Metadata
		changed = append(changed, "metadata")
	}
	if req.Notes != nil {
		p.Notes = optional(*req.Notes)
		changed = append(changed, "notes")
	}

	if err := r.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	r.record(ctx, p, auditlog.LevelInfo, auditlog.OpProviderUpdate,
		fmt.Sprintf("provider %s updated", p.Code), map[string]interface{}{"fields": changed})
	return p, nil
}

// Delete removes the provider. Historical jobs keep their reference; queued
// or in-flight jobs block the delete.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if r.jobs != nil {
		n, err := r.jobs.CountActiveForProvider(ctx, id)
		if err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d", ErrInUse, n)
		}
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.record(ctx, p, auditlog.LevelWarning, auditlog.OpProviderDelete,
		fmt.Sprintf("provider %s deleted", p.Code), nil)
	return nil
}

// TestConnection probes the gateway with the stored credentials, or with the
// override when one is given, and persists the outcome.
func (r *Registry) TestConnection(ctx context.Context, id uuid.UUID, override *TestRequest) (*gateway.ProbeResult, error) {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.probe(ctx, p, override, auditlog.OpProviderTest)
}

// HealthCheck is TestConnection as run by the health monitor. It only moves
// a provider between ACTIVE and TESTING; a failed check leaves it in TESTING
// so the next round can bring it back.
func (r *Registry) HealthCheck(ctx context.Context, p *Provider) (*gateway.ProbeResult, error) {
	return r.probe(ctx, p, nil, auditlog.OpProviderHealthCheck)
}

func (r *Registry) probe(ctx context.Context, p *Provider, override *TestRequest, op string) (*gateway.ProbeResult, error) {
	var result *gateway.ProbeResult

	target, err := r.targetWith(p, override)
	if err != nil {
		result = &gateway.ProbeResult{
			Message:  claimerr.As(err).Message,
			TestedAt: r.now().UTC(),
		}
	} else {
		result = r.prober.Probe(ctx, target)
	}

	status := nextStatus(p.Status, result.Success, op == auditlog.OpProviderHealthCheck)

	raw := map[string]interface{}{
		"success":     result.Success,
		"status_code": result.StatusCode,
		"latency_ms":  result.LatencyMS,
		"message":     result.Message,
		"response":    result.Response,
	}
	if err := r.repo.RecordTest(ctx, p.ID, p.Status, status, raw, result.TestedAt); err != nil {
		return result, fmt.Errorf("record test result: %w", err)
	}
	previous := p.Status
	p.Status = status
	p.LastTestResult = raw
	tested := result.TestedAt
	p.LastTestedAt = &tested

	level := auditlog.LevelInfo
	if !result.Success {
		level = auditlog.LevelWarning
	}
	entry := &auditlog.Entry{
		TenantID:   p.TenantID,
		ProviderID: &p.ID,
		Level:      level,
		Operation:  op,
		Message:    fmt.Sprintf("connection test for %s: %s", p.Code, result.Message),
		Details: map[string]interface{}{
			"success":         result.Success,
			"previous_status": string(previous),
			"status":          string(status),
			"override":        override != nil,
		},
		Response:  result.Response,
		LatencyMS: &result.LatencyMS,
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		entry.StatusCode = &code
	}
	r.recordEntry(ctx, entry)
	return result, nil
}

// nextStatus is the status after a connection test. An operator test sets
// ACTIVE or INACTIVE. A monitor check never touches a provider outside
// ACTIVE and TESTING. SUSPENDED is never changed by a test.
func nextStatus(current Status, success, monitor bool) Status {
	switch {
	case current == StatusSuspended:
		return current
	case monitor && current != StatusActive && current != StatusTesting:
		return current
	case success:
		return StatusActive
	case monitor:
		return StatusTesting
	default:
		return StatusInactive
	}
}

// Target decrypts the provider's credentials for one transmission attempt.
// The returned value is not affected by later updates to the provider.
func (r *Registry) Target(p *Provider) (gateway.Target, error) {
	return r.targetWith(p, nil)
}

func (r *Registry) targetWith(p *Provider, override *TestRequest) (gateway.Target, error) {
	creds := gateway.Credentials{Username: p.Username}
	if override != nil && override.Username != nil {
		creds.Username = *override.Username
	}
	switch {
	case override != nil && override.Password != nil:
		creds.Password = *override.Password
	case p.PasswordEncrypted != "":
		secret, err := r.vault.Decrypt(p.TenantID, p.PasswordEncrypted)
		if err != nil {
			return gateway.Target{}, err
		}
		creds.Password = secret
	}

	senderCode, senderName := p.SenderIdentity()
	t := gateway.Target{
		ProviderID:  p.ID,
		TenantID:    p.TenantID,
		Code:        p.Code,
		Name:        p.Name,
		EndpointURL: p.EndpointURL,
		Environment: p.Environment,
		Credentials: creds,
		Timeout:     p.Timeout(),
		SenderCode:  senderCode,
		SenderName:  senderName,
	}
	if p.CertificatePath != nil {
		t.CertificatePath = *p.CertificatePath
	}
	return t, nil
}

// MarkSuccessful stamps the provider's last successful transmission.
func (r *Registry) MarkSuccessful(ctx context.Context, id uuid.UUID) error {
	return r.repo.MarkSuccessful(ctx, id, r.now())
}

func (r *Registry) Counts(ctx context.Context) (total, active int, err error) {
	return r.repo.Counts(ctx)
}

func (r *Registry) ListMonitored(ctx context.Context) ([]*Provider, error) {
	return r.repo.ListMonitored(ctx)
}

func (r *Registry) record(ctx context.Context, p *Provider, level auditlog.Level, op, msg string, details map[string]interface{}) {
	r.recordEntry(ctx, &auditlog.Entry{
		TenantID:   p.TenantID,
		ProviderID: &p.ID,
		Level:      level,
		Operation:  op,
		Message:    msg,
		Details:    details,
	})
}

func (r *Registry) recordEntry(ctx context.Context, e *auditlog.Entry) {
	if err := r.audit.Record(ctx, e); err != nil {
		r.logger.Error().Err(err).Str("operation", e.Operation).Msg("audit record failed")
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
