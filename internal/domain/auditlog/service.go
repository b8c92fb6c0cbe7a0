package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
)

// Recorder is what the pipeline components depend on.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "auditlog").Logger(),
		now:    time.Now,
	}
}

// Record redacts and appends e, and mirrors it to the process log. Tenant and
// actor default to the values carried by ctx.
func (s *Service) Record(ctx context.Context, e *Entry) error {
	if e.TenantID == "" {
		e.TenantID = db.TenantFromContext(ctx)
	}
	if e.TenantID == "" {
		return fmt.Errorf("audit entry %q has no tenant", e.Operation)
	}
	if e.Actor == "" {
		e.Actor = auth.ActorFromContext(ctx)
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if !e.Level.Valid() {
		e.Level = LevelInfo
	}
	e.Details = Redact(e.Details)
	e.Request = Redact(e.Request)
	e.Response = Redact(e.Response)

	s.mirror(e)

	if err := s.repo.Append(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("operation", e.Operation).Msg("append audit entry")
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Service) mirror(e *Entry) {
	var evt *zerolog.Event
	switch e.Level {
	case LevelDebug:
		evt = s.logger.Debug()
	case LevelWarning:
		evt = s.logger.Warn()
	case LevelError:
		evt = s.logger.Error()
	default:
		evt = s.logger.Info()
	}

	evt = evt.Str("tenant_id", e.TenantID).Str("operation", e.Operation).Str("actor", e.Actor)
	if e.JobID != nil {
		evt = evt.Str("job_id", e.JobID.String())
	}
	if e.ProviderID != nil {
		evt = evt.Str("provider_id", e.ProviderID.String())
	}
	if e.Attempt > 0 {
		evt = evt.Int("attempt", e.Attempt)
	}
	if e.JobStatus != "" {
		evt = evt.Str("job_status", e.JobStatus)
	}
	if e.StatusCode != nil {
		evt = evt.Int("status_code", *e.StatusCode)
	}
	if e.LatencyMS != nil {
		evt = evt.Int64("latency_ms", *e.LatencyMS)
	}
	evt.Msg(e.Message)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	if f.Level != "" && !f.Level.Valid() {
		return nil, 0, fmt.Errorf("invalid level: %s", f.Level)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Prune deletes entries older than retentionDays. Zero disables pruning.
func (s *Service) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("audit entries pruned")
	return n, nil
}
