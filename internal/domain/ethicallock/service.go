package ethicallock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
)

type Service struct {
	repo     Repository
	audit    auditlog.Recorder
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, audit auditlog.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		audit:    audit,
		validate: validator.New(),
		logger:   logger.With().Str("component", "ethical_locks").Logger(),
		now:      time.Now,
	}
}

// Raise persists the lock for a vetoed candidate.
func (s *Service) Raise(ctx context.Context, cand Candidate, v Verdict) (*Lock, error) {
	if !v.Vetoed {
		return nil, fmt.Errorf("raise lock for job %s: verdict is not a veto", cand.JobID)
	}
	l := v.Lock(cand)
	if err := s.repo.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create ethical lock: %w", err)
	}
	return l, nil
}

// Resolve records the operator's decision. It does not readmit the job;
// that takes an explicit reprocess.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, req *ResolveRequest) (*Lock, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("resolution notes are required", err)
	}
	actor := auth.ActorFromContext(ctx)
	if actor == "" {
		actor = "unknown"
	}

	l, err := s.repo.Resolve(ctx, id, actor, req.ResolutionNotes, s.now().UTC())
	if err != nil {
		return nil, err
	}

	jobID := l.JobID
	entry := &auditlog.Entry{
		TenantID:  l.TenantID,
		JobID:     &jobID,
		Level:     auditlog.LevelInfo,
		Operation: auditlog.OpLockResolve,
		Message:   fmt.Sprintf("%s lock resolved by %s", l.LockType, actor),
		Details: map[string]interface{}{
			"lock_id":          l.ID.String(),
			"lock_type":        string(l.LockType),
			"resolution_notes": req.ResolutionNotes,
		},
		Actor: actor,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("lock_id", l.ID.String()).Msg("audit record failed")
	}
	return l, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Lock, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Lock, int, error) {
	if f.LockType != "" && !f.LockType.Valid() {
		return nil, 0, claimerr.Validation("invalid lock type", fmt.Errorf("unknown lock type %q", f.LockType))
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Waivers(ctx context.Context, jobID uuid.UUID) ([]Waiver, error) {
	return s.repo.Waivers(ctx, jobID)
}

// OpenForJob counts the unresolved locks holding jobID in manual review.
func (s *Service) OpenForJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	return s.repo.CountOpenForJob(ctx, jobID)
}

func (s *Service) CountOpen(ctx context.Context) (int, error) {
	return s.repo.CountOpen(ctx)
}
