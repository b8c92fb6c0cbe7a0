package claimjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
)

// Providers is the part of the provider registry the job store needs.
type Providers interface {
	Get(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	Counts(ctx context.Context) (total, active int, err error)
}

// Locks is the part of the ethical lock service the job store needs.
type Locks interface {
	OpenForJob(ctx context.Context, jobID uuid.UUID) (int, error)
	CountOpen(ctx context.Context) (int, error)
}

// Observer is notified of every status a job enters.
type Observer interface {
	ObserveTransition(status string)
}

type Service struct {
	repo      Repository
	providers Providers
	locks     Locks
	audit     auditlog.Recorder
	observer  Observer
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, providers Providers, locks Locks, audit auditlog.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		providers: providers,
		locks:     locks,
		audit:     audit,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "job_store").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SetObserver(o Observer) { s.observer = o }

// Create enqueues a job for an active provider. Ethical locks are evaluated
// when the job is processed, not here.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("invalid job", err)
	}
	if req.JobType == TypeProcedure && strings.TrimSpace(req.ProcedureCode) == "" {
		return nil, claimerr.Validation("invalid job", errors.New("procedure jobs require procedure_code"))
	}

	p, err := s.providers.Get(ctx, req.ProviderID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, req.ProviderID)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != provider.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderUnavailable, p.Code, p.Status)
	}

	now := s.now().UTC()
	j := &Job{
		ProviderID:     p.ID,
		JobType:        req.JobType,
		BillingEventID: optional(req.BillingEventID),
		ProcedureCode:  optional(req.ProcedureCode),
		PatientID:      optional(req.PatientID),
		Payload:        req.Payload,
		Status:         StatusPending,
		MaxAttempts:    p.MaxAttempts,
		Priority:       req.Priority,
		ScheduledAt:    now,
		Metadata:       req.Metadata,
	}
	if req.MaxAttempts > 0 {
		j.MaxAttempts = req.MaxAttempts
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		j.ScheduledAt = req.ScheduledAt.UTC()
	}
	if actor := auth.ActorFromContext(ctx); actor != "" {
		j.CreatedBy = &actor
	}

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.observe(StatusPending)

	s.Record(ctx, j, auditlog.LevelInfo, auditlog.OpJobCreate,
		fmt.Sprintf("%s job queued for provider %s", j.JobType, p.Code), map[string]interface{}{
			"billing_event_id": Str(j.BillingEventID),
			"procedure_code":   Str(j.ProcedureCode),
			"priority":         j.Priority,
			"max_attempts":     j.MaxAttempts,
		})
	return j, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Job, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, claimerr.Validation("invalid status filter", fmt.Errorf("unknown status %q", f.Status))
	}
	if f.JobType != "" && !f.JobType.Valid() {
		return nil, 0, claimerr.Validation("invalid job type filter", fmt.Errorf("unknown job type %q", f.JobType))
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Reprocess returns a FAILED, REJECTED or MANUAL_REVIEW job to PENDING with
// a fresh attempt budget. A job in manual review needs every lock resolved
// first, and no job is requeued while another live job holds its billing
// event.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case StatusFailed, StatusRejected:
	case StatusManualReview:
		open, err := s.locks.OpenForJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("count open locks: %w", err)
		}
		if open > 0 {
			return nil, fmt.Errorf("%w: %d open", ErrLocked, open)
		}
	default:
		return nil, fmt.Errorf("%w: cannot reprocess a %s job", ErrInvalidTransition, j.Status)
	}
	if err := s.requireBillingEventFree(ctx, j); err != nil {
		return nil, err
	}

	previous := j.Status
	j, err = s.Transition(ctx, j, Update{
		Status:        StatusPending,
		ResetAttempts: true,
		ClearError:    true,
		ClearLock:     true,
	})
	if err != nil {
		return nil, err
	}

	s.Record(ctx, j, auditlog.LevelInfo, auditlog.OpJobReprocess,
		fmt.Sprintf("job reprocessed from %s", previous), map[string]interface{}{"previous_status": string(previous)})
	return j, nil
}

// requireBillingEventFree refuses to requeue a job whose billing event is
// held by another live submission. The job could only be vetoed again.
func (s *Service) requireBillingEventFree(ctx context.Context, j *Job) error {
	be := Str(j.BillingEventID)
	if be == "" {
		return nil
	}
	priors, err := s.repo.Priors(ctx, ethicallock.Candidate{JobID: j.ID, BillingEventID: be}, time.Time{})
	if err != nil {
		return fmt.Errorf("check billing event %s: %w", be, err)
	}
	for _, p := range priors {
		if p.BillingEventID == be {
			return fmt.Errorf("%w: billing event %s is held by job %s (%s)", ErrDuplicateActive, be, p.JobID, p.Status)
		}
	}
	return nil
}

// Cancel stops a job that has not reached a final outcome. An attempt
// already in flight completes, but its result no longer moves the job.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req *CancelRequest) (*Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("invalid cancel request", err)
	}
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := j.Status

	msg := "cancelled by operator"
	if req.Reason != "" {
		msg += ": " + req.Reason
	}
	j, err = s.Transition(ctx, j, Update{Status: StatusCancelled, LastError: &msg})
	if err != nil {
		return nil, err
	}

	s.Record(ctx, j, auditlog.LevelWarning, auditlog.OpJobCancel, msg,
		map[string]interface{}{"previous_status": string(previous)})
	return j, nil
}

// Confirm settles a SENT job once the gateway's verdict is known.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, req *ConfirmRequest) (*Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, claimerr.Validation("invalid confirmation", err)
	}
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusSent {
		return nil, fmt.Errorf("%w: only sent jobs can be confirmed, job is %s", ErrInvalidTransition, j.Status)
	}

	u := Update{Status: StatusAccepted}
	if req.Outcome == string(StatusRejected) {
		u.Status = StatusRejected
		msg := "rejected on confirmation"
		if req.Notes != "" {
			msg += ": " + req.Notes
		}
		u.LastError = &msg
	}
	j, err = s.Transition(ctx, j, u)
	if err != nil {
		return nil, err
	}

	s.Record(ctx, j, auditlog.LevelInfo, auditlog.OpJobConfirm,
		fmt.Sprintf("submission confirmed as %s", j.Status), map[string]interface{}{"notes": req.Notes})
	return j, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	var err error
	if st.ProvidersTotal, st.ProvidersActive, err = s.providers.Counts(ctx); err != nil {
		return nil, fmt.Errorf("provider counts: %w", err)
	}
	if st.JobsByStatus, err = s.repo.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("job counts: %w", err)
	}
	y, m, d := s.now().UTC().Date()
	if st.JobsToday, err = s.repo.CountCreatedSince(ctx, time.Date(y, m, d, 0, 0, 0, 0, time.UTC)); err != nil {
		return nil, fmt.Errorf("jobs today: %w", err)
	}
	if st.OpenLocks, err = s.locks.CountOpen(ctx); err != nil {
		return nil, fmt.Errorf("open locks: %w", err)
	}

	for _, n := range st.JobsByStatus {
		st.JobsTotal += n
	}
	accepted := st.JobsByStatus[StatusAccepted]
	settled := accepted + st.JobsByStatus[StatusRejected] + st.JobsByStatus[StatusFailed]
	if settled > 0 {
		st.SuccessRate = float64(accepted) * 100 / float64(settled)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Worker-facing operations
// ---------------------------------------------------------------------------

// Claim is the admission gate: exactly one caller wins a due PENDING job.
func (s *Service) Claim(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.repo.Claim(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.observe(StatusProcessing)
	return j, nil
}

// Transition moves j to u.Status if the state machine allows it and j is
// still in its current status.
func (s *Service) Transition(ctx context.Context, j *Job, u Update) (*Job, error) {
	if !j.Status.CanTransition(u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, u.Status)
	}
	if u.NextRetryAt != nil && u.Status != StatusPending {
		return nil, fmt.Errorf("%w: next_retry_at only applies to pending jobs", ErrInvalidTransition)
	}
	updated, err := s.repo.Transition(ctx, j.ID, j.Status, u, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.observe(updated.Status)
	return updated, nil
}

func (s *Service) StoreResponse(ctx context.Context, id uuid.UUID, response map[string]interface{}) error {
	return s.repo.StoreResponse(ctx, id, response)
}

func (s *Service) ListDue(ctx context.Context, limit int) ([]Due, error) {
	return s.repo.ListDue(ctx, s.now().UTC(), limit)
}

func (s *Service) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Job, error) {
	return s.repo.ListStale(ctx, s.now().UTC().Add(-olderThan), limit)
}

func (s *Service) Priors(ctx context.Context, cand ethicallock.Candidate, since time.Time) ([]ethicallock.Prior, error) {
	return s.repo.Priors(ctx, cand, since)
}

func (s *Service) CountActiveForProvider(ctx context.Context, providerID uuid.UUID) (int, error) {
	return s.repo.CountActiveForProvider(ctx, providerID)
}

// Record appends an audit entry for j. Failures are logged, never returned.
func (s *Service) Record(ctx context.Context, j *Job, level auditlog.Level, op, msg string, details map[string]interface{}) {
	s.RecordEntry(ctx, j, &auditlog.Entry{Level: level, Operation: op, Message: msg, Details: details})
}

// RecordEntry fills the job fields of e and appends it.
func (s *Service) RecordEntry(ctx context.Context, j *Job, e *auditlog.Entry) {
	jobID, providerID := j.ID, j.ProviderID
	e.TenantID = j.TenantID
	e.JobID = &jobID
	e.ProviderID = &providerID
	e.Attempt = j.Attempts
	e.JobStatus = string(j.Status)
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID.String()).Str("operation", e.Operation).Msg("audit record failed")
	}
}

func (s *Service) observe(st Status) {
	if s.observer != nil {
		s.observer.ObserveTransition(string(st))
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
