// Package worker runs the background side of the pipeline: the per-job
// submission protocol, the due-job sweep, stale recovery, provider health
// checks and audit retention.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/domain/claimjob"
	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
	"github.com/claimsgate/claimsgate/internal/platform/db"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
)

// ActorWorker is recorded on every change the processor makes.
const ActorWorker = "system:worker"

// JobStore is the part of claimjob.Service the processor drives.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*claimjob.Job, error)
	Claim(ctx context.Context, id uuid.UUID) (*claimjob.Job, error)
	Transition(ctx context.Context, j *claimjob.Job, u claimjob.Update) (*claimjob.Job, error)
	StoreResponse(ctx context.Context, id uuid.UUID, response map[string]interface{}) error
	Priors(ctx context.Context, cand ethicallock.Candidate, since time.Time) ([]ethicallock.Prior, error)
	RecordEntry(ctx context.Context, j *claimjob.Job, e *auditlog.Entry)
}

// ProviderStore is the part of provider.Registry the processor reads.
type ProviderStore interface {
	Get(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	Target(p *provider.Provider) (gateway.Target, error)
	MarkSuccessful(ctx context.Context, id uuid.UUID) error
}

// LockStore is the part of ethicallock.Service the processor uses.
type LockStore interface {
	Waivers(ctx context.Context, jobID uuid.UUID) ([]ethicallock.Waiver, error)
	Raise(ctx context.Context, cand ethicallock.Candidate, v ethicallock.Verdict) (*ethicallock.Lock, error)
}

type Transmitter interface {
	Send(ctx context.Context, target gateway.Target, claim gateway.Claim) (*gateway.Result, error)
}

// Observer receives processing metrics. metrics.Metrics implements it.
type Observer interface {
	ObserveTransmission(provider, outcome string, latency time.Duration)
}

// Outcome summarizes what Process did with one job.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeVetoed      Outcome = "vetoed"
	OutcomeFailed      Outcome = "failed"
	OutcomeRetry       Outcome = "retry"
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
)

// Processor runs the submission protocol for one job at a time. It is safe
// for concurrent use; the conditional PENDING -> PROCESSING update decides
// which caller proceeds.
type Processor struct {
	jobs        JobStore
	providers   ProviderStore
	locks       LockStore
	tx          db.TxRunner
	checker     ethicallock.Checker
	transmitter Transmitter
	observer    Observer
	logger      zerolog.Logger
	now         func() time.Time
	// serialize takes a transaction-scoped lock on key.
	serialize func(ctx context.Context, key string) error
}

func NewProcessor(jobs JobStore, providers ProviderStore, locks LockStore, tx db.TxRunner,
	checker ethicallock.Checker, transmitter Transmitter, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:        jobs,
		providers:   providers,
		locks:       locks,
		tx:          tx,
		checker:     checker,
		transmitter: transmitter,
		logger:      logger.With().Str("component", "processor").Logger(),
		now:         time.Now,
		serialize:   db.AdvisoryXactLock,
	}
}

func (p *Processor) SetObserver(o Observer) { p.observer = o }

// admission is what the transactional half of the protocol hands to the
// network half.
type admission struct {
	job      *claimjob.Job
	provider *provider.Provider
	outcome  Outcome
}

// Process admits, checks, transmits and settles the job identified by due.
// Errors are infrastructure failures (database unreachable); every
// job-level failure is recorded on the job itself.
func (p *Processor) Process(ctx context.Context, due claimjob.Due) (Outcome, error) {
	ctx = auth.WithActor(db.WithTenant(ctx, due.TenantID), ActorWorker)
	log := p.logger.With().Str("tenant_id", due.TenantID).Str("job_id", due.ID.String()).Logger()

	peek, err := p.jobs.Get(ctx, due.ID)
	if err != nil {
		if errors.Is(err, claimjob.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("load job %s: %w", due.ID, err)
	}
	if peek.Status != claimjob.StatusPending {
		return OutcomeSkipped, nil
	}

	var adm admission
	err = p.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		adm, err = p.admit(ctx, peek)
		return err
	})
	if err != nil {
		return "", err
	}
	if adm.outcome != "" {
		log.Debug().Str("outcome", string(adm.outcome)).Msg("job not transmitted")
		return adm.outcome, nil
	}

	job, prov := adm.job, adm.provider
	target, err := p.providers.Target(prov)
	if err != nil {
		return p.settle(ctx, job, prov, &gateway.Result{}, err)
	}

	res, sendErr := p.send(ctx, target, job)
	return p.settle(ctx, job, prov, res, sendErr)
}

// admit runs inside one transaction: serialize on the billing event, claim
// the job, require an active provider and run the ethical lock checks.
func (p *Processor) admit(ctx context.Context, peek *claimjob.Job) (admission, error) {
	if be := claimjob.Str(peek.BillingEventID); be != "" {
		if err := p.serialize(ctx, "billing_event:"+peek.TenantID+":"+be); err != nil {
			return admission{}, err
		}
	}

	job, err := p.jobs.Claim(ctx, peek.ID)
	switch {
	case errors.Is(err, claimjob.ErrNotClaimed):
		return admission{outcome: OutcomeSkipped}, nil
	case errors.Is(err, claimjob.ErrDuplicateActive):
		return p.vetoDuplicate(ctx, peek)
	case err != nil:
		return admission{}, fmt.Errorf("claim job %s: %w", peek.ID, err)
	}
	p.jobs.RecordEntry(ctx, job, &auditlog.Entry{
		Level:     auditlog.LevelDebug,
		Operation: auditlog.OpJobProcess,
		Message:   "processing started",
		Details:   map[string]interface{}{"max_attempts": job.MaxAttempts},
	})

	prov, err := p.providers.Get(ctx, job.ProviderID)
	if errors.Is(err, provider.ErrNotFound) {
		return p.failAdmission(ctx, job, claimerr.Configuration("provider not found"))
	}
	if err != nil {
		return admission{}, fmt.Errorf("load provider %s: %w", job.ProviderID, err)
	}
	if prov.Status != provider.StatusActive {
		return p.failAdmission(ctx, job, claimerr.Configuration("provider not active"))
	}

	cand := candidate(job)
	now := p.now().UTC()
	priors, err := p.jobs.Priors(ctx, cand, p.checker.HistorySince(now))
	if err != nil {
		return admission{}, fmt.Errorf("load submission history: %w", err)
	}
	waivers, err := p.locks.Waivers(ctx, job.ID)
	if err != nil {
		return admission{}, fmt.Errorf("load lock waivers: %w", err)
	}

	verdict := p.checker.Evaluate(cand, ethicallock.History{Priors: priors, Waivers: waivers}, now)
	if verdict.Vetoed {
		return p.veto(ctx, job, cand, verdict)
	}
	return admission{job: job, provider: prov}, nil
}

// vetoDuplicate handles a claim refused by the live-billing-event index:
// the job never left PENDING, so it parks from there.
func (p *Processor) vetoDuplicate(ctx context.Context, job *claimjob.Job) (admission, error) {
	cand := candidate(job)
	priors, err := p.jobs.Priors(ctx, cand, p.checker.HistorySince(p.now().UTC()))
	if err != nil {
		return admission{}, fmt.Errorf("load submission history: %w", err)
	}
	verdict := ethicallock.Verdict{
		Vetoed:   true,
		LockType: ethicallock.TypeDuplicateInvoice,
		Reason:   fmt.Sprintf("billing event %s already has a live submission", cand.BillingEventID),
	}
	for _, pr := range priors {
		if pr.BillingEventID == cand.BillingEventID {
			verdict.ConflictingJobID = pr.JobID
			verdict.Reason = fmt.Sprintf("billing event %s already submitted by job %s (%s)",
				cand.BillingEventID, pr.JobID, pr.Status)
			break
		}
	}
	return p.veto(ctx, job, cand, verdict)
}

func (p *Processor) veto(ctx context.Context, job *claimjob.Job, cand ethicallock.Candidate, v ethicallock.Verdict) (admission, error) {
	lock, err := p.locks.Raise(ctx, cand, v)
	if err != nil {
		return admission{}, err
	}
	lockType := string(v.LockType)
	reason := claimerr.New(claimerr.KindEthicalLock, v.Reason).Detail()
	parked, err := p.jobs.Transition(ctx, job, claimjob.Update{
		Status:     claimjob.StatusManualReview,
		LockType:   &lockType,
		LockReason: &v.Reason,
		LastError:  &reason,
	})
	if err != nil {
		return admission{}, fmt.Errorf("park job %s for review: %w", job.ID, err)
	}

	details := map[string]interface{}{
		"lock_id":    lock.ID.String(),
		"lock_type":  lockType,
		"error_kind": string(claimerr.KindEthicalLock),
	}
	if v.ConflictingJobID != uuid.Nil {
		details["conflicting_job_id"] = v.ConflictingJobID.String()
	}
	p.jobs.RecordEntry(ctx, parked, &auditlog.Entry{
		Level:     auditlog.LevelWarning,
		Operation: auditlog.OpLockVeto,
		Message:   v.Reason,
		Details:   details,
	})
	return admission{outcome: OutcomeVetoed}, nil
}

// failAdmission ends a claimed job that can never be sent as it stands.
func (p *Processor) failAdmission(ctx context.Context, job *claimjob.Job, cause *claimerr.Error) (admission, error) {
	msg := cause.Detail()
	failed, err := p.jobs.Transition(ctx, job, claimjob.Update{Status: claimjob.StatusFailed, LastError: &msg})
	if err != nil {
		return admission{}, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	p.jobs.RecordEntry(ctx, failed, &auditlog.Entry{
		Level:     auditlog.LevelError,
		Operation: auditlog.OpJobFailed,
		Message:   msg,
		Details:   map[string]interface{}{"error_kind": string(cause.Kind)},
	})
	return admission{outcome: OutcomeFailed}, nil
}

// send calls the transmitter and converts a panic into a transport error.
func (p *Processor) send(ctx context.Context, target gateway.Target, job *claimjob.Job) (res *gateway.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("job_id", job.ID.String()).Msg("transmission panicked")
			res = &gateway.Result{}
			err = claimerr.Transport("transmission aborted", fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = p.transmitter.Send(ctx, target, gateway.Claim{
		JobID:          job.ID,
		JobType:        string(job.JobType),
		BillingEventID: claimjob.Str(job.BillingEventID),
		ProcedureCode:  claimjob.Str(job.ProcedureCode),
		PatientID:      claimjob.Str(job.PatientID),
		Payload:        job.Payload,
		Attempt:        job.Attempts,
	})
	if res == nil {
		res = &gateway.Result{}
	}
	if p.observer != nil {
		p.observer.ObserveTransmission(target.Code, observedOutcome(res, err), res.Latency)
	}
	return res, err
}

// settle applies the result of one attempt with a single conditional update
// from PROCESSING and records it with the captured traffic.
func (p *Processor) settle(ctx context.Context, job *claimjob.Job, prov *provider.Provider, res *gateway.Result, sendErr error) (Outcome, error) {
	u, entry, outcome := p.classify(job, prov, res, sendErr)

	settled, err := p.jobs.Transition(ctx, job, u)
	if errors.Is(err, claimjob.ErrStatusChanged) {
		return p.interrupted(ctx, job, res, entry)
	}
	if err != nil {
		return "", fmt.Errorf("settle job %s: %w", job.ID, err)
	}

	if sendErr == nil && res.Outcome != gateway.OutcomeRejected {
		if err := p.providers.MarkSuccessful(ctx, prov.ID); err != nil {
			p.logger.Warn().Err(err).Str("provider_id", prov.ID.String()).Msg("mark provider successful")
		}
	}
	p.jobs.RecordEntry(ctx, settled, entry)
	return outcome, nil
}

func (p *Processor) classify(job *claimjob.Job, prov *provider.Provider, res *gateway.Result, sendErr error) (claimjob.Update, *auditlog.Entry, Outcome) {
	entry := &auditlog.Entry{
		Operation: auditlog.OpJobTransmit,
		Request:   res.Request,
		Response:  res.Response,
	}
	if res.StatusCode != 0 {
		code := res.StatusCode
		entry.StatusCode = &code
	}
	if res.Latency > 0 || res.Request != nil {
		ms := res.Latency.Milliseconds()
		entry.LatencyMS = &ms
	}

	if sendErr == nil {
		u := claimjob.Update{ResponseData: res.Response, ClearError: true}
		entry.Level = auditlog.LevelInfo
		entry.Message = res.Message
		entry.Details = map[string]interface{}{"outcome": string(res.Outcome)}
		if res.RemoteReference != "" {
			entry.Details["remote_reference"] = res.RemoteReference
		}
		switch res.Outcome {
		case gateway.OutcomeAccepted:
			u.Status = claimjob.StatusAccepted
		case gateway.OutcomeRejected:
			u.Status = claimjob.StatusRejected
			msg := claimerr.Rejection(res.Message).Detail()
			u.LastError, u.ClearError = &msg, false
		default:
			u.Status = claimjob.StatusSent
		}
		if entry.Message == "" {
			entry.Message = "claim " + string(u.Status)
		}
		return u, entry, OutcomeCompleted
	}

	ce := claimerr.As(sendErr)
	msg := ce.Detail()
	entry.Details = map[string]interface{}{"error_kind": string(ce.Kind)}
	u := claimjob.Update{LastError: &msg, ResponseData: res.Response}

	if ce.Retryable() && job.Attempts < job.MaxAttempts {
		next := p.now().UTC().Add(claimjob.Backoff(prov.RetryDelay(), job.Attempts))
		u.Status = claimjob.StatusPending
		u.NextRetryAt = &next
		entry.Level = auditlog.LevelWarning
		entry.Operation = auditlog.OpJobRetry
		entry.Message = fmt.Sprintf("attempt %d of %d failed, retry scheduled: %s", job.Attempts, job.MaxAttempts, msg)
		entry.Details["next_retry_at"] = next
		return u, entry, OutcomeRetry
	}

	u.Status = claimjob.StatusFailed
	entry.Level = auditlog.LevelError
	entry.Operation = auditlog.OpJobFailed
	entry.Message = msg
	if ce.Retryable() {
		entry.Message = fmt.Sprintf("attempts exhausted (%d of %d): %s", job.Attempts, job.MaxAttempts, msg)
	}
	return u, entry, OutcomeFailed
}

// interrupted handles a job that left PROCESSING while the attempt ran,
// usually an operator cancel. The response is kept; the status is not
// touched again.
func (p *Processor) interrupted(ctx context.Context, job *claimjob.Job, res *gateway.Result, entry *auditlog.Entry) (Outcome, error) {
	current, err := p.jobs.Get(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	if res.Response != nil {
		if err := p.jobs.StoreResponse(ctx, job.ID, res.Response); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("store late response")
		}
	}

	entry.Level = auditlog.LevelWarning
	entry.Operation = auditlog.OpJobTransmit
	if current.Status == claimjob.StatusCancelled {
		entry.Message = "attempt completed after cancellation"
	} else {
		entry.Message = fmt.Sprintf("attempt completed after job moved to %s", current.Status)
	}
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}
	entry.Details["attempt_result"] = entry.Message
	p.jobs.RecordEntry(ctx, current, entry)
	return OutcomeInterrupted, nil
}

// RecoverStale settles a job left in PROCESSING by a worker that never
// finished, as if its attempt had hit a transport error.
func (p *Processor) RecoverStale(ctx context.Context, job *claimjob.Job, staleAfter time.Duration) (Outcome, error) {
	ctx = auth.WithActor(db.WithTenant(ctx, job.TenantID), ActorWorker)

	cutoff := p.now().UTC().Add(-staleAfter)
	msg := claimerr.Transport("worker did not finish the attempt", nil).Detail()
	u := claimjob.Update{Status: claimjob.StatusFailed, LastError: &msg, ProcessedBefore: &cutoff}
	outcome := OutcomeFailed

	if job.Attempts < job.MaxAttempts {
		delay := time.Duration(provider.DefaultRetryDelaySeconds) * time.Second
		if prov, err := p.providers.Get(ctx, job.ProviderID); err == nil {
			delay = prov.RetryDelay()
		}
		next := p.now().UTC().Add(claimjob.Backoff(delay, job.Attempts))
		u.Status = claimjob.StatusPending
		u.NextRetryAt = &next
		outcome = OutcomeRetry
	}

	recovered, err := p.jobs.Transition(ctx, job, u)
	if errors.Is(err, claimjob.ErrStatusChanged) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("recover job %s: %w", job.ID, err)
	}

	details := map[string]interface{}{"stale_after": staleAfter.String(), "error_kind": string(claimerr.KindTransport)}
	if u.NextRetryAt != nil {
		details["next_retry_at"] = *u.NextRetryAt
	}
	p.jobs.RecordEntry(ctx, recovered, &auditlog.Entry{
		Level:     auditlog.LevelWarning,
		Operation: auditlog.OpJobRecover,
		Message:   "recovered job stuck in processing: " + msg,
		Details:   details,
	})
	return outcome, nil
}

func candidate(j *claimjob.Job) ethicallock.Candidate {
	return ethicallock.Candidate{
		JobID:          j.ID,
		JobType:        string(j.JobType),
		BillingEventID: claimjob.Str(j.BillingEventID),
		ProcedureCode:  claimjob.Str(j.ProcedureCode),
		PatientID:      claimjob.Str(j.PatientID),
	}
}

func observedOutcome(res *gateway.Result, err error) string {
	if err != nil {
		return string(claimerr.As(err).Kind)
	}
	return string(res.Outcome)
}
