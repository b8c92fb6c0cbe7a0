package claimjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
	"github.com/claimsgate/claimsgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const jobCols = `id, tenant_id, provider_id, job_type, billing_event_id, procedure_code, patient_id,
	payload, response_data, status, attempts, max_attempts, priority, scheduled_at,
	processed_at, completed_at, next_retry_at, last_error, last_error_at, lock_type,
	lock_reason, manual_review_required, metadata, created_by, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.TenantID, &j.ProviderID, &j.JobType, &j.BillingEventID, &j.ProcedureCode, &j.PatientID,
		&j.Payload, &j.ResponseData, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.ScheduledAt,
		&j.ProcessedAt, &j.CompletedAt, &j.NextRetryAt, &j.LastError, &j.LastErrorAt, &j.LockType,
		&j.LockReason, &j.ManualReviewRequired, &j.Metadata, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &j, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (r *repoPG) Create(ctx context.Context, j *Job) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	j.ID = uuid.New()
	j.TenantID = tenant
	if j.Metadata == nil {
		j.Metadata = map[string]interface{}{}
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_jobs (id, tenant_id, provider_id, job_type, billing_event_id, procedure_code,
			patient_id, payload, status, attempts, max_attempts, priority, scheduled_at, metadata, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		j.ID, j.TenantID, j.ProviderID, j.JobType, j.BillingEventID, j.ProcedureCode,
		j.PatientID, j.Payload, j.Status, j.MaxAttempts, j.Priority, j.ScheduledAt, j.Metadata, j.CreatedBy,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	return scanJob(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+jobCols+` FROM claim_jobs WHERE id = $1 AND tenant_id = $2`, id, tenant))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Job, int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, 0, err
	}

	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenant}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.JobType != "" {
		where += fmt.Sprintf(` AND job_type = $%d`, idx)
		args = append(args, f.JobType)
		idx++
	}
	if f.BillingEventID != "" {
		where += fmt.Sprintf(` AND billing_event_id = $%d`, idx)
		args = append(args, f.BillingEventID)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claim_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobCols + ` FROM claim_jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	items, err := r.query(ctx, query, args...)
	return items, total, err
}

func (r *repoPG) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}

	const claimSQL = `
		UPDATE claim_jobs
		SET status = 'processing', attempts = attempts + 1, processed_at = $3,
			next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
			AND attempts < max_attempts AND scheduled_at <= $3
			AND (next_retry_at IS NULL OR next_retry_at <= $3)
		RETURNING ` + jobCols

	// Inside a transaction the update runs under a savepoint so a unique
	// violation leaves the outer transaction usable.
	tx := db.TxFromContext(ctx)
	if tx == nil {
		j, err := scanJob(r.pool.QueryRow(ctx, claimSQL, id, tenant, now))
		return claimResult(j, err)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim savepoint: %w", err)
	}
	j, err := scanJob(sp.QueryRow(ctx, claimSQL, id, tenant, now))
	if err != nil {
		_ = sp.Rollback(ctx)
		return claimResult(nil, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("release claim savepoint: %w", err)
	}
	return j, nil
}

func claimResult(j *Job, err error) (*Job, error) {
	switch {
	case err == nil:
		return j, nil
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotClaimed
	case isUniqueViolation(err):
		return nil, ErrDuplicateActive
	default:
		return nil, err
	}
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from Status, u Update, now time.Time) (*Job, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}

	var completedAt *time.Time
	if u.Status.Terminal() {
		completedAt = &now
	}

	j, err := scanJob(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claim_jobs SET
			status = $4,
			attempts = CASE WHEN $5 THEN 0 ELSE attempts END,
			next_retry_at = $6,
			completed_at = $7,
			last_error = CASE WHEN $8 THEN NULL WHEN $9::text IS NOT NULL THEN $9 ELSE last_error END,
			last_error_at = CASE WHEN $8 THEN NULL WHEN $9::text IS NOT NULL THEN $10 ELSE last_error_at END,
			response_data = COALESCE($11, response_data),
			lock_type = CASE WHEN $12 THEN NULL ELSE COALESCE($13, lock_type) END,
			lock_reason = CASE WHEN $12 THEN NULL ELSE COALESCE($14, lock_reason) END,
			manual_review_required = $15,
			updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3
			AND ($16::timestamptz IS NULL OR processed_at < $16)
		RETURNING `+jobCols,
		id, tenant, from,
		u.Status, u.ResetAttempts, u.NextRetryAt, completedAt,
		u.ClearError, u.LastError, now,
		u.ResponseData, u.ClearLock, u.LockType, u.LockReason,
		u.Status == StatusManualReview, u.ProcessedBefore,
	))
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrStatusChanged
	case isUniqueViolation(err):
		return nil, ErrDuplicateActive
	}
	return j, err
}

func (r *repoPG) StoreResponse(ctx context.Context, id uuid.UUID, response map[string]interface{}) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE claim_jobs SET response_data = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`, id, tenant, response)
	return err
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]Due, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, tenant_id FROM claim_jobs
		WHERE status = 'pending' AND scheduled_at <= $1
			AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Due
	for rows.Next() {
		var d Due
		if err := rows.Scan(&d.ID, &d.TenantID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) ListStale(ctx context.Context, processedBefore time.Time, limit int) ([]*Job, error) {
	return r.query(ctx, `SELECT `+jobCols+` FROM claim_jobs
		WHERE status = 'processing' AND processed_at < $1
		ORDER BY processed_at ASC LIMIT $2`, processedBefore, limit)
}

func (r *repoPG) Priors(ctx context.Context, cand ethicallock.Candidate, since time.Time) ([]ethicallock.Prior, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, 3)
	for _, s := range LiveStatuses() {
		live = append(live, string(s))
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, COALESCE(billing_event_id, ''), COALESCE(procedure_code, ''), COALESCE(patient_id, ''),
			status, COALESCE(processed_at, scheduled_at)
		FROM claim_jobs
		WHERE tenant_id = $1 AND id <> $2 AND status = ANY($3)
			AND (($4 <> '' AND billing_event_id = $4)
				OR ($5 <> '' AND procedure_code = $5 AND COALESCE(processed_at, scheduled_at) >= $6))`,
		tenant, cand.JobID, live, cand.BillingEventID, cand.ProcedureCode, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ethicallock.Prior
	for rows.Next() {
		var p ethicallock.Prior
		if err := rows.Scan(&p.JobID, &p.BillingEventID, &p.ProcedureCode, &p.PatientID, &p.Status, &p.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repoPG) CountActiveForProvider(ctx context.Context, providerID uuid.UUID) (int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM claim_jobs
		WHERE tenant_id = $1 AND provider_id = $2 AND status IN ('pending', 'processing')`,
		tenant, providerID).Scan(&n)
	return n, err
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT status, COUNT(*) FROM claim_jobs WHERE tenant_id = $1 GROUP BY status`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (r *repoPG) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM claim_jobs WHERE tenant_id = $1 AND created_at >= $2`, tenant, since).Scan(&n)
	return n, err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Job, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}
