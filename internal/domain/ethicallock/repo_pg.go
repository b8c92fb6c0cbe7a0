package ethicallock

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

	"github.com/claimsgate/claimsgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const lockCols = `id, tenant_id, job_id, lock_type, conflicting_job_id, billing_event_id,
	procedure_code, patient_id, reason, resolved, resolved_by, resolved_at, resolution_notes, created_at`

func scanLock(row pgx.Row) (*Lock, error) {
	var l Lock
	err := row.Scan(&l.ID, &l.TenantID, &l.JobID, &l.LockType, &l.ConflictingJobID, &l.BillingEventID,
		&l.ProcedureCode, &l.PatientID, &l.Reason, &l.Resolved, &l.ResolvedBy, &l.ResolvedAt,
		&l.ResolutionNotes, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &l, err
}

func (r *repoPG) Create(ctx context.Context, l *Lock) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	l.ID = uuid.New()
	l.TenantID = tenant
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_ethical_locks (id, tenant_id, job_id, lock_type, conflicting_job_id,
			billing_event_id, procedure_code, patient_id, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		l.ID, l.TenantID, l.JobID, l.LockType, l.ConflictingJobID,
		l.BillingEventID, l.ProcedureCode, l.PatientID, l.Reason,
	).Scan(&l.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Lock, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	return scanLock(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+lockCols+` FROM claim_ethical_locks WHERE id = $1 AND tenant_id = $2`, id, tenant))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Lock, int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, 0, err
	}

	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenant}
	idx := 2
	if f.JobID != nil {
		where += fmt.Sprintf(` AND job_id = $%d`, idx)
		args = append(args, *f.JobID)
		idx++
	}
	if f.Resolved != nil {
		where += fmt.Sprintf(` AND resolved = $%d`, idx)
		args = append(args, *f.Resolved)
		idx++
	}
	if f.LockType != "" {
		where += fmt.Sprintf(` AND lock_type = $%d`, idx)
		args = append(args, f.LockType)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claim_ethical_locks`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + lockCols + ` FROM claim_ethical_locks` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Resolve(ctx context.Context, id uuid.UUID, by, notes string, at time.Time) (*Lock, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	l, err := scanLock(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claim_ethical_locks
		SET resolved = TRUE, resolved_by = $3, resolved_at = $4, resolution_notes = $5
		WHERE id = $1 AND tenant_id = $2 AND NOT resolved
		RETURNING `+lockCols, id, tenant, by, at, notes))
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, ErrNotFound):
		// Either missing or resolved concurrently.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyResolved
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation:
		return nil, ErrAlreadyResolved
	}
	return l, err
}

func (r *repoPG) Waivers(ctx context.Context, jobID uuid.UUID) ([]Waiver, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT lock_type, conflicting_job_id FROM claim_ethical_locks
		WHERE tenant_id = $1 AND job_id = $2 AND resolved AND conflicting_job_id IS NOT NULL`,
		tenant, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Waiver
	for rows.Next() {
		var w Waiver
		if err := rows.Scan(&w.LockType, &w.ConflictingJobID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *repoPG) CountOpenForJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM claim_ethical_locks
		WHERE tenant_id = $1 AND job_id = $2 AND NOT resolved`, tenant, jobID).Scan(&n)
	return n, err
}

func (r *repoPG) CountOpen(ctx context.Context) (int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM claim_ethical_locks WHERE tenant_id = $1 AND NOT resolved`, tenant).Scan(&n)
	return n, err
}
