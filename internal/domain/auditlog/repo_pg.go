package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimsgate/claimsgate/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const logCols = `id, tenant_id, job_id, provider_id, level, operation, message,
	details, request, response, status_code, latency_ms, attempt, job_status, actor, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var attempt *int
	var jobStatus *string
	err := row.Scan(&e.ID, &e.TenantID, &e.JobID, &e.ProviderID, &e.Level, &e.Operation, &e.Message,
		&e.Details, &e.Request, &e.Response, &e.StatusCode, &e.LatencyMS, &attempt, &jobStatus, &e.Actor, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if attempt != nil {
		e.Attempt = *attempt
	}
	if jobStatus != nil {
		e.JobStatus = *jobStatus
	}
	return &e, nil
}

func nullIfZero[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_logs (id, tenant_id, job_id, provider_id, level, operation, message,
			details, request, response, status_code, latency_ms, attempt, job_status, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at`,
		e.ID, e.TenantID, e.JobID, e.ProviderID, e.Level, e.Operation, e.Message,
		e.Details, e.Request, e.Response, e.StatusCode, e.LatencyMS,
		nullIfZero(e.Attempt), nullIfZero(e.JobStatus), e.Actor,
	).Scan(&e.CreatedAt)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
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
	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.Level != "" {
		where += fmt.Sprintf(` AND level = $%d`, idx)
		args = append(args, f.Level)
		idx++
	}
	if f.Operation != "" {
		where += fmt.Sprintf(` AND operation = $%d`, idx)
		args = append(args, f.Operation)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claim_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + logCols + ` FROM claim_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM claim_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
