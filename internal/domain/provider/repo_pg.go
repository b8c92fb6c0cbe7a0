package provider

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

const providerCols = `id, tenant_id, name, code, tax_id, endpoint_url, environment,
	username, password_encrypted, certificate_path, timeout_seconds, max_attempts,
	retry_delay_seconds, status, last_test_result, last_tested_at, last_successful_request,
	metadata, notes, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Code, &p.TaxID, &p.EndpointURL, &p.Environment,
		&p.Username, &p.PasswordEncrypted, &p.CertificatePath, &p.TimeoutSeconds, &p.MaxAttempts,
		&p.RetryDelaySeconds, &p.Status, &p.LastTestResult, &p.LastTestedAt, &p.LastSuccessfulRequest,
		&p.Metadata, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (r *repoPG) Create(ctx context.Context, p *Provider) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New()
	p.TenantID = tenant
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}

	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_providers (id, tenant_id, name, code, tax_id, endpoint_url, environment,
			username, password_encrypted, certificate_path, timeout_seconds, max_attempts,
			retry_delay_seconds, status, metadata, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.Name, p.Code, p.TaxID, p.EndpointURL, p.Environment,
		p.Username, p.PasswordEncrypted, p.CertificatePath, p.TimeoutSeconds, p.MaxAttempts,
		p.RetryDelaySeconds, p.Status, p.Metadata, p.Notes,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	return scanProvider(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+providerCols+` FROM claim_providers WHERE id = $1 AND tenant_id = $2`, id, tenant))
}

func (r *repoPG) Update(ctx context.Context, p *Provider) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claim_providers SET name=$3, tax_id=$4, endpoint_url=$5, environment=$6,
			username=$7, password_encrypted=$8, certificate_path=$9, timeout_seconds=$10,
			max_attempts=$11, retry_delay_seconds=$12, status=$13, metadata=$14, notes=$15,
			updated_at=NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at`,
		p.ID, tenant, p.Name, p.TaxID, p.EndpointURL, p.Environment,
		p.Username, p.PasswordEncrypted, p.CertificatePath, p.TimeoutSeconds,
		p.MaxAttempts, p.RetryDelaySeconds, p.Status, p.Metadata, p.Notes,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM claim_providers WHERE id = $1 AND tenant_id = $2`, id, tenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error) {
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
	if f.Environment != "" {
		where += fmt.Sprintf(` AND environment = $%d`, idx)
		args = append(args, f.Environment)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claim_providers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + providerCols + ` FROM claim_providers` + where +
		fmt.Sprintf(` ORDER BY name ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	items, err := r.query(ctx, query, args...)
	return items, total, err
}

func (r *repoPG) RecordTest(ctx context.Context, id uuid.UUID, from, status Status, result map[string]interface{}, at time.Time) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	conn := db.Conn(ctx, r.pool)
	tag, err := conn.Exec(ctx, `
		UPDATE claim_providers SET status=$4, last_test_result=$5, last_tested_at=$6, updated_at=NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3`,
		id, tenant, from, status, result, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claim_providers WHERE id = $1 AND tenant_id = $2)`,
		id, tenant).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusChanged
}

func (r *repoPG) MarkSuccessful(ctx context.Context, id uuid.UUID, at time.Time) error {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE claim_providers SET last_successful_request=$3
		WHERE id = $1 AND tenant_id = $2`, id, tenant, at)
	return err
}

func (r *repoPG) Counts(ctx context.Context) (int, int, error) {
	tenant, err := db.RequireTenant(ctx)
	if err != nil {
		return 0, 0, err
	}
	var total, active int
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'active')
		FROM claim_providers WHERE tenant_id = $1`, tenant).Scan(&total, &active)
	return total, active, err
}

func (r *repoPG) ListMonitored(ctx context.Context) ([]*Provider, error) {
	return r.query(ctx, `SELECT `+providerCols+` FROM claim_providers
		WHERE status IN ('active', 'testing') ORDER BY tenant_id, code`)
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Provider, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
