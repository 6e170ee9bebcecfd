package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tenants (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    domain         TEXT NOT NULL,
    db_host        TEXT NOT NULL,
    db_port        INTEGER NOT NULL,
    db_name        TEXT NOT NULL,
    db_user        TEXT NOT NULL,
    db_password    TEXT NOT NULL,
    db_params      JSONB NOT NULL DEFAULT '{}'::jsonb,
    container_id   TEXT NOT NULL DEFAULT '',
    is_provisioned BOOLEAN NOT NULL DEFAULT TRUE,
    status         TEXT NOT NULL DEFAULT 'active',
    status_reason  TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT tenants_domain_key UNIQUE (domain),
    CONSTRAINT tenants_db_name_key UNIQUE (db_name)
);`

const tenantColumns = `id, name, domain, db_host, db_port, db_name, db_user, db_password, db_params,
       container_id, is_provisioned, status, status_reason, created_at, updated_at`

const (
	insertTenantSQL = `INSERT INTO tenants (id, name, domain, db_host, db_port, db_name, db_user, db_password,
                     db_params, container_id, is_provisioned, status, status_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT DO NOTHING
RETURNING created_at, updated_at`

	selectByDomainSQL = `SELECT ` + tenantColumns + ` FROM tenants WHERE domain = $1`
	selectByDBNameSQL = `SELECT ` + tenantColumns + ` FROM tenants WHERE db_name = $1`
	selectAllSQL      = `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at, domain`
	updateStatusSQL   = `UPDATE tenants SET status = $2, status_reason = $3, updated_at = now() WHERE id = $1`
	deleteTenantSQL   = `DELETE FROM tenants WHERE id = $1`
)

// PostgresStore keeps the registry in the master database's tenants table.
type PostgresStore struct {
	db connpool.Execer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the master database handle.
func NewPostgresStore(db connpool.Execer) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tenants table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create tenants table: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByDomain(ctx context.Context, domain string) (*model.Tenant, error) {
	return s.findOne(ctx, selectByDomainSQL, model.NormalizeDomain(domain))
}

func (s *PostgresStore) FindByDBName(ctx context.Context, dbName string) (*model.Tenant, error) {
	return s.findOne(ctx, selectByDBNameSQL, dbName)
}

func (s *PostgresStore) findOne(ctx context.Context, sql string, arg string) (*model.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	return t, nil
}

// Create inserts t with a single statement. ON CONFLICT DO NOTHING makes
// the uniqueness check and the insert one atomic step, so concurrent
// creators in different processes cannot both succeed.
func (s *PostgresStore) Create(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	rec := clone(t)
	rec.Domain = model.NormalizeDomain(rec.Domain)
	if rec.Status == "" {
		rec.Status = model.StatusActive
	}
	if rec.DBParams == nil {
		rec.DBParams = map[string]string{}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	rec.ID = id.String()

	err = s.db.QueryRow(ctx, insertTenantSQL,
		rec.ID, rec.Name, rec.Domain, rec.DBHost, rec.DBPort, rec.DBName, rec.DBUser, rec.DBPassword,
		rec.DBParams, rec.ContainerID, rec.IsProvisioned, string(rec.Status), rec.StatusReason,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, duplicate(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*model.Tenant, error) {
	rows, err := s.db.Query(ctx, selectAllSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status model.TenantStatus, reason string) error {
	if !status.IsValid() {
		return model.NewError(model.ExitInvalidInput, "invalid tenant status "+status.String())
	}
	n, err := s.db.Exec(ctx, updateStatusSQL, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	n, err := s.db.Exec(ctx, deleteTenantSQL, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// scanTenant reads one row in tenantColumns order.
func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var (
		t      model.Tenant
		status string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.DBHost, &t.DBPort, &t.DBName, &t.DBUser, &t.DBPassword,
		&t.DBParams, &t.ContainerID, &t.IsProvisioned, &status, &t.StatusReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status, err = model.ParseTenantStatus(status)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
