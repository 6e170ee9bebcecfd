package migrate

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

//go:embed baseline.sql
var baselineSQL string

const (
	selectAppliedSQL = `SELECT version, applied_at FROM schema_version ORDER BY version`
	insertVersionSQL = `INSERT INTO schema_version (version, applied_at) VALUES ($1, now())`
)

// Baseline returns the embedded baseline script.
func Baseline() string {
	return baselineSQL
}

// Applier runs the baseline and pending migrations against tenant handles.
type Applier struct {
	source *Source
}

// NewApplier creates an Applier reading incremental migrations from source.
// A nil source means there are none.
func NewApplier(source *Source) *Applier {
	return &Applier{source: source}
}

// Source returns the migration source.
func (a *Applier) Source() *Source {
	return a.source
}

// ApplyBaseline runs the idempotent baseline script.
func (a *Applier) ApplyBaseline(ctx context.Context, h connpool.Execer) error {
	if _, err := h.Exec(ctx, baselineSQL); err != nil {
		return model.WrapError(model.ExitMigrationFailed, "baseline schema failed", err).WithTenant("", "baseline")
	}
	return nil
}

// Applied returns the tenant's schema_version rows.
func (a *Applier) Applied(ctx context.Context, h connpool.Execer) ([]model.MigrationRecord, error) {
	rows, err := h.Query(ctx, selectAppliedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	var out []model.MigrationRecord
	for rows.Next() {
		var r model.MigrationRecord
		if err := rows.Scan(&r.Version, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema_version: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending returns the migrations not yet recorded in the tenant's
// schema_version table, in ascending version order.
func (a *Applier) Pending(ctx context.Context, h connpool.Execer) ([]Migration, error) {
	if a.source == nil {
		return nil, nil
	}
	all, err := a.source.Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := a.Applied(ctx, h)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}

	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// ApplyPending applies every pending migration in ascending order. Each
// migration runs in one transaction together with its schema_version row,
// so a failure never marks a migration as applied. Application stops at
// the first failure; versions applied before it stay applied.
//
// It returns the versions applied by this call.
func (a *Applier) ApplyPending(ctx context.Context, h connpool.Handle) ([]string, error) {
	pending, err := a.Pending(ctx, h)
	if err != nil {
		return nil, model.WrapError(model.ExitMigrationFailed, "failed to determine pending migrations", err)
	}

	applied := make([]string, 0, len(pending))
	for _, m := range pending {
		err := h.InTx(ctx, func(tx connpool.Execer) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, insertVersionSQL, m.Version)
			return err
		})
		if err != nil {
			return applied, model.WrapError(model.ExitMigrationFailed,
				fmt.Sprintf("migration %s failed", m.File), err).WithTenant("", "migrate")
		}
		log.Ctx(ctx).Info().
			Str("db", h.Info().Database).
			Str("version", m.Version).
			Str("file", m.File).
			Msg("applied migration")
		applied = append(applied, m.Version)
	}
	return applied, nil
}
