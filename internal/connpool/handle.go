// Package connpool owns the live database connections of tenantbox: one
// pgx pool per tenant database plus the master registry database.
//
// Cache hands out Handles keyed by tenant database name. Concurrent misses
// for one key collapse into a single Open; different keys never wait on each
// other. A handle is only returned when it is bound to exactly the ConnInfo
// the caller asked for.
package connpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Execer runs statements. Both a Handle and the transaction passed to
// Handle.InTx implement it.
type Execer interface {
	// Exec runs sql and returns the number of rows affected. With no args
	// the simple protocol is used, so sql may contain several statements.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Handle is a live, reusable connection pool bound to one ConnInfo.
type Handle interface {
	Execer

	// InTx runs fn in a transaction, committing if fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(Execer) error) error
	Ping(ctx context.Context) error
	Info() model.ConnInfo
	Close()
}

// Opener creates handles.
type Opener interface {
	Open(ctx context.Context, info model.ConnInfo) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, info model.ConnInfo) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, info model.ConnInfo) (Handle, error) {
	return f(ctx, info)
}

// PoolOptions sizes the pgx pools created by PgxOpener.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PgxOpener opens pgxpool-backed handles and pings them before returning,
// so an unreachable database surfaces as an Open error rather than on the
// first query.
type PgxOpener struct {
	Options PoolOptions
}

// Open implements Opener.
func (o PgxOpener) Open(ctx context.Context, info model.ConnInfo) (Handle, error) {
	config, err := pgxpool.ParseConfig(info.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string for %s: %w", info.Redacted(), err)
	}
	if o.Options.MaxConns > 0 {
		config.MaxConns = o.Options.MaxConns
	}
	if o.Options.MinConns > 0 {
		config.MinConns = o.Options.MinConns
	}
	if o.Options.MaxConnLifetime > 0 {
		config.MaxConnLifetime = o.Options.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %w", info.Redacted(), err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", info.Redacted(), err)
	}
	return &pgxHandle{pool: pool, info: info}, nil
}

// pgxHandle wraps a pgxpool.Pool.
type pgxHandle struct {
	pool *pgxpool.Pool
	info model.ConnInfo
}

func (h *pgxHandle) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := h.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (h *pgxHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.pool.Query(ctx, sql, args...)
}

func (h *pgxHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.pool.QueryRow(ctx, sql, args...)
}

func (h *pgxHandle) InTx(ctx context.Context, fn func(Execer) error) error {
	return pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		return fn(txExecer{tx: tx})
	})
}

func (h *pgxHandle) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

func (h *pgxHandle) Info() model.ConnInfo {
	return h.info
}

func (h *pgxHandle) Close() {
	h.pool.Close()
}

type txExecer struct {
	tx pgx.Tx
}

func (t txExecer) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t txExecer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t txExecer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}
