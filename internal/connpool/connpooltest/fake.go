// Package connpooltest provides an in-memory connpool.Opener for tests.
//
// A Server holds named fake databases. Each database understands the
// statements tenantbox issues against its schema_version table and records
// every other statement, so tests can assert on what ran and inject
// failures without a Postgres server.
package connpooltest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Server is a set of fake databases keyed by database name.
type Server struct {
	mu  sync.Mutex
	dbs map[string]*DB

	opens  atomic.Int64
	closes atomic.Int64

	// OpenDelay is slept inside every Open, widening race windows.
	OpenDelay time.Duration

	// OpenErr, when it returns non-nil for a ConnInfo, fails that Open.
	OpenErr func(info model.ConnInfo) error
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{dbs: make(map[string]*DB)}
}

// DB returns the database called name, creating it on first use.
func (s *Server) DB(name string) *DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[name]
	if !ok {
		db = &DB{name: name, versions: make(map[string]time.Time), results: make(map[string]*Result)}
		s.dbs[name] = db
	}
	return db
}

// Opens returns how many handles were opened.
func (s *Server) Opens() int64 { return s.opens.Load() }

// Closes returns how many handles were closed.
func (s *Server) Closes() int64 { return s.closes.Load() }

// Open implements connpool.Opener.
func (s *Server) Open(ctx context.Context, info model.ConnInfo) (connpool.Handle, error) {
	if s.OpenDelay > 0 {
		select {
		case <-time.After(s.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.OpenErr != nil {
		if err := s.OpenErr(info); err != nil {
			return nil, err
		}
	}
	s.opens.Add(1)
	return &Handle{server: s, db: s.DB(info.Database), info: info}, nil
}

var _ connpool.Opener = (*Server)(nil)

// Result is a canned query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Hook emulates statements the fake does not know. It returns handled
// false to fall through to the built-in behaviour. rows is nil for Exec.
type Hook func(sql string, args []any) (rows pgx.Rows, affected int64, handled bool, err error)

// DB is one fake database.
type DB struct {
	name string

	mu       sync.Mutex
	versions map[string]time.Time
	execs    []string
	failOn   []string
	results  map[string]*Result
	hook     Hook
}

// SetHook installs h. It is called with the database lock held.
func (db *DB) SetHook(h Hook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hook = h
}

// FailOn makes any statement containing substr fail.
func (db *DB) FailOn(substr string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failOn = append(db.failOn, substr)
}

// ClearFailures removes all injected failures.
func (db *DB) ClearFailures() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failOn = nil
}

// SetResult makes queries containing substr return res.
func (db *DB) SetResult(substr string, res *Result) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.results[substr] = res
}

// Versions returns the recorded schema versions in ascending order.
func (db *DB) Versions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.versions))
	for v := range db.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Execs returns every committed statement other than schema_version
// bookkeeping, in execution order.
func (db *DB) Execs() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.execs...)
}

func (db *DB) failure(sql string) error {
	for _, f := range db.failOn {
		if strings.Contains(sql, f) {
			return fmt.Errorf("ERROR: injected failure on %q (SQLSTATE 42601)", f)
		}
	}
	return nil
}

const (
	insertVersion = "INSERT INTO schema_version"
	selectVersion = "FROM schema_version"
)

// Handle is a fake connpool.Handle bound to one DB.
type Handle struct {
	server *Server
	db     *DB
	info   model.ConnInfo
	closed atomic.Bool
}

var _ connpool.Handle = (*Handle)(nil)

// DB returns the database this handle is bound to.
func (h *Handle) DB() *DB { return h.db }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) check() error {
	if h.closed.Load() {
		return errors.New("closed pool")
	}
	return nil
}

func (h *Handle) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.execLocked(sql, args, nil)
}

// execLocked applies one statement. When pending is non-nil the effects are
// buffered there instead of applied.
func (db *DB) execLocked(sql string, args []any, pending *txBuffer) (int64, error) {
	if err := db.failure(sql); err != nil {
		return 0, err
	}
	if db.hook != nil {
		if _, n, handled, err := db.hook(sql, args); handled {
			return n, err
		}
	}
	if strings.Contains(sql, insertVersion) {
		if len(args) == 0 {
			return 0, errors.New("schema_version insert without a version argument")
		}
		v := fmt.Sprint(args[0])
		if _, dup := db.versions[v]; dup || (pending != nil && pending.hasVersion(v)) {
			return 0, fmt.Errorf("ERROR: duplicate key value violates unique constraint \"schema_version_pkey\" (SQLSTATE 23505)")
		}
		if pending != nil {
			pending.versions = append(pending.versions, v)
		} else {
			db.versions[v] = time.Now()
		}
		return 1, nil
	}
	if pending != nil {
		pending.execs = append(pending.execs, sql)
	} else {
		db.execs = append(db.execs, sql)
	}
	return 0, nil
}

func (h *Handle) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.queryLocked(sql, args)
}

func (db *DB) queryLocked(sql string, args []any) (pgx.Rows, error) {
	if err := db.failure(sql); err != nil {
		return nil, err
	}
	if db.hook != nil {
		if rows, _, handled, err := db.hook(sql, args); handled {
			return rows, err
		}
	}
	if strings.Contains(sql, selectVersion) {
		versions := make([]string, 0, len(db.versions))
		for v := range db.versions {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		rows := make([][]any, 0, len(versions))
		for _, v := range versions {
			rows = append(rows, []any{v, db.versions[v]})
		}
		return &Rows{columns: []string{"version", "applied_at"}, rows: rows}, nil
	}
	for substr, res := range db.results {
		if strings.Contains(sql, substr) {
			return &Rows{columns: res.Columns, rows: res.Rows}, nil
		}
	}
	return nil, fmt.Errorf("connpooltest: no result configured for query %q", sql)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := h.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

// InTx buffers the statements fn runs and applies them only if fn and
// every statement succeed.
func (h *Handle) InTx(ctx context.Context, fn func(connpool.Execer) error) error {
	if err := h.check(); err != nil {
		return err
	}
	tx := &tx{db: h.db, buf: &txBuffer{}}
	if err := fn(tx); err != nil {
		return err
	}

	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	for _, v := range tx.buf.versions {
		h.db.versions[v] = time.Now()
	}
	h.db.execs = append(h.db.execs, tx.buf.execs...)
	return nil
}

func (h *Handle) Ping(context.Context) error { return h.check() }

func (h *Handle) Info() model.ConnInfo { return h.info }

func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		h.server.closes.Add(1)
	}
}

type txBuffer struct {
	versions []string
	execs    []string
}

func (b *txBuffer) hasVersion(v string) bool {
	for _, x := range b.versions {
		if x == v {
			return true
		}
	}
	return false
}

type tx struct {
	db  *DB
	buf *txBuffer
}

func (t *tx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.execLocked(sql, args, t.buf)
}

func (t *tx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.queryLocked(sql, args)
}

func (t *tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := t.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}
