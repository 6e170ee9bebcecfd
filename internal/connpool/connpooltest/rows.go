package connpooltest

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Rows is an in-memory pgx.Rows.
type Rows struct {
	columns []string
	rows    [][]any
	pos     int
	err     error
	closed  bool
}

// NewRows builds a Rows value, for hooks that emulate queries.
func NewRows(columns []string, rows [][]any) *Rows {
	return &Rows{columns: columns, rows: rows}
}

var _ pgx.Rows = (*Rows)(nil)

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Err() error { return r.err }

func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.rows)))
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *Rows) Next() bool {
	if r.closed || r.err != nil || r.pos >= len(r.rows) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *Rows) current() []any {
	return r.rows[r.pos-1]
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 {
		return fmt.Errorf("connpooltest: Scan called before Next")
	}
	row := r.current()
	if len(dest) != len(row) {
		return fmt.Errorf("connpooltest: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("column %d (%s): %w", i, r.columns[i], err)
		}
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 {
		return nil, fmt.Errorf("connpooltest: Values called before Next")
	}
	return append([]any(nil), r.current()...), nil
}

func (r *Rows) RawValues() [][]byte {
	if r.pos == 0 {
		return nil
	}
	row := r.current()
	out := make([][]byte, len(row))
	for i, v := range row {
		if v != nil {
			out[i] = []byte(fmt.Sprint(v))
		}
	}
	return out
}

func (r *Rows) Conn() *pgx.Conn { return nil }

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *any:
		*d = v
		return nil
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into *string", v)
		}
		*d = s
	case *int:
		switch n := v.(type) {
		case int:
			*d = n
		case int32:
			*d = int(n)
		case int64:
			*d = int(n)
		default:
			return fmt.Errorf("cannot scan %T into *int", v)
		}
	case *int64:
		switch n := v.(type) {
		case int:
			*d = int64(n)
		case int64:
			*d = n
		default:
			return fmt.Errorf("cannot scan %T into *int64", v)
		}
	case *bool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot scan %T into *bool", v)
		}
		*d = b
	case *time.Time:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot scan %T into *time.Time", v)
		}
		*d = t
	case *map[string]string:
		m, ok := v.(map[string]string)
		if !ok {
			return fmt.Errorf("cannot scan %T into *map[string]string", v)
		}
		*d = m
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}

// row adapts Rows to pgx.Row.
type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}
