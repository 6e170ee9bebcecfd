package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tenantbox/internal/connpool/connpooltest"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

func newTenant(name, domain string) *model.Tenant {
	slug, _ := model.Slugify(name)
	return &model.Tenant{
		Name:          name,
		Domain:        domain,
		DBHost:        "localhost",
		DBPort:        5433,
		DBName:        "db_" + slug,
		DBUser:        "user_" + slug,
		DBPassword:    "secret-" + slug,
		DBParams:      map[string]string{"sslmode": "disable"},
		ContainerID:   "c-" + slug,
		IsProvisioned: true,
	}
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		s := NewPostgresStore(newFakeMaster(t))
		require.NoError(t, s.EnsureSchema(context.Background()))
		fn(t, s)
	})
}

func TestStore_CreateAndFind(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newTenant("Acme", "Acme.Test"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "acme.test", created.Domain)
		assert.Equal(t, model.StatusActive, created.Status)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := s.FindByDomain(ctx, "ACME.test:3000")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "secret-acme", got.DBPassword)
		assert.Equal(t, "disable", got.DBParams["sslmode"])

		byDB, err := s.FindByDBName(ctx, "db_acme")
		require.NoError(t, err)
		require.NotNil(t, byDB)
		assert.Equal(t, created.ID, byDB.ID)
	})
}

func TestStore_FindMissing(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		got, err := s.FindByDomain(context.Background(), "nobody.test")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.FindByDBName(context.Background(), "db_nobody")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_Duplicates(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, newTenant("Acme", "acme.test"))
		require.NoError(t, err)

		_, err = s.Create(ctx, newTenant("Other", "ACME.test"))
		assert.ErrorIs(t, err, model.ErrDuplicateDomain, "same domain")

		_, err = s.Create(ctx, newTenant("Acme", "acme2.test"))
		assert.ErrorIs(t, err, model.ErrDuplicateDomain, "same database name")

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_ConcurrentCreateSameDomain(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		const n = 16
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			oks int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Create(context.Background(), newTenant(fmt.Sprintf("Acme %d", i), "acme.test"))
				if err == nil {
					mu.Lock()
					oks++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, oks)
	})
}

func TestStore_Validation(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		_, err := s.Create(context.Background(), &model.Tenant{DBName: "db_x"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)

		_, err = s.Create(context.Background(), &model.Tenant{Domain: "x.test"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestStore_ListOrder(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, d := range []string{"c.test", "a.test", "b.test"} {
			_, err := s.Create(ctx, newTenant(d, d))
			require.NoError(t, err)
		}
		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			ordered := prev.CreatedAt.Before(cur.CreatedAt) ||
				(prev.CreatedAt.Equal(cur.CreatedAt) && prev.Domain < cur.Domain)
			assert.True(t, ordered, "%s before %s", prev.Domain, cur.Domain)
		}
	})
}

func TestStore_SetStatusAndDelete(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.Create(ctx, newTenant("Acme", "acme.test"))
		require.NoError(t, err)

		require.NoError(t, s.SetStatus(ctx, created.ID, model.StatusNeedsAttention, "migration 2 failed"))
		got, err := s.FindByDomain(ctx, "acme.test")
		require.NoError(t, err)
		assert.Equal(t, model.StatusNeedsAttention, got.Status)
		assert.Equal(t, "migration 2 failed", got.StatusReason)

		assert.ErrorIs(t, s.SetStatus(ctx, created.ID, "bogus", ""), model.ErrInvalidInput)
		assert.ErrorIs(t, s.SetStatus(ctx, "missing", model.StatusActive, ""), model.ErrTenantNotFound)

		require.NoError(t, s.Delete(ctx, created.ID))
		assert.ErrorIs(t, s.Delete(ctx, created.ID), model.ErrTenantNotFound)

		got, err = s.FindByDomain(ctx, "acme.test")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.Create(context.Background(), newTenant("Acme", "acme.test"))
	require.NoError(t, err)

	created.DBPassword = "mutated"
	created.DBParams["sslmode"] = "require"

	got, err := s.FindByDomain(context.Background(), "acme.test")
	require.NoError(t, err)
	assert.Equal(t, "secret-acme", got.DBPassword)
	assert.Equal(t, "disable", got.DBParams["sslmode"])
}

// fakeMaster emulates the tenants table behind a connpooltest hook. It
// matches the exact statements PostgresStore issues.
type fakeMaster struct {
	rows  map[string][]any // by id
	clock time.Time
}

const (
	colID = iota
	colName
	colDomain
	colDBHost
	colDBPort
	colDBName
	colDBUser
	colDBPassword
	colDBParams
	colContainerID
	colIsProvisioned
	colStatus
	colStatusReason
	colCreatedAt
	colUpdatedAt
)

var tenantCols = []string{"id", "name", "domain", "db_host", "db_port", "db_name", "db_user", "db_password",
	"db_params", "container_id", "is_provisioned", "status", "status_reason", "created_at", "updated_at"}

func newFakeMaster(t *testing.T) *connpooltest.Handle {
	t.Helper()
	srv := connpooltest.NewServer()
	h, err := srv.Open(context.Background(), model.ConnInfo{Host: "master", Port: 5432, Database: "master"})
	require.NoError(t, err)
	handle := h.(*connpooltest.Handle)

	fm := &fakeMaster{rows: make(map[string][]any), clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	handle.DB().SetHook(fm.hook)
	return handle
}

func (f *fakeMaster) hook(sql string, args []any) (pgx.Rows, int64, bool, error) {
	switch sql {
	case schemaSQL:
		return nil, 0, true, nil
	case insertTenantSQL:
		for _, r := range f.rows {
			if r[colDomain] == args[2] || r[colDBName] == args[5] {
				return connpooltest.NewRows([]string{"created_at", "updated_at"}, nil), 0, true, nil
			}
		}
		f.clock = f.clock.Add(time.Second)
		params := map[string]string{}
		for k, v := range args[8].(map[string]string) {
			params[k] = v
		}
		row := append(append([]any(nil), args[:8]...), params, args[9], args[10], args[11], args[12], f.clock, f.clock)
		f.rows[args[0].(string)] = row
		return connpooltest.NewRows([]string{"created_at", "updated_at"}, [][]any{{f.clock, f.clock}}), 1, true, nil
	case selectByDomainSQL:
		return f.where(colDomain, args[0]), 0, true, nil
	case selectByDBNameSQL:
		return f.where(colDBName, args[0]), 0, true, nil
	case selectAllSQL:
		all := f.where(-1, nil)
		return all, 0, true, nil
	case updateStatusSQL:
		r, ok := f.rows[args[0].(string)]
		if !ok {
			return nil, 0, true, nil
		}
		r[colStatus], r[colStatusReason] = args[1], args[2]
		return nil, 1, true, nil
	case deleteTenantSQL:
		if _, ok := f.rows[args[0].(string)]; !ok {
			return nil, 0, true, nil
		}
		delete(f.rows, args[0].(string))
		return nil, 1, true, nil
	}
	return nil, 0, false, nil
}

// where returns matching rows ordered by created_at, domain. col < 0
// matches everything.
func (f *fakeMaster) where(col int, v any) pgx.Rows {
	var out [][]any
	for _, r := range f.rows {
		if col < 0 || r[col] == v {
			out = append(out, append([]any(nil), r...))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i][colCreatedAt].(time.Time), out[j][colCreatedAt].(time.Time)
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i][colDomain].(string) < out[j][colDomain].(string)
	})
	return connpooltest.NewRows(tenantCols, out)
}
