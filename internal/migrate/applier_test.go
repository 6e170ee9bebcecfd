package migrate

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tenantbox/internal/connpool/connpooltest"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

func openTenant(t *testing.T, srv *connpooltest.Server, db string) *connpooltest.Handle {
	t.Helper()
	h, err := srv.Open(context.Background(), model.ConnInfo{Host: "localhost", Port: 5433, Database: db})
	require.NoError(t, err)
	return h.(*connpooltest.Handle)
}

func threeMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20240301000000_c.sql": {Data: []byte("CREATE TABLE c (id int);")},
		"20240101000000_a.sql": {Data: []byte("CREATE TABLE a (id int);")},
		"20240201000000_b.sql": {Data: []byte("CREATE TABLE b (id int);")},
	}
}

// TestBaseline_Idempotent checks that every statement of the baseline
// tolerates an existing schema and that applying it twice is harmless.
func TestBaseline_Idempotent(t *testing.T) {
	create := regexp.MustCompile(`(?i)CREATE\s+(TABLE|INDEX|UNIQUE INDEX)\s+(\S+)`)
	for _, m := range create.FindAllStringSubmatch(Baseline(), -1) {
		assert.Equal(t, "IF", strings.ToUpper(m[2]), "statement %q must use IF NOT EXISTS", m[0])
	}
	assert.Contains(t, Baseline(), "schema_version")
	assert.Contains(t, Baseline(), "users")

	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	a := NewApplier(nil)

	require.NoError(t, a.ApplyBaseline(context.Background(), h))
	require.NoError(t, a.ApplyBaseline(context.Background(), h))

	applied, err := a.Applied(context.Background(), h)
	require.NoError(t, err)
	assert.Empty(t, applied, "the baseline is not a versioned migration")
}

func TestBaseline_Failure(t *testing.T) {
	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	h.DB().FailOn("CREATE TABLE IF NOT EXISTS users")

	err := NewApplier(nil).ApplyBaseline(context.Background(), h)
	assert.ErrorIs(t, err, model.ErrMigrationFailed)
}

// TestApplyPending_Ordering verifies ascending application and that a
// second run applies nothing.
func TestApplyPending_Ordering(t *testing.T) {
	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	a := NewApplier(NewFSSource(threeMigrations()))

	applied, err := a.ApplyPending(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101000000", "20240201000000", "20240301000000"}, applied)
	assert.Equal(t, []string{
		"CREATE TABLE a (id int);",
		"CREATE TABLE b (id int);",
		"CREATE TABLE c (id int);",
	}, h.DB().Execs())

	applied, err = a.ApplyPending(context.Background(), h)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Len(t, h.DB().Execs(), 3)
}

func TestApplyPending_StopsAtFailure(t *testing.T) {
	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	h.DB().FailOn("CREATE TABLE b")
	a := NewApplier(NewFSSource(threeMigrations()))

	applied, err := a.ApplyPending(context.Background(), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMigrationFailed)
	assert.Contains(t, err.Error(), "20240201000000_b.sql")

	// a stays applied, b is not recorded and c never ran.
	assert.Equal(t, []string{"20240101000000"}, applied)
	assert.Equal(t, []string{"20240101000000"}, h.DB().Versions())
	assert.Equal(t, []string{"CREATE TABLE a (id int);"}, h.DB().Execs())

	// Once fixed, the rest applies in order.
	h.DB().ClearFailures()
	applied, err = a.ApplyPending(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240201000000", "20240301000000"}, applied)
}

func TestApplyPending_VersionInsertFailureRollsBack(t *testing.T) {
	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	h.DB().FailOn("INSERT INTO schema_version")
	a := NewApplier(NewFSSource(threeMigrations()))

	_, err := a.ApplyPending(context.Background(), h)
	require.Error(t, err)
	assert.Empty(t, h.DB().Versions())
	assert.Empty(t, h.DB().Execs(), "the script must not commit without its version row")
}

func TestPending(t *testing.T) {
	srv := connpooltest.NewServer()
	h := openTenant(t, srv, "db_acme")
	a := NewApplier(NewFSSource(threeMigrations()))

	_, err := h.Exec(context.Background(), insertVersionSQL, "20240101000000")
	require.NoError(t, err)

	pending, err := a.Pending(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "20240201000000", pending[0].Version)
	assert.Equal(t, "20240301000000", pending[1].Version)

	records, err := a.Applied(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "20240101000000", records[0].Version)
	assert.False(t, records[0].AppliedAt.IsZero())
}
