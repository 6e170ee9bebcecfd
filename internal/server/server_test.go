package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/connpool/connpooltest"
	"github.com/shinji-kodama/tenantbox/internal/docker/dockertest"
	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/migrate"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/port"
	"github.com/shinji-kodama/tenantbox/internal/provision"
	"github.com/shinji-kodama/tenantbox/internal/readiness"
	"github.com/shinji-kodama/tenantbox/internal/registry"
	"github.com/shinji-kodama/tenantbox/internal/router"
)

type fixture struct {
	srv    *Server
	svc    *provision.Service
	db     *connpooltest.Server
	store  *registry.MemoryStore
	migDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:     connpooltest.NewServer(),
		store:  registry.NewMemoryStore(),
		migDir: filepath.Join(t.TempDir(), "migrations"),
	}
	rt := dockertest.New()
	ports, err := port.NewAllocator(5433, 5440)
	require.NoError(t, err)
	cache := connpool.NewCache(f.db)
	t.Cleanup(cache.DisconnectAll)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ready := readiness.ProberFunc(func(context.Context, model.ConnInfo) error { return nil })

	f.svc = provision.NewService(provision.Deps{
		Runtime:     rt,
		Ports:       ports,
		Provisioner: provision.NewProvisioner(rt, ports, provision.ProvisionerConfig{}),
		Readiness:   readiness.NewPoller(rt, ready, readiness.Options{Attempts: 1}, m),
		Applier:     migrate.NewApplier(migrate.NewDirSource(f.migDir)),
		Store:       f.store,
		Cache:       cache,
		Metrics:     m,
	})
	f.srv = New(f.svc, router.New(f.store, cache, m), reg)
	return f
}

func (f *fixture) do(t *testing.T, method, path, host string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Host = host
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "admin.local", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestCreateTenantEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Acme", Domain: "acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	tenant := body["tenant"].(map[string]any)
	assert.Equal(t, "acme.test", tenant["domain"])
	assert.Equal(t, "db_acme", tenant["dbName"])
	assert.NotContains(t, rec.Body.String(), "dbPassword", "the password is never serialized")

	rec = f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Other", Domain: "acme.test"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/tenants", "admin.local", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["tenants"], 1)
}

func TestCreateTenantEndpoint_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
	}{
		{"missing name", CreateTenantRequest{Domain: "acme.test"}},
		{"missing domain", CreateTenantRequest{Name: "Acme"}},
		{"bad domain", CreateTenantRequest{Name: "Acme", Domain: "not a domain!"}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/tenants", "admin.local", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["message"])
		})
	}
}

func TestTenantMiddleware(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Acme", Domain: "acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/tenant", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Domain header is missing", decodeBody(t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/tenant", "unknown.test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Tenant not found", decodeBody(t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/tenant", "ACME.test:3000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Tenant Info Retrieved Successfully", body["message"])
	assert.Equal(t, "acme.test", body["tenant"].(map[string]any)["domain"])
}

func TestTenantMiddleware_ConnectionFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(context.Background(), &model.Tenant{
		Name: "Down", Domain: "down.test", DBHost: "localhost", DBPort: 5999, DBName: "db_down", DBUser: "user_down",
	})
	require.NoError(t, err)
	f.db.OpenErr = func(model.ConnInfo) error { return errors.New("connection refused") }

	rec := f.do(t, http.MethodGet, "/tenant", "down.test", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, rec)["message"])
}

func TestTenantUsers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Acme", Domain: "acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f.db.DB("db_acme").SetResult("FROM users", &connpooltest.Result{
		Columns: []string{"id", "email", "name", "created_at"},
		Rows:    [][]any{{int64(1), "ada@acme.test", "Ada", created}},
	})

	rec = f.do(t, http.MethodGet, "/tenant/users", "acme.test", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var users []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "ada@acme.test", users[0].Email)
	assert.True(t, created.Equal(users[0].CreatedAt))

	// Another tenant never sees Acme's users.
	rec = f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Globex", Domain: "globex.test"})
	require.Equal(t, http.StatusCreated, rec.Code)
	f.db.DB("db_globex").SetResult("FROM users", &connpooltest.Result{Columns: []string{"id", "email", "name", "created_at"}})

	rec = f.do(t, http.MethodGet, "/tenant/users", "globex.test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMigrationEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Acme", Domain: "acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/tenants/generate-migration", "admin.local", GenerateMigrationRequest{Name: "add_orders"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Migration add_orders generated successfully", body["message"])
	path := body["path"].(string)
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE orders (id int);"), 0o644))

	rec = f.do(t, http.MethodGet, "/tenants/acme.test/migrations", "admin.local", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["pending"], 1)

	rec = f.do(t, http.MethodPost, "/tenants/apply-migrations", "admin.local", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Migrations applied successfully to all tenants", decodeBody(t, rec)["message"])
	assert.Len(t, f.db.DB("db_acme").Versions(), 1)

	// A failing tenant turns the fan-out into an error response.
	second := filepath.Join(f.migDir, "20990101000000_broken.sql")
	require.NoError(t, os.WriteFile(second, []byte("BROKEN SQL"), 0o644))
	f.db.DB("db_acme").FailOn("BROKEN")

	rec = f.do(t, http.MethodPost, "/tenants/apply-migrations", "admin.local", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(decodeBody(t, rec)["message"].(string), "Migrations failed for 1 of 1"))

	rec = f.do(t, http.MethodPost, "/tenants/nobody.test/apply-migrations", "admin.local", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecommissionEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tenants", "admin.local", CreateTenantRequest{Name: "Acme", Domain: "acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodDelete, "/tenants/acme.test", "admin.local", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/tenant", "acme.test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/tenants/acme.test", "admin.local", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/tenant", "unknown.test", nil)

	rec := f.do(t, http.MethodGet, "/metrics", "admin.local", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenantbox_resolve_total")
}

func TestPanicHandler(t *testing.T) {
	h := RequestLogger(PanicHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, rec)["message"])
}
