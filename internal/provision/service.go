package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/migrate"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/port"
	"github.com/shinji-kodama/tenantbox/internal/registry"
)

// DefaultConcurrency bounds the migration fan-out when Deps.Concurrency is
// not set.
const DefaultConcurrency = 4

// Awaiter blocks until a started database accepts connections.
// *readiness.Poller implements it.
type Awaiter interface {
	AwaitReady(ctx context.Context, containerID string, info model.ConnInfo) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Runtime     docker.Runtime
	Ports       *port.Allocator
	Provisioner *Provisioner
	Readiness   Awaiter
	Applier     *migrate.Applier
	Store       registry.Store
	Cache       *connpool.Cache
	Metrics     *metrics.Metrics

	// Params are added to every tenant ConnInfo (sslmode, ...).
	Params map[string]string

	// Concurrency bounds ApplyMigrationsToAll.
	Concurrency int
}

// Service runs the tenant lifecycle: create, migrate, decommission.
type Service struct {
	d Deps

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Concurrency < 1 {
		d.Concurrency = DefaultConcurrency
	}
	return &Service{d: d, inflight: make(map[string]struct{})}
}

// claim reserves domain and slug for one in-process CreateTenant call.
// The returned func releases both.
func (s *Service) claim(domain, slug string) (func(), bool) {
	keys := []string{"domain:" + domain, "slug:" + slug}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, busy := s.inflight[k]; busy {
			return nil, false
		}
	}
	for _, k := range keys {
		s.inflight[k] = struct{}{}
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range keys {
			delete(s.inflight, k)
		}
	}, true
}

// CreateTenant provisions a database for a new tenant and registers it.
//
// The tenant becomes visible in the registry only after its container is
// running and its schema is applied. On any failure the container is
// removed and the port released. A domain or database name that is
// already registered, or being created by a concurrent call, fails with
// model.ErrDuplicateDomain before any port is allocated.
func (s *Service) CreateTenant(ctx context.Context, name, domain string) (t *model.Tenant, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "failed"
		}
		s.d.Metrics.RecordProvision(result, time.Since(start).Seconds())
		s.d.Metrics.SetPortsLeased(len(s.d.Ports.Leased()))
	}()

	domain = model.NormalizeDomain(domain)
	if domain == "" {
		return nil, model.NewError(model.ExitInvalidInput, "tenant domain is required")
	}
	names, err := s.d.Provisioner.Names(name)
	if err != nil {
		return nil, err
	}

	release, ok := s.claim(domain, names.Slug)
	if !ok {
		return nil, model.NewError(model.ExitDuplicateDomain,
			fmt.Sprintf("tenant %s or domain %s is already being created", names.Slug, domain)).WithTenant(name, "")
	}
	defer release()

	if err := s.checkFree(ctx, name, domain, names.DBName); err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("tenant", name).Str("domain", domain).Logger()
	logger.Info().Msg("provisioning tenant")

	inst, err := s.d.Provisioner.Provision(ctx, name)
	if err != nil {
		if inst != nil {
			_ = s.d.Provisioner.Teardown(ctx, inst)
		}
		return nil, err
	}

	info := model.ConnInfo{
		Host:     inst.Host,
		Port:     inst.Port,
		Database: inst.DBName,
		User:     inst.DBUser,
		Password: inst.DBPassword,
		Params:   copyParams(s.d.Params),
	}

	// Every failure from here on removes the container and drops any
	// handle opened for it.
	abort := func(err error) (*model.Tenant, error) {
		s.d.Cache.Disconnect(inst.DBName)
		_ = s.d.Provisioner.Teardown(ctx, inst)
		logger.Error().Err(err).Msg("tenant provisioning failed")
		return nil, err
	}

	if err := s.d.Readiness.AwaitReady(ctx, inst.ContainerID, info); err != nil {
		return abort(annotate(err, name, StageReadiness, model.ExitNotReadyInTime))
	}

	h, err := s.d.Cache.Get(ctx, inst.DBName, info)
	if err != nil {
		return abort(annotate(err, name, StageConnect, model.ExitProvisionFailed))
	}
	if err := s.d.Applier.ApplyBaseline(ctx, h); err != nil {
		return abort(annotate(err, name, StageMigrate, model.ExitMigrationFailed))
	}
	if _, err := s.d.Applier.ApplyPending(ctx, h); err != nil {
		return abort(annotate(err, name, StageMigrate, model.ExitMigrationFailed))
	}

	t, err = s.d.Store.Create(ctx, &model.Tenant{
		Name:          name,
		Domain:        domain,
		DBHost:        inst.Host,
		DBPort:        inst.Port,
		DBName:        inst.DBName,
		DBUser:        inst.DBUser,
		DBPassword:    inst.DBPassword,
		DBParams:      info.Params,
		ContainerID:   inst.ContainerID,
		IsProvisioned: true,
		Status:        model.StatusActive,
	})
	if err != nil {
		return abort(annotate(err, name, StageRegister, model.ExitProvisionFailed))
	}

	logger.Info().Object("tenant", t).Dur("elapsed", time.Since(start)).Msg("tenant provisioned")
	s.refreshTenantGauge(ctx)
	return t, nil
}

func (s *Service) checkFree(ctx context.Context, name, domain, dbName string) error {
	existing, err := s.d.Store.FindByDomain(ctx, domain)
	if err != nil {
		return fmt.Errorf("failed to check domain %s: %w", domain, err)
	}
	if existing != nil {
		return model.NewError(model.ExitDuplicateDomain,
			"a tenant with domain "+domain+" already exists").WithTenant(name, "")
	}
	existing, err = s.d.Store.FindByDBName(ctx, dbName)
	if err != nil {
		return fmt.Errorf("failed to check database name %s: %w", dbName, err)
	}
	if existing != nil {
		return model.NewError(model.ExitDuplicateDomain,
			"database "+dbName+" already belongs to tenant "+existing.Domain).WithTenant(name, "")
	}
	return nil
}

// Find returns the tenant registered for domain.
func (s *Service) Find(ctx context.Context, domain string) (*model.Tenant, error) {
	t, err := s.d.Store.FindByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, model.NewError(model.ExitTenantNotFound, "no tenant for domain "+model.NormalizeDomain(domain))
	}
	return t, nil
}

// List returns every registered tenant.
func (s *Service) List(ctx context.Context) ([]*model.Tenant, error) {
	return s.d.Store.List(ctx)
}

// Decommission removes a tenant: its registry record, cached handle,
// container (with volumes) and port lease.
func (s *Service) Decommission(ctx context.Context, domain string) error {
	t, err := s.Find(ctx, domain)
	if err != nil {
		return err
	}

	// Unregister first so no new request is routed to a dying database.
	if err := s.d.Store.Delete(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to unregister tenant %s: %w", t.Domain, err)
	}
	s.d.Cache.Disconnect(t.DBName)

	inst := &model.Instance{ContainerID: t.ContainerID, Port: t.DBPort}
	if err := s.d.Provisioner.Teardown(ctx, inst); err != nil {
		return model.WrapError(model.ExitProvisionFailed, "failed to remove container", err).WithTenant(t.Name, "decommission")
	}

	log.Ctx(ctx).Info().Object("tenant", t).Msg("tenant decommissioned")
	s.d.Metrics.SetPortsLeased(len(s.d.Ports.Leased()))
	s.refreshTenantGauge(ctx)
	return nil
}

// GenerateMigration creates an empty migration file called name.
func (s *Service) GenerateMigration(name string) (string, error) {
	src := s.d.Applier.Source()
	if src == nil {
		return "", model.NewError(model.ExitInvalidInput, "no migrations directory configured")
	}
	path, err := src.Generate(name, time.Now())
	if err != nil {
		return "", model.WrapError(model.ExitInvalidInput, "failed to generate migration", err)
	}
	return path, nil
}

// MigrationResult is the outcome of applying migrations to one tenant.
type MigrationResult struct {
	Domain  string   `json:"domain"`
	DBName  string   `json:"dbName"`
	Applied []string `json:"applied"`
	Error   string   `json:"error,omitempty"`

	Err error `json:"-"`
}

// ApplyMigrations applies pending migrations to the tenant of domain.
func (s *Service) ApplyMigrations(ctx context.Context, domain string) (MigrationResult, error) {
	t, err := s.Find(ctx, domain)
	if err != nil {
		return MigrationResult{}, err
	}
	res := s.migrateTenant(ctx, t)
	return res, res.Err
}

// ApplyMigrationsToAll applies pending migrations to every tenant with
// bounded concurrency. Tenants are independent: a failure is recorded on
// that tenant (status needs_attention) and in its result, and never stops
// the others. The returned error only reports failure to list tenants.
func (s *Service) ApplyMigrationsToAll(ctx context.Context) ([]MigrationResult, error) {
	tenants, err := s.d.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	results := make([]MigrationResult, len(tenants))
	var g errgroup.Group
	g.SetLimit(s.d.Concurrency)
	for i, t := range tenants {
		g.Go(func() error {
			results[i] = s.migrateTenant(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Ctx(ctx).Info().Int("tenants", len(tenants)).Int("failed", failed).Msg("migration fan-out finished")
	return results, nil
}

func (s *Service) migrateTenant(ctx context.Context, t *model.Tenant) MigrationResult {
	res := MigrationResult{Domain: t.Domain, DBName: t.DBName, Applied: []string{}}
	logger := log.Ctx(ctx).With().Str("domain", t.Domain).Str("db", t.DBName).Logger()

	fail := func(err error) MigrationResult {
		res.Err = annotate(err, t.Name, StageMigrate, model.ExitMigrationFailed)
		res.Error = res.Err.Error()
		s.d.Metrics.RecordMigration("failed")
		logger.Error().Err(res.Err).Msg("migration failed")
		if serr := s.d.Store.SetStatus(ctx, t.ID, model.StatusNeedsAttention, res.Error); serr != nil {
			logger.Warn().Err(serr).Msg("failed to mark tenant as needing attention")
		}
		return res
	}

	h, err := s.d.Cache.Get(ctx, t.DBName, t.ConnInfo())
	if err != nil {
		return fail(err)
	}
	applied, err := s.d.Applier.ApplyPending(ctx, h)
	res.Applied = append(res.Applied, applied...)
	if err != nil {
		return fail(err)
	}

	s.d.Metrics.RecordMigration("success")
	if t.Status == model.StatusNeedsAttention {
		if err := s.d.Store.SetStatus(ctx, t.ID, model.StatusActive, ""); err != nil {
			logger.Warn().Err(err).Msg("failed to mark tenant as active")
		}
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("migrations applied")
	}
	return res
}

// MigrationStatus is a tenant's applied and pending migrations.
type MigrationStatus struct {
	Domain  string                  `json:"domain"`
	Applied []model.MigrationRecord `json:"applied"`
	Pending []string                `json:"pending"`
}

// Status reports the migration state of the tenant of domain.
func (s *Service) Status(ctx context.Context, domain string) (*MigrationStatus, error) {
	t, err := s.Find(ctx, domain)
	if err != nil {
		return nil, err
	}
	h, err := s.d.Cache.Get(ctx, t.DBName, t.ConnInfo())
	if err != nil {
		return nil, annotate(err, t.Name, StageConnect, model.ExitGeneralError)
	}
	applied, err := s.d.Applier.Applied(ctx, h)
	if err != nil {
		return nil, err
	}
	pending, err := s.d.Applier.Pending(ctx, h)
	if err != nil {
		return nil, err
	}
	st := &MigrationStatus{Domain: t.Domain, Applied: applied, Pending: make([]string, 0, len(pending))}
	for _, m := range pending {
		st.Pending = append(st.Pending, m.Version)
	}
	return st, nil
}

// Rehydrate marks the ports of existing tenants as leased. It must run
// before the first CreateTenant of a process: the allocator starts empty,
// and without rehydration it would hand out ports that registered tenants
// or leftover managed containers still hold.
//
// It returns the number of ports newly reserved.
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	tenants, err := s.d.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	ports := make([]int, 0, len(tenants))
	for _, t := range tenants {
		ports = append(ports, t.DBPort)
	}

	if s.d.Runtime != nil {
		containers, err := s.d.Runtime.ListManagedContainers(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list managed containers: %w", err)
		}
		for _, c := range containers {
			p, err := docker.ParseHostPortLabel(c.Labels)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("container", c.ContainerName).Msg("skipping container without a host port label")
				continue
			}
			ports = append(ports, p)
		}
	}

	n := s.d.Ports.Reserve(ports...)
	log.Ctx(ctx).Info().Int("reserved", n).Int("tenants", len(tenants)).Msg("port leases rehydrated")
	s.d.Metrics.SetPortsLeased(len(s.d.Ports.Leased()))
	s.d.Metrics.SetTenants(len(tenants))
	return n, nil
}

func (s *Service) refreshTenantGauge(ctx context.Context) {
	if s.d.Metrics == nil {
		return
	}
	if tenants, err := s.d.Store.List(ctx); err == nil {
		s.d.Metrics.SetTenants(len(tenants))
	}
}

func copyParams(p map[string]string) map[string]string {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
