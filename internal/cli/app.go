package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shinji-kodama/tenantbox/internal/config"
	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/migrate"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/port"
	"github.com/shinji-kodama/tenantbox/internal/provision"
	"github.com/shinji-kodama/tenantbox/internal/readiness"
	"github.com/shinji-kodama/tenantbox/internal/registry"
	"github.com/shinji-kodama/tenantbox/internal/router"
)

// App is the wired tenantbox core used by the commands.
type App struct {
	Config   *config.Config
	Runtime  docker.Runtime
	Ports    *port.Allocator
	Cache    *connpool.Cache
	Store    registry.Store
	Service  *provision.Service
	Router   *router.Router
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []func()
}

// appOptions selects which collaborators buildApp creates. Nil
// collaborators are built from the configuration.
type appOptions struct {
	// needRuntime connects to Docker. Commands that only read the registry
	// or touch tenant databases run without a daemon.
	needRuntime bool

	runtime docker.Runtime
	opener  connpool.Opener
	prober  readiness.Prober
	store   registry.Store
}

// openApp builds the App for a command. Tests replace it to inject fakes.
var openApp = func(ctx context.Context, cfg *config.Config, needRuntime bool) (*App, error) {
	return buildApp(ctx, cfg, appOptions{needRuntime: needRuntime})
}

// buildApp wires every component from cfg. When a runtime is present the
// port allocator is rehydrated before the App is returned.
func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*App, error) {
	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	built := false
	defer func() {
		if !built {
			app.Close()
		}
	}()

	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	if opts.needRuntime {
		rt := opts.runtime
		if rt == nil {
			c, err := docker.NewClient()
			if err != nil {
				return nil, err
			}
			app.closers = append(app.closers, func() { _ = c.Close() })
			if err := c.Ping(ctx); err != nil {
				return nil, err
			}
			rt = c
		}
		app.Runtime = rt
		VerboseLog("container runtime connected")
	}

	var err error
	app.Ports, err = port.NewAllocator(cfg.Tenant.MinPort, cfg.Tenant.MaxPort, port.WithScanner(port.NewScanner()))
	if err != nil {
		return nil, model.WrapError(model.ExitConfigError, "invalid tenant port range", err)
	}

	opener := opts.opener
	if opener == nil {
		opener = connpool.PgxOpener{Options: connpool.PoolOptions{
			MaxConns:        cfg.Pool.MaxConns,
			MinConns:        cfg.Pool.MinConns,
			MaxConnLifetime: cfg.Pool.MaxConnLifetime.D(),
		}}
	}
	cacheOpts := []connpool.CacheOption{connpool.WithMetrics(app.Metrics)}
	if cfg.Registry == config.RegistryPostgres {
		master, err := model.ParseConnInfo(cfg.MasterDatabaseURL)
		if err != nil {
			return nil, model.WrapError(model.ExitConfigError, "invalid master database URL", err)
		}
		cacheOpts = append(cacheOpts, connpool.WithMaster(master))
	}
	app.Cache = connpool.NewCache(opener, cacheOpts...)
	app.closers = append(app.closers, app.Cache.DisconnectAll)

	app.Store = opts.store
	if app.Store == nil {
		if app.Store, err = openStore(ctx, cfg, app.Cache); err != nil {
			return nil, err
		}
	}

	var logs readiness.LogSource
	if app.Runtime != nil {
		logs = app.Runtime
	}
	poller := readiness.NewPoller(logs, opts.prober, readiness.Options{
		Attempts:     cfg.Readiness.Attempts,
		Interval:     cfg.Readiness.Interval.D(),
		ProbeTimeout: cfg.Readiness.ProbeTimeout.D(),
		LogMarker:    cfg.Readiness.LogMarker,
		LogTail:      cfg.Readiness.LogTail,
	}, app.Metrics)

	provisioner := provision.NewProvisioner(app.Runtime, app.Ports, provision.ProvisionerConfig{
		Image:           cfg.Tenant.Image,
		Network:         cfg.Tenant.Network,
		ContainerPrefix: cfg.Tenant.ContainerPrefix,
		Host: func(slug, name string, p int) (string, error) {
			return cfg.TenantHost(config.HostData{Slug: slug, Name: name, Port: p})
		},
	})

	app.Service = provision.NewService(provision.Deps{
		Runtime:     app.Runtime,
		Ports:       app.Ports,
		Provisioner: provisioner,
		Readiness:   poller,
		Applier:     migrate.NewApplier(migrate.NewDirSource(cfg.Migrations.Dir)),
		Store:       app.Store,
		Cache:       app.Cache,
		Metrics:     app.Metrics,
		Params:      cfg.TenantParams(),
		Concurrency: cfg.Migrations.Concurrency,
	})
	app.Router = router.New(app.Store, app.Cache, app.Metrics)

	if app.Runtime != nil {
		n, err := app.Service.Rehydrate(ctx)
		if err != nil {
			return nil, err
		}
		VerboseLog("rehydrated %d port lease(s)", n)
	}
	built = true
	return app, nil
}

// openStore opens the registry backend selected by cfg.Registry.
func openStore(ctx context.Context, cfg *config.Config, cache *connpool.Cache) (registry.Store, error) {
	switch cfg.Registry {
	case config.RegistryMemory:
		VerboseLog("using the in-memory registry; tenants are lost on exit")
		return registry.NewMemoryStore(), nil
	case config.RegistryPostgres:
		master, err := cache.Master(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the master database: %w", err)
		}
		store := registry.NewPostgresStore(master)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, model.NewError(model.ExitConfigError, fmt.Sprintf("unknown registry %q", cfg.Registry))
	}
}

// Close releases every resource the App holds, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
