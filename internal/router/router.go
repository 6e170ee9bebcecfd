// Package router resolves a request's domain to its tenant and hands back
// a connection handle bound to that tenant's database.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Lookup finds tenants by domain. registry.Store implements it.
type Lookup interface {
	FindByDomain(ctx context.Context, domain string) (*model.Tenant, error)
}

// DefaultLookupTimeout bounds one shared registry lookup.
const DefaultLookupTimeout = 10 * time.Second

// Router maps domains to tenant connection handles.
type Router struct {
	lookup  Lookup
	cache   *connpool.Cache
	metrics *metrics.Metrics
	group   singleflight.Group

	// LookupTimeout bounds a shared lookup, which runs detached from the
	// callers waiting on it.
	LookupTimeout time.Duration
}

// New creates a Router. m may be nil.
func New(lookup Lookup, cache *connpool.Cache, m *metrics.Metrics) *Router {
	return &Router{lookup: lookup, cache: cache, metrics: m, LookupTimeout: DefaultLookupTimeout}
}

// Resolve returns the tenant registered for domain. The domain is
// lowercased and any port is stripped. Concurrent lookups of one domain
// share a single registry query.
//
// An empty or unknown domain fails with model.ErrTenantNotFound; Resolve
// never falls back to another tenant.
func (r *Router) Resolve(ctx context.Context, domain string) (*model.Tenant, error) {
	domain = model.NormalizeDomain(domain)
	if domain == "" {
		r.metrics.RecordResolve("not_found")
		return nil, model.NewError(model.ExitTenantNotFound, "no domain given")
	}

	v, err := r.find(ctx, domain)
	if err != nil {
		r.metrics.RecordResolve("error")
		return nil, fmt.Errorf("failed to look up tenant for %s: %w", domain, err)
	}
	t, _ := v.(*model.Tenant)
	if t == nil {
		r.metrics.RecordResolve("not_found")
		return nil, model.NewError(model.ExitTenantNotFound, "tenant not found for domain "+domain)
	}
	// A lookup by another caller must still match this caller's domain.
	if t.Domain != domain {
		r.metrics.RecordResolve("error")
		return nil, fmt.Errorf("registry returned tenant %s for domain %s", t.Domain, domain)
	}
	r.metrics.RecordResolve("found")

	// Shared results are copied so callers cannot affect each other.
	c := *t
	return &c, nil
}

// find runs one registry lookup per domain at a time. Each caller stops
// waiting when its own ctx ends; the lookup itself keeps going for the
// others.
func (r *Router) find(ctx context.Context, domain string) (any, error) {
	ch := r.group.DoChan(domain, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.LookupTimeout)
		defer cancel()
		return r.lookup.FindByDomain(lctx, domain)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connection returns the cached handle for t's database, opening it on
// first use. The handle is bound to t's own credentials.
func (r *Router) Connection(ctx context.Context, t *model.Tenant) (connpool.Handle, error) {
	if t == nil || t.DBName == "" {
		return nil, model.NewError(model.ExitInvalidInput, "tenant has no database")
	}
	info := t.ConnInfo()
	h, err := r.cache.Get(ctx, t.DBName, info)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("domain", t.Domain).Msg("failed to connect to tenant database")
		return nil, fmt.Errorf("failed to connect to tenant %s: %w", t.Domain, err)
	}
	if !h.Info().Equal(info) {
		return nil, fmt.Errorf("connection for %s is bound to %s", t.DBName, h.Info().Redacted())
	}
	return h, nil
}

// ResolveConnection resolves domain and returns its tenant and handle.
func (r *Router) ResolveConnection(ctx context.Context, domain string) (*model.Tenant, connpool.Handle, error) {
	t, err := r.Resolve(ctx, domain)
	if err != nil {
		return nil, nil, err
	}
	h, err := r.Connection(ctx, t)
	if err != nil {
		return t, nil, err
	}
	return t, h, nil
}

// Disconnect closes the cached handle of one tenant database.
func (r *Router) Disconnect(dbName string) {
	r.cache.Disconnect(dbName)
}

// DisconnectAll closes every cached handle. The router cannot open new
// connections afterwards.
func (r *Router) DisconnectAll() {
	r.cache.DisconnectAll()
}
