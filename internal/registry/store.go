// Package registry is the master catalogue of provisioned tenants.
//
// A tenant is written to the registry exactly once, after its database is
// running and migrated, so readers never observe a half-provisioned tenant.
// Domain and database name are unique; Create enforces both atomically.
package registry

import (
	"context"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Store persists tenant records.
type Store interface {
	// FindByDomain returns the tenant registered for domain, or (nil, nil).
	FindByDomain(ctx context.Context, domain string) (*model.Tenant, error)

	// FindByDBName returns the tenant owning dbName, or (nil, nil).
	FindByDBName(ctx context.Context, dbName string) (*model.Tenant, error)

	// Create inserts t and returns the stored record with ID and timestamps
	// assigned. A duplicate domain or database name fails with an error of
	// kind model.ErrDuplicateDomain.
	Create(ctx context.Context, t *model.Tenant) (*model.Tenant, error)

	// List returns every tenant ordered by creation time, then domain.
	List(ctx context.Context) ([]*model.Tenant, error)

	// SetStatus updates a tenant's status and reason.
	SetStatus(ctx context.Context, id string, status model.TenantStatus, reason string) error

	// Delete removes a tenant record.
	Delete(ctx context.Context, id string) error
}

// validate checks the fields Create requires.
func validate(t *model.Tenant) error {
	switch {
	case t == nil:
		return model.NewError(model.ExitInvalidInput, "tenant is nil")
	case t.Domain == "":
		return model.NewError(model.ExitInvalidInput, "tenant domain is required")
	case t.DBName == "":
		return model.NewError(model.ExitInvalidInput, "tenant database name is required")
	case t.Status != "" && !t.Status.IsValid():
		return model.NewError(model.ExitInvalidInput, "invalid tenant status "+t.Status.String())
	}
	return nil
}

func duplicate(t *model.Tenant) error {
	return model.NewError(model.ExitDuplicateDomain,
		"domain "+t.Domain+" or database "+t.DBName+" is already registered").WithTenant(t.Name, "")
}

func notFound(id string) error {
	return model.NewError(model.ExitTenantNotFound, "no tenant with id "+id)
}
