// Package model defines the domain types and value objects for tenantbox.
//
// This package contains plain data structures shared by every other
// package: the Tenant record stored in the master registry, the ConnInfo
// descriptor a connection handle is bound to, the Instance produced by the
// container provisioner, and per-tenant MigrationRecord bookkeeping.
//
// The package also defines exit codes (ExitCode) and the Error type that
// carries them. Error doubles as the failure taxonomy of the provisioning
// and routing core (NoPortAvailable, ProvisionFailed, NotReadyInTime,
// MigrationFailed, DuplicateDomain, TenantNotFound).
package model
