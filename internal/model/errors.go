package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ExitCode defines the process exit codes of the tenantbox CLI. Each
// failure kind of the provisioning and routing core has its own code so
// scripts can tell a duplicate domain from an infrastructure outage.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitInvalidInput indicates the command arguments or payload were invalid.
	ExitInvalidInput ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitNoPortAvailable indicates the tenant port range is exhausted.
	ExitNoPortAvailable ExitCode = 4

	// ExitTenantNotFound indicates no tenant is registered for a domain.
	ExitTenantNotFound ExitCode = 6

	// ExitUserCancelled indicates the user cancelled an interactive prompt.
	ExitUserCancelled ExitCode = 7

	// ExitProvisionFailed indicates the container runtime rejected a step
	// of tenant provisioning.
	ExitProvisionFailed ExitCode = 8

	// ExitNotReadyInTime indicates a tenant database did not accept
	// connections within the readiness ceiling.
	ExitNotReadyInTime ExitCode = 9

	// ExitMigrationFailed indicates baseline or incremental schema
	// application failed.
	ExitMigrationFailed ExitCode = 10

	// ExitDuplicateDomain indicates a tenant with the domain already exists.
	ExitDuplicateDomain ExitCode = 11

	// ExitConfigError indicates the configuration could not be loaded.
	ExitConfigError ExitCode = 12
)

// Error is the error type of the tenantbox core. It carries an exit code
// (the failure kind), the tenant and stage it concerns, and an optional
// underlying error.
type Error struct {
	// Code is the failure kind and the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Tenant names the tenant the failure concerns, if any.
	Tenant string

	// Stage names the provisioning step that failed (e.g. "readiness").
	Stage string

	// Err is the underlying error, if any.
	Err error
}

// Sentinel errors for use with errors.Is. Any *Error with the same Code
// matches the sentinel.
var (
	ErrNoPortAvailable = &Error{Code: ExitNoPortAvailable, Message: "no port available"}
	ErrProvisionFailed = &Error{Code: ExitProvisionFailed, Message: "provisioning failed"}
	ErrNotReadyInTime  = &Error{Code: ExitNotReadyInTime, Message: "database not ready in time"}
	ErrMigrationFailed = &Error{Code: ExitMigrationFailed, Message: "migration failed"}
	ErrDuplicateDomain = &Error{Code: ExitDuplicateDomain, Message: "a tenant with this domain already exists"}
	ErrTenantNotFound  = &Error{Code: ExitTenantNotFound, Message: "tenant not found"}
	ErrInvalidInput    = &Error{Code: ExitInvalidInput, Message: "invalid input"}
)

// Error renders `tenant "<t>": <stage>: <message>: <err>`, omitting empty
// parts.
func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Tenant != "" {
		parts = append(parts, fmt.Sprintf("tenant %q", e.Tenant))
	}
	if e.Stage != "" {
		parts = append(parts, e.Stage)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's failure kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Err == nil && t.Tenant == "" && t.Stage == ""
}

// WithTenant returns a copy of e annotated with a tenant and stage. Empty
// arguments keep the existing values.
func (e *Error) WithTenant(tenant, stage string) *Error {
	c := *e
	if tenant != "" {
		c.Tenant = tenant
	}
	if stage != "" {
		c.Stage = stage
	}
	return &c
}

// NewError creates a new Error with the given exit code and message.
func NewError(code ExitCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a new Error that wraps an existing error.
func WrapError(code ExitCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the exit code from err, defaulting to ExitGeneralError.
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ExitGeneralError
}

// HTTPStatus maps an error to the status code the request layer should
// answer with. Routing misses and conflicts are distinguishable from
// infrastructure failures.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ExitSuccess:
		return http.StatusOK
	case ExitInvalidInput:
		return http.StatusBadRequest
	case ExitTenantNotFound:
		return http.StatusNotFound
	case ExitDuplicateDomain:
		return http.StatusConflict
	case ExitNoPortAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
