package model

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TenantStatus represents the operational state of a provisioned tenant.
//
// A tenant only enters the registry once provisioning fully succeeded, so
// the lifecycle visible to readers is:
//
//	[absent] → Active ⇄ NeedsAttention → [decommissioned]
//
// NeedsAttention is set when a later migration fan-out fails for the
// tenant; the database keeps serving traffic at its previous schema.
type TenantStatus string

const (
	// StatusActive indicates the tenant is fully provisioned and migrated.
	StatusActive TenantStatus = "active"

	// StatusNeedsAttention indicates a migration failed for this tenant.
	// The reason is kept in Tenant.StatusReason.
	StatusNeedsAttention TenantStatus = "needs_attention"
)

// String returns the string representation of TenantStatus.
func (s TenantStatus) String() string {
	return string(s)
}

// IsValid checks whether the TenantStatus value is one of the
// predefined valid states.
func (s TenantStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusNeedsAttention:
		return true
	default:
		return false
	}
}

// ParseTenantStatus converts a string to a TenantStatus.
// Returns an error if the string does not match any valid status.
func ParseTenantStatus(s string) (TenantStatus, error) {
	status := TenantStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid tenant status: %q (valid: active, needs_attention)", s)
	}
	return status, nil
}

// Tenant is the identity and connection descriptor for one isolated
// database. Records are created only by the provisioning workflow, after
// the container is running and its schema is applied.
type Tenant struct {
	// ID is assigned by the registry (UUIDv7 string).
	ID string `json:"id"`

	// Name is the human-readable tenant name as supplied at creation.
	Name string `json:"name"`

	// Domain is the routing key. Globally unique and immutable.
	Domain string `json:"domain"`

	DBHost string `json:"dbHost"`
	DBPort int    `json:"dbPort"`
	DBName string `json:"dbName"`
	DBUser string `json:"dbUser"`

	// DBPassword is the per-tenant secret. It is never serialized to JSON
	// and never emitted by String or MarshalZerologObject.
	DBPassword string `json:"-"`

	// DBParams carries extra connection parameters (e.g. sslmode).
	DBParams map[string]string `json:"-"`

	// ContainerID is the opaque runtime handle of the database instance.
	ContainerID string `json:"containerId"`

	IsProvisioned bool `json:"isProvisioned"`

	Status       TenantStatus `json:"status"`
	StatusReason string       `json:"statusReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConnInfo returns the connection descriptor for the tenant's database.
func (t *Tenant) ConnInfo() ConnInfo {
	return ConnInfo{
		Host:     t.DBHost,
		Port:     t.DBPort,
		Database: t.DBName,
		User:     t.DBUser,
		Password: t.DBPassword,
		Params:   copyParams(t.DBParams),
	}
}

// String returns a log-safe description of the tenant.
func (t *Tenant) String() string {
	return fmt.Sprintf("%s (%s, db %s on %s:%d)", t.Name, t.Domain, t.DBName, t.DBHost, t.DBPort)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler so tenants can
// be attached to log events with .Object("tenant", t). The password is
// deliberately absent.
func (t *Tenant) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", t.ID).
		Str("name", t.Name).
		Str("domain", t.Domain).
		Str("db_name", t.DBName).
		Str("db_host", t.DBHost).
		Int("db_port", t.DBPort).
		Str("status", t.Status.String())
}

// ConnInfo is the tuple a connection handle is bound to. Two handles are
// interchangeable only if their ConnInfo values are Equal.
type ConnInfo struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// Params are appended to the DSN query string (sslmode,
	// connect_timeout, ...).
	Params map[string]string
}

// DSN renders the descriptor as a postgres:// URL. User and password are
// escaped by net/url.
func (c ConnInfo) DSN() string {
	return c.url(url.UserPassword(c.User, c.Password)).String()
}

// Redacted renders the DSN with the password masked, for logs and errors.
func (c ConnInfo) Redacted() string {
	if c.Password == "" {
		return c.url(url.User(c.User)).String()
	}
	return c.url(url.UserPassword(c.User, "xxxxx")).String()
}

func (c ConnInfo) url(user *url.Userinfo) *url.URL {
	u := &url.URL{
		Scheme: "postgres",
		User:   user,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if len(c.Params) > 0 {
		q := url.Values{}
		for k, v := range c.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u
}

// Equal reports whether two descriptors address the same database with the
// same credentials.
func (c ConnInfo) Equal(o ConnInfo) bool {
	if c.Host != o.Host || c.Port != o.Port || c.Database != o.Database ||
		c.User != o.User || c.Password != o.Password || len(c.Params) != len(o.Params) {
		return false
	}
	for k, v := range c.Params {
		if ov, ok := o.Params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ParseConnInfo parses a postgres:// or postgresql:// URL into a ConnInfo.
// The port defaults to 5432 when absent.
func ParseConnInfo(raw string) (ConnInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnInfo{}, fmt.Errorf("invalid database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return ConnInfo{}, fmt.Errorf("invalid database URL scheme %q (expected postgres)", u.Scheme)
	}
	if u.Hostname() == "" {
		return ConnInfo{}, fmt.Errorf("database URL has no host")
	}

	info := ConnInfo{
		Host:     u.Hostname(),
		Port:     5432,
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return ConnInfo{}, fmt.Errorf("invalid database URL port %q: %w", p, err)
		}
		info.Port = port
	}
	if u.User != nil {
		info.User = u.User.Username()
		info.Password, _ = u.User.Password()
	}
	if q := u.Query(); len(q) > 0 {
		info.Params = make(map[string]string, len(q))
		for k := range q {
			info.Params[k] = q.Get(k)
		}
	}
	return info, nil
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

// Instance is the output of provisioning a tenant database container.
type Instance struct {
	ContainerID   string
	ContainerName string
	Host          string
	Port          int
	DBName        string
	DBUser        string
	DBPassword    string
}

// MigrationRecord is one row of a tenant's schema_version table.
type MigrationRecord struct {
	Version   string    `json:"version"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ContainerInfo holds runtime information about a Docker container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// Status is the Docker container status (e.g., "running", "exited", "created").
	Status string `json:"status"`

	// Running mirrors State.Running from container inspection.
	Running bool `json:"running"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}

// slugInvalid matches every run of characters that may not appear in a
// tenant slug. Slugs end up inside Postgres identifiers and container
// names, so only [a-z0-9_] survive.
var slugInvalid = regexp.MustCompile(`[^a-z0-9_]+`)

// Slugify converts a tenant name to the deterministic slug used for the
// database name (db_<slug>), role (user_<slug>) and container name.
//
// Whitespace and any other invalid characters become underscores, runs of
// underscores collapse, and leading/trailing underscores are trimmed.
func Slugify(name string) (string, error) {
	s := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	if s == "" {
		return "", fmt.Errorf("tenant name %q does not contain any usable characters", name)
	}
	// Postgres identifiers are limited to 63 bytes; "user_" is the longest prefix.
	if len(s) > 58 {
		s = strings.TrimRight(s[:58], "_")
	}
	return s, nil
}

// NormalizeDomain lowercases a host/domain string and strips any port, so
// "Acme.Test:3000" and "acme.test" resolve to the same tenant.
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// SortTenants orders tenants by creation time, then domain.
func SortTenants(tenants []*Tenant) {
	sort.SliceStable(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].Domain < tenants[j].Domain
	})
}
