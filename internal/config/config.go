// Package config loads tenantbox configuration.
//
// Values are resolved in this order, later sources winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML (.yaml/.yml) or JSONC (.json/.jsonc) file
//  3. environment variables (MASTER_DATABASE_URL, TENANT_MIN_PORT, ...)
//
// The result is checked by Validate before it is returned.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/readiness"
)

// Registry backends.
const (
	RegistryPostgres = "postgres"
	RegistryMemory   = "memory"
)

// Config is the complete tenantbox configuration.
type Config struct {
	// MasterDatabaseURL is the postgres:// URL of the database holding the
	// tenant registry. Required for the postgres registry.
	MasterDatabaseURL string `yaml:"master_database_url" json:"master_database_url"`

	// Registry selects the registry backend: "postgres" or "memory".
	Registry string `yaml:"registry" json:"registry" validate:"oneof=postgres memory"`

	Tenant     TenantConfig     `yaml:"tenant" json:"tenant"`
	Readiness  ReadinessConfig  `yaml:"readiness" json:"readiness"`
	Migrations MigrationsConfig `yaml:"migrations" json:"migrations"`
	Pool       PoolConfig       `yaml:"pool" json:"pool"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// TenantConfig controls how tenant database containers are created.
type TenantConfig struct {
	// HostTemplate renders the host clients use to reach a tenant database.
	// It is a text/template over HostData, e.g. "localhost" or
	// "pg-{{.Slug}}.internal".
	HostTemplate string `yaml:"host_template" json:"host_template" validate:"required"`

	Image           string `yaml:"image" json:"image" validate:"required"`
	Network         string `yaml:"network" json:"network"`
	ContainerPrefix string `yaml:"container_prefix" json:"container_prefix" validate:"required"`

	MinPort int `yaml:"min_port" json:"min_port" validate:"min=1,max=65535"`
	MaxPort int `yaml:"max_port" json:"max_port" validate:"min=1,max=65535,gtefield=MinPort"`

	SSLMode string `yaml:"sslmode" json:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// ReadinessConfig bounds how long provisioning waits for a new database.
type ReadinessConfig struct {
	Attempts     int      `yaml:"attempts" json:"attempts" validate:"min=1"`
	Interval     Duration `yaml:"interval" json:"interval"`
	ProbeTimeout Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// LogMarker must appear in the container log tail before the database
	// is probed. Empty disables the log check; images without the stock
	// postgres entrypoint need that.
	LogMarker string `yaml:"log_marker" json:"log_marker"`
	LogTail   int    `yaml:"log_tail" json:"log_tail" validate:"min=0"`
}

// MigrationsConfig locates migration files and bounds the fan-out.
type MigrationsConfig struct {
	Dir         string `yaml:"dir" json:"dir" validate:"required"`
	Concurrency int    `yaml:"concurrency" json:"concurrency" validate:"min=1"`
}

// PoolConfig sizes each tenant's pgx pool.
type PoolConfig struct {
	MaxConns        int32    `yaml:"max_conns" json:"max_conns" validate:"min=1"`
	MinConns        int32    `yaml:"min_conns" json:"min_conns" validate:"min=0,ltefield=MaxConns"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr" validate:"required"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
}

// HostData is the data available to TenantConfig.HostTemplate.
type HostData struct {
	Slug string
	Name string
	Port int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryPostgres,
		Tenant: TenantConfig{
			HostTemplate:    "localhost",
			Image:           "postgres:16-alpine",
			ContainerPrefix: "tenantbox-pg",
			MinPort:         5433,
			MaxPort:         5533,
			SSLMode:         "disable",
		},
		Readiness: ReadinessConfig{
			Attempts:     60,
			Interval:     Duration(5 * time.Second),
			ProbeTimeout: Duration(3 * time.Second),
			LogMarker:    readiness.DefaultLogMarker,
			LogTail:      50,
		},
		Migrations: MigrationsConfig{
			Dir:         "migrations",
			Concurrency: 4,
		},
		Pool: PoolConfig{
			MaxConns:        10,
			MaxConnLifetime: Duration(30 * time.Minute),
		},
		Server: ServerConfig{Addr: ":3000"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, the optional file at path
// and the environment. An empty path skips the file.
//
// Errors are model.Error values with ExitConfigError.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, model.WrapError(model.ExitConfigError, "failed to load configuration", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, model.WrapError(model.ExitConfigError, "invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.WrapError(model.ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".json", ".jsonc":
		// Comments and trailing commas are allowed in JSON config files.
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (use .yaml, .yml, .json or .jsonc)", ext)
	}
	return nil
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	str("MASTER_DATABASE_URL", &c.MasterDatabaseURL)
	str("TENANT_REGISTRY", &c.Registry)
	str("TENANT_DB_HOST", &c.Tenant.HostTemplate)
	str("TENANT_IMAGE", &c.Tenant.Image)
	str("TENANT_NETWORK", &c.Tenant.Network)
	str("MIGRATIONS_DIR", &c.Migrations.Dir)
	str("SERVER_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := num("TENANT_MIN_PORT", &c.Tenant.MinPort); err != nil {
		return err
	}
	if err := num("TENANT_MAX_PORT", &c.Tenant.MaxPort); err != nil {
		return err
	}
	if err := num("READINESS_ATTEMPTS", &c.Readiness.Attempts); err != nil {
		return err
	}
	if v, ok := lookup("READINESS_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("READINESS_INTERVAL: %w", err)
		}
		c.Readiness.Interval = Duration(d)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Registry == RegistryPostgres {
		if c.MasterDatabaseURL == "" {
			return fmt.Errorf("master_database_url is required for the %s registry", RegistryPostgres)
		}
		if _, err := model.ParseConnInfo(c.MasterDatabaseURL); err != nil {
			return fmt.Errorf("master_database_url: %w", err)
		}
	}
	if c.Readiness.Interval <= 0 {
		return fmt.Errorf("readiness.interval must be positive")
	}
	if _, err := c.hostTemplate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) hostTemplate() (*template.Template, error) {
	tmpl, err := template.New("host").Option("missingkey=error").Parse(c.Tenant.HostTemplate)
	if err != nil {
		return nil, fmt.Errorf("tenant.host_template: %w", err)
	}
	return tmpl, nil
}

// TenantHost renders the host clients use to reach a tenant database.
func (c *Config) TenantHost(data HostData) (string, error) {
	tmpl, err := c.hostTemplate()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("tenant.host_template: %w", err)
	}
	host := strings.TrimSpace(buf.String())
	if host == "" {
		return "", fmt.Errorf("tenant.host_template rendered an empty host for %q", data.Slug)
	}
	return host, nil
}

// TenantParams returns the connection parameters added to every tenant
// connection string.
func (c *Config) TenantParams() map[string]string {
	return map[string]string{"sslmode": c.Tenant.SSLMode}
}
