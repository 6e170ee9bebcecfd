// Package provision creates and tears down tenant databases.
//
// Provisioner runs the container half of the work: port, image, container.
// Service composes it with readiness polling, schema application and the
// registry into the complete tenant lifecycle.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/port"
)

// Stage names used in provisioning errors.
const (
	StageAcquirePort     = "acquire-port"
	StagePullImage       = "pull-image"
	StageCreateContainer = "create-container"
	StageStartContainer  = "start-container"
	StageReadiness       = "readiness"
	StageConnect         = "connect"
	StageMigrate         = "migrate"
	StageRegister        = "register"
)

const passwordBytes = 32

// HostFunc returns the host clients use to reach a tenant database.
type HostFunc func(slug, name string, port int) (string, error)

// ProvisionerConfig holds the container settings of new tenants.
type ProvisionerConfig struct {
	Image           string
	Network         string
	ContainerPrefix string

	// HostIP restricts the published port to one interface.
	HostIP string

	// Host defaults to "localhost" for every tenant.
	Host HostFunc
}

// Names are the identifiers derived from a tenant name.
type Names struct {
	Slug          string
	DBName        string
	DBUser        string
	ContainerName string
}

// Provisioner starts one database container per tenant.
type Provisioner struct {
	runtime docker.Runtime
	ports   *port.Allocator
	cfg     ProvisionerConfig

	now      func() time.Time
	password func() (string, error)
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(rt docker.Runtime, ports *port.Allocator, cfg ProvisionerConfig) *Provisioner {
	if cfg.Image == "" {
		cfg.Image = "postgres:16-alpine"
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "tenantbox-pg"
	}
	if cfg.Host == nil {
		cfg.Host = func(string, string, int) (string, error) { return "localhost", nil }
	}
	return &Provisioner{
		runtime:  rt,
		ports:    ports,
		cfg:      cfg,
		now:      time.Now,
		password: GeneratePassword,
	}
}

// Names derives the database, role and container names for a tenant.
func (p *Provisioner) Names(tenantName string) (Names, error) {
	slug, err := model.Slugify(tenantName)
	if err != nil {
		return Names{}, model.WrapError(model.ExitInvalidInput, "invalid tenant name", err)
	}
	return Names{
		Slug:          slug,
		DBName:        "db_" + slug,
		DBUser:        "user_" + slug,
		ContainerName: p.cfg.ContainerPrefix + "-" + slug,
	}, nil
}

// GeneratePassword returns 32 random bytes encoded as unpadded base64url
// (43 characters).
func GeneratePassword() (string, error) {
	b := make([]byte, passwordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Provision acquires a port and starts a database container for
// tenantName.
//
// Any failure after the port was acquired releases it. If the container
// was created but could not be started, the partial Instance is returned
// together with the error so the caller can remove the container.
func (p *Provisioner) Provision(ctx context.Context, tenantName string) (*model.Instance, error) {
	names, err := p.Names(tenantName)
	if err != nil {
		return nil, err
	}
	fail := func(stage, msg string, err error) error {
		var me *model.Error
		if errors.As(err, &me) && me.Code == model.ExitDockerNotRunning {
			return me.WithTenant(tenantName, stage)
		}
		return model.WrapError(model.ExitProvisionFailed, msg, err).WithTenant(tenantName, stage)
	}

	password, err := p.password()
	if err != nil {
		return nil, fail(StageCreateContainer, "failed to generate credentials", err)
	}

	hostPort, err := p.ports.Acquire()
	if err != nil {
		return nil, annotate(err, tenantName, StageAcquirePort, model.ExitNoPortAvailable)
	}
	released := false
	release := func() {
		if !released {
			p.ports.Release(hostPort)
			released = true
		}
	}

	host, err := p.cfg.Host(names.Slug, tenantName, hostPort)
	if err != nil {
		release()
		return nil, fail(StageCreateContainer, "failed to resolve tenant host", err)
	}

	logger := log.Ctx(ctx).With().Str("tenant", tenantName).Int("port", hostPort).Logger()

	if err := p.runtime.PullImage(ctx, p.cfg.Image); err != nil {
		release()
		return nil, fail(StagePullImage, "failed to pull image "+p.cfg.Image, err)
	}

	spec := docker.ContainerSpec{
		Name:  names.ContainerName,
		Image: p.cfg.Image,
		Env: map[string]string{
			"POSTGRES_USER":     names.DBUser,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       names.DBName,
		},
		ContainerPort: docker.DefaultContainerPort,
		HostPort:      hostPort,
		HostIP:        p.cfg.HostIP,
		Network:       p.cfg.Network,
		Labels: docker.BuildLabels(docker.TenantLabels{
			Slug:      names.Slug,
			Name:      tenantName,
			DBName:    names.DBName,
			HostPort:  hostPort,
			CreatedAt: p.now(),
		}),
	}

	id, err := p.runtime.CreateContainer(ctx, spec)
	if err != nil {
		release()
		return nil, fail(StageCreateContainer, "failed to create container "+names.ContainerName, err)
	}

	inst := &model.Instance{
		ContainerID:   id,
		ContainerName: names.ContainerName,
		Host:          host,
		Port:          hostPort,
		DBName:        names.DBName,
		DBUser:        names.DBUser,
		DBPassword:    password,
	}

	if err := p.runtime.StartContainer(ctx, id); err != nil {
		release()
		return inst, fail(StageStartContainer, "failed to start container "+names.ContainerName, err)
	}

	logger.Info().Str("container", id).Str("db", names.DBName).Msg("tenant container started")
	return inst, nil
}

// Teardown removes an instance's container and releases its port. It runs
// even when ctx is already cancelled.
//
// When the container cannot be removed its port stays leased, since the
// leftover container may still hold it. Rehydrate reserves it again after
// a restart.
func (p *Provisioner) Teardown(ctx context.Context, inst *model.Instance) error {
	if inst == nil {
		return nil
	}
	if inst.ContainerID != "" {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.runtime.RemoveContainer(rctx, inst.ContainerID, true); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("container", inst.ContainerID).Int("port", inst.Port).
				Msg("failed to remove tenant container, keeping its port leased")
			return err
		}
	}
	p.ports.Release(inst.Port)
	return nil
}
