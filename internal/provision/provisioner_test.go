package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/docker/dockertest"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/port"
)

func newTestProvisioner(t *testing.T, rt docker.Runtime, min, max int) (*Provisioner, *port.Allocator) {
	t.Helper()
	ports, err := port.NewAllocator(min, max)
	require.NoError(t, err)
	p := NewProvisioner(rt, ports, ProvisionerConfig{
		Image:           "postgres:16-alpine",
		Network:         "tenantnet",
		ContainerPrefix: "tb",
		Host: func(slug, _ string, _ int) (string, error) {
			return "pg-" + slug + ".internal", nil
		},
	})
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p, ports
}

func TestNames(t *testing.T) {
	p, _ := newTestProvisioner(t, dockertest.New(), 5433, 5433)

	n, err := p.Names("Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, Names{Slug: "acme_corp", DBName: "db_acme_corp", DBUser: "user_acme_corp", ContainerName: "tb-acme_corp"}, n)

	_, err = p.Names("   ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, 43)
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, pw)
		assert.False(t, seen[pw], "passwords must not repeat")
		seen[pw] = true
	}
}

func TestProvision_StartsLabelledContainer(t *testing.T) {
	rt := dockertest.New()
	p, ports := newTestProvisioner(t, rt, 5433, 5440)

	inst, err := p.Provision(context.Background(), "Acme Corp")
	require.NoError(t, err)

	assert.Equal(t, 5433, inst.Port)
	assert.Equal(t, "pg-acme_corp.internal", inst.Host)
	assert.Equal(t, "db_acme_corp", inst.DBName)
	assert.Equal(t, "user_acme_corp", inst.DBUser)
	assert.Len(t, inst.DBPassword, 43)
	assert.Equal(t, []int{5433}, ports.Leased())
	assert.Equal(t, []string{"postgres:16-alpine"}, rt.Pulls())

	c := rt.Container(inst.ContainerID)
	require.NotNil(t, c)
	assert.True(t, c.Running)
	assert.Equal(t, "tb-acme_corp", c.Spec.Name)
	assert.Equal(t, "tenantnet", c.Spec.Network)
	assert.Equal(t, 5433, c.Spec.HostPort)
	assert.Equal(t, docker.DefaultContainerPort, c.Spec.ContainerPort)
	assert.Equal(t, map[string]string{
		"POSTGRES_USER":     "user_acme_corp",
		"POSTGRES_PASSWORD": inst.DBPassword,
		"POSTGRES_DB":       "db_acme_corp",
	}, c.Spec.Env)

	labels, err := docker.ParseLabels(c.Spec.Labels)
	require.NoError(t, err)
	assert.Equal(t, "acme_corp", labels.Slug)
	assert.Equal(t, "Acme Corp", labels.Name)
	assert.Equal(t, 5433, labels.HostPort)
}

func TestProvision_ReleasesPortOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(rt *dockertest.Runtime)
		stage     string
		partial   bool
		remaining int
	}{
		{
			name:  "pull",
			setup: func(rt *dockertest.Runtime) { rt.FailPull = errors.New("manifest unknown") },
			stage: StagePullImage,
		},
		{
			name:  "create",
			setup: func(rt *dockertest.Runtime) { rt.FailCreate = errors.New("conflict") },
			stage: StageCreateContainer,
		},
		{
			name:      "start",
			setup:     func(rt *dockertest.Runtime) { rt.FailStart = errors.New("port is already allocated") },
			stage:     StageStartContainer,
			partial:   true,
			remaining: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := dockertest.New()
			tt.setup(rt)
			p, ports := newTestProvisioner(t, rt, 5433, 5440)

			inst, err := p.Provision(context.Background(), "Acme")
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrProvisionFailed)
			assert.Contains(t, err.Error(), `tenant "Acme"`)
			assert.Contains(t, err.Error(), tt.stage)
			assert.Empty(t, ports.Leased(), "the port must be released")
			assert.Equal(t, tt.remaining, rt.Len())

			if tt.partial {
				require.NotNil(t, inst)
				assert.NotEmpty(t, inst.ContainerID)
				require.NoError(t, p.Teardown(context.Background(), inst))
				assert.Zero(t, rt.Len())
			} else {
				assert.Nil(t, inst)
			}
		})
	}
}

func TestProvision_NoPortAvailable(t *testing.T) {
	rt := dockertest.New()
	p, ports := newTestProvisioner(t, rt, 5433, 5433)
	ports.Reserve(5433)

	_, err := p.Provision(context.Background(), "Acme")
	assert.ErrorIs(t, err, model.ErrNoPortAvailable)
	assert.Contains(t, err.Error(), StageAcquirePort)
	assert.Zero(t, rt.Len())
	assert.Empty(t, rt.Pulls())
}

func TestTeardown(t *testing.T) {
	rt := dockertest.New()
	p, ports := newTestProvisioner(t, rt, 5433, 5440)

	inst, err := p.Provision(context.Background(), "Acme")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Teardown(ctx, inst), "teardown runs after cancellation")
	assert.Zero(t, rt.Len())
	assert.Empty(t, ports.Leased())

	assert.NoError(t, p.Teardown(context.Background(), nil))
}

func TestTeardown_RemoveFailureKeepsLease(t *testing.T) {
	rt := dockertest.New()
	p, ports := newTestProvisioner(t, rt, 5433, 5440)

	inst, err := p.Provision(context.Background(), "Acme")
	require.NoError(t, err)

	rt.FailRemove = errors.New("device or resource busy")
	require.Error(t, p.Teardown(context.Background(), inst))
	assert.Equal(t, 1, rt.Len())
	assert.Equal(t, []int{inst.Port}, ports.Leased(), "the container may still hold the port")

	rt.FailRemove = nil
	require.NoError(t, p.Teardown(context.Background(), inst))
	assert.Empty(t, ports.Leased())
}
