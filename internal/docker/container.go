package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// DefaultContainerPort is the port Postgres listens on inside the container.
const DefaultContainerPort = 5432

// Runtime is the container runtime contract the provisioning workflow
// depends on. *Client implements it against the Docker Engine API.
type Runtime interface {
	// PullImage makes ref available locally. Pulling an image that is
	// already present is not an error.
	PullImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container and returns
	// its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error

	InspectContainer(ctx context.Context, id string) (*model.ContainerInfo, error)

	// ContainerLogs returns the last tail lines of combined stdout/stderr.
	// tail <= 0 returns the full log.
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)

	// RemoveContainer removes a container and its anonymous volumes.
	// Removing a container that no longer exists is not an error.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// ListManagedContainers lists every container carrying the tenantbox
	// management label, including stopped ones.
	ListManagedContainers(ctx context.Context) ([]model.ContainerInfo, error)
}

// ContainerSpec describes one tenant database container.
type ContainerSpec struct {
	Name  string
	Image string
	Env   map[string]string

	// ContainerPort defaults to DefaultContainerPort.
	ContainerPort int

	// HostPort is published on HostIP (all interfaces when empty).
	HostPort int
	HostIP   string

	// Network is the Docker network mode; empty uses the daemon default.
	Network string

	Labels map[string]string
}

var _ Runtime = (*Client)(nil)

// PullImage pulls ref and waits for the pull to finish. Errors the daemon
// reports inside the progress stream fail the pull.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapEngineError(fmt.Sprintf("failed to pull image %q", ref), err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	return nil
}

// CreateContainer creates the container described by spec.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg := buildContainerConfig(spec)

	resp, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", wrapEngineError(fmt.Sprintf("failed to create container %q", spec.Name), err)
	}
	return resp.ID, nil
}

// buildContainerConfig maps a ContainerSpec onto the Engine API structs.
func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = DefaultContainerPort
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       spec.Labels,
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: spec.HostIP, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	return cfg, hostCfg
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrapEngineError(fmt.Sprintf("failed to start container %q", id), err)
	}
	return nil
}

// InspectContainer returns the runtime view of one container.
func (c *Client) InspectContainer(ctx context.Context, id string) (*model.ContainerInfo, error) {
	resp, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapEngineError(fmt.Sprintf("failed to inspect container %q", id), err)
	}

	info := &model.ContainerInfo{ContainerID: id}
	if resp.ContainerJSONBase != nil {
		info.ContainerID = resp.ID
		info.ContainerName = strings.TrimPrefix(resp.Name, "/")
		if resp.State != nil {
			info.Status = string(resp.State.Status)
			info.Running = resp.State.Running
		}
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

// ContainerLogs returns the container's combined output.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}

	rc, err := c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		return "", wrapEngineError(fmt.Sprintf("failed to read logs of container %q", id), err)
	}
	defer rc.Close()

	// Non-TTY containers multiplex stdout and stderr into one stream.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("failed to demultiplex logs of container %q: %w", id, err)
	}
	return buf.String(), nil
}

// RemoveContainer force-removes a container together with its volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapEngineError(fmt.Sprintf("failed to remove container %q", id), err)
	}
	return nil
}

// ListManagedContainers queries the daemon for all containers labelled
// tenantbox.managed-by=tenantbox. Filtering happens server-side.
func (c *Client) ListManagedContainers(ctx context.Context) ([]model.ContainerInfo, error) {
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, wrapEngineError("failed to list Docker containers", err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, s := range containers {
		result = append(result, summaryToInfo(s))
	}
	return result, nil
}

// summaryToInfo converts a list entry to the domain model. Docker returns
// names with a leading "/", which is stripped.
func summaryToInfo(s container.Summary) model.ContainerInfo {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	state := string(s.State)
	return model.ContainerInfo{
		ContainerID:   s.ID,
		ContainerName: name,
		Status:        state,
		Running:       state == "running",
		Labels:        s.Labels,
	}
}

// wrapEngineError marks daemon connection failures as ExitDockerNotRunning
// and wraps everything else with msg.
func wrapEngineError(msg string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return model.WrapError(model.ExitDockerNotRunning, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
