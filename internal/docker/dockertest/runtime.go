// Package dockertest provides an in-memory docker.Runtime for tests that
// exercise provisioning without a Docker daemon.
package dockertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shinji-kodama/tenantbox/internal/docker"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Container is the fake runtime's record of one container.
type Container struct {
	ID      string
	Spec    docker.ContainerSpec
	Running bool
	Logs    string
}

// Runtime is a goroutine-safe in-memory docker.Runtime. Failures can be
// injected per operation through the Fail* fields.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	pulls      []string

	// FailPull, FailCreate, FailStart and FailRemove make the matching
	// call return the error when non-nil.
	FailPull   error
	FailCreate error
	FailStart  error
	FailRemove error

	// DefaultLogs is assigned to every created container. New sets it to
	// StartupLogs.
	DefaultLogs string
}

// StartupLogs is the tail of a postgres container that finished initdb.
const StartupLogs = `running bootstrap script ... ok
syncing data to disk ... ok

PostgreSQL init process complete; ready for start up.

LOG:  database system is ready to accept connections
`

var _ docker.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{containers: make(map[string]*Container), DefaultLogs: StartupLogs}
}

func (r *Runtime) PullImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailPull != nil {
		return r.FailPull
	}
	r.pulls = append(r.pulls, ref)
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreate != nil {
		return "", r.FailCreate
	}
	for _, c := range r.containers {
		if c.Spec.Name == spec.Name {
			return "", fmt.Errorf("conflict: container name %q is already in use", spec.Name)
		}
	}
	r.seq++
	id := fmt.Sprintf("fake%04d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec, Logs: r.DefaultLogs}
	return id, nil
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailStart != nil {
		return r.FailStart
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Running = true
	return nil
}

func (r *Runtime) InspectContainer(_ context.Context, id string) (*model.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	info := toInfo(c)
	return &info, nil
}

func (r *Runtime) ContainerLogs(_ context.Context, id string, tail int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", fmt.Errorf("no such container: %s", id)
	}
	if tail <= 0 {
		return c.Logs, nil
	}
	lines := strings.SplitAfter(c.Logs, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, ""), nil
}

func (r *Runtime) RemoveContainer(_ context.Context, id string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailRemove != nil {
		return r.FailRemove
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) ListManagedContainers(_ context.Context) ([]model.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		if c.Spec.Labels[docker.LabelManagedBy] != docker.ManagedByValue {
			continue
		}
		out = append(out, toInfo(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

// Container returns the record for id, or nil.
func (r *Runtime) Container(id string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Len returns the number of containers that exist.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Pulls returns the image references pulled so far.
func (r *Runtime) Pulls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulls...)
}

// SetLogs replaces the log output of a container.
func (r *Runtime) SetLogs(id, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Logs = logs
	}
}

// Add registers a pre-existing container, as found on a daemon after a
// restart.
func (r *Runtime) Add(spec docker.ContainerSpec, running bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("fake%04d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec, Running: running}
	return id
}

func toInfo(c *Container) model.ContainerInfo {
	status := "created"
	if c.Running {
		status = "running"
	}
	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: c.Spec.Name,
		Status:        status,
		Running:       c.Running,
		Labels:        c.Spec.Labels,
	}
}
