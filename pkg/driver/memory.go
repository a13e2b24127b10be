package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

// RuntimeFactory supplies a runtime endpoint for a started container. The
// memory fabric has no real containers; tests back this with httptest
// servers and development runs with whatever the factory provides.
type RuntimeFactory func(spec ContainerSpec) (endpoint string, shutdown func(), err error)

type memNetwork struct {
	ref    string
	labels map[string]string
}

type memVolume struct {
	ref    string
	labels map[string]string
}

type memContainer struct {
	ref      string
	spec     ContainerSpec
	status   types.ContainerStatus
	endpoint string
	shutdown func()
}

// MemoryDriver is an in-process fabric for development and tests. Volumes
// are real directories under the base dir so direct access and the cargo
// path operations behave like the docker driver's bind-backed volumes.
type MemoryDriver struct {
	mu         sync.Mutex
	baseDir    string
	factory    RuntimeFactory
	networks   map[string]memNetwork
	volumes    map[string]memVolume
	containers map[string]*memContainer

	// Failure injection points for tests. Nil means succeed.
	FailCreateContainer func(spec ContainerSpec) error
	FailStartContainer  func(containerRef string) error
}

// NewMemoryDriver creates a memory fabric rooted at baseDir. A nil factory
// yields containers with no runtime endpoint.
func NewMemoryDriver(baseDir string, factory RuntimeFactory) (*MemoryDriver, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "cargos"), 0755); err != nil {
		return nil, err
	}
	return &MemoryDriver{
		baseDir:    baseDir,
		factory:    factory,
		networks:   make(map[string]memNetwork),
		volumes:    make(map[string]memVolume),
		containers: make(map[string]*memContainer),
	}, nil
}

func (d *MemoryDriver) Ping(ctx context.Context) error { return nil }

func (d *MemoryDriver) CreateNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := "memnet-" + uuid.NewString()
	d.networks[ref] = memNetwork{ref: ref, labels: withManaged(labels)}
	return ref, nil
}

func (d *MemoryDriver) DeleteNetwork(ctx context.Context, networkRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.networks[networkRef]; !ok {
		return bayerr.E(bayerr.KindNotFound, "network not found: %s", networkRef)
	}
	delete(d.networks, networkRef)
	return nil
}

func (d *MemoryDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.volumes[name]; ok {
		return "", bayerr.E(bayerr.KindConflict, "volume already exists: %s", name)
	}
	if err := os.MkdirAll(filepath.Join(d.baseDir, "cargos", name), 0755); err != nil {
		return "", bayerr.Wrap(err, bayerr.KindFatal, "failed to create volume directory for %s", name)
	}
	d.volumes[name] = memVolume{ref: name, labels: withManaged(labels)}
	return name, nil
}

func (d *MemoryDriver) DeleteVolume(ctx context.Context, driverRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, driverRef)
	return os.RemoveAll(filepath.Join(d.baseDir, "cargos", driverRef))
}

func (d *MemoryDriver) VolumeExists(ctx context.Context, driverRef string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.volumes[driverRef]
	return ok, nil
}

func (d *MemoryDriver) VolumePath(driverRef string) (string, bool) {
	return filepath.Join(d.baseDir, "cargos", driverRef), true
}

func (d *MemoryDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if d.FailCreateContainer != nil {
		if err := d.FailCreateContainer(spec); err != nil {
			return "", err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := "memctr-" + uuid.NewString()
	d.containers[ref] = &memContainer{
		ref:    ref,
		spec:   spec,
		status: types.ContainerStatusCreated,
	}
	return ref, nil
}

func (d *MemoryDriver) StartContainer(ctx context.Context, containerRef string, runtimePort int) (string, error) {
	if d.FailStartContainer != nil {
		if err := d.FailStartContainer(containerRef); err != nil {
			return "", err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerRef]
	if !ok {
		return "", bayerr.E(bayerr.KindNotFound, "container not found: %s", containerRef)
	}
	if runtimePort > 0 && d.factory != nil {
		endpoint, shutdown, err := d.factory(c.spec)
		if err != nil {
			return "", bayerr.Wrap(err, bayerr.KindTransient, "runtime factory failed for %s", c.spec.Name)
		}
		c.endpoint = endpoint
		c.shutdown = shutdown
	}
	c.status = types.ContainerStatusRunning
	return c.endpoint, nil
}

func (d *MemoryDriver) StopContainer(ctx context.Context, containerRef string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerRef]
	if !ok {
		return bayerr.E(bayerr.KindNotFound, "container not found: %s", containerRef)
	}
	if c.shutdown != nil {
		c.shutdown()
		c.shutdown = nil
	}
	c.status = types.ContainerStatusExited
	return nil
}

func (d *MemoryDriver) DestroyContainer(ctx context.Context, containerRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerRef]
	if !ok {
		return bayerr.E(bayerr.KindNotFound, "container not found: %s", containerRef)
	}
	if c.shutdown != nil {
		c.shutdown()
	}
	delete(d.containers, containerRef)
	return nil
}

func (d *MemoryDriver) Status(ctx context.Context, containerRef string) (types.ContainerStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerRef]
	if !ok {
		return types.ContainerStatusUnknown, bayerr.E(bayerr.KindNotFound, "container not found: %s", containerRef)
	}
	return c.status, nil
}

// SetContainerStatus overrides a container's observed status. Tests use it
// to simulate crashes without a real fabric.
func (d *MemoryDriver) SetContainerStatus(containerRef string, status types.ContainerStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerRef]; ok {
		c.status = status
	}
}

func (d *MemoryDriver) ListResources(ctx context.Context) ([]Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var resources []Resource
	for _, c := range d.containers {
		resources = append(resources, Resource{Kind: ResourceContainer, Ref: c.ref, Labels: withManaged(c.spec.Labels)})
	}
	for _, v := range d.volumes {
		resources = append(resources, Resource{Kind: ResourceVolume, Ref: v.ref, Labels: v.labels})
	}
	for _, n := range d.networks {
		resources = append(resources, Resource{Kind: ResourceNetwork, Ref: n.ref, Labels: n.labels})
	}
	return resources, nil
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.shutdown != nil {
			c.shutdown()
			c.shutdown = nil
		}
	}
	return nil
}
