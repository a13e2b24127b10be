package driver

import (
	"context"
	"time"

	"github.com/bayhq/bay/pkg/types"
)

// ContainerSpec describes one container for the fabric. Names are unique
// within a session; the driver owns nothing beyond what the spec says.
type ContainerSpec struct {
	Name        string // fabric name, globally unique
	Hostname    string // logical name peers resolve on the session network
	Image       string
	Env         []string // KEY=VALUE pairs
	Labels      map[string]string
	NetworkRef  string // session network the container joins
	VolumeRef   string // cargo volume, mounted at MountPath when non-empty
	MountPath   string
	CPU         float64
	MemoryMB    int64
	RuntimePort int // runtime HTTP port inside the container; 0 = none
}

// ResourceKind identifies a fabric resource class.
type ResourceKind string

const (
	ResourceContainer ResourceKind = "container"
	ResourceVolume    ResourceKind = "volume"
	ResourceNetwork   ResourceKind = "network"
)

// Resource is one labeled fabric object, as seen by the orphan reaper.
type Resource struct {
	Kind   ResourceKind
	Ref    string
	Labels map[string]string
}

// Driver is the container fabric contract. Implementations perform single
// operations with no retries and no policy; every error carries a kind so
// callers can decide whether to compensate, retry, or give up.
type Driver interface {
	// Ping verifies the fabric is reachable.
	Ping(ctx context.Context) error

	// CreateNetwork creates an isolated network for a session and returns
	// its fabric reference.
	CreateNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error)
	// DeleteNetwork removes a session network.
	DeleteNetwork(ctx context.Context, networkRef string) error

	// CreateVolume creates a persistent volume and returns its fabric
	// reference.
	CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error)
	// DeleteVolume removes a volume and its data.
	DeleteVolume(ctx context.Context, driverRef string) error
	// VolumeExists reports whether the volume is present in the fabric.
	VolumeExists(ctx context.Context, driverRef string) (bool, error)
	// VolumePath returns a host filesystem path for direct volume access,
	// and whether the driver supports it.
	VolumePath(driverRef string) (string, bool)

	// CreateContainer creates (but does not start) a container and returns
	// its fabric reference.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// StartContainer starts a created container. When runtimePort is
	// non-zero it returns the host endpoint ("host:port") where the
	// container's runtime is reachable.
	StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error)
	// StopContainer stops a container gracefully within timeout.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	// DestroyContainer force-removes a container.
	DestroyContainer(ctx context.Context, containerID string) error
	// Status reports the observed status of a container.
	Status(ctx context.Context, containerID string) (types.ContainerStatus, error)

	// ListResources returns every fabric object carrying the managed label.
	ListResources(ctx context.Context) ([]Resource, error)

	Close() error
}
