package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	networkTypes "github.com/docker/docker/api/types/network"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

// DockerDriver implements Driver against a Docker daemon. Cargo volumes are
// local-driver volumes bind-backed by host directories under
// <dataDir>/cargos, which makes direct volume access available without a
// running container.
type DockerDriver struct {
	client   *client.Client
	cargoDir string
}

// NewDockerDriver connects to the daemon and verifies it with a ping.
func NewDockerDriver(dockerHost, dataDir string) (*DockerDriver, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	cargoDir := filepath.Join(dataDir, "cargos")
	if err := os.MkdirAll(cargoDir, 0755); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to create cargo directory: %w", err)
	}

	return &DockerDriver{client: cli, cargoDir: cargoDir}, nil
}

// classify maps a daemon error to a driver kind. Unrecognized errors are
// transient so callers retry or compensate rather than wedge.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	kind := bayerr.KindTransient
	switch {
	case cerrdefs.IsNotFound(err):
		kind = bayerr.KindNotFound
	case cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err):
		kind = bayerr.KindConflict
	case cerrdefs.IsInvalidArgument(err):
		kind = bayerr.KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		kind = bayerr.KindTimeout
	}
	return bayerr.Wrap(err, kind, format, args...)
}

func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return classify(err, "docker ping failed")
	}
	return nil
}

func networkName(sessionID string) string {
	return "bay-net-" + sessionID
}

// CreateNetwork creates an isolated bridge network for a session.
func (d *DockerDriver) CreateNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	resp, err := d.client.NetworkCreate(ctx, networkName(sessionID), networkTypes.CreateOptions{
		Driver: "bridge",
		Labels: withManaged(labels),
	})
	if err != nil {
		return "", classify(err, "failed to create network for session %s", sessionID)
	}
	return resp.ID, nil
}

func (d *DockerDriver) DeleteNetwork(ctx context.Context, networkRef string) error {
	if err := d.client.NetworkRemove(ctx, networkRef); err != nil {
		return classify(err, "failed to delete network %s", networkRef)
	}
	return nil
}

// CreateVolume creates a named volume bind-backed by a host directory so
// that VolumePath works with no container attached.
func (d *DockerDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	hostDir := filepath.Join(d.cargoDir, name)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return "", bayerr.Wrap(err, bayerr.KindFatal, "failed to create cargo directory for %s", name)
	}

	vol, err := d.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name:   name,
		Driver: "local",
		DriverOpts: map[string]string{
			"type":   "none",
			"o":      "bind",
			"device": hostDir,
		},
		Labels: withManaged(labels),
	})
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return "", classify(err, "failed to create volume %s", name)
	}
	return vol.Name, nil
}

func (d *DockerDriver) DeleteVolume(ctx context.Context, driverRef string) error {
	if err := d.client.VolumeRemove(ctx, driverRef, true); err != nil && !cerrdefs.IsNotFound(err) {
		return classify(err, "failed to delete volume %s", driverRef)
	}
	hostDir := filepath.Join(d.cargoDir, driverRef)
	if err := os.RemoveAll(hostDir); err != nil {
		return bayerr.Wrap(err, bayerr.KindTransient, "failed to delete cargo directory for %s", driverRef)
	}
	return nil
}

func (d *DockerDriver) VolumeExists(ctx context.Context, driverRef string) (bool, error) {
	_, err := d.client.VolumeInspect(ctx, driverRef)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err, "failed to inspect volume %s", driverRef)
	}
	return true, nil
}

// VolumePath returns the bind-backing host directory of a cargo volume.
func (d *DockerDriver) VolumePath(driverRef string) (string, bool) {
	return filepath.Join(d.cargoDir, driverRef), true
}

// CreateContainer creates a container joined to the session network with
// the cargo mounted and, when a runtime port is set, a random loopback
// host port published for it.
func (d *DockerDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerConfig := &containerTypes.Config{
		Image:    spec.Image,
		Env:      spec.Env,
		Labels:   withManaged(spec.Labels),
		Hostname: spec.Hostname, // peers reach the container by its logical name
	}

	hostConfig := &containerTypes.HostConfig{}
	if spec.VolumeRef != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: spec.VolumeRef,
			Target: spec.MountPath,
		})
	}
	if spec.MemoryMB > 0 {
		hostConfig.Memory = spec.MemoryMB * 1024 * 1024
	}
	if spec.CPU > 0 {
		hostConfig.NanoCPUs = int64(spec.CPU * 1e9)
	}

	if spec.RuntimePort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // daemon assigns a free port
			}},
		}
	}

	var netConfig *networkTypes.NetworkingConfig
	if spec.NetworkRef != "" {
		netConfig = &networkTypes.NetworkingConfig{
			EndpointsConfig: map[string]*networkTypes.EndpointSettings{
				spec.NetworkRef: {Aliases: []string{spec.Hostname}},
			},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", classify(err, "failed to create container %s", spec.Name)
	}
	return resp.ID, nil
}

// StartContainer starts the container and resolves the published host
// endpoint for its runtime port.
func (d *DockerDriver) StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if err := d.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		return "", classify(err, "failed to start container %s", containerID)
	}
	if runtimePort == 0 {
		return "", nil
	}

	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", classify(err, "failed to inspect container %s", containerID)
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", runtimePort))
	if info.NetworkSettings != nil {
		for _, binding := range info.NetworkSettings.Ports[port] {
			if binding.HostPort != "" {
				host := binding.HostIP
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				return fmt.Sprintf("%s:%s", host, binding.HostPort), nil
			}
		}
	}
	return "", bayerr.E(bayerr.KindFatal, "container %s has no published binding for port %d", containerID, runtimePort)
}

func (d *DockerDriver) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := d.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return classify(err, "failed to stop container %s", containerID)
	}
	return nil
}

func (d *DockerDriver) DestroyContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true, // anonymous volumes only; named cargo volumes survive
	})
	if err != nil {
		return classify(err, "failed to remove container %s", containerID)
	}
	return nil
}

// Status maps daemon container state to an observed status. Exit codes 137
// and 143 come from docker stop (SIGKILL, SIGTERM) and count as clean exits.
func (d *DockerDriver) Status(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.ContainerStatusUnknown, classify(err, "failed to inspect container %s", containerID)
	}
	state := info.State
	if state == nil {
		return types.ContainerStatusUnknown, nil
	}
	switch {
	case state.Running:
		return types.ContainerStatusRunning, nil
	case state.Dead || state.OOMKilled:
		return types.ContainerStatusFailed, nil
	case state.ExitCode != 0:
		if state.ExitCode == 137 || state.ExitCode == 143 {
			return types.ContainerStatusExited, nil
		}
		return types.ContainerStatusFailed, nil
	case state.FinishedAt != "" && state.FinishedAt != "0001-01-01T00:00:00Z":
		return types.ContainerStatusExited, nil
	default:
		return types.ContainerStatusCreated, nil
	}
}

// ListResources returns every managed container, volume, and network.
func (d *DockerDriver) ListResources(ctx context.Context) ([]Resource, error) {
	managed := filters.NewArgs(filters.Arg("label", types.LabelManaged+"=true"))
	var resources []Resource

	containers, err := d.client.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: managed,
	})
	if err != nil {
		return nil, classify(err, "failed to list containers")
	}
	for _, c := range containers {
		resources = append(resources, Resource{Kind: ResourceContainer, Ref: c.ID, Labels: c.Labels})
	}

	volumes, err := d.client.VolumeList(ctx, volumeTypes.ListOptions{Filters: managed})
	if err != nil {
		return nil, classify(err, "failed to list volumes")
	}
	for _, v := range volumes.Volumes {
		resources = append(resources, Resource{Kind: ResourceVolume, Ref: v.Name, Labels: v.Labels})
	}

	networks, err := d.client.NetworkList(ctx, networkTypes.ListOptions{Filters: managed})
	if err != nil {
		return nil, classify(err, "failed to list networks")
	}
	for _, n := range networks {
		resources = append(resources, Resource{Kind: ResourceNetwork, Ref: n.ID, Labels: n.Labels})
	}

	return resources, nil
}

func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// withManaged copies labels and stamps the managed marker.
func withManaged(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[types.LabelManaged] = "true"
	return out
}
