package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

func newMemDriver(t *testing.T, factory RuntimeFactory) *MemoryDriver {
	t.Helper()
	d, err := NewMemoryDriver(t.TempDir(), factory)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMemoryNetworkLifecycle(t *testing.T) {
	d := newMemDriver(t, nil)
	ctx := context.Background()

	ref, err := d.CreateNetwork(ctx, "sess-1", map[string]string{types.LabelSessionID: "sess-1"})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	require.NoError(t, d.DeleteNetwork(ctx, ref))
	err = d.DeleteNetwork(ctx, ref)
	assert.True(t, bayerr.IsNotFound(err))
}

func TestMemoryVolumeDirectAccess(t *testing.T) {
	d := newMemDriver(t, nil)
	ctx := context.Background()

	ref, err := d.CreateVolume(ctx, "bay-cargo-1", map[string]string{types.LabelCargoID: "cargo-1"})
	require.NoError(t, err)

	exists, err := d.VolumeExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	path, ok := d.VolumePath(ref)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(path, "hello.txt"), []byte("hi"), 0644))

	require.NoError(t, d.DeleteVolume(ctx, ref))
	exists, err = d.VolumeExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMemoryVolumeDuplicateName(t *testing.T) {
	d := newMemDriver(t, nil)
	ctx := context.Background()

	_, err := d.CreateVolume(ctx, "dup", nil)
	require.NoError(t, err)
	_, err = d.CreateVolume(ctx, "dup", nil)
	assert.True(t, bayerr.IsConflict(err))
}

func TestMemoryContainerLifecycle(t *testing.T) {
	d := newMemDriver(t, func(spec ContainerSpec) (string, func(), error) {
		return "127.0.0.1:9999", func() {}, nil
	})
	ctx := context.Background()

	ref, err := d.CreateContainer(ctx, ContainerSpec{Name: "ship", RuntimePort: 8000})
	require.NoError(t, err)

	status, err := d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusCreated, status)

	endpoint, err := d.StartContainer(ctx, ref, 8000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", endpoint)

	status, err = d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, status)

	require.NoError(t, d.StopContainer(ctx, ref, time.Second))
	status, err = d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusExited, status)

	require.NoError(t, d.DestroyContainer(ctx, ref))
	_, err = d.Status(ctx, ref)
	assert.True(t, bayerr.IsNotFound(err))
}

func TestMemoryFailureInjection(t *testing.T) {
	d := newMemDriver(t, nil)
	ctx := context.Background()

	d.FailCreateContainer = func(spec ContainerSpec) error {
		return bayerr.E(bayerr.KindTransient, "fabric unavailable")
	}
	_, err := d.CreateContainer(ctx, ContainerSpec{Name: "ship"})
	assert.True(t, bayerr.IsTransient(err))

	d.FailCreateContainer = nil
	ref, err := d.CreateContainer(ctx, ContainerSpec{Name: "ship"})
	require.NoError(t, err)

	d.FailStartContainer = func(string) error {
		return bayerr.E(bayerr.KindFatal, "image missing")
	}
	_, err = d.StartContainer(ctx, ref, 0)
	assert.Equal(t, bayerr.KindFatal, bayerr.KindOf(err))
}

func TestMemoryListResources(t *testing.T) {
	d := newMemDriver(t, nil)
	ctx := context.Background()

	_, err := d.CreateNetwork(ctx, "sess-1", nil)
	require.NoError(t, err)
	_, err = d.CreateVolume(ctx, "vol-1", nil)
	require.NoError(t, err)
	_, err = d.CreateContainer(ctx, ContainerSpec{Name: "ship", Labels: map[string]string{types.LabelSandboxID: "sb-1"}})
	require.NoError(t, err)

	resources, err := d.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 3)
	for _, r := range resources {
		assert.Equal(t, "true", r.Labels[types.LabelManaged])
	}
}
