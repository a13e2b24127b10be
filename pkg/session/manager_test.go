package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/runtime"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// stubRuntime serves the runtime sidecar contract: /health, /meta, and
// capability endpoints. healthOK can be flipped to simulate a runtime that
// never becomes ready.
type stubRuntime struct {
	srv      *httptest.Server
	mu       sync.Mutex
	healthOK bool
	meta     runtime.Meta
}

func newStubRuntime(caps ...types.Capability) *stubRuntime {
	s := &stubRuntime{healthOK: true}
	s.meta = runtime.Meta{
		Runtime:      runtime.RuntimeInfo{Name: "stub", Version: "0.0.1", APIVersion: runtime.APIVersion},
		Workspace:    runtime.WorkspaceInfo{MountPath: types.WorkspaceMountPath},
		Capabilities: make(map[string]runtime.CapabilityInfo),
	}
	for _, cap := range caps {
		s.meta.Capabilities[string(cap)] = runtime.CapabilityInfo{Operations: []string{"exec"}}
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *stubRuntime) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		s.mu.Lock()
		ok := s.healthOK
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/meta":
		s.mu.Lock()
		meta := s.meta
		s.mu.Unlock()
		json.NewEncoder(w).Encode(meta)
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}
}

func (s *stubRuntime) endpoint() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *stubRuntime) setHealthy(ok bool) {
	s.mu.Lock()
	s.healthOK = ok
	s.mu.Unlock()
}

type harness struct {
	store  storage.Store
	drv    *driver.MemoryDriver
	mgr    *Manager
	stubs  map[string]*stubRuntime // container name -> runtime stub
	stubMu sync.Mutex
}

func newHarness(t *testing.T, readinessSeconds int) *harness {
	t.Helper()

	h := &harness{stubs: make(map[string]*stubRuntime)}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	factory := func(spec driver.ContainerSpec) (string, func(), error) {
		h.stubMu.Lock()
		defer h.stubMu.Unlock()
		stub, ok := h.stubs[spec.Hostname]
		if !ok {
			stub = newStubRuntime(types.Capabilities()...)
			h.stubs[spec.Hostname] = stub
		}
		return stub.endpoint(), func() {}, nil
	}

	drv, err := driver.NewMemoryDriver(t.TempDir(), factory)
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })
	h.drv = drv

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.Profiles = []config.ProfileConfig{
		{
			ID: "code", IdleTimeoutSeconds: 60, DefaultTTLSeconds: 3600,
			Containers: []config.ContainerConfig{
				{Name: "ship", Image: "bay/ship:latest", RuntimePort: 8000, RuntimeType: "code_runtime",
					Capabilities: []string{"python", "shell", "filesystem"}},
			},
		},
		{
			ID: "code-browser", IdleTimeoutSeconds: 60, DefaultTTLSeconds: 3600,
			Containers: []config.ContainerConfig{
				{Name: "ship", Image: "bay/ship:latest", RuntimePort: 8000, RuntimeType: "code_runtime",
					Capabilities: []string{"python", "shell", "filesystem"}},
				{Name: "gull", Image: "bay/gull:latest", RuntimePort: 8001, RuntimeType: "browser_runtime",
					Capabilities: []string{"browser"}},
			},
		},
	}
	profiles, err := cfg.ProfileSet()
	require.NoError(t, err)

	timeouts := config.TimeoutConfig{
		ReadinessSeconds:         readinessSeconds,
		CapabilityDefaultSeconds: 30,
		CapabilityCeilingSeconds: 300,
		DriverSeconds:            10,
	}
	h.mgr = NewManager(store, drv, profiles, broker, NewLocks(), timeouts)
	t.Cleanup(func() {
		h.stubMu.Lock()
		defer h.stubMu.Unlock()
		for _, s := range h.stubs {
			s.srv.Close()
		}
	})
	return h
}

// seedSandbox writes a sandbox plus its managed cargo directly to the
// store, with a real volume behind it.
func (h *harness) seedSandbox(t *testing.T, profileID string) *types.Sandbox {
	t.Helper()
	ctx := context.Background()

	cargoID := "cargo-" + t.Name()
	ref, err := h.drv.CreateVolume(ctx, "bay-"+cargoID, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	cargo := &types.Cargo{
		ID: cargoID, Owner: "owner-a", DriverRef: ref,
		Managed: true, ManagedBySandboxID: "sb-" + t.Name(),
		CreatedAt: now, LastAccessedAt: now,
	}
	sb := &types.Sandbox{
		ID: "sb-" + t.Name(), Owner: "owner-a",
		ProfileID: profileID, CargoID: cargoID,
		DesiredState: types.DesiredRunning,
		CreatedAt:    now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateSandbox(sb, cargo))
	return sb
}

func (h *harness) stub(name string) *stubRuntime {
	h.stubMu.Lock()
	defer h.stubMu.Unlock()
	return h.stubs[name]
}

func TestEnsureRunningStartsSession(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, sess.ObservedState)
	require.Len(t, sess.Containers, 1)
	assert.Equal(t, "ship", sess.Containers[0].Name)
	assert.NotEmpty(t, sess.Containers[0].Endpoint, "endpoint must be recorded once ready")
	assert.NotEmpty(t, sess.RuntimeNetworkID)

	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.CurrentSessionID)

	status, err := h.drv.Status(ctx, sess.Containers[0].ContainerID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, status)
}

func TestEnsureRunningReusesLiveSession(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	first, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	second, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.LastActiveAt.Before(first.LastActiveAt))
}

func TestEnsureRunningConcurrentCallersConverge(t *testing.T) {
	h := newHarness(t, 10)
	sb := h.seedSandbox(t, "code")

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.mgr.EnsureRunning(context.Background(), sb.ID)
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}

	sessions, err := h.store.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStartFailureCompensates(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	h.drv.FailStartContainer = func(string) error {
		return bayerr.E(bayerr.KindFatal, "image refuses to start")
	}

	_, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.Error(t, err)

	// No containers or networks survive; only the cargo volume remains.
	resources, err := h.drv.ListResources(ctx)
	require.NoError(t, err)
	for _, r := range resources {
		assert.Equal(t, driver.ResourceVolume, r.Kind, "leaked %s %s", r.Kind, r.Ref)
	}

	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CurrentSessionID)

	// The failed session row is retained for audit.
	sessions, err := h.store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionFailed, sessions[0].ObservedState)

	// A fresh attempt succeeds once the fabric recovers.
	h.drv.FailStartContainer = nil
	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, sess.ObservedState)
}

func TestReadinessBudgetExhausted(t *testing.T) {
	h := newHarness(t, 1)
	sb := h.seedSandbox(t, "code")

	stub := newStubRuntime(types.Capabilities()...)
	stub.setHealthy(false)
	defer stub.srv.Close()
	h.stubMu.Lock()
	h.stubs["ship"] = stub
	h.stubMu.Unlock()

	_, err := h.mgr.EnsureRunning(context.Background(), sb.ID)
	require.Error(t, err)
	assert.Equal(t, bayerr.KindSessionNotReady, bayerr.KindOf(err))

	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CurrentSessionID)
}

func TestMetaMismatchFailsStart(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")

	// The stub advertises only browser; the profile claims python.
	stub := newStubRuntime(types.CapabilityBrowser)
	defer stub.srv.Close()
	h.stubMu.Lock()
	h.stubs["ship"] = stub
	h.stubMu.Unlock()

	_, err := h.mgr.EnsureRunning(context.Background(), sb.ID)
	require.Error(t, err)
	assert.Equal(t, bayerr.KindRuntimeError, bayerr.KindOf(err))
}

func TestStopDestroysGroupAndNextStartIsFresh(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	first, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Stop(ctx, sb.ID))

	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CurrentSessionID)
	assert.Equal(t, types.DesiredStopped, loaded.DesiredState)

	_, err = h.store.GetSession(first.ID)
	assert.True(t, bayerr.IsNotFound(err), "stopped session row must be deleted")

	resources, err := h.drv.ListResources(ctx)
	require.NoError(t, err)
	for _, r := range resources {
		assert.Equal(t, driver.ResourceVolume, r.Kind)
	}

	second, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStopWithoutSessionIsIdempotent(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")

	require.NoError(t, h.mgr.Stop(context.Background(), sb.ID))
	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DesiredStopped, loaded.DesiredState)
}

func TestEnsureRunningRejectsExpiredSandbox(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")

	past := time.Now().Add(-time.Minute)
	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	loaded.ExpiresAt = &past
	require.NoError(t, h.store.UpdateSandboxCAS(loaded))

	_, err = h.mgr.EnsureRunning(context.Background(), sb.ID)
	assert.Equal(t, bayerr.KindSandboxExpired, bayerr.KindOf(err))
}

func TestEnsureRunningRejectsTombstonedSandbox(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")

	now := time.Now().UTC()
	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	loaded.DeletedAt = &now
	loaded.DesiredState = types.DesiredDeleted
	require.NoError(t, h.store.UpdateSandboxCAS(loaded))

	_, err = h.mgr.EnsureRunning(context.Background(), sb.ID)
	assert.True(t, bayerr.IsNotFound(err))
}

func TestEnsureRunningAdoptsUnreferencedSession(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	first, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)

	// A crash between the session write and the pointer write leaves a
	// live row the sandbox no longer references.
	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	loaded.CurrentSessionID = ""
	require.NoError(t, h.store.UpdateSandboxCAS(loaded))

	second, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "the live row must be adopted, not duplicated")

	reloaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, reloaded.CurrentSessionID)
}

func TestEnsureRunningClearsOrphanedPendingRow(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code")
	ctx := context.Background()

	now := time.Now().UTC()
	orphan := &types.Session{
		ID: "sess-" + t.Name(), SandboxID: sb.ID,
		ObservedState: types.SessionPending, DesiredState: types.SessionRunning,
		LastActiveAt: now, CreatedAt: now,
	}
	require.NoError(t, h.store.CreateSession(orphan))

	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err, "an orphaned pending row must not wedge the sandbox")
	assert.NotEqual(t, orphan.ID, sess.ID)
	assert.Equal(t, types.SessionRunning, sess.ObservedState)

	row, err := h.store.GetSession(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, row.ObservedState)
}

func TestObserveDegradesOnSidecarExit(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code-browser")
	ctx := context.Background()

	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)
	require.Len(t, sess.Containers, 2)

	gull, ok := sess.Container("gull")
	require.True(t, ok)
	h.drv.SetContainerStatus(gull.ContainerID, types.ContainerStatusExited)

	observed, err := h.mgr.Observe(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionDegraded, observed.ObservedState)
	assert.Equal(t, []types.Capability{types.CapabilityBrowser}, observed.UnavailableCaps)
	assert.True(t, observed.CapabilityUnavailable(types.CapabilityBrowser))
	assert.False(t, observed.CapabilityUnavailable(types.CapabilityPython))
}

func TestObserveFailsOnPrimaryExit(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code-browser")
	ctx := context.Background()

	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)

	ship, ok := sess.Container("ship")
	require.True(t, ok)
	h.drv.SetContainerStatus(ship.ContainerID, types.ContainerStatusFailed)

	observed, err := h.mgr.Observe(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, observed.ObservedState)
}

func TestObserveRecoversToRunning(t *testing.T) {
	h := newHarness(t, 5)
	sb := h.seedSandbox(t, "code-browser")
	ctx := context.Background()

	sess, err := h.mgr.EnsureRunning(ctx, sb.ID)
	require.NoError(t, err)

	gull, _ := sess.Container("gull")
	h.drv.SetContainerStatus(gull.ContainerID, types.ContainerStatusExited)
	observed, err := h.mgr.Observe(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, types.SessionDegraded, observed.ObservedState)

	h.drv.SetContainerStatus(gull.ContainerID, types.ContainerStatusRunning)
	observed, err = h.mgr.Observe(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, observed.ObservedState)
	assert.Empty(t, observed.UnavailableCaps)
}
