package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/gc"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/router"
	"github.com/bayhq/bay/pkg/runtime"
	"github.com/bayhq/bay/pkg/sandbox"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

const testAPIKey = "test-key"

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	meta := runtime.Meta{
		Runtime:      runtime.RuntimeInfo{Name: "stub", Version: "0.0.1", APIVersion: runtime.APIVersion},
		Workspace:    runtime.WorkspaceInfo{MountPath: types.WorkspaceMountPath},
		Capabilities: make(map[string]runtime.CapabilityInfo),
	}
	for _, cap := range types.Capabilities() {
		meta.Capabilities[string(cap)] = runtime.CapabilityInfo{Operations: []string{"exec"}}
	}
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/meta" {
			json.NewEncoder(w).Encode(meta)
			return
		}
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte(`{"result":"42"}`))
	}))
	t.Cleanup(stub.Close)
	endpoint := strings.TrimPrefix(stub.URL, "http://")

	drv, err := driver.NewMemoryDriver(t.TempDir(), func(driver.ContainerSpec) (string, func(), error) {
		return endpoint, func() {}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.Profiles = []config.ProfileConfig{{
		ID: "code", IdleTimeoutSeconds: 60, DefaultTTLSeconds: 3600,
		Containers: []config.ContainerConfig{
			{Name: "ship", Image: "bay/ship:latest", RuntimePort: 8000, RuntimeType: "code_runtime",
				Capabilities: []string{"python", "shell", "filesystem"}},
		},
	}}
	profiles, err := cfg.ProfileSet()
	require.NoError(t, err)

	timeouts := config.TimeoutConfig{ReadinessSeconds: 5, CapabilityDefaultSeconds: 30, CapabilityCeilingSeconds: 300, DriverSeconds: 10}
	gcCfg := config.GCConfig{IntervalSeconds: 300, OrphanGraceSeconds: 60, TombstoneRetentionSeconds: 300, IdempotencyRetentionHours: 24}

	cargos := cargo.NewManager(store, drv, broker)
	sessions := session.NewManager(store, drv, profiles, broker, session.NewLocks(), timeouts)
	sandboxes := sandbox.NewManager(store, cargos, sessions, profiles, broker, config.QuotaConfig{})
	rt := router.New(store, sessions, profiles, timeouts)
	scheduler := gc.NewScheduler(store, drv, sandboxes, sessions, cargos, profiles, broker, gcCfg)

	return NewServer(Deps{
		Store:     store,
		Sandboxes: sandboxes,
		Cargos:    cargos,
		Sessions:  sessions,
		Router:    rt,
		GC:        scheduler,
		Profiles:  profiles,
		Replayer:  sandbox.NewReplayer(store, gcCfg.IdempotencyRetention()),
		APIKey:    testAPIKey,
	})
}

func do(t *testing.T, s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sandboxes", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sandboxes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Probes stay open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSandboxLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code"}`), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created sandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Empty(t, created.CurrentSessionID, "session must be lazy")

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+created.ID+"/python/exec", []byte(`{"code":"6*7"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"result":"42"}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var running sandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &running))
	assert.NotEmpty(t, running.CurrentSessionID, "first capability call starts the session")

	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+created.ID+"/stop", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/sandboxes/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSandboxIdempotencyReplay(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"profile_id":"code"}`)
	headers := map[string]string{"Idempotency-Key": "k1"}

	first := do(t, s, http.MethodPost, "/v1/sandboxes", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := do(t, s, http.MethodPost, "/v1/sandboxes", body, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String(), "replay must be byte-identical")
	assert.Equal(t, "true", second.Header().Get("X-Bay-Idempotent-Replay"))

	w := do(t, s, http.MethodGet, "/v1/sandboxes", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Sandboxes []sandboxResponse `json:"sandboxes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed.Sandboxes, 1, "the retry must not create a second sandbox")

	// Same key, different body.
	conflict := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code","ttl_seconds":60}`), headers)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestExtendTTLIdempotencyOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code","ttl_seconds":600}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sb sandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	base := *sb.ExpiresAt

	body := []byte(`{"seconds":300}`)
	headers := map[string]string{"Idempotency-Key": "ext-1"}
	for i := 0; i < 2; i++ {
		w = do(t, s, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/extend_ttl", body, headers)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+sb.ID, nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	assert.WithinDuration(t, base.Add(300*time.Second), *sb.ExpiresAt, time.Second, "one net extension, not two")

	// A fresh key extends again.
	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/extend_ttl", body, map[string]string{"Idempotency-Key": "ext-2"})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+sb.ID, nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	assert.WithinDuration(t, base.Add(600*time.Second), *sb.ExpiresAt, time.Second)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code"}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sb sandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", "data/report.txt"))
	fw, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello workspace"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/"+sb.ID+"/filesystem/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/filesystem/download?path=data/report.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello workspace", w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/filesystem/download?path=../../etc/passwd", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, "invalid_path", eb.Code)
}

func TestListSandboxesPagination(t *testing.T) {
	s := newTestServer(t)

	created := make(map[string]bool)
	for i := 0; i < 3; i++ {
		w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code"}`), nil)
		require.Equal(t, http.StatusCreated, w.Code)
		var sb sandboxResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
		created[sb.ID] = true
	}

	var page struct {
		Sandboxes  []sandboxResponse `json:"sandboxes"`
		NextCursor string            `json:"next_cursor"`
	}
	w := do(t, s, http.MethodGet, "/v1/sandboxes?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Sandboxes, 2)
	require.NotEmpty(t, page.NextCursor)

	seen := make(map[string]bool)
	for _, sb := range page.Sandboxes {
		seen[sb.ID] = true
	}

	w = do(t, s, http.MethodGet, "/v1/sandboxes?limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.NextCursor = ""
	page.Sandboxes = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Sandboxes, 1)
	assert.Empty(t, page.NextCursor, "the last page carries no cursor")
	for _, sb := range page.Sandboxes {
		seen[sb.ID] = true
	}
	assert.Equal(t, created, seen)

	w = do(t, s, http.MethodGet, "/v1/sandboxes?limit=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCapabilityTimeoutQueryValidation(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"code"}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var sb sandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	// Unit suffixes are not seconds; they must be rejected, not misread.
	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec?timeout_seconds=10m", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, "validation", eb.Code)

	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec?timeout_seconds=-1", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/python/exec?timeout_seconds=10", []byte(`{}`), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCargoEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/cargos", []byte(`{"size_limit_mb":256}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var cg cargoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cg))
	assert.False(t, cg.Managed)

	w = do(t, s, http.MethodGet, "/v1/cargos/"+cg.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Another owner cannot see it.
	w = do(t, s, http.MethodGet, "/v1/cargos/"+cg.ID, nil, map[string]string{"X-Bay-Owner": "other"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodDelete, "/v1/cargos/"+cg.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestProfilesEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/profiles", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Profiles []profileResponse `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Profiles, 1)
	assert.Equal(t, "code", body.Profiles[0].ID)
	require.Len(t, body.Profiles[0].Containers, 1)
	assert.Contains(t, body.Profiles[0].Containers[0].Capabilities, "python")
}

func TestAdminGCEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/admin/gc/run", []byte(`{"task":"idle_sessions"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/admin/gc/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []gc.TaskStatus `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Tasks)
	assert.Equal(t, "session_health", body.Tasks[0].Name)
	assert.Equal(t, "idle_sessions", body.Tasks[1].Name)
	assert.Equal(t, "ok", body.Tasks[1].Outcome)

	w = do(t, s, http.MethodPost, "/v1/admin/gc/run", []byte(`{"task":"defrag"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sandboxes", []byte(`{"profile_id":"nope"}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, "validation", eb.Code)

	w = do(t, s, http.MethodPost, "/v1/sandboxes/sb-missing/python/exec", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
