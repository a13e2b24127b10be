package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/storage"
)

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("POST", "/v1/sandboxes", []byte(`{"profile_id":"code"}`))
	assert.Equal(t, base, Fingerprint("POST", "/v1/sandboxes", []byte(`{"profile_id":"code"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/sandboxes", []byte(`{"profile_id":"forever"}`)))
	assert.NotEqual(t, base, Fingerprint("PUT", "/v1/sandboxes", []byte(`{"profile_id":"code"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/cargos", []byte(`{"profile_id":"code"}`)))
}

func TestReplayerReplaysStoredResponse(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	r := NewReplayer(store, time.Hour)
	fp := Fingerprint("POST", "/v1/sandboxes", []byte(`{}`))

	calls := 0
	fn := func() (int, []byte, error) {
		calls++
		return http.StatusCreated, []byte(`{"id":"sb-1"}`), nil
	}

	status, body, replayed, err := r.Execute("owner-a", "k1", fp, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, http.StatusCreated, status)

	status2, body2, replayed2, err := r.Execute("owner-a", "k1", fp, fn)
	require.NoError(t, err)
	assert.True(t, replayed2)
	assert.Equal(t, status, status2)
	assert.Equal(t, body, body2)
	assert.Equal(t, 1, calls, "the operation must run exactly once")

	// Same key, different request shape.
	_, _, _, err = r.Execute("owner-a", "k1", Fingerprint("POST", "/v1/sandboxes", []byte(`{"x":1}`)), fn)
	assert.True(t, bayerr.IsConflict(err))

	// Same key, different owner: independent record.
	_, _, replayed3, err := r.Execute("owner-b", "k1", fp, fn)
	require.NoError(t, err)
	assert.False(t, replayed3)
}

func TestReplayerSkipsFailedExecutions(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	r := NewReplayer(store, time.Hour)
	fp := Fingerprint("POST", "/v1/sandboxes", nil)

	boom := true
	fn := func() (int, []byte, error) {
		if boom {
			return 0, nil, bayerr.E(bayerr.KindTransient, "fabric hiccup")
		}
		return http.StatusCreated, []byte(`ok`), nil
	}

	_, _, _, err = r.Execute("owner-a", "k1", fp, fn)
	require.Error(t, err)

	boom = false
	status, _, replayed, err := r.Execute("owner-a", "k1", fp, fn)
	require.NoError(t, err)
	assert.False(t, replayed, "a failed attempt must not poison the key")
	assert.Equal(t, http.StatusCreated, status)
}

// Retrying extend_ttl with the same key yields one net extension, not two.
func TestExtendTTLIdempotentReplay(t *testing.T) {
	h := newHarness(t, config.QuotaConfig{})
	ctx := context.Background()

	ttl := int64(600)
	sb, err := h.mgr.Create(ctx, CreateRequest{Owner: "owner-a", ProfileID: "code", TTLSeconds: &ttl})
	require.NoError(t, err)
	base := *sb.ExpiresAt

	r := NewReplayer(h.store, time.Hour)
	fp := Fingerprint("POST", "/v1/sandboxes/"+sb.ID+"/extend_ttl", []byte(`{"seconds":300}`))
	extend := func() (int, []byte, error) {
		extended, err := h.mgr.ExtendTTL(ctx, "owner-a", sb.ID, 300)
		if err != nil {
			return 0, nil, err
		}
		body, _ := json.Marshal(extended)
		return http.StatusOK, body, nil
	}

	for i := 0; i < 2; i++ {
		_, _, _, err := r.Execute("owner-a", "k1", fp, extend)
		require.NoError(t, err)
	}
	loaded, err := h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(300*time.Second), *loaded.ExpiresAt, "replay must not extend twice")

	// A different key extends again.
	_, _, _, err = r.Execute("owner-a", "k2", fp, extend)
	require.NoError(t, err)
	loaded, err = h.store.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(600*time.Second), *loaded.ExpiresAt)
}
