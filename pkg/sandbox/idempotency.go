package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

// Fingerprint hashes the identifying shape of a keyed request. Two requests
// with the same key must carry the same fingerprint to be treated as
// retries of each other.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Replayer makes keyed mutating requests safe to retry: the first execution
// is recorded per (owner, key) and replayed byte-identical for repeats
// within the retention window. A repeat whose fingerprint differs is a
// client bug and fails with Conflict.
type Replayer struct {
	store     storage.Store
	retention time.Duration
}

// NewReplayer creates a replayer with the given record retention.
func NewReplayer(store storage.Store, retention time.Duration) *Replayer {
	return &Replayer{store: store, retention: retention}
}

// Execute runs fn at most once per (owner, key). The returned bool reports
// whether the response was replayed from a stored record. An empty key
// disables idempotency and runs fn unconditionally.
func (r *Replayer) Execute(owner, key, fingerprint string, fn func() (int, []byte, error)) (int, []byte, bool, error) {
	if key == "" {
		status, body, err := fn()
		return status, body, false, err
	}

	rec, err := r.store.GetIdempotency(owner, key)
	switch {
	case err == nil:
		if rec.RequestFingerprint != fingerprint {
			return 0, nil, false, bayerr.E(bayerr.KindConflict, "idempotency key %q was used with a different request", key)
		}
		metrics.IdempotentReplaysTotal.Inc()
		return rec.ResponseStatus, rec.ResponseBody, true, nil
	case !bayerr.IsNotFound(err):
		return 0, nil, false, err
	}

	status, body, err := fn()
	if err != nil {
		// Failed executions are not recorded; the retry re-attempts.
		return status, body, false, err
	}

	now := time.Now().UTC()
	if perr := r.store.PutIdempotency(&types.IdempotencyRecord{
		Key:                key,
		Owner:              owner,
		RequestFingerprint: fingerprint,
		ResponseStatus:     status,
		ResponseBody:       body,
		CreatedAt:          now,
		ExpiresAt:          now.Add(r.retention),
	}); perr != nil {
		return 0, nil, false, perr
	}
	return status, body, false, nil
}
