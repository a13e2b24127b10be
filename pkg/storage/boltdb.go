package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/types"
)

var (
	// Bucket names
	bucketSandboxes   = []byte("sandboxes")
	bucketSessions    = []byte("sessions")
	bucketCargos      = []byte("cargos")
	bucketIdempotency = []byte("idempotency")
)

// BoltStore implements Store using BoltDB. Rows are JSON; every lifecycle
// mutation runs inside a single write transaction so a transient failure
// leaves no observable partial state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSandboxes,
			bucketSessions,
			bucketCargos,
			bucketIdempotency,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// --- Sandbox operations ---

// CreateSandbox persists a sandbox and, when non-nil, its managed cargo in
// one transaction.
func (s *BoltStore) CreateSandbox(sb *types.Sandbox, managed *types.Cargo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.ID)) != nil {
			return bayerr.E(bayerr.KindConflict, "sandbox already exists: %s", sb.ID)
		}
		if sb.Version == 0 {
			sb.Version = 1
		}
		if err := put(b, sb.ID, sb); err != nil {
			return err
		}
		if managed != nil {
			if err := put(tx.Bucket(bucketCargos), managed.ID, managed); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSandbox returns the sandbox row, tombstoned or not.
func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(id))
		if data == nil {
			return bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", id)
		}
		return json.Unmarshal(data, &sb)
	})
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// UpdateSandboxCAS writes the sandbox iff the stored version matches the
// caller's read. The version is bumped inside the transaction; a mismatch
// returns Conflict and the caller reloads and retries.
func (s *BoltStore) UpdateSandboxCAS(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(sb.ID))
		if data == nil {
			return bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", sb.ID)
		}
		var stored types.Sandbox
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != sb.Version {
			return bayerr.E(bayerr.KindConflict,
				"sandbox %s version mismatch: have %d, stored %d", sb.ID, sb.Version, stored.Version)
		}
		sb.Version++
		sb.UpdatedAt = time.Now().UTC()
		return put(b, sb.ID, sb)
	})
}

// ListSandboxes returns sandboxes, optionally filtered by owner.
// Tombstoned rows are excluded unless includeDeleted is set.
func (s *BoltStore) ListSandboxes(owner string, includeDeleted bool) ([]*types.Sandbox, error) {
	var sandboxes []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if owner != "" && sb.Owner != owner {
				return nil
			}
			if sb.Tombstoned() && !includeDeleted {
				return nil
			}
			sandboxes = append(sandboxes, &sb)
			return nil
		})
	})
	return sandboxes, err
}

// ListExpiredSandboxes returns non-tombstoned sandboxes whose TTL has
// elapsed at now.
func (s *BoltStore) ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error) {
	var expired []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if sb.Tombstoned() {
				return nil
			}
			if sb.Expired(now) {
				expired = append(expired, &sb)
			}
			return nil
		})
	})
	return expired, err
}

// DeleteSandbox hard-deletes the row. Used by GC after the tombstone
// retention window; public deletion only tombstones.
func (s *BoltStore) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).Delete([]byte(id))
	})
}

// --- Session operations ---

// CreateSession persists a new session row. Fails Invariant if another
// session for the same sandbox is still active: at most one session per
// sandbox may be in {pending, starting, running, degraded}.
func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var conflict string
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Session
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.SandboxID == sess.SandboxID && existing.ObservedState.Active() && existing.ID != sess.ID {
				conflict = existing.ID
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict != "" {
			return bayerr.E(bayerr.KindInvariant,
				"sandbox %s already has active session %s", sess.SandboxID, conflict)
		}
		return put(b, sess.ID, sess)
	})
}

// GetSession retrieves a session by ID
func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return bayerr.E(bayerr.KindNotFound, "session not found: %s", id)
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession upserts the session row.
func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSessions), sess.ID, sess)
	})
}

// DeleteSession removes the session row.
func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// GetActiveSessionBySandbox returns the sandbox's session in an active
// state, or NotFound.
func (s *BoltStore) GetActiveSessionBySandbox(sandboxID string) (*types.Session, error) {
	var found *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.SandboxID == sandboxID && sess.ObservedState.Active() {
				found = &sess
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, bayerr.E(bayerr.KindNotFound, "no active session for sandbox: %s", sandboxID)
	}
	return found, nil
}

// ListSessions returns all session rows.
func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}

// ListIdleSessions returns active sessions whose last activity is older
// than the per-session cutoff at now.
func (s *BoltStore) ListIdleSessions(now time.Time, cutoff IdleCutoff) ([]*types.Session, error) {
	var idle []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if !sess.ObservedState.Active() {
				return nil
			}
			window := cutoff(&sess)
			if window <= 0 {
				return nil
			}
			if sess.LastActiveAt.Add(window).Before(now) {
				idle = append(idle, &sess)
			}
			return nil
		})
	})
	return idle, err
}

// --- Cargo operations ---

// CreateCargo persists a cargo row.
func (s *BoltStore) CreateCargo(cargo *types.Cargo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCargos)
		if b.Get([]byte(cargo.ID)) != nil {
			return bayerr.E(bayerr.KindConflict, "cargo already exists: %s", cargo.ID)
		}
		return put(b, cargo.ID, cargo)
	})
}

// GetCargo retrieves a cargo by ID
func (s *BoltStore) GetCargo(id string) (*types.Cargo, error) {
	var cargo types.Cargo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCargos).Get([]byte(id))
		if data == nil {
			return bayerr.E(bayerr.KindNotFound, "cargo not found: %s", id)
		}
		return json.Unmarshal(data, &cargo)
	})
	if err != nil {
		return nil, err
	}
	return &cargo, nil
}

// UpdateCargo upserts the cargo row.
func (s *BoltStore) UpdateCargo(cargo *types.Cargo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketCargos), cargo.ID, cargo)
	})
}

// DeleteCargo removes the cargo row.
func (s *BoltStore) DeleteCargo(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCargos).Delete([]byte(id))
	})
}

// ListCargos returns cargos, optionally filtered by owner.
func (s *BoltStore) ListCargos(owner string) ([]*types.Cargo, error) {
	var cargos []*types.Cargo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCargos).ForEach(func(k, v []byte) error {
			var cargo types.Cargo
			if err := json.Unmarshal(v, &cargo); err != nil {
				return err
			}
			if owner != "" && cargo.Owner != owner {
				return nil
			}
			cargos = append(cargos, &cargo)
			return nil
		})
	})
	return cargos, err
}

// ListOrphanManagedCargos returns managed cargos whose owning sandbox is
// tombstoned for longer than the retention window or gone entirely.
func (s *BoltStore) ListOrphanManagedCargos(now time.Time, retention time.Duration) ([]*types.Cargo, error) {
	var orphans []*types.Cargo
	err := s.db.View(func(tx *bolt.Tx) error {
		sandboxes := tx.Bucket(bucketSandboxes)
		return tx.Bucket(bucketCargos).ForEach(func(k, v []byte) error {
			var cargo types.Cargo
			if err := json.Unmarshal(v, &cargo); err != nil {
				return err
			}
			if !cargo.Managed {
				return nil
			}
			data := sandboxes.Get([]byte(cargo.ManagedBySandboxID))
			if data == nil {
				orphans = append(orphans, &cargo)
				return nil
			}
			var sb types.Sandbox
			if err := json.Unmarshal(data, &sb); err != nil {
				return err
			}
			if sb.Tombstoned() && sb.DeletedAt.Add(retention).Before(now) {
				orphans = append(orphans, &cargo)
			}
			return nil
		})
	})
	return orphans, err
}

// --- Idempotency operations ---

func idempotencyKey(owner, key string) []byte {
	return []byte(owner + "/" + key)
}

// PutIdempotency stores a keyed response for replay.
func (s *BoltStore) PutIdempotency(rec *types.IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(idempotencyKey(rec.Owner, rec.Key), data)
	})
}

// GetIdempotency retrieves a record by (owner, key). Expired records are
// reported as NotFound.
func (s *BoltStore) GetIdempotency(owner, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdempotency).Get(idempotencyKey(owner, key))
		if data == nil {
			return bayerr.E(bayerr.KindNotFound, "idempotency record not found: %s", key)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.ExpiresAt.Before(time.Now()) {
		return nil, bayerr.E(bayerr.KindNotFound, "idempotency record expired: %s", key)
	}
	return &rec, nil
}

// PurgeExpiredIdempotency deletes records past their retention window and
// returns how many were removed.
func (s *BoltStore) PurgeExpiredIdempotency(now time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ExpiresAt.Before(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}
