package storage

import (
	"time"

	"github.com/bayhq/bay/pkg/types"
)

// IdleCutoff returns the reap cutoff for a session, given per-profile idle
// timeouts. A zero duration disables idle reaping for that session.
type IdleCutoff func(sess *types.Session) time.Duration

// Store defines the interface for Bay's metadata persistence.
// It is the source of truth; the container fabric is reconciled against it.
type Store interface {
	// Sandboxes. Reads are tombstone-blind: callers filter via Tombstoned().
	CreateSandbox(sb *types.Sandbox, managed *types.Cargo) error
	GetSandbox(id string) (*types.Sandbox, error)
	UpdateSandboxCAS(sb *types.Sandbox) error
	ListSandboxes(owner string, includeDeleted bool) ([]*types.Sandbox, error)
	ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error)
	DeleteSandbox(id string) error

	// Sessions.
	CreateSession(sess *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(sess *types.Session) error
	DeleteSession(id string) error
	GetActiveSessionBySandbox(sandboxID string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListIdleSessions(now time.Time, cutoff IdleCutoff) ([]*types.Session, error)

	// Cargos.
	CreateCargo(cargo *types.Cargo) error
	GetCargo(id string) (*types.Cargo, error)
	UpdateCargo(cargo *types.Cargo) error
	DeleteCargo(id string) error
	ListCargos(owner string) ([]*types.Cargo, error)
	ListOrphanManagedCargos(now time.Time, retention time.Duration) ([]*types.Cargo, error)

	// Idempotency records.
	PutIdempotency(rec *types.IdempotencyRecord) error
	GetIdempotency(owner, key string) (*types.IdempotencyRecord, error)
	PurgeExpiredIdempotency(now time.Time) (int, error)

	// Utility
	Close() error
}
