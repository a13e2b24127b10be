/*
Package types defines the core data structures used throughout Bay.

This package contains the domain model for the orchestration layer:
sandboxes, sessions, cargos, profiles, and idempotency records. These types
are used by every other package for state management, routing, and
garbage collection.

# Core Types

  - Sandbox: the caller-visible, durable handle to a runtime environment
  - Session: one generation of container group serving a sandbox
  - Cargo: a persistent volume, managed (cascade-deleted) or external
  - Profile: the enumerated container-group specification for a sandbox
  - IdempotencyRecord: stored response for safe request retries

# State Machine

Sessions follow a state machine:

	pending → starting → running → stopping → stopped
	                        ↓
	                    degraded (non-primary container exited)
	any state → failed (unrecoverable creation error)

At most one session per sandbox may be in an active state
(pending, starting, running, degraded) at any instant; the storage layer
enforces this at write time.

# Design Patterns

All enums use typed string constants. Optional fields use pointers
(nil TTL means the sandbox never expires). Types are JSON-serializable and
persisted as JSON rows by pkg/storage. Mutations must be synchronized by
callers; the per-sandbox lock table in pkg/session and the storage layer's
version CAS provide that synchronization.
*/
package types
