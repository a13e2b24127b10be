// Package storage provides persistent storage for Bay state.
//
// The Store interface abstracts persistence for sandboxes, sessions,
// cargos, and idempotency records. The default implementation is backed
// by BoltDB, a pure-Go embedded key/value database, with one bucket per
// entity and JSON-encoded rows.
//
// Sandbox writes go through compare-and-swap on a per-row version so
// that concurrent mutations from multiple request handlers (or multiple
// processes sharing the database file) lose deterministically with a
// Conflict error instead of clobbering each other. Multi-row mutations
// such as creating a sandbox together with its managed cargo run in a
// single write transaction.
package storage
