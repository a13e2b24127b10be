// Package gc reconciles the container fabric against the metadata store.
// Four reapers run on a shared interval: idle sessions, expired sandboxes,
// orphaned managed cargos, and labeled fabric resources with no live row.
// A one-shot reconcile runs at startup before the server accepts traffic.
package gc
