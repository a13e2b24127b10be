// Package session manages container-group lifecycles: one session is one
// generation of containers serving a sandbox. The manager serializes all
// transitions for a sandbox behind a per-sandbox lock, starts groups
// all-or-nothing with compensation on failure, and withholds runtime
// endpoints from the store until readiness and meta verification pass.
package session
