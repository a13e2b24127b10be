// Package cargo manages persistent data volumes.
//
// A cargo is either managed, lifecycle-bound to exactly one sandbox and
// cascade-deleted with it, or external, created independently and never
// cascaded. The manager enforces both rules: managed cargos refuse public
// deletion, and external cargos refuse deletion while any live sandbox
// references them.
//
// Path operations (read, write, list, delete, upload, download) run
// directly against the volume's host directory rather than through a
// runtime session. Every caller-supplied path is validated first: it must
// be relative to the workspace root and must not contain ".." components.
package cargo
