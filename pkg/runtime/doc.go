// Package runtime contains the HTTP adapters for the in-container runtime
// sidecars. An adapter is pure transport: it serializes one capability
// call, applies the caller's timeout, and maps transport failures onto the
// error taxonomy. Adapters never retry and never touch the metadata store.
package runtime
