// Package api is the HTTP boundary: a gin engine serving the versioned /v1
// surface with bearer auth, kind-tagged errors rendered as a single
// {code, message, details} envelope, and Idempotency-Key replay on the
// keyed mutating routes.
package api
