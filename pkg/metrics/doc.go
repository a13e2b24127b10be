// Package metrics exposes Bay's Prometheus metrics and component health.
//
// Metrics cover the sandbox/session/cargo inventory, session start
// outcomes, capability call latency, API traffic, GC cycles, and
// idempotent replays. The Collector refreshes inventory gauges from the
// store on a fixed interval; counters and histograms are updated inline
// by the managers. The health checker tracks per-component liveness and
// backs the /health and /ready endpoints.
package metrics
