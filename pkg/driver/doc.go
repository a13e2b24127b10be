// Package driver abstracts the container fabric beneath Bay.
//
// A Driver performs single operations against the fabric: networks and
// volumes for sessions and cargo, container create/start/stop/destroy,
// status inspection, and enumeration of labeled resources for the orphan
// reaper. Drivers carry no retry or lifecycle policy; that lives in the
// session and sandbox managers. Every error is kind-tagged so callers can
// distinguish transient daemon faults from definitive outcomes.
//
// Two implementations exist: DockerDriver for production, talking to a
// Docker daemon with cargo volumes bind-backed by host directories, and
// MemoryDriver, an in-process fabric for development and tests.
package driver
