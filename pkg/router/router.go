package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/runtime"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

// Call is one capability invocation against a sandbox.
type Call struct {
	Owner      string
	SandboxID  string
	Capability types.Capability
	Operation  string
	Payload    []byte
	// Timeout is the caller's per-call budget. Zero applies the configured
	// default; values above the ceiling are clamped.
	Timeout time.Duration
}

// Router dispatches capability calls: it arranges a live session under the
// sandbox lock, then invokes the runtime lock-free so one slow call never
// blocks lifecycle operations. It does not retry; retries belong to the
// caller.
type Router struct {
	store    storage.Store
	sessions *session.Manager
	profiles *config.ProfileSet
	timeouts config.TimeoutConfig
	logger   zerolog.Logger

	newAdapter session.AdapterFactory
}

// New creates a router.
func New(store storage.Store, sessions *session.Manager, profiles *config.ProfileSet, timeouts config.TimeoutConfig) *Router {
	return &Router{
		store:      store,
		sessions:   sessions,
		profiles:   profiles,
		timeouts:   timeouts,
		logger:     log.WithComponent("router"),
		newAdapter: runtime.New,
	}
}

// SetAdapterFactory overrides how runtime adapters are built. Test hook.
func (r *Router) SetAdapterFactory(f session.AdapterFactory) { r.newAdapter = f }

// Dispatch routes one capability call to the container serving it.
func (r *Router) Dispatch(ctx context.Context, call Call) ([]byte, error) {
	sb, err := r.store.GetSandbox(call.SandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() || sb.Owner != call.Owner || sb.DesiredState == types.DesiredDeleted {
		return nil, bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", call.SandboxID)
	}
	if sb.Expired(time.Now()) {
		return nil, bayerr.E(bayerr.KindSandboxExpired, "sandbox %s has expired", call.SandboxID)
	}

	// Reject bad paths before paying for a session start.
	if call.Capability == types.CapabilityFilesystem {
		if err := validatePayloadPath(call.Payload); err != nil {
			return nil, err
		}
	}

	profile, ok := r.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.E(bayerr.KindValidation, "unknown profile: %s", sb.ProfileID)
	}
	spec, ok := profile.ContainerFor(call.Capability)
	if !ok {
		return nil, bayerr.E(bayerr.KindCapabilityNotSupported, "profile %s does not serve capability %q", profile.ID, call.Capability)
	}

	sess, err := r.sessions.EnsureRunning(ctx, call.SandboxID)
	if err != nil {
		return nil, err
	}
	if sess.CapabilityUnavailable(call.Capability) {
		return nil, bayerr.E(bayerr.KindSessionNotReady, "capability %q is unavailable while the session is degraded", call.Capability).
			WithDetail("sandbox_id", call.SandboxID)
	}
	ctr, ok := sess.Container(spec.Name)
	if !ok || ctr.Endpoint == "" {
		return nil, bayerr.E(bayerr.KindSessionNotReady, "container %s has no endpoint yet", spec.Name).
			WithDetail("sandbox_id", call.SandboxID)
	}

	adapter, err := r.newAdapter(ctr.RuntimeType, ctr.Endpoint)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	body, err := adapter.Invoke(ctx, call.Capability, call.Operation, call.Payload, r.clamp(call.Timeout))
	timer.ObserveDurationVec(metrics.CapabilityCallDuration, string(call.Capability))
	if err != nil {
		metrics.CapabilityCallsTotal.WithLabelValues(string(call.Capability), "failure").Inc()
		return nil, err
	}
	metrics.CapabilityCallsTotal.WithLabelValues(string(call.Capability), "success").Inc()

	r.sessions.Touch(sess.ID)
	r.logger.Debug().Str("sandbox_id", call.SandboxID).
		Str("capability", string(call.Capability)).Str("operation", call.Operation).
		Msg("capability call dispatched")
	return body, nil
}

func (r *Router) clamp(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = r.timeouts.CapabilityDefault()
	}
	if ceiling := r.timeouts.CapabilityCeiling(); ceiling > 0 && requested > ceiling {
		requested = ceiling
	}
	return requested
}

// validatePayloadPath checks the "path" field of a filesystem payload with
// the same rules the cargo manager applies to direct access.
func validatePayloadPath(payload []byte) error {
	var body struct {
		Path string `json:"path"`
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return bayerr.E(bayerr.KindValidation, "malformed payload: %v", err)
	}
	if body.Path == "" {
		return nil
	}
	_, err := cargo.ValidatePath(body.Path)
	return err
}
