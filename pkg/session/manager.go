package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/runtime"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

const (
	pollInterval = 500 * time.Millisecond
	casAttempts  = 5
)

// AdapterFactory builds the runtime adapter for an endpoint. Swappable in
// tests.
type AdapterFactory func(types.RuntimeType, string) (runtime.Adapter, error)

// Manager owns the container-group lifecycle for sandboxes. Every
// transition for one sandbox runs under its entry in the lock table;
// cross-process safety comes from the store's version CAS.
type Manager struct {
	store    storage.Store
	driver   driver.Driver
	profiles *config.ProfileSet
	broker   *events.Broker
	locks    *Locks
	logger   zerolog.Logger

	readinessBudget time.Duration
	stopTimeout     time.Duration

	newAdapter AdapterFactory
}

// NewManager creates a session manager.
func NewManager(store storage.Store, drv driver.Driver, profiles *config.ProfileSet, broker *events.Broker, locks *Locks, timeouts config.TimeoutConfig) *Manager {
	return &Manager{
		store:           store,
		driver:          drv,
		profiles:        profiles,
		broker:          broker,
		locks:           locks,
		logger:          log.WithComponent("session"),
		readinessBudget: timeouts.Readiness(),
		stopTimeout:     10 * time.Second,
		newAdapter:      runtime.New,
	}
}

// SetAdapterFactory overrides how runtime adapters are built. Test hook.
func (m *Manager) SetAdapterFactory(f AdapterFactory) { m.newAdapter = f }

// Locks exposes the shared per-sandbox lock table.
func (m *Manager) Locks() *Locks { return m.locks }

// EnsureRunning returns the sandbox's live session, starting one if
// needed. The per-sandbox lock is held only until the session row is
// committed; capability calls afterwards run lock-free.
func (m *Manager) EnsureRunning(ctx context.Context, sandboxID string) (*types.Session, error) {
	release := m.locks.Acquire(sandboxID)
	defer release()
	return m.EnsureRunningLocked(ctx, sandboxID)
}

// EnsureRunningLocked is EnsureRunning for callers already holding the
// sandbox's lock.
func (m *Manager) EnsureRunningLocked(ctx context.Context, sandboxID string) (*types.Session, error) {
	sb, err := m.store.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() {
		return nil, bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", sandboxID)
	}
	if sb.Expired(time.Now()) {
		return nil, bayerr.E(bayerr.KindSandboxExpired, "sandbox %s has expired", sandboxID)
	}

	if sb.CurrentSessionID != "" {
		sess, err := m.store.GetSession(sb.CurrentSessionID)
		switch {
		case err == nil && (sess.ObservedState == types.SessionRunning || sess.ObservedState == types.SessionDegraded):
			// Re-observe before trusting the stored state: a container can
			// die between calls without anything updating the row.
			sess, err = m.Observe(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			if sess.ObservedState == types.SessionRunning || sess.ObservedState == types.SessionDegraded {
				sess.LastActiveAt = time.Now().UTC()
				if err := m.store.UpdateSession(sess); err != nil {
					return nil, err
				}
				return sess, nil
			}
			// The primary died. Tear the group down and start fresh below.
			m.logger.Warn().Str("sandbox_id", sandboxID).Str("session_id", sess.ID).
				Msg("replacing dead session")
			m.teardown(sess)
		case err == nil:
			// A stale pending/starting session from an interrupted start.
			// Tear it down before building a fresh group.
			m.logger.Warn().Str("sandbox_id", sandboxID).Str("session_id", sess.ID).
				Str("state", string(sess.ObservedState)).Msg("clearing stale session")
			m.teardown(sess)
			sess.ObservedState = types.SessionFailed
			if err := m.store.UpdateSession(sess); err != nil {
				return nil, err
			}
		case !bayerr.IsNotFound(err):
			return nil, err
		}
		if err := m.updateSandbox(sandboxID, func(s *types.Sandbox) {
			s.CurrentSessionID = ""
		}); err != nil {
			return nil, err
		}
	}

	// A crash or CAS failure between the session write and the pointer
	// write can leave an active row the sandbox no longer references.
	// Adopt it and let the branch above observe or replace it; without
	// this the row blocks every future CreateSession.
	if orphan, err := m.store.GetActiveSessionBySandbox(sandboxID); err == nil {
		m.logger.Warn().Str("sandbox_id", sandboxID).Str("session_id", orphan.ID).
			Msg("adopting unreferenced active session")
		if err := m.updateSandbox(sandboxID, func(s *types.Sandbox) {
			s.CurrentSessionID = orphan.ID
		}); err != nil {
			return nil, err
		}
		return m.EnsureRunningLocked(ctx, sandboxID)
	} else if !bayerr.IsNotFound(err) {
		return nil, err
	}

	return m.startSession(ctx, sandboxID)
}

// startSession runs the reservation → attempt → commit | compensate
// sequence for one new session generation.
func (m *Manager) startSession(ctx context.Context, sandboxID string) (*types.Session, error) {
	timer := metrics.NewTimer()

	sb, err := m.store.GetSandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	profile, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.E(bayerr.KindValidation, "unknown profile: %s", sb.ProfileID)
	}
	cargo, err := m.store.GetCargo(sb.CargoID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &types.Session{
		ID:            "sess-" + uuid.NewString(),
		SandboxID:     sb.ID,
		ObservedState: types.SessionPending,
		DesiredState:  types.SessionRunning,
		LastActiveAt:  now,
		CreatedAt:     now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	if err := m.updateSandbox(sb.ID, func(s *types.Sandbox) {
		s.CurrentSessionID = sess.ID
		s.DesiredState = types.DesiredRunning
	}); err != nil {
		// The reservation never became visible on the sandbox. Fail the
		// row so it cannot block the next start attempt.
		sess.ObservedState = types.SessionFailed
		if uerr := m.store.UpdateSession(sess); uerr != nil {
			m.logger.Warn().Err(uerr).Str("session_id", sess.ID).Msg("failed to compensate session row")
		}
		return nil, err
	}

	if err := m.startGroup(ctx, sb, profile, cargo, sess); err != nil {
		m.teardown(sess)
		sess.ObservedState = types.SessionFailed
		if uerr := m.store.UpdateSession(sess); uerr != nil {
			m.logger.Warn().Err(uerr).Str("session_id", sess.ID).Msg("failed to persist failed session")
		}
		if uerr := m.updateSandbox(sb.ID, func(s *types.Sandbox) {
			s.CurrentSessionID = ""
		}); uerr != nil {
			m.logger.Warn().Err(uerr).Str("sandbox_id", sb.ID).Msg("failed to clear session pointer")
		}
		metrics.SessionStartsTotal.WithLabelValues("failure").Inc()
		m.broker.Emit(events.EventSessionFailed, "session start failed", map[string]string{
			"sandbox_id": sb.ID,
			"session_id": sess.ID,
		})
		return nil, err
	}

	metrics.SessionStartsTotal.WithLabelValues("success").Inc()
	timer.ObserveDuration(metrics.SessionStartDuration)
	m.broker.Emit(events.EventSessionStarted, "session started", map[string]string{
		"sandbox_id": sb.ID,
		"session_id": sess.ID,
	})
	m.logger.Info().Str("sandbox_id", sb.ID).Str("session_id", sess.ID).Msg("session started")
	return sess, nil
}

// startGroup builds the container group: network, then every container in
// profile order, then readiness and meta verification. Endpoints are held
// back until readiness succeeds so no caller can observe an unready
// runtime. All-or-nothing: the caller compensates on any error.
func (m *Manager) startGroup(ctx context.Context, sb *types.Sandbox, profile *types.Profile, cargo *types.Cargo, sess *types.Session) error {
	labels := map[string]string{
		types.LabelOwner:     sb.Owner,
		types.LabelSandboxID: sb.ID,
		types.LabelSessionID: sess.ID,
		types.LabelCargoID:   cargo.ID,
		types.LabelProfileID: profile.ID,
	}

	netRef, err := m.driver.CreateNetwork(ctx, sess.ID, labels)
	if err != nil {
		return err
	}
	sess.RuntimeNetworkID = netRef
	sess.ObservedState = types.SessionStarting
	if err := m.store.UpdateSession(sess); err != nil {
		return err
	}

	endpoints := make(map[string]string)
	for _, cs := range profile.Containers {
		spec := driver.ContainerSpec{
			Name:        fmt.Sprintf("bay-%s-%s", sess.ID, cs.Name),
			Hostname:    cs.Name,
			Image:       cs.Image,
			Env:         cs.Env,
			Labels:      labels,
			NetworkRef:  netRef,
			VolumeRef:   cargo.DriverRef,
			MountPath:   types.WorkspaceMountPath,
			CPU:         cs.Resources.CPU,
			MemoryMB:    cs.Resources.MemoryMB,
			RuntimePort: cs.RuntimePort,
		}
		ctrID, err := m.driver.CreateContainer(ctx, spec)
		if err != nil {
			return err
		}
		sess.Containers = append(sess.Containers, types.SessionContainer{
			Name:           cs.Name,
			ContainerID:    ctrID,
			RuntimeType:    cs.RuntimeType,
			Capabilities:   cs.Capabilities,
			ObservedStatus: types.ContainerStatusCreated,
		})
		if err := m.store.UpdateSession(sess); err != nil {
			return err
		}

		endpoint, err := m.driver.StartContainer(ctx, ctrID, cs.RuntimePort)
		if err != nil {
			return err
		}
		endpoints[cs.Name] = endpoint
		sess.Containers[len(sess.Containers)-1].ObservedStatus = types.ContainerStatusRunning
		if err := m.store.UpdateSession(sess); err != nil {
			return err
		}
	}

	if err := m.awaitReady(ctx, sb, profile, endpoints); err != nil {
		return err
	}

	for i := range sess.Containers {
		sess.Containers[i].Endpoint = endpoints[sess.Containers[i].Name]
	}
	now := time.Now().UTC()
	sess.ObservedState = types.SessionRunning
	sess.LastObservedAt = now
	sess.LastActiveAt = now
	return m.store.UpdateSession(sess)
}

// awaitReady polls each runtime's health endpoint within one shared budget,
// then verifies its meta against the profile's claims.
func (m *Manager) awaitReady(ctx context.Context, sb *types.Sandbox, profile *types.Profile, endpoints map[string]string) error {
	deadline := time.Now().Add(m.readinessBudget)

	for _, cs := range profile.Containers {
		if cs.RuntimePort == 0 {
			continue
		}
		adapter, err := m.newAdapter(cs.RuntimeType, endpoints[cs.Name])
		if err != nil {
			return err
		}

		for {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := adapter.Health(probeCtx)
			cancel()
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				return bayerr.E(bayerr.KindSessionNotReady, "runtime %s not ready within %s", cs.Name, m.readinessBudget).
					WithDetail("sandbox_id", sb.ID)
			}
			select {
			case <-ctx.Done():
				return bayerr.Wrap(ctx.Err(), bayerr.KindTimeout, "session start cancelled")
			case <-time.After(pollInterval):
			}
		}

		meta, err := adapter.Meta(ctx)
		if err != nil {
			return err
		}
		if err := verifyMeta(meta, &cs); err != nil {
			return err
		}
	}
	return nil
}

// verifyMeta rejects a runtime whose self-description is incompatible with
// what the profile promises callers. Capabilities the runtime advertises
// beyond the profile are ignored; the profile is authoritative for routing.
func verifyMeta(meta *runtime.Meta, cs *types.ContainerSpec) error {
	if meta.Workspace.MountPath != types.WorkspaceMountPath {
		return bayerr.E(bayerr.KindRuntimeError, "runtime %s mounts workspace at %q, want %q",
			cs.Name, meta.Workspace.MountPath, types.WorkspaceMountPath)
	}
	if meta.Runtime.APIVersion != runtime.APIVersion {
		return bayerr.E(bayerr.KindRuntimeError, "runtime %s speaks api %q, want %q",
			cs.Name, meta.Runtime.APIVersion, runtime.APIVersion)
	}
	for _, cap := range cs.Capabilities {
		if !meta.HasCapability(cap) {
			return bayerr.E(bayerr.KindRuntimeError, "runtime %s does not serve capability %q claimed by the profile",
				cs.Name, cap)
		}
	}
	return nil
}

// Stop destroys the sandbox's current session. The sandbox and its cargo
// survive.
func (m *Manager) Stop(ctx context.Context, sandboxID string) error {
	release := m.locks.Acquire(sandboxID)
	defer release()
	return m.StopLocked(ctx, sandboxID)
}

// StopLocked is Stop for callers already holding the sandbox's lock.
func (m *Manager) StopLocked(ctx context.Context, sandboxID string) error {
	sb, err := m.store.GetSandbox(sandboxID)
	if err != nil {
		return err
	}
	if sb.CurrentSessionID == "" {
		return m.updateSandbox(sandboxID, func(s *types.Sandbox) {
			s.DesiredState = types.DesiredStopped
		})
	}

	sess, err := m.store.GetSession(sb.CurrentSessionID)
	if err != nil && !bayerr.IsNotFound(err) {
		return err
	}
	if sess != nil {
		sess.ObservedState = types.SessionStopping
		sess.DesiredState = types.SessionStopped
		if err := m.store.UpdateSession(sess); err != nil {
			return err
		}
		m.teardown(sess)
		if err := m.store.DeleteSession(sess.ID); err != nil {
			return err
		}
		m.broker.Emit(events.EventSessionStopped, "session stopped", map[string]string{
			"sandbox_id": sandboxID,
			"session_id": sess.ID,
		})
		m.logger.Info().Str("sandbox_id", sandboxID).Str("session_id", sess.ID).Msg("session stopped")
	}

	return m.updateSandbox(sandboxID, func(s *types.Sandbox) {
		s.CurrentSessionID = ""
		s.DesiredState = types.DesiredStopped
	})
}

// teardown destroys exactly the infrastructure a session's row records.
// Runs on a fresh context so a cancelled request still cleans up; errors
// are logged and left to the orphan reaper.
func (m *Manager) teardown(sess *types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout+30*time.Second)
	defer cancel()

	for _, ctr := range sess.Containers {
		if ctr.ContainerID == "" {
			continue
		}
		if err := m.driver.StopContainer(ctx, ctr.ContainerID, m.stopTimeout); err != nil && !bayerr.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("container_id", ctr.ContainerID).Msg("failed to stop container")
		}
		if err := m.driver.DestroyContainer(ctx, ctr.ContainerID); err != nil && !bayerr.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("container_id", ctr.ContainerID).Msg("failed to destroy container")
		}
	}
	if sess.RuntimeNetworkID != "" {
		if err := m.driver.DeleteNetwork(ctx, sess.RuntimeNetworkID); err != nil && !bayerr.IsNotFound(err) {
			m.logger.Warn().Err(err).Str("network_id", sess.RuntimeNetworkID).Msg("failed to delete network")
		}
	}
}

// Observe re-reads container statuses from the driver and recomputes the
// session's observed state. A dead non-primary container degrades the
// session and records the capabilities lost; a dead primary fails it.
func (m *Manager) Observe(ctx context.Context, sessionID string) (*types.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	sb, err := m.store.GetSandbox(sess.SandboxID)
	if err != nil {
		return nil, err
	}
	profile, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.E(bayerr.KindValidation, "unknown profile: %s", sb.ProfileID)
	}

	for i := range sess.Containers {
		status, err := m.driver.Status(ctx, sess.Containers[i].ContainerID)
		if err != nil {
			if bayerr.IsNotFound(err) {
				status = types.ContainerStatusExited
			} else {
				return nil, err
			}
		}
		sess.Containers[i].ObservedStatus = status
	}

	primary := profile.Primary()
	allRunning := true
	primaryRunning := false
	for _, ctr := range sess.Containers {
		running := ctr.ObservedStatus == types.ContainerStatusRunning
		if !running {
			allRunning = false
		}
		if primary != nil && ctr.Name == primary.Name {
			primaryRunning = running
		}
	}

	switch {
	case !primaryRunning:
		sess.ObservedState = types.SessionFailed
	case allRunning:
		sess.ObservedState = types.SessionRunning
		sess.UnavailableCaps = nil
	default:
		sess.ObservedState = types.SessionDegraded
		sess.UnavailableCaps = unavailableCapabilities(profile, sess)
	}

	sess.LastObservedAt = time.Now().UTC()
	if err := m.store.UpdateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// unavailableCapabilities returns the profile capabilities no running
// container still serves.
func unavailableCapabilities(profile *types.Profile, sess *types.Session) []types.Capability {
	var lost []types.Capability
	for _, cap := range types.Capabilities() {
		referenced := false
		for _, cs := range profile.Containers {
			if cs.HasCapability(cap) {
				referenced = true
				break
			}
		}
		if !referenced {
			continue
		}
		served := false
		for _, ctr := range sess.Containers {
			if ctr.ObservedStatus != types.ContainerStatusRunning {
				continue
			}
			for _, have := range ctr.Capabilities {
				if have == cap {
					served = true
					break
				}
			}
		}
		if !served {
			lost = append(lost, cap)
		}
	}
	return lost
}

// Touch refreshes a session's activity clock after a successful capability
// call. Plain store write, no lock.
func (m *Manager) Touch(sessionID string) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return
	}
	sess.LastActiveAt = time.Now().UTC()
	if err := m.store.UpdateSession(sess); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to refresh session activity")
	}
}

// updateSandbox applies mutate under the store's version CAS, retrying on
// conflict with a fresh read.
func (m *Manager) updateSandbox(sandboxID string, mutate func(*types.Sandbox)) error {
	var lastErr error
	for i := 0; i < casAttempts; i++ {
		sb, err := m.store.GetSandbox(sandboxID)
		if err != nil {
			return err
		}
		mutate(sb)
		if err := m.store.UpdateSandboxCAS(sb); err != nil {
			if bayerr.IsConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}
