package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

const casAttempts = 5

// CreateRequest carries the caller-supplied parameters for a new sandbox.
type CreateRequest struct {
	Owner     string
	ProfileID string
	// CargoID attaches an existing external cargo. Empty means a managed
	// cargo is created alongside the sandbox.
	CargoID string
	// TTLSeconds: nil means the profile default; zero means infinite.
	TTLSeconds  *int64
	SizeLimitMB int64
}

// Manager owns the durable sandbox handles: creation with the managed-cargo
// transaction, tombstoning with the session and cargo cascade, and the TTL
// and idle clocks.
type Manager struct {
	store    storage.Store
	cargos   *cargo.Manager
	sessions *session.Manager
	profiles *config.ProfileSet
	broker   *events.Broker
	quota    config.QuotaConfig
	logger   zerolog.Logger
}

// NewManager creates a sandbox manager.
func NewManager(store storage.Store, cargos *cargo.Manager, sessions *session.Manager, profiles *config.ProfileSet, broker *events.Broker, quota config.QuotaConfig) *Manager {
	return &Manager{
		store:    store,
		cargos:   cargos,
		sessions: sessions,
		profiles: profiles,
		broker:   broker,
		quota:    quota,
		logger:   log.WithComponent("sandbox"),
	}
}

// Create persists a new sandbox. The session is lazy: nothing starts in the
// fabric until the first capability call. A managed cargo is created in the
// same store transaction as the sandbox; an attached external cargo is only
// referenced.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Sandbox, error) {
	profile, ok := m.profiles.Get(req.ProfileID)
	if !ok {
		return nil, bayerr.E(bayerr.KindValidation, "unknown profile: %s", req.ProfileID)
	}

	if m.quota.MaxSandboxesPerOwner > 0 {
		existing, err := m.store.ListSandboxes(req.Owner, false)
		if err != nil {
			return nil, err
		}
		if len(existing) >= m.quota.MaxSandboxesPerOwner {
			return nil, bayerr.E(bayerr.KindForbidden, "sandbox quota exceeded: %d sandboxes allowed per owner", m.quota.MaxSandboxesPerOwner)
		}
	}

	now := time.Now().UTC()
	sb := &types.Sandbox{
		ID:           "sb-" + uuid.NewString(),
		Owner:        req.Owner,
		ProfileID:    req.ProfileID,
		DesiredState: types.DesiredRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ttl := resolveTTL(req.TTLSeconds, profile)
	sb.TTLSeconds = ttl
	if ttl != nil && *ttl > 0 {
		expires := now.Add(time.Duration(*ttl) * time.Second)
		sb.ExpiresAt = &expires
	}
	if profile.IdleTimeoutSeconds > 0 {
		idle := now.Add(profile.IdleTimeout())
		sb.IdleExpiresAt = &idle
	}

	if req.CargoID != "" {
		attached, err := m.store.GetCargo(req.CargoID)
		if err != nil {
			return nil, err
		}
		if attached.Owner != req.Owner {
			return nil, bayerr.E(bayerr.KindNotFound, "cargo not found: %s", req.CargoID)
		}
		if attached.Managed {
			return nil, bayerr.E(bayerr.KindValidation, "cargo %s is managed by sandbox %s and cannot be attached", attached.ID, attached.ManagedBySandboxID)
		}
		// A cargo volume mounts into at most one live sandbox at a time.
		live, err := m.store.ListSandboxes("", false)
		if err != nil {
			return nil, err
		}
		for _, holder := range live {
			if holder.CargoID == attached.ID {
				return nil, bayerr.E(bayerr.KindConflict, "cargo %s is already attached to sandbox %s", attached.ID, holder.ID).
					WithDetail("sandbox_id", holder.ID)
			}
		}
		sb.CargoID = attached.ID
		if err := m.store.CreateSandbox(sb, nil); err != nil {
			return nil, err
		}
	} else {
		managed, err := m.cargos.Provision(ctx, req.Owner, req.SizeLimitMB, true, sb.ID)
		if err != nil {
			return nil, err
		}
		sb.CargoID = managed.ID
		if err := m.store.CreateSandbox(sb, managed); err != nil {
			m.cargos.Discard(ctx, managed)
			return nil, err
		}
	}

	m.broker.Emit(events.EventSandboxCreated, "sandbox created", map[string]string{
		"sandbox_id": sb.ID,
		"profile_id": sb.ProfileID,
	})
	m.logger.Info().Str("sandbox_id", sb.ID).Str("owner", sb.Owner).
		Str("profile_id", sb.ProfileID).Msg("sandbox created")
	return sb, nil
}

// resolveTTL applies the precedence: explicit request value, then profile
// default, then infinite.
func resolveTTL(requested *int64, profile *types.Profile) *int64 {
	if requested != nil {
		return requested
	}
	if profile.DefaultTTLSeconds > 0 {
		ttl := int64(profile.DefaultTTLSeconds)
		return &ttl
	}
	return nil
}

// Get returns an owner's sandbox. Tombstoned sandboxes and sandboxes owned
// by someone else read as not found.
func (m *Manager) Get(owner, id string) (*types.Sandbox, error) {
	sb, err := m.store.GetSandbox(id)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() || sb.Owner != owner {
		return nil, bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", id)
	}
	return sb, nil
}

// ListOptions filter and page a sandbox listing.
type ListOptions struct {
	ProfileID string
	// Cursor is the last sandbox ID of the previous page; results resume
	// strictly after it in key order.
	Cursor string
	// Limit caps the page size. Zero means unbounded.
	Limit int
}

// List returns one page of the owner's live sandboxes plus the cursor for
// the next page, empty when the listing is exhausted.
func (m *Manager) List(owner string, opts ListOptions) ([]*types.Sandbox, string, error) {
	all, err := m.store.ListSandboxes(owner, false)
	if err != nil {
		return nil, "", err
	}
	page := make([]*types.Sandbox, 0, len(all))
	for _, sb := range all {
		if opts.ProfileID != "" && sb.ProfileID != opts.ProfileID {
			continue
		}
		if opts.Cursor != "" && sb.ID <= opts.Cursor {
			continue
		}
		page = append(page, sb)
	}
	next := ""
	if opts.Limit > 0 && len(page) > opts.Limit {
		page = page[:opts.Limit]
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// Stop tears down the sandbox's current session. The sandbox and its cargo
// remain.
func (m *Manager) Stop(ctx context.Context, owner, id string) error {
	if _, err := m.Get(owner, id); err != nil {
		return err
	}
	return m.sessions.Stop(ctx, id)
}

// Delete tombstones the sandbox, stops its session, and cascades to its
// managed cargo. External cargos are never cascaded. The tombstone is
// written first so concurrent capability calls observe it immediately.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	release := m.sessions.Locks().Acquire(id)
	defer release()

	sb, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	if sb.Tombstoned() || sb.Owner != owner {
		return bayerr.E(bayerr.KindNotFound, "sandbox not found: %s", id)
	}

	if err := m.updateSandbox(id, func(s *types.Sandbox) {
		now := time.Now().UTC()
		s.DeletedAt = &now
		s.DesiredState = types.DesiredDeleted
	}); err != nil {
		return err
	}

	if err := m.sessions.StopLocked(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("sandbox_id", id).Msg("failed to stop session during delete")
	}

	attached, err := m.store.GetCargo(sb.CargoID)
	if err == nil && attached.Managed && attached.ManagedBySandboxID == id {
		if err := m.cargos.DeleteManaged(ctx, attached); err != nil {
			// The orphan cargo reaper retries once the tombstone ages out.
			m.logger.Warn().Err(err).Str("sandbox_id", id).Str("cargo_id", attached.ID).
				Msg("failed to cascade managed cargo delete")
		}
	}

	m.broker.Emit(events.EventSandboxDeleted, "sandbox deleted", map[string]string{"sandbox_id": id})
	m.logger.Info().Str("sandbox_id", id).Msg("sandbox deleted")
	return nil
}

// ExtendTTL adds seconds to the sandbox's expiry. Expired sandboxes cannot
// be revived and infinite-TTL sandboxes have nothing to extend.
func (m *Manager) ExtendTTL(ctx context.Context, owner, id string, seconds int64) (*types.Sandbox, error) {
	if seconds <= 0 {
		return nil, bayerr.E(bayerr.KindValidation, "extension must be positive, got %d", seconds)
	}

	release := m.sessions.Locks().Acquire(id)
	defer release()

	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}
	if sb.Expired(time.Now()) {
		return nil, bayerr.E(bayerr.KindSandboxExpired, "sandbox %s has expired", id)
	}
	if sb.InfiniteTTL() {
		return nil, bayerr.E(bayerr.KindSandboxTTLInfinite, "sandbox %s has no TTL to extend", id)
	}

	if err := m.updateSandbox(id, func(s *types.Sandbox) {
		extended := s.ExpiresAt.Add(time.Duration(seconds) * time.Second)
		s.ExpiresAt = &extended
		if s.TTLSeconds != nil {
			ttl := *s.TTLSeconds + seconds
			s.TTLSeconds = &ttl
		}
	}); err != nil {
		return nil, err
	}
	return m.Get(owner, id)
}

// Keepalive refreshes the idle clocks. It never starts a session: with no
// live session there is nothing to keep from idling out, and the call still
// succeeds.
func (m *Manager) Keepalive(ctx context.Context, owner, id string) (*types.Sandbox, error) {
	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}
	if sb.Expired(time.Now()) {
		return nil, bayerr.E(bayerr.KindSandboxExpired, "sandbox %s has expired", id)
	}
	profile, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, bayerr.E(bayerr.KindValidation, "unknown profile: %s", sb.ProfileID)
	}

	if err := m.updateSandbox(id, func(s *types.Sandbox) {
		if profile.IdleTimeoutSeconds > 0 {
			idle := time.Now().UTC().Add(profile.IdleTimeout())
			s.IdleExpiresAt = &idle
		}
	}); err != nil {
		return nil, err
	}
	if sb.CurrentSessionID != "" {
		m.sessions.Touch(sb.CurrentSessionID)
	}
	return m.Get(owner, id)
}

// updateSandbox applies mutate under the store's version CAS, retrying on
// conflict with a fresh read.
func (m *Manager) updateSandbox(id string, mutate func(*types.Sandbox)) error {
	var lastErr error
	for i := 0; i < casAttempts; i++ {
		sb, err := m.store.GetSandbox(id)
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
