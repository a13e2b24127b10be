package gc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/cargo"
	"github.com/bayhq/bay/pkg/config"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/metrics"
	"github.com/bayhq/bay/pkg/sandbox"
	"github.com/bayhq/bay/pkg/session"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

// Task names accepted by RunTask and reported by Status.
const (
	TaskSessionHealth    = "session_health"
	TaskIdleSessions     = "idle_sessions"
	TaskExpiredSandboxes = "expired_sandboxes"
	TaskOrphanCargos     = "orphan_cargos"
	TaskOrphanResources  = "orphan_resources"
	TaskIdempotency      = "idempotency"
)

var taskOrder = []string{
	TaskSessionHealth,
	TaskIdleSessions,
	TaskExpiredSandboxes,
	TaskOrphanCargos,
	TaskOrphanResources,
	TaskIdempotency,
}

// TaskStatus is one task's last-run snapshot.
type TaskStatus struct {
	Name    string    `json:"name"`
	LastRun time.Time `json:"last_run"`
	Outcome string    `json:"outcome"` // "ok" or "error"
	Error   string    `json:"error,omitempty"`
	Reaped  int       `json:"reaped"`
}

// Scheduler runs the background reapers: session health, idle sessions, expired sandboxes,
// orphaned managed cargos, and unaccounted fabric resources, plus expired
// idempotency records. Each task is idempotent; a candidate that fails is
// retried next cycle.
type Scheduler struct {
	store     storage.Store
	driver    driver.Driver
	sandboxes *sandbox.Manager
	sessions  *session.Manager
	cargos    *cargo.Manager
	profiles  *config.ProfileSet
	broker    *events.Broker
	cfg       config.GCConfig
	logger    zerolog.Logger

	// runMu serializes task execution so an admin trigger never interleaves
	// with the periodic cycle.
	runMu  sync.Mutex
	mu     sync.Mutex
	status map[string]TaskStatus
	// firstSeen records when an orphan candidate was first observed; a
	// resource is only destroyed after surviving the grace window, so an
	// in-flight session start is never raced.
	firstSeen map[string]time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewScheduler creates a GC scheduler.
func NewScheduler(store storage.Store, drv driver.Driver, sandboxes *sandbox.Manager, sessions *session.Manager, cargos *cargo.Manager, profiles *config.ProfileSet, broker *events.Broker, cfg config.GCConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		driver:    drv,
		sandboxes: sandboxes,
		sessions:  sessions,
		cargos:    cargos,
		profiles:  profiles,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("gc"),
		status:    make(map[string]TaskStatus),
		firstSeen: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic reconcile loop.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunAll(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.done
}

// ReconcileOnce runs every task a single time. Called at startup before
// serving traffic so a crashed predecessor's leftovers are cleared.
func (s *Scheduler) ReconcileOnce(ctx context.Context) {
	s.RunAll(ctx)
}

// RunAll executes every task in order.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, name := range taskOrder {
		if err := s.RunTask(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("task", name).Msg("gc task failed")
		}
	}
}

// RunTask executes one task immediately. Admin endpoints and tests use it.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	var fn func(context.Context) (int, error)
	switch name {
	case TaskSessionHealth:
		fn = s.observeSessions
	case TaskIdleSessions:
		fn = s.reapIdleSessions
	case TaskExpiredSandboxes:
		fn = s.reapExpiredSandboxes
	case TaskOrphanCargos:
		fn = s.reapOrphanCargos
	case TaskOrphanResources:
		fn = s.reapOrphanResources
	case TaskIdempotency:
		fn = s.purgeIdempotency
	default:
		return bayerr.E(bayerr.KindValidation, "unknown gc task: %q", name)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	timer := metrics.NewTimer()
	reaped, err := fn(ctx)
	timer.ObserveDurationVec(metrics.GCCycleDuration, name)

	st := TaskStatus{Name: name, LastRun: time.Now().UTC(), Outcome: "ok", Reaped: reaped}
	if err != nil {
		st.Outcome = "error"
		st.Error = err.Error()
		metrics.GCRunsTotal.WithLabelValues(name, "error").Inc()
	} else {
		metrics.GCRunsTotal.WithLabelValues(name, "ok").Inc()
	}
	if reaped > 0 {
		metrics.GCReapedTotal.WithLabelValues(name).Add(float64(reaped))
	}
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
	return err
}

// Status returns the last-run snapshot of every task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(taskOrder))
	for _, name := range taskOrder {
		if st, ok := s.status[name]; ok {
			out = append(out, st)
		} else {
			out = append(out, TaskStatus{Name: name})
		}
	}
	return out
}

// observeSessions refreshes the observed state of every active session
// against the fabric, so a container that died between capability calls
// is degraded or failed without waiting for the next request. Reaped
// counts sessions whose state changed.
func (s *Scheduler) observeSessions(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, sess := range sessions {
		// Pending and starting sessions are still under their sandbox
		// lock; only settled groups are re-observed.
		if sess.ObservedState != types.SessionRunning && sess.ObservedState != types.SessionDegraded {
			continue
		}
		before := sess.ObservedState
		observed, err := s.sessions.Observe(ctx, sess.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to observe session")
			continue
		}
		if observed.ObservedState != before {
			changed++
			s.broker.Emit(events.EventGCReaped, "session state refreshed", map[string]string{
				"task":       TaskSessionHealth,
				"session_id": sess.ID,
				"from":       string(before),
				"to":         string(observed.ObservedState),
			})
		}
	}
	return changed, nil
}

// reapIdleSessions stops sessions idle beyond their profile's window. The
// sandbox survives; the next capability call starts a fresh session.
func (s *Scheduler) reapIdleSessions(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := func(sess *types.Session) time.Duration {
		sb, err := s.store.GetSandbox(sess.SandboxID)
		if err != nil || sb.Tombstoned() {
			return 0
		}
		profile, ok := s.profiles.Get(sb.ProfileID)
		if !ok {
			return 0
		}
		return profile.IdleTimeout()
	}

	candidates, err := s.store.ListIdleSessions(now, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, cand := range candidates {
		release := s.sessions.Locks().Acquire(cand.SandboxID)

		// Recheck under the lock: the session may have been touched,
		// stopped, or replaced since listing.
		sess, err := s.store.GetSession(cand.ID)
		if err != nil || !sess.ObservedState.Active() {
			release()
			continue
		}
		sb, err := s.store.GetSandbox(cand.SandboxID)
		if err != nil || sb.Tombstoned() || sb.CurrentSessionID != cand.ID {
			release()
			continue
		}
		if window := cutoff(sess); window <= 0 || sess.LastActiveAt.Add(window).After(now) {
			release()
			continue
		}
		if sb.IdleExpiresAt != nil && sb.IdleExpiresAt.After(now) {
			// A keepalive moved the sandbox's idle clock forward.
			release()
			continue
		}

		err = s.sessions.StopLocked(ctx, cand.SandboxID)
		release()
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", cand.ID).Msg("failed to reap idle session")
			continue
		}
		reaped++
		s.broker.Emit(events.EventGCReaped, "idle session stopped", map[string]string{
			"task": TaskIdleSessions, "session_id": cand.ID, "sandbox_id": cand.SandboxID,
		})
	}
	return reaped, nil
}

// reapExpiredSandboxes deletes sandboxes whose TTL has elapsed.
func (s *Scheduler) reapExpiredSandboxes(ctx context.Context) (int, error) {
	candidates, err := s.store.ListExpiredSandboxes(time.Now())
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, sb := range candidates {
		// Expiry is monotonic: extend_ttl refuses expired sandboxes, so no
		// recheck beyond the tombstone test inside Delete is needed.
		if err := s.sandboxes.Delete(ctx, sb.Owner, sb.ID); err != nil {
			if !bayerr.IsNotFound(err) {
				s.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("failed to reap expired sandbox")
			}
			continue
		}
		reaped++
		s.broker.Emit(events.EventSandboxExpired, "sandbox expired", map[string]string{"sandbox_id": sb.ID})
		s.broker.Emit(events.EventGCReaped, "expired sandbox deleted", map[string]string{
			"task": TaskExpiredSandboxes, "sandbox_id": sb.ID,
		})
	}

	// Purge tombstones past retention. The rows only exist for audit and
	// idempotent replay of the delete.
	all, err := s.store.ListSandboxes("", true)
	if err != nil {
		return reaped, err
	}
	cutoff := time.Now().Add(-s.cfg.TombstoneRetention())
	for _, sb := range all {
		if sb.Tombstoned() && sb.DeletedAt.Before(cutoff) {
			if err := s.store.DeleteSandbox(sb.ID); err != nil {
				s.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("failed to purge tombstone")
			}
		}
	}
	return reaped, nil
}

// reapOrphanCargos deletes managed cargos whose sandbox tombstone has aged
// past the retention window, covering crashes between tombstone and
// cascade.
func (s *Scheduler) reapOrphanCargos(ctx context.Context) (int, error) {
	candidates, err := s.store.ListOrphanManagedCargos(time.Now(), s.cfg.TombstoneRetention())
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range candidates {
		if err := s.cargos.DeleteManaged(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("cargo_id", c.ID).Msg("failed to reap orphan cargo")
			continue
		}
		reaped++
		s.broker.Emit(events.EventGCReaped, "orphan cargo deleted", map[string]string{
			"task": TaskOrphanCargos, "cargo_id": c.ID,
		})
	}
	return reaped, nil
}

// reapOrphanResources destroys labeled fabric resources with no live
// metadata row. A candidate must stay orphaned for the full grace window
// before it is destroyed.
func (s *Scheduler) reapOrphanResources(ctx context.Context) (int, error) {
	resources, err := s.driver.ListResources(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	// Order matters: containers leave a network before it can be removed.
	var containers, rest []driver.Resource
	for _, r := range resources {
		if r.Kind == driver.ResourceContainer {
			containers = append(containers, r)
		} else {
			rest = append(rest, r)
		}
	}

	seen := make(map[string]bool, len(resources))
	reaped := 0
	for _, r := range append(containers, rest...) {
		seen[r.Ref] = true
		if s.accounted(r) {
			delete(s.firstSeen, r.Ref)
			continue
		}
		first, ok := s.firstSeen[r.Ref]
		if !ok {
			s.firstSeen[r.Ref] = now
			continue
		}
		if now.Sub(first) < s.cfg.OrphanGrace() {
			continue
		}

		if err := s.destroyResource(ctx, r); err != nil && !bayerr.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("ref", r.Ref).Str("kind", string(r.Kind)).
				Msg("failed to destroy orphan resource")
			continue
		}
		delete(s.firstSeen, r.Ref)
		reaped++
		s.broker.Emit(events.EventGCReaped, "orphan resource destroyed", map[string]string{
			"task": TaskOrphanResources, "ref": r.Ref, "kind": string(r.Kind),
		})
	}

	// Forget candidates that disappeared on their own.
	for ref := range s.firstSeen {
		if !seen[ref] {
			delete(s.firstSeen, ref)
		}
	}
	return reaped, nil
}

// accounted reports whether a fabric resource is backed by live metadata.
func (s *Scheduler) accounted(r driver.Resource) bool {
	if sessionID := r.Labels[types.LabelSessionID]; sessionID != "" {
		if sess, err := s.store.GetSession(sessionID); err == nil && sess.ObservedState.Active() {
			return true
		}
		return false
	}
	if cargoID := r.Labels[types.LabelCargoID]; cargoID != "" {
		if _, err := s.store.GetCargo(cargoID); err == nil {
			return true
		}
		return false
	}
	if sandboxID := r.Labels[types.LabelSandboxID]; sandboxID != "" {
		if sb, err := s.store.GetSandbox(sandboxID); err == nil && !sb.Tombstoned() {
			return true
		}
		return false
	}
	// Unlabeled managed resources should not exist; leave them alone rather
	// than destroy something another deployment owns.
	return true
}

func (s *Scheduler) destroyResource(ctx context.Context, r driver.Resource) error {
	switch r.Kind {
	case driver.ResourceContainer:
		if err := s.driver.StopContainer(ctx, r.Ref, 10*time.Second); err != nil && !bayerr.IsNotFound(err) {
			return err
		}
		return s.driver.DestroyContainer(ctx, r.Ref)
	case driver.ResourceVolume:
		return s.driver.DeleteVolume(ctx, r.Ref)
	case driver.ResourceNetwork:
		return s.driver.DeleteNetwork(ctx, r.Ref)
	}
	return bayerr.E(bayerr.KindInvariant, "unknown resource kind: %q", r.Kind)
}

// purgeIdempotency drops idempotency records past their retention.
func (s *Scheduler) purgeIdempotency(ctx context.Context) (int, error) {
	return s.store.PurgeExpiredIdempotency(time.Now())
}
