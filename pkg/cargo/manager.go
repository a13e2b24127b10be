package cargo

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bayhq/bay/pkg/bayerr"
	"github.com/bayhq/bay/pkg/driver"
	"github.com/bayhq/bay/pkg/events"
	"github.com/bayhq/bay/pkg/log"
	"github.com/bayhq/bay/pkg/storage"
	"github.com/bayhq/bay/pkg/types"
)

// Entry is one directory listing result from a cargo volume.
type Entry struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager owns cargo volumes: creation, deletion with the managed/external
// distinction, and direct path operations against the volume.
type Manager struct {
	store  storage.Store
	driver driver.Driver
	broker *events.Broker
	logger zerolog.Logger
}

// NewManager creates a cargo manager.
func NewManager(store storage.Store, drv driver.Driver, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		driver: drv,
		broker: broker,
		logger: log.WithComponent("cargo"),
	}
}

// Provision creates the fabric volume for a cargo and returns the row
// without persisting it. The sandbox manager uses this to create a managed
// cargo inside the same store transaction as its sandbox.
func (m *Manager) Provision(ctx context.Context, owner string, sizeLimitMB int64, managed bool, managedBy string) (*types.Cargo, error) {
	id := "cargo-" + uuid.NewString()
	labels := map[string]string{
		types.LabelOwner:   owner,
		types.LabelCargoID: id,
	}
	if managedBy != "" {
		labels[types.LabelSandboxID] = managedBy
	}

	driverRef, err := m.driver.CreateVolume(ctx, "bay-"+id, labels)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &types.Cargo{
		ID:                 id,
		Owner:              owner,
		DriverRef:          driverRef,
		Managed:            managed,
		ManagedBySandboxID: managedBy,
		SizeLimitMB:        sizeLimitMB,
		CreatedAt:          now,
		LastAccessedAt:     now,
	}, nil
}

// Discard compensates a provisioned cargo whose row was never persisted,
// removing the fabric volume behind it.
func (m *Manager) Discard(ctx context.Context, cargo *types.Cargo) {
	if err := m.driver.DeleteVolume(ctx, cargo.DriverRef); err != nil && !bayerr.IsNotFound(err) {
		m.logger.Warn().Err(err).Str("cargo_id", cargo.ID).Msg("failed to compensate cargo volume")
	}
}

// Create provisions and persists an external cargo.
func (m *Manager) Create(ctx context.Context, owner string, sizeLimitMB int64) (*types.Cargo, error) {
	cargo, err := m.Provision(ctx, owner, sizeLimitMB, false, "")
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateCargo(cargo); err != nil {
		// Compensate the volume so the fabric does not leak.
		if derr := m.driver.DeleteVolume(ctx, cargo.DriverRef); derr != nil {
			m.logger.Warn().Err(derr).Str("cargo_id", cargo.ID).Msg("failed to compensate cargo volume")
		}
		return nil, err
	}
	m.broker.Emit(events.EventCargoCreated, "cargo created", map[string]string{"cargo_id": cargo.ID})
	m.logger.Info().Str("cargo_id", cargo.ID).Str("owner", owner).Msg("cargo created")
	return cargo, nil
}

// Get retrieves a cargo by ID.
func (m *Manager) Get(id string) (*types.Cargo, error) {
	return m.store.GetCargo(id)
}

// List returns cargos, optionally filtered by owner.
func (m *Manager) List(owner string) ([]*types.Cargo, error) {
	return m.store.ListCargos(owner)
}

// Delete removes an external cargo. Managed cargos are refused here: only
// the sandbox lifecycle deletes them. External cargos referenced by any
// live sandbox are refused with Conflict.
func (m *Manager) Delete(ctx context.Context, id string) error {
	cargo, err := m.store.GetCargo(id)
	if err != nil {
		return err
	}
	if cargo.Managed {
		return bayerr.E(bayerr.KindConflict, "cargo %s is managed by sandbox %s and cannot be deleted directly", id, cargo.ManagedBySandboxID)
	}

	sandboxes, err := m.store.ListSandboxes("", false)
	if err != nil {
		return err
	}
	for _, sb := range sandboxes {
		if sb.CargoID == id {
			return bayerr.E(bayerr.KindConflict, "cargo %s is in use by sandbox %s", id, sb.ID).
				WithDetail("sandbox_id", sb.ID)
		}
	}

	return m.destroy(ctx, cargo)
}

// DeleteManaged removes a managed cargo on behalf of its sandbox's
// lifecycle. Callers hold the sandbox lock.
func (m *Manager) DeleteManaged(ctx context.Context, cargo *types.Cargo) error {
	if !cargo.Managed {
		return bayerr.E(bayerr.KindInvariant, "cargo %s is not managed", cargo.ID)
	}
	return m.destroy(ctx, cargo)
}

func (m *Manager) destroy(ctx context.Context, cargo *types.Cargo) error {
	if err := m.driver.DeleteVolume(ctx, cargo.DriverRef); err != nil && !bayerr.IsNotFound(err) {
		return err
	}
	if err := m.store.DeleteCargo(cargo.ID); err != nil {
		return err
	}
	m.broker.Emit(events.EventCargoDeleted, "cargo deleted", map[string]string{"cargo_id": cargo.ID})
	m.logger.Info().Str("cargo_id", cargo.ID).Msg("cargo deleted")
	return nil
}

// resolve validates the relative path and maps it onto the cargo volume's
// host directory.
func (m *Manager) resolve(ctx context.Context, cargoID, relPath string) (string, *types.Cargo, error) {
	cleaned, err := ValidatePath(relPath)
	if err != nil {
		return "", nil, err
	}
	cargo, err := m.store.GetCargo(cargoID)
	if err != nil {
		return "", nil, err
	}
	root, ok := m.driver.VolumePath(cargo.DriverRef)
	if !ok {
		return "", nil, bayerr.E(bayerr.KindInternal, "driver does not support direct volume access")
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), cargo, nil
}

func (m *Manager) touch(cargo *types.Cargo) {
	cargo.LastAccessedAt = time.Now().UTC()
	if err := m.store.UpdateCargo(cargo); err != nil {
		m.logger.Warn().Err(err).Str("cargo_id", cargo.ID).Msg("failed to update cargo access time")
	}
}

// Read returns the contents of a file in the cargo.
func (m *Manager) Read(ctx context.Context, cargoID, relPath string) ([]byte, error) {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bayerr.E(bayerr.KindNotFound, "file not found: %s", relPath)
		}
		return nil, bayerr.Wrap(err, bayerr.KindInternal, "failed to read %s", relPath)
	}
	m.touch(cargo)
	return data, nil
}

// Open returns a reader over a file for streamed downloads.
func (m *Manager) Open(ctx context.Context, cargoID, relPath string) (io.ReadCloser, int64, error) {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, bayerr.E(bayerr.KindNotFound, "file not found: %s", relPath)
		}
		return nil, 0, bayerr.Wrap(err, bayerr.KindInternal, "failed to open %s", relPath)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, bayerr.Wrap(err, bayerr.KindInternal, "failed to stat %s", relPath)
	}
	m.touch(cargo)
	return f, info.Size(), nil
}

// Write stores data at a path in the cargo, creating parent directories.
func (m *Manager) Write(ctx context.Context, cargoID, relPath string, data []byte) error {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return bayerr.Wrap(err, bayerr.KindInternal, "failed to create directories for %s", relPath)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return bayerr.Wrap(err, bayerr.KindInternal, "failed to write %s", relPath)
	}
	m.touch(cargo)
	return nil
}

// CopyIn streams r into a path in the cargo. Used by uploads.
func (m *Manager) CopyIn(ctx context.Context, cargoID, relPath string, r io.Reader) (int64, error) {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, bayerr.Wrap(err, bayerr.KindInternal, "failed to create directories for %s", relPath)
	}
	f, err := os.Create(full)
	if err != nil {
		return 0, bayerr.Wrap(err, bayerr.KindInternal, "failed to create %s", relPath)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, bayerr.Wrap(err, bayerr.KindInternal, "failed to upload %s", relPath)
	}
	m.touch(cargo)
	return n, nil
}

// ListPath lists a directory in the cargo. "." lists the workspace root.
func (m *Manager) ListPath(ctx context.Context, cargoID, relPath string) ([]Entry, error) {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bayerr.E(bayerr.KindNotFound, "directory not found: %s", relPath)
		}
		return nil, bayerr.Wrap(err, bayerr.KindInternal, "failed to list %s", relPath)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:       de.Name(),
			Size:       info.Size(),
			IsDir:      de.IsDir(),
			ModifiedAt: info.ModTime(),
		})
	}
	m.touch(cargo)
	return entries, nil
}

// DeletePath removes a file or directory tree in the cargo.
func (m *Manager) DeletePath(ctx context.Context, cargoID, relPath string) error {
	full, cargo, err := m.resolve(ctx, cargoID, relPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return bayerr.E(bayerr.KindNotFound, "path not found: %s", relPath)
	}
	if err := os.RemoveAll(full); err != nil {
		return bayerr.Wrap(err, bayerr.KindInternal, "failed to delete %s", relPath)
	}
	m.touch(cargo)
	return nil
}
