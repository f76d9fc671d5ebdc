// Package plugins implements the Plugin Lifecycle Manager (§4.E): load,
// identity verification, execution, hot reload, and uninstall for modules
// running under the Sandbox Context.
package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/eventbus"
	"github.com/vtxmedia/vtx/internal/gatekeeper"
	"github.com/vtxmedia/vtx/internal/logger"
	"github.com/vtxmedia/vtx/internal/policy"
	"github.com/vtxmedia/vtx/internal/sandbox"
	"github.com/vtxmedia/vtx/internal/store"
	"github.com/vtxmedia/vtx/internal/vfs"
)

// Manifest is a module's self-reported identity and schema declaration,
// the {id, version, name, declared_tables} shape §3 names.
type Manifest struct {
	ID             string
	Version        string
	Name           string
	DeclaredTables []string
	Migrations     []string // ordered DDL statements, index 0 is schema version 1
}

// Module is whatever a compiled plugin exposes to the Manager. A real
// build would compile WASM or load a shared object here; this interface
// is the seam the Manager drives regardless of that mechanism.
type Module interface {
	Manifest() Manifest
	Authenticate(ctx *sandbox.Context, headers map[string]string) (*sandbox.User, error)
	Handle(ctx *sandbox.Context, req HandlerRequest) (bufferHandle uint64, status int, err error)
}

// HandlerRequest is the request descriptor Execute passes to a module.
type HandlerRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
}

// Compiler produces a Module from a file or URI; swapped out in tests.
type Compiler func(origin string) (Module, error)

// instance is the Manager's live record for one loaded plugin.
type instance struct {
	mu       sync.RWMutex
	module   Module
	manifest Manifest
	origin   string
	sig      signature
}

type signature struct {
	Size         int64
	LastModified time.Time
	ETag         string
}

// Manager is the Plugin Lifecycle Manager (§4.E).
type Manager struct {
	pool     *store.Pool
	broker   *vfs.Broker
	bus      *eventbus.Bus
	compile  Compiler
	location string
	maxMemMB int

	mu        sync.RWMutex
	instances map[string]*instance

	watcher *cron.Cron
}

func NewManager(pool *store.Pool, broker *vfs.Broker, bus *eventbus.Bus, location string, maxMemMB int, compile Compiler) *Manager {
	return &Manager{
		pool:      pool,
		broker:    broker,
		bus:       bus,
		compile:   compile,
		location:  location,
		maxMemMB:  maxMemMB,
		instances: map[string]*instance{},
	}
}

// Load compiles origin, verifies the installation lock, normalizes the
// declared table set, and runs any pending migrations — all under a Root
// context per §4.E.
func (m *Manager) Load(ctx context.Context, origin string) error {
	module, err := m.compile(origin)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeManifestInvalid, "compiling module", err)
	}
	manifest := module.Manifest()
	if manifest.ID == "" {
		return apperrors.ManifestInvalid("plugin manifest is missing an id")
	}

	if err := m.verifyInstallationLock(ctx, manifest.ID, origin); err != nil {
		return err
	}

	declaredPhysical := gatekeeper.DeclaredPhysicalNames(manifest.ID, manifest.DeclaredTables)
	if err := m.runPendingMigrations(ctx, manifest, declaredPhysical); err != nil {
		return err
	}
	if err := m.recordMetadata(ctx, manifest); err != nil {
		return err
	}

	inst := &instance{module: module, manifest: manifest, origin: origin}
	if info, err := os.Stat(origin); err == nil {
		inst.sig = signature{Size: info.Size(), LastModified: info.ModTime()}
	}
	m.mu.Lock()
	m.instances[manifest.ID] = inst
	m.mu.Unlock()

	logger.Plugins().Info().Str("plugin_id", manifest.ID).Str("origin", origin).Msg("plugin loaded")
	return nil
}

func (m *Manager) verifyInstallationLock(ctx context.Context, pluginID, origin string) error {
	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	existing := new(store.PluginInstallation)
	err = db.NewSelect().Model(existing).Where("plugin_id = ?", pluginID).Scan(ctx)
	if err == nil {
		if existing.FilePath != origin {
			return apperrors.IdentityConflict(pluginID)
		}
		return nil
	}

	rec := &store.PluginInstallation{PluginID: pluginID, FilePath: origin}
	_, err = db.NewInsert().Model(rec).Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "recording installation lock", err)
	}
	return nil
}

// runPendingMigrations runs migrations[applied:] in order, bumping
// sys_plugin_versions.applied_migrations_count after each success. Each
// statement and its count bump are separate writes; no transaction spans
// them. It stops at the first failure, per §4.E.
func (m *Manager) runPendingMigrations(ctx context.Context, manifest Manifest, declaredPhysical map[string]bool) error {
	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	applied := 0
	ver := new(store.PluginVersion)
	if err := db.NewSelect().Model(ver).Where("plugin_id = ?", manifest.ID).Scan(ctx); err == nil {
		applied = ver.Applied
	}
	release()

	for i := applied; i < len(manifest.Migrations); i++ {
		rewritten, err := gatekeeper.RewriteMigration(manifest.ID, declaredPhysical, manifest.Migrations[i])
		if err != nil {
			return err
		}
		db, release, err := m.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		_, execErr := db.ExecContext(ctx, rewritten)
		release()
		if execErr != nil {
			return apperrors.Wrap(apperrors.CodeBadMigrationSQL, fmt.Sprintf("migration %d failed", i), execErr)
		}
		if err := m.bumpAppliedCount(ctx, manifest.ID, i+1); err != nil {
			return err
		}
	}
	return m.recordResources(ctx, manifest.ID, declaredPhysical)
}

func (m *Manager) bumpAppliedCount(ctx context.Context, pluginID string, count int) error {
	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.NewInsert().
		Model(&store.PluginVersion{PluginID: pluginID, Applied: count}).
		On("CONFLICT (plugin_id) DO UPDATE").
		Set("applied_migrations_count = EXCLUDED.applied_migrations_count").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "recording applied migration count", err)
	}
	return nil
}

func (m *Manager) recordResources(ctx context.Context, pluginID string, declaredPhysical map[string]bool) error {
	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for physical := range declaredPhysical {
		_, err := db.NewInsert().
			Model(&store.PluginResource{PluginID: pluginID, Kind: "table", PhysicalName: physical}).
			On("CONFLICT DO NOTHING").
			Exec(ctx)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "recording plugin resource", err)
		}
	}
	return nil
}

func (m *Manager) recordMetadata(ctx context.Context, manifest Manifest) error {
	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.NewInsert().
		Model(&store.PluginMetadata{PluginID: manifest.ID, Name: manifest.Name, Version: manifest.Version}).
		On("CONFLICT (plugin_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("version = EXCLUDED.version").
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "recording plugin metadata", err)
	}
	return nil
}

// VerifyIdentity runs a module's authentication entrypoint under a
// Restricted context with a tight memory cap, per §4.E.
func (m *Manager) VerifyIdentity(pluginID string, headers map[string]string) (*sandbox.User, error) {
	inst, err := m.get(pluginID)
	if err != nil {
		return nil, err
	}
	ctx := sandbox.New(policy.Restricted, pluginID, policy.NewSet(), m.pool, m.broker, m.bus, sandbox.Limits{
		MaxMemoryBytes:   10 * 1024 * 1024,
		MaxBufferReadLen: 64 * 1024,
	})
	return inst.module.Authenticate(ctx, headers)
}

// Execute runs req through pluginID's handler under a Plugin context with
// the configured memory cap, then removes the returned buffer from the
// context's handle table before returning it to the caller.
func (m *Manager) Execute(req HandlerRequest, perms policy.Set, user *sandbox.User) (*sandbox.Buffer, int, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.Path, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return nil, 0, apperrors.NotFound("plugin", req.Path)
	}
	inst, err := m.get(parts[0])
	if err != nil {
		return nil, 0, err
	}

	inst.mu.RLock()
	module, manifest := inst.module, inst.manifest
	inst.mu.RUnlock()

	declaredPhysical := gatekeeper.DeclaredPhysicalNames(manifest.ID, manifest.DeclaredTables)
	sbxCtx := sandbox.New(policy.Plugin, manifest.ID, perms, m.pool, m.broker, m.bus, sandbox.Limits{
		MaxMemoryBytes:   int64(m.maxMemMB) * 1024 * 1024,
		MaxBufferReadLen: 8 * 1024 * 1024,
	})
	sbxCtx.AllowedSQL = declaredPhysical
	sbxCtx.User = user

	handle, status, err := module.Handle(sbxCtx, req)
	if err != nil {
		return nil, status, err
	}
	buf, err := sbxCtx.TakeBuffer(handle)
	if err != nil {
		return nil, status, err
	}
	return buf, status, nil
}

// Uninstall renames a loaded module's origin file to *.disabled (a file
// that does not exist is skipped) and, unless keepData is set, drops every physical table in the plugin's resource
// set after re-validating each name against a strict identifier pattern.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func (m *Manager) Uninstall(ctx context.Context, pluginID string, keepData bool) error {
	m.mu.RLock()
	loaded, ok := m.instances[pluginID]
	m.mu.RUnlock()
	if ok {
		if err := os.Rename(loaded.origin, loaded.origin+".disabled"); err != nil && !os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "disabling plugin module", err)
		}
	}

	db, release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !keepData {
		var resources []store.PluginResource
		if err := db.NewSelect().Model(&resources).Where("plugin_id = ?", pluginID).Scan(ctx); err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing plugin resources", err)
		}
		for _, r := range resources {
			if !identifierPattern.MatchString(r.PhysicalName) {
				return apperrors.BadMigrationSQL("refusing to drop an invalid physical name")
			}
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+r.PhysicalName); err != nil {
				return apperrors.Wrap(apperrors.CodeStoreUnavailable, "dropping plugin table", err)
			}
		}
		if _, err := db.NewDelete().Model((*store.PluginResource)(nil)).Where("plugin_id = ?", pluginID).Exec(ctx); err != nil {
			return apperrors.Wrap(apperrors.CodeStoreUnavailable, "deleting plugin resources", err)
		}
	}

	if _, err := db.NewDelete().Model((*store.PluginVersion)(nil)).Where("plugin_id = ?", pluginID).Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "deleting plugin version", err)
	}
	if _, err := db.NewDelete().Model((*store.PluginMetadata)(nil)).Where("plugin_id = ?", pluginID).Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "deleting plugin metadata", err)
	}
	if _, err := db.NewDelete().Model((*store.PluginInstallation)(nil)).Where("plugin_id = ?", pluginID).Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "deleting installation lock", err)
	}

	m.mu.Lock()
	delete(m.instances, pluginID)
	m.mu.Unlock()
	return nil
}

// Discover walks the manager's plugin directory for .so files and Loads
// each one, continuing past individual load failures so one broken
// plugin doesn't block the rest from starting.
func (m *Manager) Discover(ctx context.Context) error {
	if _, err := os.Stat(m.location); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(m.location, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(info.Name(), ".so") {
			return nil
		}
		if loadErr := m.Load(ctx, path); loadErr != nil {
			logger.Plugins().Warn().Str("path", path).Err(loadErr).Msg("plugin discovery load failed")
		}
		return nil
	})
}

func (m *Manager) get(pluginID string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[pluginID]
	if !ok {
		return nil, apperrors.NotFound("plugin", pluginID)
	}
	return inst, nil
}

// StartHotReload watches each loaded plugin's origin on a single shared
// cron instance (one background goroutine for every plugin, not one per
// plugin) and swaps the instance in place when its signature changes.
// Swapping happens under the instance's own lock so an in-flight Execute
// keeps running against the old module.
func (m *Manager) StartHotReload(ctx context.Context, intervalSeconds int) error {
	if m.watcher != nil {
		return nil
	}
	m.watcher = cron.New()
	_, err := m.watcher.AddFunc(everySecondsSpec(intervalSeconds), func() {
		m.sweepHotReload(ctx)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeManifestInvalid, "scheduling hot reload sweep", err)
	}
	m.watcher.Start()
	return nil
}

func (m *Manager) StopHotReload() {
	if m.watcher == nil {
		return
	}
	m.watcher.Stop()
	m.watcher = nil
}

func (m *Manager) sweepHotReload(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.reloadIfChanged(ctx, id)
	}
}

func (m *Manager) reloadIfChanged(ctx context.Context, pluginID string) {
	m.mu.RLock()
	inst, ok := m.instances[pluginID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	info, err := os.Stat(inst.origin)
	if err != nil {
		logger.Plugins().Warn().Str("plugin_id", pluginID).Err(err).Msg("hot reload stat failed")
		return
	}
	next := signature{Size: info.Size(), LastModified: info.ModTime()}

	inst.mu.RLock()
	unchanged := inst.sig == next
	inst.mu.RUnlock()
	if unchanged {
		return
	}

	module, err := m.compile(inst.origin)
	if err != nil {
		logger.Plugins().Warn().Str("plugin_id", pluginID).Err(err).Msg("hot reload recompile failed")
		return
	}

	inst.mu.Lock()
	inst.module = module
	inst.manifest = module.Manifest()
	inst.sig = next
	inst.mu.Unlock()

	logger.Plugins().Info().Str("plugin_id", pluginID).Msg("plugin hot reloaded")
}

func everySecondsSpec(seconds int) string {
	if seconds <= 0 {
		seconds = 30
	}
	return fmt.Sprintf("@every %ds", seconds)
}
