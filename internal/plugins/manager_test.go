package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/eventbus"
	"github.com/vtxmedia/vtx/internal/policy"
	"github.com/vtxmedia/vtx/internal/sandbox"
	"github.com/vtxmedia/vtx/internal/store"
	"github.com/vtxmedia/vtx/internal/vfs"
)

type fakeModule struct {
	manifest Manifest
	handle   uint64
}

func (f *fakeModule) Manifest() Manifest { return f.manifest }

func (f *fakeModule) Authenticate(ctx *sandbox.Context, headers map[string]string) (*sandbox.User, error) {
	return &sandbox.User{UserID: "u1"}, nil
}

func (f *fakeModule) Handle(ctx *sandbox.Context, req HandlerRequest) (uint64, int, error) {
	handle := ctx.CreateMemoryBuffer([]byte("ok"))
	return handle, 200, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeModule) {
	t.Helper()
	pool, err := store.Open(context.Background(), config.Database{Path: filepath.Join(t.TempDir(), "vtx.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	module := &fakeModule{manifest: Manifest{
		ID:             "sample",
		Version:        "1.0.0",
		Name:           "Sample Plugin",
		DeclaredTables: []string{"notes"},
		Migrations:     []string{"CREATE TABLE notes (id TEXT PRIMARY KEY)"},
	}}
	compile := func(origin string) (Module, error) { return module, nil }

	mgr := NewManager(pool, vfs.NewBroker(), eventbus.New(8), t.TempDir(), 64, compile)
	return mgr, module
}

func TestLoadRunsMigrationsAndRecordsMetadata(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Load(context.Background(), "/plugins/sample/plugin.so")
	require.NoError(t, err)

	_, err = mgr.get("sample")
	require.NoError(t, err)
}

func TestLoadRejectsConflictingOrigin(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(context.Background(), "/plugins/sample/plugin.so"))

	err := mgr.Load(context.Background(), "/plugins/sample/other.so")
	require.Error(t, err)
}

func TestExecuteReturnsBufferFromHandler(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(context.Background(), "/plugins/sample/plugin.so"))

	buf, status, err := mgr.Execute(HandlerRequest{Method: "GET", Path: "/sample/notes"}, policy.NewSet(policy.PermBufferCreate), nil)
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.Equal(t, int64(2), buf.Size())
}

func TestVerifyIdentityDelegatesToModule(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(context.Background(), "/plugins/sample/plugin.so"))

	user, err := mgr.VerifyIdentity("sample", map[string]string{"Authorization": "Bearer x"})
	require.NoError(t, err)
	require.Equal(t, "u1", user.UserID)
}

func TestUninstallDropsResourcesAndInstallationLock(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(context.Background(), "/plugins/sample/plugin.so"))

	require.NoError(t, mgr.Uninstall(context.Background(), "sample", false))

	_, err := mgr.get("sample")
	require.Error(t, err)

	require.NoError(t, mgr.Load(context.Background(), "/plugins/sample/plugin.so"))
}

func TestDiscoverLoadsEverySharedObjectUnderLocation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.so"), []byte("v1"), 0o644))

	pool, err := store.Open(context.Background(), config.Database{Path: filepath.Join(t.TempDir(), "vtx.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	module := &fakeModule{manifest: Manifest{ID: "sample", Version: "1.0.0", Name: "Sample"}}
	mgr := NewManager(pool, vfs.NewBroker(), eventbus.New(8), dir, 64, func(origin string) (Module, error) { return module, nil })

	require.NoError(t, mgr.Discover(context.Background()))

	_, err = mgr.get("sample")
	require.NoError(t, err)
}

func TestStartHotReloadSwapsInstanceOnChange(t *testing.T) {
	mgr, module := newTestManager(t)
	origin := filepath.Join(t.TempDir(), "plugin.so")
	require.NoError(t, os.WriteFile(origin, []byte("v1"), 0o644))
	require.NoError(t, mgr.Load(context.Background(), origin))

	newModule := &fakeModule{manifest: Manifest{ID: "sample", Version: "1.1.0", Name: module.manifest.Name}}
	mgr.compile = func(origin string) (Module, error) { return newModule, nil }

	// Force the mtime/size signature to change so the sweep treats this as
	// a new build rather than a no-op.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(origin, []byte("v1-updated"), 0o644))

	mgr.reloadIfChanged(context.Background(), "sample")

	inst, err := mgr.get("sample")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", inst.manifest.Version)
}
