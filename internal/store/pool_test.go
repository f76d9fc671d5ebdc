package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/config"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := config.Database{Path: filepath.Join(t.TempDir(), "vtx.db"), MaxConnections: 1}
	p, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	cfg := config.Database{Path: filepath.Join(t.TempDir(), "vtx.db")}
	ctx := context.Background()

	p1, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, p1.Close())

	p2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer p2.Close()

	require.NoError(t, p2.HealthCheck(ctx))
}

func TestAcquireSerializesAccess(t *testing.T) {
	p := openTestPool(t)
	ctx := context.Background()

	_, release, err := p.Acquire(ctx)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	_, _, err = p.Acquire(cctx)
	require.Error(t, err)

	release()

	_, release2, err := p.Acquire(ctx)
	require.NoError(t, err)
	release2()
}

func TestHealthCheck(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.HealthCheck(context.Background()))
}
