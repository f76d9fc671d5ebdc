package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/store"
)

func newTestPool(t *testing.T) (*Pool, *Store) {
	t.Helper()
	p, err := store.Open(context.Background(), config.Database{Path: filepath.Join(t.TempDir(), "vtx.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	s := NewStore(p)
	limiter := NewLimiter(config.AdaptiveScan{Enabled: false, MinConcurrent: 1, MaxConcurrent: 2})
	cfg := config.JobQueue{
		PollIntervalMs:    10,
		TimeoutSecs:       5,
		SweepIntervalMs:   50,
		LeaseSecs:         5,
		ReclaimIntervalMs: 50,
	}
	return NewPool(s, limiter, cfg), s
}

func TestPoolProcessesRegisteredJobType(t *testing.T) {
	pool, s := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	pool.RegisterHandler("noop", func(ctx context.Context, job *Job) (string, error) {
		close(done)
		return `{"ok":true}`, nil
	})

	id, err := s.Enqueue(context.Background(), "noop", "{}", 1, 0)
	require.NoError(t, err)

	pool.Start(ctx, 1)
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.Status == store.JobSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestPoolFailsUnregisteredJobType(t *testing.T) {
	pool, s := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := s.Enqueue(context.Background(), "noop", "{}", 1, 0)
	require.NoError(t, err)

	pool.Start(ctx, 1)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.Status == store.JobFailed
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRetriesFailingHandlerUntilMaxRetries(t *testing.T) {
	pool, s := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool.RegisterHandler("noop", func(ctx context.Context, job *Job) (string, error) {
		return "", errors.New("handler always fails")
	})

	id, err := s.Enqueue(context.Background(), "noop", "{}", 1, 1)
	require.NoError(t, err)

	pool.Start(ctx, 1)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.Status == store.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
}
