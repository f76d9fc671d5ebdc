package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtxmedia/vtx/internal/config"
)

func TestLimiterStartsAtMinAndRespectsMax(t *testing.T) {
	l := NewLimiter(config.AdaptiveScan{MinConcurrent: 1, MaxConcurrent: 3})
	require.Equal(t, 1, l.CurrentTarget())

	ctx := context.Background()
	release1, err := l.Acquire(ctx)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(cctx)
	require.Error(t, err)

	release1()
}

func TestSetTargetGrowsAvailableCapacity(t *testing.T) {
	l := NewLimiter(config.AdaptiveScan{MinConcurrent: 1, MaxConcurrent: 3})
	l.setTarget(3)
	require.Equal(t, 3, l.CurrentTarget())

	ctx := context.Background()
	var releases []func()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(ctx)
		require.NoError(t, err)
		releases = append(releases, release)
	}
	for _, r := range releases {
		r()
	}
}

func TestTickIgnoresOtherJobTypesQueueDepth(t *testing.T) {
	_, s := newTestPool(t)

	l := NewLimiter(config.AdaptiveScan{MinConcurrent: 1, MaxConcurrent: 4, StepUp: 1, StepDown: 1})
	cfg := config.AdaptiveScan{JobType: "scan-directory", MinConcurrent: 1, MaxConcurrent: 4, StepUp: 1, StepDown: 1}

	ctx := context.Background()
	_, err := s.Enqueue(ctx, "noop", "{}", 1, 0)
	require.NoError(t, err)

	l.tick(ctx, cfg, s)
	require.Equal(t, 1, l.CurrentTarget())

	_, err = s.Enqueue(ctx, "scan-directory", "{}", 1, 0)
	require.NoError(t, err)

	l.tick(ctx, cfg, s)
	require.Equal(t, 2, l.CurrentTarget())
}

func TestSetTargetClampsToBounds(t *testing.T) {
	l := NewLimiter(config.AdaptiveScan{MinConcurrent: 2, MaxConcurrent: 4})
	l.setTarget(100)
	require.Equal(t, 4, l.CurrentTarget())
	l.setTarget(-5)
	require.Equal(t, 2, l.CurrentTarget())
}
