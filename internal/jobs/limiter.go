package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/logger"
)

// Limiter is the Adaptive Limiter (§4.H): a semaphore whose capacity is
// retuned on a controller tick that reads queue depth. Grounded on
// original_source/src/runtime/jobs/adaptive.rs's AdaptiveScanLimiter, which
// tracks held permits explicitly because tokio's semaphore has no "shrink
// without closing outstanding permits" primitive — Go's channel-backed
// semaphore has the same gap, so the bookkeeping carries over unchanged.
type Limiter struct {
	mu      sync.Mutex
	sem     chan struct{}
	held    int
	target  int
	max     int
	min     int
	cronJob *cron.Cron
}

// NewLimiter builds a limiter capped at cfg.MaxConcurrent, starting at
// cfg.MinConcurrent until the controller tick raises it.
func NewLimiter(cfg config.AdaptiveScan) *Limiter {
	l := &Limiter{
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		target: cfg.MinConcurrent,
		max:    cfg.MaxConcurrent,
		min:    cfg.MinConcurrent,
	}
	for i := 0; i < cfg.MaxConcurrent-cfg.MinConcurrent; i++ {
		l.sem <- struct{}{} // pre-fill unused capacity as "already held" so target starts low
	}
	return l
}

// Acquire blocks until a permit under the current target is available or
// ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperrors.Timeout("acquiring adaptive limiter permit")
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.sem
		l.mu.Lock()
		l.held--
		l.mu.Unlock()
	}, nil
}

// CurrentTarget returns the limiter's current concurrency target.
func (l *Limiter) CurrentTarget() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// setTarget grows or shrinks available capacity toward target, adjusting
// the semaphore's free slots by the delta between the new and old target
// rather than recreating the channel, so in-flight permits are unaffected.
func (l *Limiter) setTarget(target int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target < l.min {
		target = l.min
	}
	if target > l.max {
		target = l.max
	}
	delta := target - l.target
	l.target = target

	switch {
	case delta > 0:
		for i := 0; i < delta; i++ {
			select {
			case <-l.sem:
			default:
			}
		}
	case delta < 0:
		for i := 0; i < -delta; i++ {
			select {
			case l.sem <- struct{}{}:
			default:
			}
		}
	}
}

// StartController runs the step_up/step_down controller tick on
// cfg.CheckIntervalMs, following adaptive.rs's spawn_adaptive_controller:
// it reads running/queued depth from jobStore and nudges the target toward
// demand. The cron-based ticker reuses the teacher's scheduling idiom for
// periodic in-process work.
func (l *Limiter) StartController(ctx context.Context, cfg config.AdaptiveScan, jobStore *Store) error {
	if !cfg.Enabled {
		return nil
	}
	l.cronJob = cron.New(cron.WithSeconds())
	spec := everyMsSpec(cfg.CheckIntervalMs)
	_, err := l.cronJob.AddFunc(spec, func() {
		l.tick(ctx, cfg, jobStore)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnconfigured, "scheduling adaptive controller", err)
	}
	l.cronJob.Start()
	return nil
}

func (l *Limiter) tick(ctx context.Context, cfg config.AdaptiveScan, jobStore *Store) {
	queued, err := jobStore.CountByTypeAndStatus(ctx, cfg.JobType, "queued")
	if err != nil {
		logger.Jobs().Warn().Err(err).Str("job_type", cfg.JobType).Msg("adaptive controller: counting queued jobs")
		return
	}
	running, err := jobStore.CountByTypeAndStatus(ctx, cfg.JobType, "running")
	if err != nil {
		logger.Jobs().Warn().Err(err).Str("job_type", cfg.JobType).Msg("adaptive controller: counting running jobs")
		return
	}
	current := l.CurrentTarget()
	next := current
	switch {
	case queued >= current && current < cfg.MaxConcurrent:
		next = current + cfg.StepUp
	case queued == 0 && running < current && current > cfg.MinConcurrent:
		next = current - cfg.StepDown
	}
	if next != current {
		l.setTarget(next)
		logger.Jobs().Debug().Int("from", current).Int("to", next).Int("queued", queued).Int("running", running).Msg("adaptive limiter retargeted")
	}
}

// Stop halts the controller tick.
func (l *Limiter) Stop() {
	if l.cronJob != nil {
		l.cronJob.Stop()
	}
}

func everyMsSpec(ms int) string {
	secs := ms / 1000
	if secs < 1 {
		secs = 1
	}
	return "@every " + time.Duration(secs*int(time.Second)).String()
}
