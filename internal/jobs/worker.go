package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/logger"
	"github.com/vtxmedia/vtx/internal/store"
)

// Handler executes one job's payload and returns its result (to be stored
// verbatim) or an error. ctx is canceled once the job has run for the
// pool's TimeoutSecs, or when the pool's own context ends.
type Handler func(ctx context.Context, job *Job) (result string, err error)

// Job is the in-memory view a Handler operates on: the normalized payload,
// not the raw stored row.
type Job struct {
	ID      string
	Type    string
	Payload map[string]any
	Retries int
}

// Pool is the Worker Pool (§4.G): a fixed set of goroutines that poll the
// Job Store, throttling sweep/reclaim passes to their own intervals.
// Grounded on original_source/src/runtime/jobs/worker.rs's WorkerState,
// which tracks last_sweep/last_reclaim timestamps so every poll tick
// doesn't re-run the (relatively expensive) lease-reclaim scan.
type Pool struct {
	id          string
	store       *Store
	limiter     *Limiter
	registry    map[string]Handler
	cfg         config.JobQueue
	lastSweep   time.Time
	lastReclaim time.Time
	mu          sync.Mutex
	wg          sync.WaitGroup
	stop        chan struct{}
}

func NewPool(st *Store, limiter *Limiter, cfg config.JobQueue) *Pool {
	return &Pool{
		id:       "worker-" + uuid.NewString()[:8],
		store:    st,
		limiter:  limiter,
		registry: map[string]Handler{},
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
}

// RegisterHandler binds a job type to its execution function.
func (p *Pool) RegisterHandler(jobType string, h Handler) {
	p.registry[jobType] = h
}

// Start launches concurrency independent of the limiter's target: when
// adaptive scan is enabled, the limiter bounds how many jobs of its job
// class execute at once, not how many poll loops exist, matching
// adaptive.rs's separation of "workers" from "permits".
func (p *Pool) Start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
}

func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce mirrors worker.rs's run_once: maybe sweep timed-out jobs, maybe
// reclaim expired leases, then try to claim and process one job.
func (p *Pool) runOnce(ctx context.Context) {
	p.maybeSweep(ctx)
	p.maybeReclaim(ctx)

	jobs, err := p.store.Claim(ctx, p.id, 1, time.Duration(p.cfg.LeaseSecs)*time.Second)
	if err != nil {
		logger.Jobs().Warn().Err(err).Msg("claim failed")
		return
	}
	if len(jobs) == 0 {
		return
	}
	p.process(ctx, jobs[0])
}

// maybeReclaim runs RequeueExpiredLeases at most once per ReclaimIntervalMs.
func (p *Pool) maybeReclaim(ctx context.Context) {
	p.mu.Lock()
	due := time.Since(p.lastReclaim) >= time.Duration(p.cfg.ReclaimIntervalMs)*time.Millisecond
	if due {
		p.lastReclaim = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}
	n, err := p.store.RequeueExpiredLeases(ctx)
	if err != nil {
		logger.Jobs().Warn().Err(err).Msg("lease reclaim failed")
		return
	}
	if n > 0 {
		logger.Jobs().Info().Int64("count", n).Msg("reclaimed expired leases")
	}
}

// maybeSweep runs FailTimedOut at most once per SweepIntervalMs, catching
// running jobs whose handler died (or hung) without ever reporting
// success, failure, or retry — independent of maybeReclaim's lease-expiry
// pass, matching the separate throttling worker.rs gives each concern.
func (p *Pool) maybeSweep(ctx context.Context) {
	p.mu.Lock()
	due := time.Since(p.lastSweep) >= time.Duration(p.cfg.SweepIntervalMs)*time.Millisecond
	if due {
		p.lastSweep = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}
	n, err := p.store.FailTimedOut(ctx, p.cfg.TimeoutSecs)
	if err != nil {
		logger.Jobs().Warn().Err(err).Msg("sweep for timed out jobs failed")
		return
	}
	if n > 0 {
		logger.Jobs().Info().Int64("count", n).Msg("failed timed out jobs")
	}
}

// process executes one claimed row end to end: decode, normalize, run the
// handler under a TimeoutSecs-bound context with a lease heartbeat, then
// commit success/retry/fail.
func (p *Pool) process(ctx context.Context, rec *store.Job) {
	log := logger.Jobs().With().Str("job_id", rec.ID).Str("type", rec.Type).Logger()

	handler, ok := p.registry[rec.Type]
	if !ok {
		_ = p.store.Fail(ctx, rec.ID, p.id, fmt.Sprintf("no handler registered for job type %q", rec.Type))
		return
	}

	def, err := Lookup(rec.Type)
	if err != nil {
		_ = p.store.Fail(ctx, rec.ID, p.id, err.Error())
		return
	}
	rawPayload, err := DecodePayload(rec.Payload)
	if err != nil {
		_ = p.store.Fail(ctx, rec.ID, p.id, err.Error())
		return
	}
	normalized, err := NormalizePayload(def, rawPayload, rec.PayloadVersion)
	if err != nil {
		_ = p.store.Fail(ctx, rec.ID, p.id, err.Error())
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutSecs)*time.Second)
	defer cancel()

	heartbeat := p.startHeartbeat(jobCtx, rec.ID)
	defer close(heartbeat)

	if p.limiter != nil && p.cfg.AdaptiveScan.Enabled && rec.Type == p.cfg.AdaptiveScan.JobType {
		release, err := p.limiter.Acquire(jobCtx)
		if err != nil {
			log.Warn().Err(err).Msg("acquiring adaptive limiter permit")
			return
		}
		defer release()
	}

	result, runErr := handler(jobCtx, &Job{ID: rec.ID, Type: rec.Type, Payload: normalized, Retries: rec.Retries})
	if runErr == nil {
		if err := p.store.Complete(ctx, rec.ID, p.id, result); err != nil {
			log.Warn().Err(err).Msg("completing job")
		}
		return
	}

	log.Warn().Err(runErr).Int("retries", rec.Retries).Msg("job handler failed")
	if rec.Retries < rec.MaxRetries {
		if err := p.store.Retry(ctx, rec.ID, p.id, runErr.Error()); err != nil {
			log.Warn().Err(err).Msg("retrying job")
		}
		return
	}
	if err := p.store.Fail(ctx, rec.ID, p.id, runErr.Error()); err != nil {
		log.Warn().Err(err).Msg("failing job")
	}
}

// startHeartbeat periodically renews the job's lease while the handler
// runs, following worker.rs's spawned heartbeat task. Closing the returned
// channel stops it.
func (p *Pool) startHeartbeat(ctx context.Context, jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := time.Duration(p.cfg.LeaseSecs) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = p.store.RenewLease(ctx, jobID, p.id, time.Duration(p.cfg.LeaseSecs)*time.Second)
			}
		}
	}()
	return stop
}
