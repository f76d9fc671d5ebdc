package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/store"
)

// Store implements the Job Store (§4.F) on top of the shared Persistence
// Pool. Every state transition is an atomic UPDATE ... WHERE status = ?,
// the same at-most-one-claim idiom RomanQed-gqs/sql/puller.go uses for its
// Pending -> Processing transition.
type Store struct {
	pool *store.Pool
}

func NewStore(pool *store.Pool) *Store {
	return &Store{pool: pool}
}

func isAffected(res sql.Result) bool {
	rows, err := res.RowsAffected()
	if err != nil {
		return true
	}
	return rows != 0
}

// Enqueue inserts a new job in the queued state and returns its id.
func (s *Store) Enqueue(ctx context.Context, jobType, payload string, payloadVersion, maxRetries int) (string, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id := uuid.NewString()
	rec := &store.Job{
		ID:             id,
		Type:           jobType,
		Payload:        payload,
		PayloadVersion: payloadVersion,
		Status:         store.JobQueued,
		MaxRetries:     maxRetries,
	}
	if _, err := db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return "", apperrors.Wrap(apperrors.CodeStoreUnavailable, "enqueuing job", err)
	}
	return id, nil
}

// Claim atomically moves up to batch queued (or lease-expired running)
// jobs of workerID's choosing into running state, setting a fresh lease.
// The subquery-plus-UPDATE shape follows Puller.Pull.
func (s *Store) Claim(ctx context.Context, workerID string, batch int, lease time.Duration) ([]*store.Job, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	leaseExpiry := now.Add(lease)

	subQuery := db.NewSelect().
		Model((*store.Job)(nil)).
		Column("id").
		WhereGroup("AND", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where("status = ?", store.JobQueued).
				WhereOr("status = ? AND lease_expires_at < ?", store.JobRunning, now)
		}).
		Order("created_at ASC").
		Limit(batch)

	var claimed []*store.Job
	err = db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobRunning).
		Set("worker_id = ?", workerID).
		Set("lease_expires_at = ?", leaseExpiry).
		Set("started_at = COALESCE(started_at, ?)", now).
		Set("updated_at = ?", now).
		Where("id IN (?)", subQuery).
		Returning("*").
		Scan(ctx, &claimed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "claiming jobs", err)
	}
	return claimed, nil
}

// RenewLease extends a running job's lease, failing with CodeLeaseExpired
// if the job is no longer running under workerID.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("lease_expires_at = ?", now.Add(lease)).
		Set("updated_at = ?", now).
		Where("id = ?", jobID).
		Where("status = ?", store.JobRunning).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "renewing lease", err)
	}
	if !isAffected(res) {
		return apperrors.LeaseExpired(jobID)
	}
	return nil
}

// UpdateProgress records a 0-100 progress value for a running job.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("progress = ?", progress).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", jobID).
		Where("status = ?", store.JobRunning).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "updating progress", err)
	}
	return nil
}

// Complete transitions a running job to succeeded, recording its result.
func (s *Store) Complete(ctx context.Context, jobID, workerID, result string) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobSucceeded).
		Set("result = ?", result).
		Set("progress = 100").
		Set("lease_expires_at = NULL").
		Set("finished_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID).
		Where("status = ?", store.JobRunning).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "completing job", err)
	}
	if !isAffected(res) {
		return apperrors.LeaseExpired(jobID)
	}
	return nil
}

// Fail transitions a running job straight to failed, bypassing retry — used
// once retries are exhausted.
func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobFailed).
		Set("error = ?", errMsg).
		Set("lease_expires_at = NULL").
		Set("finished_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID).
		Where("status = ?", store.JobRunning).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "failing job", err)
	}
	if !isAffected(res) {
		return apperrors.LeaseExpired(jobID)
	}
	return nil
}

// Retry returns a running job to queued with an incremented retry count,
// mirroring Puller.Return.
func (s *Store) Retry(ctx context.Context, jobID, workerID, errMsg string) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobQueued).
		Set("retries = retries + 1").
		Set("error = ?", errMsg).
		Set("lease_expires_at = NULL").
		Set("worker_id = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID).
		Where("status = ?", store.JobRunning).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "retrying job", err)
	}
	if !isAffected(res) {
		return apperrors.LeaseExpired(jobID)
	}
	return nil
}

// Cancel marks a queued or running job canceled, mirroring Puller.Kill.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobCanceled).
		Set("lease_expires_at = NULL").
		Set("finished_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID).
		Where("status IN (?, ?)", store.JobQueued, store.JobRunning).
		Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "canceling job", err)
	}
	if !isAffected(res) {
		return apperrors.NotFound("job", jobID)
	}
	return nil
}

// Get returns a single job record.
func (s *Store) Get(ctx context.Context, jobID string) (*store.Job, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rec := new(store.Job)
	if err := db.NewSelect().Model(rec).Where("id = ?", jobID).Scan(ctx); err != nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	return rec, nil
}

// ListRecent returns up to limit jobs of the given type ordered newest
// first, for status dashboards and tests.
func (s *Store) ListRecent(ctx context.Context, jobType string, limit int) ([]*store.Job, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var recs []*store.Job
	q := db.NewSelect().Model(&recs).OrderExpr("created_at DESC").Limit(limit)
	if jobType != "" {
		q = q.Where("type = ?", jobType)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing jobs", err)
	}
	return recs, nil
}

// CountByTypeAndStatus powers the Adaptive Limiter's controller tick, which
// reads queued/running counts for one job class to decide its next target.
func (s *Store) CountByTypeAndStatus(ctx context.Context, jobType, status string) (int, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	count, err := db.NewSelect().
		Model((*store.Job)(nil)).
		Where("type = ?", jobType).
		Where("status = ?", status).
		Count(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "counting jobs", err)
	}
	return count, nil
}

// FailTimedOut marks running jobs whose started_at precedes now-timeoutSecs
// as failed with error="timeout", for the sweep pass and startup recovery
// to reclaim handlers that died without ever completing or erroring. It
// returns the count affected.
func (s *Store) FailTimedOut(ctx context.Context, timeoutSecs int) (int64, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	now := time.Now()
	deadline := now.Add(-time.Duration(timeoutSecs) * time.Second)
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobFailed).
		Set("error = ?", "timeout").
		Set("lease_expires_at = NULL").
		Set("finished_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", store.JobRunning).
		Where("started_at < ?", deadline).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "failing timed out jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueExpiredLeases returns running jobs whose lease has passed back to
// queued, for the worker sweep to pick up; it returns the count affected.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	db, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	now := time.Now()
	res, err := db.NewUpdate().
		Model((*store.Job)(nil)).
		Set("status = ?", store.JobQueued).
		Set("worker_id = NULL").
		Set("lease_expires_at = NULL").
		Set("error = ?", "lease_expired").
		Set("updated_at = ?", now).
		Where("status = ?", store.JobRunning).
		Where("lease_expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "reclaiming expired leases", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
