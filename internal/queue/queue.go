// Package queue implements the durable job protocol on the relational
// store: claim with a lease, retry with capped exponential backoff, and a
// reaper that recovers jobs whose worker died mid-lease.
package queue

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/engramkit/engram/internal/idgen"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/types"
)

// Queue coordinates job rows. Safe for concurrent use.
type Queue struct {
	store       *store.Store
	lease       time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
}

// New builds a Queue with the given retry policy.
func New(s *store.Store, lease time.Duration, maxAttempts int, backoffBase, backoffCap time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       s,
		lease:       lease,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		logger:      logger,
	}
}

// NewJob builds a job row for a revision with the queue's retry policy.
func (q *Queue) NewJob(jobType types.JobType, artifactUID, revisionID string) *types.Job {
	return &types.Job{
		JobID:       idgen.JobID(),
		JobType:     jobType,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		Status:      types.JobPending,
		MaxAttempts: q.maxAttempts,
	}
}

// Enqueue inserts (or revives) the job for its revision in its own
// transaction. Use EnqueueTx to enqueue atomically with other writes.
func (q *Queue) Enqueue(ctx context.Context, jobType types.JobType, artifactUID, revisionID string) (*types.Job, error) {
	var out *types.Job
	err := q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var err error
		out, err = q.EnqueueTx(ctx, tx, jobType, artifactUID, revisionID)
		return err
	})
	return out, err
}

// EnqueueTx enqueues inside an existing transaction, so a job and the data
// it consumes commit together.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, jobType types.JobType, artifactUID, revisionID string) (*types.Job, error) {
	return tx.EnqueueJob(ctx, q.NewJob(jobType, artifactUID, revisionID))
}

// Claim atomically takes the oldest runnable PENDING job for workerID.
// Returns (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	var job *types.Job
	err := q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var err error
		job, err = tx.ClaimNextJob(ctx, workerID, time.Now().UTC())
		return err
	})
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a claimed job DONE.
func (q *Queue) Complete(ctx context.Context, job *types.Job) error {
	return q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.CompleteJob(ctx, job.JobID)
	})
}

// Fail records a failed run: the job is retried with capped exponential
// backoff until attempts reach max_attempts, then marked FAILED for good.
func (q *Queue) Fail(ctx context.Context, job *types.Job, cause error) error {
	msg := cause.Error()
	return q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if job.Attempts >= job.MaxAttempts {
			q.logger.Error("job failed permanently",
				"job_id", job.JobID, "job_type", job.JobType,
				"attempts", job.Attempts, "error", msg)
			return tx.FailJob(ctx, job.JobID, msg)
		}
		next := time.Now().UTC().Add(q.backoff(job.Attempts))
		q.logger.Warn("job failed, scheduling retry",
			"job_id", job.JobID, "job_type", job.JobType,
			"attempts", job.Attempts, "next_run_at", next, "error", msg)
		return tx.RetryJob(ctx, job.JobID, next, msg)
	})
}

// Heartbeat refreshes the lease of a job this worker still holds.
func (q *Queue) Heartbeat(ctx context.Context, job *types.Job) error {
	return q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.HeartbeatJob(ctx, job.JobID, job.LockedBy, time.Now().UTC())
	})
}

// Reap returns PROCESSING jobs with lapsed leases to PENDING with a backoff
// (or FAILED when attempts are exhausted). Returns how many were recovered.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	recovered := 0
	err := q.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()
		expired, err := tx.ExpiredProcessing(ctx, now.Add(-q.lease))
		if err != nil {
			return err
		}
		for _, job := range expired {
			if job.Attempts >= job.MaxAttempts {
				if err := tx.FailJob(ctx, job.JobID, "lease expired; attempts exhausted"); err != nil {
					return err
				}
			} else {
				if err := tx.RetryJob(ctx, job.JobID, now.Add(q.backoff(job.Attempts)), "lease expired"); err != nil {
					return err
				}
			}
			q.logger.Warn("reaped expired job",
				"job_id", job.JobID, "job_type", job.JobType,
				"locked_by", job.LockedBy, "attempts", job.Attempts)
			recovered++
		}
		return nil
	})
	return recovered, err
}

// backoff computes min(base * 2^(attempts-1), cap).
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(q.backoffBase) * math.Pow(2, float64(attempts-1)))
	if d > q.backoffCap || d <= 0 {
		d = q.backoffCap
	}
	return d
}
