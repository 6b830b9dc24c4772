package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/engramkit/engram/internal/types"
)

// EnqueueJob inserts a PENDING job, or returns the existing row when one
// already exists for (artifact_uid, revision_id, job_type). Terminal rows
// (DONE, FAILED) are reset to PENDING so re-extraction can be requested.
func (t *Tx) EnqueueJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, artifact_uid, revision_id, status, attempts,
		                  max_attempts, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (artifact_uid, revision_id, job_type) DO UPDATE SET
			status = 'PENDING',
			attempts = 0,
			next_run_at = excluded.next_run_at,
			locked_by = NULL,
			locked_at = NULL,
			last_error = NULL
		WHERE jobs.status IN ('DONE', 'FAILED')
	`, job.JobID, string(job.JobType), job.ArtifactUID, job.RevisionID,
		string(job.Status), job.MaxAttempts, job.NextRunAt, job.CreatedAt)
	if err != nil {
		return nil, wrapDBError("enqueue job", err)
	}

	// The unique key may have kept an existing row; read back the canonical one.
	existing, err := scanJob(t.conn.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE artifact_uid = ? AND revision_id = ? AND job_type = ?",
		job.ArtifactUID, job.RevisionID, string(job.JobType)))
	if err != nil {
		return nil, wrapDBError("read back job", err)
	}
	return existing, nil
}

// ClaimNextJob atomically claims the oldest runnable PENDING job. The
// surrounding BEGIN IMMEDIATE transaction serializes writers, so no two
// workers can claim the same row. Returns ErrNotFound when nothing is due.
func (t *Tx) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*types.Job, error) {
	job, err := scanJob(t.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'PENDING' AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT 1
	`, now))
	if err != nil {
		return nil, wrapDBError("select claimable job", err)
	}

	if _, err := t.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'PROCESSING', attempts = attempts + 1, locked_by = ?, locked_at = ?
		WHERE job_id = ?
	`, workerID, now, job.JobID); err != nil {
		return nil, wrapDBError("claim job", err)
	}
	job.Status = types.JobProcessing
	job.Attempts++
	job.LockedBy = workerID
	job.LockedAt = &now
	return job, nil
}

// CompleteJob marks a job DONE and releases its lock.
func (t *Tx) CompleteJob(ctx context.Context, jobID string) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE jobs SET status = 'DONE', locked_by = NULL, locked_at = NULL WHERE job_id = ?",
		jobID)
	return wrapDBError("complete job", err)
}

// RetryJob returns a job to PENDING with a scheduled retry time.
func (t *Tx) RetryJob(ctx context.Context, jobID string, nextRunAt time.Time, lastError string) error {
	_, err := t.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'PENDING', next_run_at = ?, last_error = ?,
		                locked_by = NULL, locked_at = NULL
		WHERE job_id = ?
	`, nextRunAt, lastError, jobID)
	return wrapDBError("retry job", err)
}

// FailJob marks a job FAILED terminally.
func (t *Tx) FailJob(ctx context.Context, jobID string, lastError string) error {
	_, err := t.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'FAILED', last_error = ?, locked_by = NULL, locked_at = NULL
		WHERE job_id = ?
	`, lastError, jobID)
	return wrapDBError("fail job", err)
}

// HeartbeatJob refreshes the lease while a worker still holds the job.
func (t *Tx) HeartbeatJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	res, err := t.conn.ExecContext(ctx,
		"UPDATE jobs SET locked_at = ? WHERE job_id = ? AND locked_by = ? AND status = 'PROCESSING'",
		now, jobID, workerID)
	if err != nil {
		return wrapDBError("heartbeat job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredProcessing lists PROCESSING jobs whose lease lapsed before cutoff.
func (t *Tx) ExpiredProcessing(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	rows, err := t.conn.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = 'PROCESSING' AND locked_at < ?",
		cutoff)
	if err != nil {
		return nil, wrapDBError("expired processing jobs", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const jobColumns = `job_id, job_type, artifact_uid, revision_id, status, attempts,
	max_attempts, next_run_at, locked_by, locked_at, last_error, created_at`

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var job types.Job
	var lockedBy, lastError sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(&job.JobID, &job.JobType, &job.ArtifactUID, &job.RevisionID,
		&job.Status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt,
		&lockedBy, &lockedAt, &lastError, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.LockedBy = lockedBy.String
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	job.LastError = lastError.String
	return &job, nil
}

// GetJob fetches one job. Returns ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID))
	if err != nil {
		return nil, wrapDBError("get job", err)
	}
	return job, nil
}

// JobForRevision fetches the job of one type for a revision.
func (s *Store) JobForRevision(ctx context.Context, artifactUID, revisionID string, jobType types.JobType) (*types.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE artifact_uid = ? AND revision_id = ? AND job_type = ?",
		artifactUID, revisionID, string(jobType)))
	if err != nil {
		return nil, wrapDBError("job for revision", err)
	}
	return job, nil
}

// JobsForArtifact lists every job of an artifact, newest first.
func (s *Store) JobsForArtifact(ctx context.Context, artifactUID string) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE artifact_uid = ? ORDER BY created_at DESC",
		artifactUID)
	if err != nil {
		return nil, wrapDBError("jobs for artifact", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// OldestPending returns when the longest-waiting PENDING job became due, or
// nil when the queue is drained.
func (s *Store) OldestPending(ctx context.Context) (*time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(next_run_at) FROM jobs WHERE status = 'PENDING'").Scan(&at)
	if err != nil {
		return nil, wrapDBError("oldest pending job", err)
	}
	if !at.Valid {
		return nil, nil
	}
	t := at.Time.UTC()
	return &t, nil
}

// JobCounts returns job totals grouped by type and status, for status output.
func (s *Store) JobCounts(ctx context.Context) (map[types.JobType]map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_type, status, COUNT(*) FROM jobs GROUP BY job_type, status")
	if err != nil {
		return nil, wrapDBError("job counts", err)
	}
	defer rows.Close()

	out := make(map[types.JobType]map[types.JobStatus]int)
	for rows.Next() {
		var jt types.JobType
		var st types.JobStatus
		var n int
		if err := rows.Scan(&jt, &st, &n); err != nil {
			return nil, err
		}
		if out[jt] == nil {
			out[jt] = make(map[types.JobStatus]int)
		}
		out[jt][st] = n
	}
	return out, rows.Err()
}
