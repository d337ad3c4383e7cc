// Package queue implements the background indexing job queue on PostgreSQL:
// enqueue with priority, retry and expiry, and a polling worker that races
// each job against a hard timeout.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED, so multiple workers could
// run safely, though the deployment runs exactly one.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/internal/config"
)

// IndexQueue is the logical topic for file-indexing jobs.
const IndexQueue = "index-file"

// ErrNoJobs indicates the queue has no claimable job right now.
var ErrNoJobs = errors.New("no jobs available")

// IndexPayload is the job body for IndexQueue.
type IndexPayload struct {
	FileID uuid.UUID `json:"fileId"`
	UserID uuid.UUID `json:"userId"`
}

// Job is one claimed queue entry.
type Job struct {
	ID          int64
	Queue       string
	Payload     IndexPayload
	Priority    int
	Attempts    int
	MaxAttempts int
}

// Queue persists and claims indexing jobs.
//
// Queue is safe for concurrent use by multiple goroutines.
type Queue struct {
	pool   *pgxpool.Pool
	cfg    config.QueueConfig
	logger *slog.Logger
}

// New creates a Queue.
func New(pool *pgxpool.Pool, cfg config.QueueConfig, logger *slog.Logger) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pool: pool, cfg: cfg, logger: logger}, nil
}

// EnqueueIndexFile submits an indexing job. Higher priority is processed
// first. The job carries the configured retry limit and expires if unclaimed
// past the configured window.
func (q *Queue) EnqueueIndexFile(ctx context.Context, fileID, userID uuid.UUID, priority int) error {
	payload, err := json.Marshal(IndexPayload{FileID: fileID, UserID: userID})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}

	var expiresAt *time.Time
	if q.cfg.Expiry > 0 {
		t := time.Now().Add(q.cfg.Expiry)
		expiresAt = &t
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO index_jobs (queue, payload, priority, max_attempts, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		IndexQueue, payload, priority, q.cfg.MaxAttempts, expiresAt)
	if err != nil {
		return fmt.Errorf("enqueueing indexing job: %w", err)
	}

	q.logger.Debug("indexing job enqueued", "file_id", fileID, "priority", priority)
	return nil
}

// Dequeue claims the next runnable job: highest priority first, oldest
// run_at within a priority. Expired unclaimed jobs are dropped and jobs
// abandoned by a crashed worker are reclaimed on the way.
// Returns ErrNoJobs when nothing is claimable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	// Drop unclaimed jobs past their expiry window.
	if _, err := q.pool.Exec(ctx,
		`UPDATE index_jobs
		 SET status = 'failed', last_error = 'expired before being claimed', updated_at = now()
		 WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= now()`); err != nil {
		return nil, fmt.Errorf("expiring stale jobs: %w", err)
	}

	// Reclaim jobs stuck in running: a live worker resolves every claim
	// within the hard timeout (plus the drain window on shutdown), so
	// anything older was claimed by a worker that died without reporting.
	// Remaining attempts send it back to pending; none fail it.
	if q.cfg.JobTimeout > 0 {
		stale := time.Now().Add(-(q.cfg.JobTimeout + q.cfg.DrainTimeout))
		if _, err := q.pool.Exec(ctx,
			`UPDATE index_jobs
			 SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
			     run_at = now(), last_error = 'reclaimed from dead worker', updated_at = now()
			 WHERE status = 'running' AND updated_at < $1`, stale); err != nil {
			return nil, fmt.Errorf("reclaiming abandoned jobs: %w", err)
		}
	}

	var (
		job     Job
		rawBody []byte
	)
	err := q.pool.QueryRow(ctx,
		`UPDATE index_jobs
		 SET status = 'running', attempts = attempts + 1, updated_at = now()
		 WHERE id = (
		     SELECT id FROM index_jobs
		     WHERE queue = $1 AND status = 'pending' AND run_at <= now()
		     ORDER BY priority DESC, run_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, payload, priority, attempts, max_attempts`,
		IndexQueue,
	).Scan(&job.ID, &job.Queue, &rawBody, &job.Priority, &job.Attempts, &job.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	if err := json.Unmarshal(rawBody, &job.Payload); err != nil {
		// Poison entry: fail it permanently rather than redelivering.
		if failErr := q.Fail(ctx, &job, fmt.Sprintf("unmarshaling payload: %v", err), false); failErr != nil {
			q.logger.Error("failed to bury malformed job", "job_id", job.ID, "error", failErr)
		}
		return nil, fmt.Errorf("unmarshaling job payload: %w", err)
	}

	return &job, nil
}

// Succeed marks a claimed job done.
func (q *Queue) Succeed(ctx context.Context, jobID int64) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE index_jobs SET status = 'done', last_error = NULL, updated_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Fail reports a failed run. When retry is true and attempts remain, the job
// is rescheduled after the configured delay; otherwise it is failed
// permanently.
func (q *Queue) Fail(ctx context.Context, job *Job, cause string, retry bool) error {
	if retry && job.Attempts < job.MaxAttempts {
		runAt := time.Now().Add(q.cfg.RetryDelay)
		_, err := q.pool.Exec(ctx,
			`UPDATE index_jobs
			 SET status = 'pending', run_at = $2, last_error = $3, updated_at = now()
			 WHERE id = $1`,
			job.ID, runAt, cause)
		if err != nil {
			return fmt.Errorf("rescheduling job: %w", err)
		}
		q.logger.Warn("job failed, retry scheduled",
			"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "cause", cause)
		return nil
	}

	_, err := q.pool.Exec(ctx,
		`UPDATE index_jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`,
		job.ID, cause)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	q.logger.Warn("job failed permanently",
		"job_id", job.ID, "attempts", job.Attempts, "cause", cause)
	return nil
}
