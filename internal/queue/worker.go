package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorekeep/lorekeep/internal/config"
)

// Handler processes one indexing job. Returning an error triggers the
// queue's retry policy; exceeding the job timeout does not.
type Handler func(ctx context.Context, payload IndexPayload) error

// Worker polls the queue and processes one job at a time, racing each
// handler call against a hard timeout. Batch size is deliberately 1:
// indexing throughput is bounded by the embedding provider, not by the
// queue.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     config.QueueConfig
	logger  *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(queue *Queue, handler Handler, cfg config.QueueConfig, logger *slog.Logger) (*Worker, error) {
	if queue == nil || handler == nil {
		return nil, fmt.Errorf("queue and handler are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, handler: handler, cfg: cfg, logger: logger}, nil
}

// Run polls until ctx is cancelled, then drains the in-flight job (bounded
// by the configured drain timeout) before returning. It always returns nil
// on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		"poll_interval", w.cfg.PollInterval, "job_timeout", w.cfg.JobTimeout)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopped")
			return nil
		case <-ticker.C:
			w.drainPending(ctx)
		}
	}
}

// drainPending processes claimable jobs until the queue is empty or ctx is
// cancelled.
func (w *Worker) drainPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx)
		if errors.Is(err, ErrNoJobs) {
			return
		}
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			return
		}

		w.process(ctx, job)
	}
}

// process races the handler against the hard job timeout.
//
// A timed-out job is failed WITHOUT retry: a stuck embedding provider would
// otherwise turn the retry policy into a retry storm. Any other handler
// error goes back to the queue so its retry policy applies. On shutdown the
// in-flight handler gets the drain window to finish.
func (w *Worker) process(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- w.handler(jobCtx, job.Payload)
	}()

	var err error
	select {
	case err = <-done:
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a stuck job: give the handler the drain
			// window before giving up on it.
			select {
			case err = <-done:
			case <-time.After(w.cfg.DrainTimeout):
				w.reportFailure(job, "worker shut down mid-job", true)
				return
			}
		} else {
			// Hard timeout. The handler goroutine keeps running until it
			// notices the cancelled context; the buffered channel lets it
			// exit either way.
			w.reportFailure(job, fmt.Sprintf("timed out after %s", w.cfg.JobTimeout), false)
			return
		}
	}

	if err != nil {
		w.reportFailure(job, err.Error(), true)
		return
	}

	if err := w.queue.Succeed(context.WithoutCancel(ctx), job.ID); err != nil {
		w.logger.Error("failed to mark job done", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Info("job processed",
		"job_id", job.ID, "file_id", job.Payload.FileID, "duration", time.Since(start))
}

// reportFailure records a failed run, detached from the worker context so
// shutdown cannot lose the status update.
func (w *Worker) reportFailure(job *Job, cause string, retry bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Fail(ctx, job, cause, retry); err != nil {
		w.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
}
