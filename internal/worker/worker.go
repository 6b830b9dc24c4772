// Package worker runs the background job loop: claim, dispatch, complete or
// retry. Polling backs off exponentially while the queue is idle and snaps
// back to the base interval as soon as a job appears.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/telemetry"
	"github.com/engramkit/engram/internal/types"
)

// Handler executes one claimed job. Extraction and graph materialization
// both satisfy this.
type Handler interface {
	Run(ctx context.Context, job *types.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *types.Job) error

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, job *types.Job) error { return f(ctx, job) }

// Pool drives concurrent worker loops plus one reaper over a shared queue.
type Pool struct {
	queue       *queue.Queue
	handlers    map[types.JobType]Handler
	pollBase    time.Duration
	pollCap     time.Duration
	lease       time.Duration
	concurrency int
	logger      *slog.Logger

	jobsProcessed metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// New builds a Pool from the shared configuration. Handlers are registered
// separately so callers can run extraction-only or graph-only pools.
func New(q *queue.Queue, cfg config.Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	meter := telemetry.Meter("engram.worker")
	jobsProcessed, _ := meter.Int64Counter("engram.jobs.processed",
		metric.WithDescription("Jobs taken to a terminal or retry outcome"))
	jobDuration, _ := meter.Float64Histogram("engram.jobs.duration",
		metric.WithDescription("Job handler wall time"), metric.WithUnit("s"))

	return &Pool{
		queue:         q,
		handlers:      make(map[types.JobType]Handler),
		pollBase:      cfg.WorkerPollBase,
		pollCap:       cfg.WorkerPollCap,
		lease:         cfg.JobLease,
		concurrency:   concurrency,
		logger:        logger,
		jobsProcessed: jobsProcessed,
		jobDuration:   jobDuration,
	}
}

// Register installs the handler for one job type.
func (p *Pool) Register(jobType types.JobType, h Handler) {
	p.handlers[jobType] = h
}

// Run blocks until ctx is cancelled, at which point it returns nil after the
// in-flight jobs finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", hostname(), uuid.NewString()[:8], i)
		g.Go(func() error { return p.loop(ctx, workerID) })
	}
	g.Go(func() error { return p.reapLoop(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// DrainOnce processes every currently-due job and returns how many ran.
// Used by one-shot CLI invocations and tests.
func (p *Pool) DrainOnce(ctx context.Context) (int, error) {
	workerID := fmt.Sprintf("%s-%s-drain", hostname(), uuid.NewString()[:8])
	ran := 0
	for {
		worked, err := p.step(ctx, workerID)
		if err != nil {
			return ran, err
		}
		if !worked {
			return ran, nil
		}
		ran++
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	delay := p.pollBase
	for {
		worked, err := p.step(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("worker step failed", "worker_id", workerID, "error", err)
		}
		if worked {
			delay = p.pollBase
			continue
		}
		delay = min(delay*2, p.pollCap)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// step claims and runs at most one job. Returns whether a job was processed.
func (p *Pool) step(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.runJob(ctx, job)
	return true, nil
}

func (p *Pool) runJob(ctx context.Context, job *types.Job) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		p.finish(ctx, job, time.Now(), fmt.Errorf("no handler registered for job type %s", job.JobType))
		return
	}

	// Keep the lease fresh while the handler runs; LLM calls can take a
	// while on chunked documents.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.heartbeat(hbCtx, job)
	}()

	start := time.Now()
	err := handler.Run(ctx, job)
	stopHeartbeat()
	<-done

	p.finish(ctx, job, start, err)
}

func (p *Pool) finish(ctx context.Context, job *types.Job, start time.Time, runErr error) {
	elapsed := time.Since(start)
	outcome := "done"
	if runErr != nil {
		outcome = "retry"
		if job.Attempts >= job.MaxAttempts {
			outcome = "failed"
		}
	}
	p.jobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", string(job.JobType)),
		attribute.String("outcome", outcome)))
	p.jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("job_type", string(job.JobType))))

	if runErr != nil {
		if err := p.queue.Fail(ctx, job, runErr); err != nil {
			p.logger.Error("record job failure", "job_id", job.JobID, "error", err)
		}
		return
	}
	if err := p.queue.Complete(ctx, job); err != nil {
		p.logger.Error("complete job", "job_id", job.JobID, "error", err)
		return
	}
	p.logger.Info("job done",
		"job_id", job.JobID, "job_type", job.JobType,
		"artifact_uid", job.ArtifactUID, "attempts", job.Attempts,
		"elapsed", elapsed)
}

func (p *Pool) heartbeat(ctx context.Context, job *types.Job) {
	interval := p.lease / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "job_id", job.JobID, "error", err)
			}
		}
	}
}

// reapLoop returns crashed workers' jobs to the queue, ticking at half the
// lease so an expired lease waits at most lease/2 before recovery.
func (p *Pool) reapLoop(ctx context.Context) error {
	interval := p.lease / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.queue.Reap(ctx)
			if err != nil {
				p.logger.Error("reap expired jobs", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered expired jobs", "count", n)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "engram"
	}
	return h
}
