// Package worker runs the ingestion loop: claim a training job, check
// quota, embed, write vectors, report usage, delete the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vectord/internal/billing"
	"github.com/fyrsmithlabs/vectord/internal/training"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

var tracer = otel.Tracer("vectord.worker")

// VectorService is the slice of the vector store facade the worker uses.
type VectorService interface {
	InsertDatasetDataVector(ctx context.Context, teamID, datasetID, collectionID string, inputs []string, model string) (*vectorstore.InsertResult, error)
	DeleteDatasetDataVector(ctx context.Context, selector vectorstore.DeleteSelector) error
}

// QuotaGate decides whether a team may consume embedding work.
type QuotaGate interface {
	Allow(ctx context.Context, teamID string) (bool, error)
}

// Config holds the worker loop configuration.
type Config struct {
	// Concurrency caps in-flight jobs.
	// Default: 10
	Concurrency int

	// PollInterval is the sleep after an empty claim.
	// Default: 1 second
	PollInterval time.Duration

	// ClaimRate limits claim attempts per second, bounding the load a
	// full queue of deferred jobs can put on the job store.
	// Default: 50
	ClaimRate float64

	// JobTimeout bounds one job's embedding and backend calls. Must be
	// shorter than the job store's lock expiry.
	// Default: 2 minutes
	JobTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 10
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimRate == 0 {
		c.ClaimRate = 50
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 2 * time.Minute
	}
}

// Worker is the ingestion worker loop.
//
// A weighted semaphore bounds in-flight jobs; the slot acquired before a
// claim is released exactly once per claimed job, whichever exit path the
// job takes. Claim attempts are paced by a rate limiter so a queue full
// of quota-deferred jobs cannot spin the store.
type Worker struct {
	config   Config
	jobs     training.JobStore
	quota    QuotaGate
	vectors  VectorService
	reporter billing.Reporter
	logger   *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New creates a worker loop. Call Start to begin processing.
func New(config Config, jobs training.JobStore, quota QuotaGate, vectors VectorService, reporter billing.Reporter, logger *zap.Logger) *Worker {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = billing.NopReporter{}
	}
	return &Worker{
		config:   config,
		jobs:     jobs,
		quota:    quota,
		vectors:  vectors,
		reporter: reporter,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
		limiter:  rate.NewLimiter(rate.Limit(config.ClaimRate), 1),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the claim loop in a background goroutine.
func (w *Worker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.run()
}

// Stop halts claiming and waits for in-flight jobs to finish, bounded by
// ctx. In-flight jobs are not canceled; they run to their own timeout.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("waiting for claim loop: %w", ctx.Err())
	}

	if err := w.sem.Acquire(ctx, int64(w.config.Concurrency)); err != nil {
		return fmt.Errorf("waiting for in-flight jobs: %w", err)
	}
	w.sem.Release(int64(w.config.Concurrency))
	return nil
}

func (w *Worker) run() {
	defer close(w.doneCh)

	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return
		}

		job, err := w.jobs.Claim(w.ctx)
		if err != nil {
			w.sem.Release(1)
			switch {
			case errors.Is(err, training.ErrNoJob):
				w.sleep(w.config.PollInterval)
			case errors.Is(err, training.ErrStaleJob):
				JobsProcessed.WithLabelValues("stale").Inc()
			case errors.Is(err, context.Canceled):
				return
			default:
				// Unreachable store reads as "no job this cycle".
				w.logger.Warn("claiming job failed", zap.Error(err))
				ClaimErrors.Inc()
				w.sleep(w.config.PollInterval)
			}
			continue
		}

		go func() {
			// Released exactly once per claimed job, on every exit path.
			defer w.sem.Release(1)
			w.process(job)
		}()
	}
}

// sleep waits for d unless the worker is stopping.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}

// process runs one claimed job to an exit state. The context is detached
// from the claim loop so a graceful Stop lets in-flight jobs finish.
func (w *Worker) process(job *training.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.JobTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Worker.process")
	defer span.End()

	start := time.Now()
	InFlight.Inc()
	defer InFlight.Dec()

	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("team_id", job.TeamID),
		attribute.String("mode", string(job.Mode)),
		attribute.Int("retry_count", job.RetryCount),
	)

	result := w.runJob(ctx, span, job)
	JobsProcessed.WithLabelValues(result).Inc()
	JobDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// runJob executes the per-job state machine and returns a result label.
func (w *Worker) runJob(ctx context.Context, span trace.Span, job *training.Job) string {
	allowed, err := w.quota.Allow(ctx, job.TeamID)
	if err != nil {
		w.unlock(ctx, job, fmt.Sprintf("quota check: %v", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "quota_error"
	}
	if !allowed {
		// Deferral, not failure: requeue untouched. The claim rate
		// limiter and the gate's denial window keep rechecks bounded.
		w.unlock(ctx, job, "")
		span.SetStatus(codes.Ok, "quota exhausted, deferred")
		return "deferred"
	}

	model := job.EmbedModel()
	res, err := w.vectors.InsertDatasetDataVector(ctx, job.TeamID, job.DatasetID, job.CollectionID, job.EmbedInputs(), model)
	if err != nil {
		w.unlock(ctx, job, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, vectorstore.ErrEmbeddingFailed) {
			return "embed_error"
		}
		return "insert_error"
	}

	if job.Mode == training.ModeRebuild {
		if err := w.deleteOldVectors(ctx, job, res.InsertIDs); err != nil {
			w.unlock(ctx, job, err.Error())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "rebuild_error"
		}
	}

	// Usage reporting is fire-and-forget: the ingestion is already
	// complete and must not be retried for a billing hiccup.
	if err := w.reporter.ReportUsage(ctx, billing.Usage{
		TeamID:    job.TeamID,
		TmbID:     job.TmbID,
		BillingID: job.BillingID,
		Tokens:    res.Tokens,
		Model:     model,
	}); err != nil {
		w.logger.Warn("reporting usage failed",
			zap.String("job_id", job.ID),
			zap.String("team_id", job.TeamID),
			zap.Error(err),
		)
	}

	if err := w.jobs.Delete(ctx, job); err != nil {
		// The vectors are written; losing the delete race means another
		// worker reclaimed an expired lock and may write duplicates.
		w.logger.Error("deleting finished job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		span.RecordError(err)
	}

	span.SetStatus(codes.Ok, "success")
	return "success"
}

// deleteOldVectors removes a rebuild job's previous vectors after the new
// ones are in place, so recall never sees a gap. If the delete fails the
// just-inserted vectors are rolled back and the job left for retry; a
// failed rollback leaves a transient duplicate, which recall tolerates.
func (w *Worker) deleteOldVectors(ctx context.Context, job *training.Job, newIDs []string) error {
	err := w.vectors.DeleteDatasetDataVector(ctx, vectorstore.DeleteSelector{
		TeamID: job.TeamID,
		IDs:    job.OldVectorIDs,
	})
	if err == nil {
		return nil
	}

	if rbErr := w.vectors.DeleteDatasetDataVector(ctx, vectorstore.DeleteSelector{
		TeamID: job.TeamID,
		IDs:    newIDs,
	}); rbErr != nil {
		w.logger.Warn("rolling back rebuild insert failed",
			zap.String("job_id", job.ID),
			zap.Error(rbErr),
		)
	}
	return fmt.Errorf("deleting old vectors: %w", err)
}

// unlock releases a claimed job for retry. An ErrNotLocked result means
// the lock already expired and another worker owns the job now.
func (w *Worker) unlock(ctx context.Context, job *training.Job, errorMsg string) {
	if err := w.jobs.Unlock(ctx, job, errorMsg); err != nil && !errors.Is(err, training.ErrNotLocked) {
		w.logger.Error("unlocking job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
