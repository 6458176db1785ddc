package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("vectord.training")

// JobStore is the durable queue interface the worker loop depends on.
type JobStore interface {
	// Claim atomically claims the oldest claimable job. Returns ErrNoJob
	// when the queue is empty and ErrStaleJob when the claimed job's
	// dataset or collection was deleted (the job is discarded).
	Claim(ctx context.Context) (*Job, error)

	// Unlock releases a claimed job for retry, recording errorMsg.
	// Returns ErrNotLocked if the job is no longer held by this claim.
	Unlock(ctx context.Context, job *Job, errorMsg string) error

	// Delete removes a claimed job permanently (success path).
	// Returns ErrNotLocked if the job is no longer held by this claim.
	Delete(ctx context.Context, job *Job) error
}

// PGStoreConfig holds configuration for the Postgres job store.
type PGStoreConfig struct {
	// LockExpiry is how long a claim holds a job before it becomes
	// claimable again.
	// Default: 3 minutes
	LockExpiry time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *PGStoreConfig) ApplyDefaults() {
	if c.LockExpiry == 0 {
		c.LockExpiry = 3 * time.Minute
	}
}

// PGStore is the Postgres-backed training job queue.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never block each
// other and never claim the same row. Crash recovery is implicit: a dead
// worker's lock expires and the job becomes claimable again.
type PGStore struct {
	pool   *pgxpool.Pool
	config PGStoreConfig
}

// NewPGStore creates a job store on an existing connection pool.
func NewPGStore(pool *pgxpool.Pool, config PGStoreConfig) *PGStore {
	config.ApplyDefaults()
	return &PGStore{pool: pool, config: config}
}

// Init creates the queue table and its claim index. The datasets and
// dataset_collections reference tables are owned by the dataset
// management service; they are created here only so a standalone
// deployment starts clean.
func (s *PGStore) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "PGStore.Init")
	defer span.End()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			id VARCHAR(64) PRIMARY KEY,
			vector_model VARCHAR(128) NOT NULL DEFAULT '',
			index_prefix_title BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_collections (
			id VARCHAR(64) PRIMARY KEY,
			dataset_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS training_jobs (
			id UUID PRIMARY KEY,
			team_id VARCHAR(64) NOT NULL,
			dataset_id VARCHAR(64) NOT NULL,
			collection_id VARCHAR(64) NOT NULL,
			tmb_id VARCHAR(64) NOT NULL DEFAULT '',
			billing_id VARCHAR(64) NOT NULL DEFAULT '',
			mode VARCHAR(16) NOT NULL,
			inputs TEXT[] NOT NULL,
			model VARCHAR(128) NOT NULL DEFAULT '',
			old_vector_ids TEXT[] NOT NULL DEFAULT '{}',
			error_msg TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			lock_token UUID,
			lock_expiry TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS training_jobs_claim_idx
			ON training_jobs (created_at)
			WHERE lock_expiry IS NULL`,
		`CREATE INDEX IF NOT EXISTS training_jobs_expiry_idx
			ON training_jobs (lock_expiry)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("initializing training schema: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Enqueue adds a job to the queue. Called by the ingestion flow when a
// collection's data is chunked for embedding.
func (s *PGStore) Enqueue(ctx context.Context, job *Job) error {
	ctx, span := tracer.Start(ctx, "PGStore.Enqueue")
	defer span.End()

	span.SetAttributes(
		attribute.String("team_id", job.TeamID),
		attribute.String("mode", string(job.Mode)),
	)

	if err := job.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO training_jobs (id, team_id, dataset_id, collection_id, tmb_id, billing_id, mode, inputs, model, old_vector_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.TeamID, job.DatasetID, job.CollectionID, job.TmbID, job.BillingID,
		string(job.Mode), job.Inputs, job.Model, job.OldVectorIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("enqueueing job: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// claimSQL claims the oldest job whose lock is absent or expired. The
// SKIP LOCKED subselect is the at-most-one-claim guarantee: concurrent
// claimers each lock a distinct candidate row or get no row at all.
const claimSQL = `WITH next AS (
	SELECT id, (lock_expiry IS NOT NULL) AS reclaimed
	FROM training_jobs
	WHERE lock_expiry IS NULL OR lock_expiry < now()
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE training_jobs t
SET lock_token = $1,
    lock_expiry = now() + $2,
    retry_count = t.retry_count + CASE WHEN next.reclaimed THEN 1 ELSE 0 END
FROM next
WHERE t.id = next.id
RETURNING t.id, t.team_id, t.dataset_id, t.collection_id, t.tmb_id, t.billing_id,
          t.mode, t.inputs, t.model, t.old_vector_ids, t.error_msg,
          t.retry_count, t.lock_expiry, t.created_at`

// jobContextSQL joins the claimed job's dataset and collection rows. No
// row means a dangling reference: the dataset or collection was deleted
// while the job waited.
const jobContextSQL = `SELECT d.vector_model, d.index_prefix_title, c.name
FROM datasets d
JOIN dataset_collections c ON c.dataset_id = d.id
WHERE d.id = $1 AND c.id = $2`

// Claim atomically claims the oldest job whose lock is absent or expired.
// A reclaim of an expired lock counts as a retry.
//
// The claimed job is returned joined with its dataset and collection
// context (vector model, collection name, index prefix flag); if either
// reference was deleted the job is discarded and ErrStaleJob returned.
func (s *PGStore) Claim(ctx context.Context) (*Job, error) {
	ctx, span := tracer.Start(ctx, "PGStore.Claim")
	defer span.End()

	token := uuid.New().String()

	row := s.pool.QueryRow(ctx, claimSQL, token, s.config.LockExpiry)

	job := &Job{lockToken: token}
	var mode string
	err := row.Scan(&job.ID, &job.TeamID, &job.DatasetID, &job.CollectionID, &job.TmbID, &job.BillingID,
		&mode, &job.Inputs, &job.Model, &job.OldVectorIDs, &job.ErrorMsg,
		&job.RetryCount, &job.LockExpiry, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetStatus(codes.Ok, "no job")
		return nil, ErrNoJob
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	job.Mode = Mode(mode)

	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("team_id", job.TeamID),
		attribute.String("mode", mode),
		attribute.Int("retry_count", job.RetryCount),
	)

	err = s.pool.QueryRow(ctx, jobContextSQL, job.DatasetID, job.CollectionID).
		Scan(&job.DatasetVectorModel, &job.IndexPrefixTitle, &job.CollectionName)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.Delete(ctx, job); err != nil && !errors.Is(err, ErrNotLocked) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("discarding stale job: %w", err)
		}
		span.SetStatus(codes.Ok, "stale job discarded")
		return nil, ErrStaleJob
	}
	if err != nil {
		// Could not load the context; release the claim so the job is
		// retried rather than silently lost.
		if unlockErr := s.Unlock(ctx, job, ""); unlockErr != nil {
			span.RecordError(unlockErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading job context: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return job, nil
}

// Unlock releases a claimed job for retry, recording errorMsg.
func (s *PGStore) Unlock(ctx context.Context, job *Job, errorMsg string) error {
	ctx, span := tracer.Start(ctx, "PGStore.Unlock")
	defer span.End()

	span.SetAttributes(attribute.String("job_id", job.ID))

	tag, err := s.pool.Exec(ctx,
		`UPDATE training_jobs
		 SET lock_token = NULL, lock_expiry = NULL, error_msg = $3
		 WHERE id = $1 AND lock_token = $2`,
		job.ID, job.lockToken, errorMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("unlocking job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, ErrNotLocked.Error())
		return ErrNotLocked
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes a claimed job permanently.
func (s *PGStore) Delete(ctx context.Context, job *Job) error {
	ctx, span := tracer.Start(ctx, "PGStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("job_id", job.ID))

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM training_jobs WHERE id = $1 AND lock_token = $2`,
		job.ID, job.lockToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, ErrNotLocked.Error())
		return ErrNotLocked
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// PendingCount returns the number of queued jobs, claimed or not.
func (s *PGStore) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM training_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return count, nil
}

var _ JobStore = (*PGStore)(nil)
