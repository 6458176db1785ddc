// Package training provides the durable training job queue and the team
// quota gate, both backed by the primary Postgres database.
package training

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for job store operations.
var (
	// ErrNoJob is returned by Claim when no claimable job exists.
	ErrNoJob = errors.New("no claimable training job")

	// ErrStaleJob is returned by Claim when the job's dataset or
	// collection no longer exists. The job has already been deleted;
	// the work is no longer meaningful.
	ErrStaleJob = errors.New("training job references deleted dataset or collection")

	// ErrNotLocked indicates the caller's lock token no longer holds
	// the job, typically because the lock expired and another worker
	// reclaimed it.
	ErrNotLocked = errors.New("job not held by this lock token")

	// ErrInvalidJob indicates a job that cannot be enqueued.
	ErrInvalidJob = errors.New("invalid training job")
)

// Mode determines how a job's vectors are written.
type Mode string

const (
	// ModeInsert appends new vectors for a new logical record.
	ModeInsert Mode = "insert"

	// ModeRebuild replaces a record's existing vectors. The new vectors
	// are inserted before the old ids are deleted, so a reader may
	// briefly see both but never neither.
	ModeRebuild Mode = "rebuild"
)

// Job is one unit of embedding work. Jobs are created by the ingestion
// flow, claimed by exactly one worker at a time, and deleted on success.
//
// Locking is implicit retry: a claim stamps a lock token and expiry, and
// a job whose lock has expired is claimable again. Workers that die
// mid-job need no cleanup.
type Job struct {
	ID           string
	TeamID       string
	DatasetID    string
	CollectionID string

	// TmbID is the team member bucket the work is attributed to in
	// usage reports.
	TmbID string

	// BillingID ties the usage report to the billing account.
	BillingID string

	Mode Mode

	// Inputs are the texts to embed, one vector per input.
	Inputs []string

	// Model is the embedding model to use. Empty means the dataset's
	// configured vector model.
	Model string

	// DatasetVectorModel, CollectionName and IndexPrefixTitle are joined
	// from the dataset and collection rows at claim time; they are not
	// stored on the job row.
	DatasetVectorModel string
	CollectionName     string
	IndexPrefixTitle   bool

	// OldVectorIDs are the record's current vector ids, deleted after
	// the new vectors are written. Set only for rebuild jobs.
	OldVectorIDs []string

	// ErrorMsg holds the last failure, empty for jobs that have not
	// failed. It is diagnostic only; retry eligibility is driven by
	// the lock expiry.
	ErrorMsg string

	RetryCount int

	lockToken  string
	LockExpiry *time.Time
	CreatedAt  time.Time
}

// LockToken returns the claim token stamped by the job store. It is only
// set on jobs returned by Claim.
func (j *Job) LockToken() string {
	return j.lockToken
}

// EmbedModel returns the model to embed with: the job's explicit model,
// falling back to the dataset's configured vector model.
func (j *Job) EmbedModel() string {
	if j.Model != "" {
		return j.Model
	}
	return j.DatasetVectorModel
}

// EmbedInputs returns the texts to embed. When the dataset enables index
// prefixing, each input is prefixed with the collection name so recall
// carries the collection context into the embedding.
func (j *Job) EmbedInputs() []string {
	if !j.IndexPrefixTitle || j.CollectionName == "" {
		return j.Inputs
	}
	prefixed := make([]string, len(j.Inputs))
	for i, in := range j.Inputs {
		prefixed[i] = j.CollectionName + "\n" + in
	}
	return prefixed
}

// Validate checks a job before enqueueing.
func (j *Job) Validate() error {
	if j.TeamID == "" || j.DatasetID == "" || j.CollectionID == "" {
		return fmt.Errorf("%w: team, dataset and collection ids are required", ErrInvalidJob)
	}
	if len(j.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidJob)
	}
	switch j.Mode {
	case ModeInsert:
	case ModeRebuild:
		if len(j.OldVectorIDs) == 0 {
			return fmt.Errorf("%w: rebuild without old vector ids", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidJob, j.Mode)
	}
	return nil
}
