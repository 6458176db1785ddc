package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectord/internal/billing"
	"github.com/fyrsmithlabs/vectord/internal/training"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

type unlockCall struct {
	jobID    string
	errorMsg string
}

// fakeJobStore serves a fixed sequence of claims and records unlocks and
// deletes.
type fakeJobStore struct {
	mu      sync.Mutex
	queue   []*training.Job
	claims  int
	unlocks []unlockCall
	deletes []string
}

func (f *fakeJobStore) Claim(ctx context.Context) (*training.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.queue) == 0 {
		return nil, training.ErrNoJob
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	return job, nil
}

func (f *fakeJobStore) Unlock(ctx context.Context, job *training.Job, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, unlockCall{jobID: job.ID, errorMsg: errorMsg})
	return nil
}

func (f *fakeJobStore) Delete(ctx context.Context, job *training.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, job.ID)
	return nil
}

var _ training.JobStore = (*fakeJobStore)(nil)

// fakeVectors records facade calls; delete errors are served in order.
type fakeVectors struct {
	mu         sync.Mutex
	insertRes  *vectorstore.InsertResult
	insertErr  error
	inserts    int
	lastInputs []string
	lastModel  string
	deletes    []vectorstore.DeleteSelector
	deleteErrs []error
}

func (f *fakeVectors) InsertDatasetDataVector(ctx context.Context, teamID, datasetID, collectionID string, inputs []string, model string) (*vectorstore.InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	f.lastInputs = inputs
	f.lastModel = model
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.insertRes, nil
}

func (f *fakeVectors) DeleteDatasetDataVector(ctx context.Context, selector vectorstore.DeleteSelector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, selector)
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		return err
	}
	return nil
}

type fakeQuota struct {
	allowed bool
	err     error
}

func (f fakeQuota) Allow(ctx context.Context, teamID string) (bool, error) {
	return f.allowed, f.err
}

type fakeReporter struct {
	mu     sync.Mutex
	usages []billing.Usage
	err    error
}

func (f *fakeReporter) ReportUsage(ctx context.Context, usage billing.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages = append(f.usages, usage)
	return f.err
}

func testJob(mode training.Mode) *training.Job {
	j := &training.Job{
		ID:           "job-1",
		TeamID:       "team-1",
		DatasetID:    "ds-1",
		CollectionID: "col-1",
		TmbID:        "tmb-1",
		BillingID:    "bill-1",
		Mode:         mode,
		Inputs:       []string{"chunk"},
		Model:        "text-embedding-3-small",
	}
	if mode == training.ModeRebuild {
		j.OldVectorIDs = []string{"old-1", "old-2"}
	}
	return j
}

func runTestJob(t *testing.T, w *Worker, job *training.Job) string {
	t.Helper()
	ctx, span := tracer.Start(context.Background(), "test")
	defer span.End()
	return w.runJob(ctx, span, job)
}

func newTestWorker(jobs training.JobStore, quota QuotaGate, vectors VectorService, reporter billing.Reporter) *Worker {
	return New(Config{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		ClaimRate:    1000,
	}, jobs, quota, vectors, reporter, nil)
}

func TestRunJobSuccess(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{
		Tokens:    17,
		InsertIDs: []string{"v1"},
	}}
	reporter := &fakeReporter{}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	result := runTestJob(t, w, testJob(training.ModeInsert))

	assert.Equal(t, "success", result)
	assert.Equal(t, 1, vectors.inserts)
	assert.Empty(t, jobs.unlocks)
	assert.Equal(t, []string{"job-1"}, jobs.deletes)

	require.Len(t, reporter.usages, 1)
	usage := reporter.usages[0]
	assert.Equal(t, "team-1", usage.TeamID)
	assert.Equal(t, "tmb-1", usage.TmbID)
	assert.Equal(t, "bill-1", usage.BillingID)
	assert.Equal(t, 17, usage.Tokens)
	assert.Equal(t, "text-embedding-3-small", usage.Model)
}

func TestRunJobUsesClaimContext(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{
		Tokens:    3,
		InsertIDs: []string{"v1"},
	}}
	reporter := &fakeReporter{}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	job := testJob(training.ModeInsert)
	job.Model = ""
	job.DatasetVectorModel = "text-embedding-3-large"
	job.CollectionName = "Onboarding FAQ"
	job.IndexPrefixTitle = true

	result := runTestJob(t, w, job)

	assert.Equal(t, "success", result)
	assert.Equal(t, "text-embedding-3-large", vectors.lastModel)
	assert.Equal(t, []string{"Onboarding FAQ\nchunk"}, vectors.lastInputs)
	require.Len(t, reporter.usages, 1)
	assert.Equal(t, "text-embedding-3-large", reporter.usages[0].Model)
}

func TestRunJobQuotaDeferred(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{}
	w := newTestWorker(jobs, fakeQuota{allowed: false}, vectors, &fakeReporter{})

	result := runTestJob(t, w, testJob(training.ModeInsert))

	assert.Equal(t, "deferred", result)
	// The job goes back untouched: no backend calls, no error message.
	assert.Zero(t, vectors.inserts)
	require.Len(t, jobs.unlocks, 1)
	assert.Equal(t, "", jobs.unlocks[0].errorMsg)
	assert.Empty(t, jobs.deletes)
}

func TestRunJobQuotaError(t *testing.T) {
	jobs := &fakeJobStore{}
	w := newTestWorker(jobs, fakeQuota{err: errors.New("budget db down")}, &fakeVectors{}, &fakeReporter{})

	result := runTestJob(t, w, testJob(training.ModeInsert))

	assert.Equal(t, "quota_error", result)
	require.Len(t, jobs.unlocks, 1)
	assert.Contains(t, jobs.unlocks[0].errorMsg, "budget db down")
}

func TestRunJobEmbedFailure(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{
		insertErr: fmt.Errorf("%w: model down", vectorstore.ErrEmbeddingFailed),
	}
	reporter := &fakeReporter{}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	result := runTestJob(t, w, testJob(training.ModeInsert))

	assert.Equal(t, "embed_error", result)
	// The job stays queued for retry with the failure recorded.
	require.Len(t, jobs.unlocks, 1)
	assert.Contains(t, jobs.unlocks[0].errorMsg, "model down")
	assert.Empty(t, jobs.deletes)
	assert.Empty(t, reporter.usages)
}

func TestRunJobInsertFailure(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{insertErr: errors.New("backend unreachable")}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, &fakeReporter{})

	result := runTestJob(t, w, testJob(training.ModeInsert))

	assert.Equal(t, "insert_error", result)
	require.Len(t, jobs.unlocks, 1)
	assert.Empty(t, jobs.deletes)
}

func TestRunJobRebuildSuccess(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{
		Tokens:    5,
		InsertIDs: []string{"new-1", "new-2"},
	}}
	reporter := &fakeReporter{}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	result := runTestJob(t, w, testJob(training.ModeRebuild))

	assert.Equal(t, "success", result)
	require.Len(t, vectors.deletes, 1)
	assert.Equal(t, "team-1", vectors.deletes[0].TeamID)
	assert.Equal(t, []string{"old-1", "old-2"}, vectors.deletes[0].IDs)
	assert.Equal(t, []string{"job-1"}, jobs.deletes)
	assert.Len(t, reporter.usages, 1)
}

func TestRunJobRebuildDeleteFailure(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{
		insertRes:  &vectorstore.InsertResult{Tokens: 5, InsertIDs: []string{"new-1"}},
		deleteErrs: []error{errors.New("backend flake")},
	}
	reporter := &fakeReporter{}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	result := runTestJob(t, w, testJob(training.ModeRebuild))

	assert.Equal(t, "rebuild_error", result)
	// First delete targeted the old ids, the second rolled back the new
	// ones so the retry does not accumulate duplicates.
	require.Len(t, vectors.deletes, 2)
	assert.Equal(t, []string{"old-1", "old-2"}, vectors.deletes[0].IDs)
	assert.Equal(t, []string{"new-1"}, vectors.deletes[1].IDs)

	require.Len(t, jobs.unlocks, 1)
	assert.Contains(t, jobs.unlocks[0].errorMsg, "backend flake")
	assert.Empty(t, jobs.deletes)
	assert.Empty(t, reporter.usages)
}

func TestRunJobUsageReportFailureStillDeletes(t *testing.T) {
	jobs := &fakeJobStore{}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{Tokens: 1, InsertIDs: []string{"v1"}}}
	reporter := &fakeReporter{err: errors.New("nats down")}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, reporter)

	result := runTestJob(t, w, testJob(training.ModeInsert))

	// The ingestion already happened; a billing hiccup must not retry it.
	assert.Equal(t, "success", result)
	assert.Equal(t, []string{"job-1"}, jobs.deletes)
}

func TestWorkerLoopProcessesAndStops(t *testing.T) {
	jobs := &fakeJobStore{queue: []*training.Job{testJob(training.ModeInsert)}}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{Tokens: 1, InsertIDs: []string{"v1"}}}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, &fakeReporter{})

	w.Start()

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.deletes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A clean Stop implies every claimed job released its slot.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	assert.GreaterOrEqual(t, jobs.claims, 1)
}

type erroringJobStore struct {
	fakeJobStore
	errs []error
}

func (f *erroringJobStore) Claim(ctx context.Context) (*training.Job, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.claims++
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.fakeJobStore.Claim(ctx)
}

func TestWorkerLoopSurvivesClaimErrors(t *testing.T) {
	jobs := &erroringJobStore{
		errs: []error{
			errors.New("store unreachable"),
			training.ErrStaleJob,
		},
	}
	jobs.queue = []*training.Job{testJob(training.ModeInsert)}
	vectors := &fakeVectors{insertRes: &vectorstore.InsertResult{Tokens: 1, InsertIDs: []string{"v1"}}}
	w := newTestWorker(jobs, fakeQuota{allowed: true}, vectors, &fakeReporter{})

	w.Start()

	// The loop treats both errors as non-fatal and reaches the queued job.
	require.Eventually(t, func() bool {
		jobs.fakeJobStore.mu.Lock()
		defer jobs.fakeJobStore.mu.Unlock()
		return len(jobs.deletes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}
