package evaluation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/storage"
)

type fakeDispatcher struct {
	lastArgs map[string]any
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job *jobs.Job, args map[string]any) (string, error) {
	d.lastArgs = args
	return "task-" + job.ID.String(), nil
}

type fakeBatch struct {
	purpose string
	items   []provider.BatchItem
	batchID string
	err     error
}

func (b *fakeBatch) CreateBatch(_ context.Context, purpose string, items []provider.BatchItem) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.purpose = purpose
	b.items = items
	if b.batchID == "" {
		b.batchID = "batch-1"
	}
	return b.batchID, nil
}

func (b *fakeBatch) GetBatchState(context.Context, string) (*provider.BatchState, error) {
	return &provider.BatchState{Status: "in_progress"}, nil
}

func (b *fakeBatch) DownloadBatchResults(context.Context, string) ([]provider.BatchResult, error) {
	return nil, nil
}

type fixture struct {
	svc        *Service
	runs       *Store
	jobs       *jobs.Store
	dispatcher *fakeDispatcher
	batch      *fakeBatch
	artifacts  storage.Store
	tenant     jobs.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, jobs.Migrate(db))
	require.NoError(t, Migrate(db))

	artifacts, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	batch := &fakeBatch{}
	runs := NewStore(db)
	jobStore := jobs.NewStore(db, nil)

	return &fixture{
		svc: NewService(runs, jobStore, dispatcher, batch, artifacts,
			callback.NewDeliverer(0, "", nil, nil), nil),
		runs:       runs,
		jobs:       jobStore,
		dispatcher: dispatcher,
		batch:      batch,
		artifacts:  artifacts,
		tenant:     jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()},
	}
}

func validRequest() Request {
	return Request{
		Name:        "baseline",
		DatasetName: "qa-v1",
		Model:       "gpt-4o-mini",
		Items: []Item{
			{Input: "2+2?", Expected: "4"},
			{Input: "capital of France?", Expected: "Paris"},
		},
	}
}

func TestStartRejectsEmptyDataset(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Items = nil
	_, err := f.svc.Start(context.Background(), req, f.tenant, "")
	var validation *jobs.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestStartRejectsMissingExpectedOutput(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Items[1].Expected = ""
	_, err := f.svc.Start(context.Background(), req, f.tenant, "")
	var validation *jobs.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestStartRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Kind = RunKind("distillation")
	_, err := f.svc.Start(context.Background(), req, f.tenant, "")
	var validation *jobs.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestStartPersistsRunAndDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.svc.Start(ctx, validRequest(), f.tenant, "trace-1")
	require.NoError(t, err)

	job, err := f.jobs.Get(ctx, jobID, f.tenant.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeEvaluation, job.JobType)
	assert.Equal(t, jobs.KindEvaluation, job.Kind)
	require.NotNil(t, job.ResourceID)

	run, err := f.runs.Get(ctx, *job.ResourceID, f.tenant.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, RunEvaluation, run.Kind)
	assert.Equal(t, 2, run.ItemCount)

	dataset, err := f.svc.loadDataset(ctx, run)
	require.NoError(t, err)
	require.Len(t, dataset, 2)
	assert.NotEmpty(t, dataset[0].CustomID)
	assert.NotEqual(t, dataset[0].CustomID, dataset[1].CustomID)
	assert.Equal(t, "4", dataset[0].Expected)
}

func TestStartFineTuningAllowsMissingExpected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.Kind = RunFineTuning
	req.Items = []Item{{Input: "example"}}

	jobID, err := f.svc.Start(ctx, req, f.tenant, "")
	require.NoError(t, err)

	job, err := f.jobs.Get(ctx, jobID, f.tenant.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindFineTuning, job.Kind)
}

func TestExecuteSubmitsBatchAndStaysProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.svc.Start(ctx, validRequest(), f.tenant, "")
	require.NoError(t, err)
	moved, err := f.jobs.Transition(ctx, jobID, jobs.StatusPending, jobs.StatusProcessing, jobs.Update{})
	require.NoError(t, err)
	require.True(t, moved)

	job, err := f.jobs.GetForWorker(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Handler().Execute(ctx, job, f.dispatcher.lastArgs))

	assert.Equal(t, string(RunEvaluation), f.batch.purpose)
	require.Len(t, f.batch.items, 2)
	assert.NotEmpty(t, f.batch.items[0].CustomID)

	after, err := f.jobs.GetForWorker(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, after.Status, "batch-backed jobs stay PROCESSING until the sweep")
	require.NotNil(t, after.ProviderBatchID)
	assert.Equal(t, f.batch.batchID, *after.ProviderBatchID)
	assert.True(t, after.AwaitingProvider())
}

func TestFinalizeBatchScoresRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.svc.Start(ctx, validRequest(), f.tenant, "")
	require.NoError(t, err)
	job, err := f.jobs.GetForWorker(ctx, jobID)
	require.NoError(t, err)

	run, err := f.runs.GetAny(ctx, *job.ResourceID)
	require.NoError(t, err)
	dataset, err := f.svc.loadDataset(ctx, run)
	require.NoError(t, err)

	results := []provider.BatchResult{
		{CustomID: dataset[0].CustomID, Output: " 4 "},
		{CustomID: dataset[1].CustomID, Output: "London"},
	}
	resultRef, err := f.svc.FinalizeBatch(ctx, job, results)
	require.NoError(t, err)
	assert.NotEmpty(t, resultRef)

	updated, err := f.runs.GetAny(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.Score)
	assert.Equal(t, "0.5000", *updated.Score)
	require.NotNil(t, updated.ResultPath)
	assert.Equal(t, resultRef, *updated.ResultPath)

	artifact, err := f.artifacts.Load(ctx, *updated.ResultPath)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), dataset[0].CustomID)
}

func TestFinalizeBatchFineTuningHasNoScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.Kind = RunFineTuning
	jobID, err := f.svc.Start(ctx, req, f.tenant, "")
	require.NoError(t, err)
	job, err := f.jobs.GetForWorker(ctx, jobID)
	require.NoError(t, err)

	run, err := f.runs.GetAny(ctx, *job.ResourceID)
	require.NoError(t, err)
	dataset, err := f.svc.loadDataset(ctx, run)
	require.NoError(t, err)

	_, err = f.svc.FinalizeBatch(ctx, job, []provider.BatchResult{
		{CustomID: dataset[0].CustomID, Output: "weights-ref"},
	})
	require.NoError(t, err)

	updated, err := f.runs.GetAny(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.Score)
	assert.NotNil(t, updated.ResultPath)
}
