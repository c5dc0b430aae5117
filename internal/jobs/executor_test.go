package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutorFixture(t *testing.T) (*Store, *Registry, *Executor) {
	t.Helper()
	store := newTestStore(t)
	registry := NewRegistry()
	return store, registry, NewExecutor(store, registry, nil)
}

func pendingJob(t *testing.T, store *Store, kind Kind) *Job {
	t.Helper()
	spec := testSpec(newTenant(), nil)
	spec.Kind = kind
	job, err := store.Create(context.Background(), spec)
	require.NoError(t, err)
	return job
}

func TestExecuteRunsHandlerAndHandlerOwnsSuccess(t *testing.T) {
	store, registry, executor := newExecutorFixture(t)
	ctx := context.Background()

	registry.Register(KindCollectionCreate, HandlerFunc(func(ctx context.Context, job *Job, args map[string]any) error {
		assert.Equal(t, "value", args["key"])
		ref := "result"
		moved, err := store.Transition(ctx, job.ID, StatusProcessing, StatusSuccess, Update{ResultRef: &ref})
		require.NoError(t, err)
		require.True(t, moved)
		return nil
	}))

	job := pendingJob(t, store, KindCollectionCreate)
	err := executor.Execute(ctx, &TaskPayload{
		JobID:  job.ID,
		Kind:   job.Kind,
		Args:   map[string]any{"key": "value"},
		TaskID: "task-1",
	})
	require.NoError(t, err)

	got, err := store.GetForWorker(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "task-1", got.TaskID)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "result", *got.ResultRef)
}

func TestExecuteRecordsHandlerFailure(t *testing.T) {
	store, registry, executor := newExecutorFixture(t)
	ctx := context.Background()

	cause := errors.New("provider exploded")
	registry.Register(KindCollectionCreate, HandlerFunc(func(context.Context, *Job, map[string]any) error {
		return cause
	}))

	job := pendingJob(t, store, KindCollectionCreate)
	err := executor.Execute(ctx, &TaskPayload{JobID: job.ID, Kind: job.Kind})
	assert.ErrorIs(t, err, cause)

	got, err := store.GetForWorker(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "provider exploded", *got.ErrorMessage)
}

func TestExecuteTruncatesLongErrorMessages(t *testing.T) {
	store, registry, executor := newExecutorFixture(t)
	ctx := context.Background()

	registry.Register(KindCollectionCreate, HandlerFunc(func(context.Context, *Job, map[string]any) error {
		return errors.New(strings.Repeat("x", 5000))
	}))

	job := pendingJob(t, store, KindCollectionCreate)
	_ = executor.Execute(ctx, &TaskPayload{JobID: job.ID, Kind: job.Kind})

	got, err := store.GetForWorker(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Len(t, *got.ErrorMessage, maxErrorMessageLen)
}

func TestExecuteTerminalJobIsNoOp(t *testing.T) {
	store, registry, executor := newExecutorFixture(t)
	ctx := context.Background()

	called := false
	registry.Register(KindCollectionCreate, HandlerFunc(func(context.Context, *Job, map[string]any) error {
		called = true
		return nil
	}))

	job := pendingJob(t, store, KindCollectionCreate)
	success := StatusSuccess
	_, err := store.Update(ctx, job.ID, Update{Status: &success})
	require.NoError(t, err)

	err = executor.Execute(ctx, &TaskPayload{JobID: job.ID, Kind: job.Kind})
	require.NoError(t, err)
	assert.False(t, called, "redelivery of a terminal job must not run the handler")
}

func TestExecuteAlreadyClaimedJobIsNoOp(t *testing.T) {
	store, registry, executor := newExecutorFixture(t)
	ctx := context.Background()

	called := false
	registry.Register(KindCollectionCreate, HandlerFunc(func(context.Context, *Job, map[string]any) error {
		called = true
		return nil
	}))

	job := pendingJob(t, store, KindCollectionCreate)
	claimed, err := store.Transition(ctx, job.ID, StatusPending, StatusProcessing, Update{})
	require.NoError(t, err)
	require.True(t, claimed)

	err = executor.Execute(ctx, &TaskPayload{JobID: job.ID, Kind: job.Kind})
	require.NoError(t, err)
	assert.False(t, called, "duplicate delivery of a claimed job must not run the handler")

	got, err := store.GetForWorker(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestExecuteUnknownKindFailsJob(t *testing.T) {
	store, _, executor := newExecutorFixture(t)
	ctx := context.Background()

	job := pendingJob(t, store, Kind("unregistered"))
	err := executor.Execute(ctx, &TaskPayload{JobID: job.ID, Kind: job.Kind})
	require.Error(t, err)

	got, err := store.GetForWorker(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}
