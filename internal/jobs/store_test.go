package jobs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newTestDB(t), nil)
}

func testSpec(tenant Tenant, resourceID *uuid.UUID) Spec {
	return Spec{
		JobType:        TypeCollection,
		Kind:           KindCollectionCreate,
		ActionType:     ActionCreate,
		ResourceID:     resourceID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
	}
}

func newTenant() Tenant {
	return Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}
}

func TestCreateStartsPending(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()

	job, err := store.Create(context.Background(), testSpec(tenant, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, job.Status)
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, tenant.ProjectID, job.ProjectID)
}

func TestCreateRejectsSecondJobOnResource(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	resource := uuid.New()

	first, err := store.Create(context.Background(), testSpec(tenant, &resource))
	require.NoError(t, err)

	_, err = store.Create(context.Background(), testSpec(tenant, &resource))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingID)
	assert.Equal(t, StatusPending, conflict.Status)
}

func TestCreateAllowsNewJobAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	resource := uuid.New()
	ctx := context.Background()

	first, err := store.Create(ctx, testSpec(tenant, &resource))
	require.NoError(t, err)

	failed := StatusFailed
	msg := "boom"
	_, err = store.Update(ctx, first.ID, Update{Status: &failed, ErrorMessage: &msg})
	require.NoError(t, err)

	second, err := store.Create(ctx, testSpec(tenant, &resource))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateResourcelessJobsDoNotConflict(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	spec := testSpec(tenant, nil)
	spec.JobType = TypeResponse
	spec.Kind = KindResponse

	_, err := store.Create(ctx, spec)
	require.NoError(t, err)
	_, err = store.Create(ctx, spec)
	require.NoError(t, err)
}

func TestGetHidesForeignTenants(t *testing.T) {
	store := newTestStore(t)
	owner := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(owner, nil))
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID, owner.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = store.Get(ctx, job.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetManySplitsFoundAndMissing(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	other := newTenant()
	ctx := context.Background()

	mine, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)
	theirs, err := store.Create(ctx, testSpec(other, nil))
	require.NoError(t, err)
	unknown := uuid.New()

	found, missing, err := store.GetMany(ctx, []uuid.UUID{mine.ID, theirs.ID, unknown}, tenant.ProjectID)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, mine.ID, found[0].ID)
	assert.ElementsMatch(t, []uuid.UUID{theirs.ID, unknown}, missing)
}

func TestUpdateRefusesBackwardTransition(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)

	success := StatusSuccess
	_, err = store.Update(ctx, job.ID, Update{Status: &success})
	require.NoError(t, err)

	processing := StatusProcessing
	_, err = store.Update(ctx, job.ID, Update{Status: &processing})
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestUpdateFailedGetsDefaultErrorMessage(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)

	failed := StatusFailed
	updated, err := store.Update(ctx, job.ID, Update{Status: &failed})
	require.NoError(t, err)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, "unknown error", *updated.ErrorMessage)
}

func TestUpdateSuccessClearsErrorMessage(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)

	msg := "earlier attempt"
	_, err = store.Update(ctx, job.ID, Update{ErrorMessage: &msg})
	require.NoError(t, err)

	success := StatusSuccess
	updated, err := store.Update(ctx, job.ID, Update{Status: &success})
	require.NoError(t, err)
	assert.Nil(t, updated.ErrorMessage)
}

func TestTransitionClaimsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)

	taskID := "task-1"
	claimed, err := store.Transition(ctx, job.ID, StatusPending, StatusProcessing, Update{TaskID: &taskID})
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := store.Transition(ctx, job.ID, StatusPending, StatusProcessing, Update{TaskID: &taskID})
	require.NoError(t, err)
	assert.False(t, again)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	store := newTestStore(t)
	tenant := newTenant()
	ctx := context.Background()

	job, err := store.Create(ctx, testSpec(tenant, nil))
	require.NoError(t, err)

	_, err = store.Transition(ctx, job.ID, StatusSuccess, StatusProcessing, Update{})
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestAwaitingProviderQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	orgA := newTenant()
	orgB := newTenant()

	makeAwaiting := func(tenant Tenant, batchID string) *Job {
		spec := testSpec(tenant, nil)
		spec.JobType = TypeEvaluation
		spec.Kind = KindEvaluation
		job, err := store.Create(ctx, spec)
		require.NoError(t, err)
		claimed, err := store.Transition(ctx, job.ID, StatusPending, StatusProcessing, Update{ProviderBatchID: &batchID})
		require.NoError(t, err)
		require.True(t, claimed)
		return job
	}

	awaitingA := makeAwaiting(orgA, "batch-a")
	makeAwaiting(orgB, "batch-b")

	// Jobs without a batch handle are worker-owned and invisible here.
	_, err := store.Create(ctx, testSpec(orgA, nil))
	require.NoError(t, err)

	orgs, err := store.OrganizationsAwaitingProvider(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{orgA.OrganizationID, orgB.OrganizationID}, orgs)

	pending, err := store.AwaitingProviderByOrganization(ctx, orgA.OrganizationID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, awaitingA.ID, pending[0].ID)
	assert.True(t, pending[0].AwaitingProvider())
}

func TestStatusCanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.True(t, StatusProcessing.CanTransition(StatusSuccess))
	assert.False(t, StatusProcessing.CanTransition(StatusPending))
	assert.False(t, StatusSuccess.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusProcessing))
}
