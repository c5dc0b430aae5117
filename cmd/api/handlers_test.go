package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/sweep"
)

func newJobStore(t *testing.T) *jobs.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, jobs.Migrate(db))
	return jobs.NewStore(db, nil)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func withTenant(req *http.Request, tenant jobs.Tenant) *http.Request {
	req.Header.Set(headerProjectID, tenant.ProjectID.String())
	req.Header.Set(headerOrganizationID, tenant.OrganizationID.String())
	return req
}

func TestHealthEndpoint(t *testing.T) {
	router := newRouter()
	router.GET("/health", handleHealth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskforge-api")
}

func TestJobStatusRequiresTenantHeaders(t *testing.T) {
	router := newRouter()
	router.GET("/api/jobs/:id", jobStatusHandler(newJobStore(t)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TENANT")
}

func TestJobStatusHidesForeignJobs(t *testing.T) {
	store := newJobStore(t)
	router := newRouter()
	router.GET("/api/jobs/:id", jobStatusHandler(store))

	owner := jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}
	job, err := store.Create(context.Background(), jobs.Spec{
		JobType:        jobs.TypeResponse,
		Kind:           jobs.KindResponse,
		ProjectID:      owner.ProjectID,
		OrganizationID: owner.OrganizationID,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID.String(), nil), owner))
	assert.Equal(t, http.StatusOK, rec.Code)

	foreign := jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID.String(), nil), foreign))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "JOB_NOT_FOUND")
}

func TestJobStatusFailedJobIsStillOK(t *testing.T) {
	store := newJobStore(t)
	router := newRouter()
	router.GET("/api/jobs/:id", jobStatusHandler(store))

	tenant := jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}
	job, err := store.Create(context.Background(), jobs.Spec{
		JobType:        jobs.TypeResponse,
		Kind:           jobs.KindResponse,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
	})
	require.NoError(t, err)

	failed := jobs.StatusFailed
	msg := "provider exploded"
	_, err = store.Update(context.Background(), job.ID, jobs.Update{Status: &failed, ErrorMessage: &msg})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID.String(), nil), tenant))

	assert.Equal(t, http.StatusOK, rec.Code, "the lookup succeeded even though the job failed")

	var view jobs.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, jobs.StatusFailed, view.Status)
	require.NotNil(t, view.ErrorMessage)
	assert.Equal(t, "provider exploded", *view.ErrorMessage)
}

func TestJobBatchStatusSplitsFoundAndMissing(t *testing.T) {
	store := newJobStore(t)
	router := newRouter()
	router.GET("/api/jobs", jobBatchStatusHandler(store))

	tenant := jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}
	job, err := store.Create(context.Background(), jobs.Spec{
		JobType:        jobs.TypeResponse,
		Kind:           jobs.KindResponse,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
	})
	require.NoError(t, err)
	unknown := uuid.New()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(
		httptest.NewRequest(http.MethodGet, "/api/jobs?ids="+job.ID.String()+","+unknown.String(), nil), tenant))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Found   []jobs.View `json:"found"`
		Missing []uuid.UUID `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Found, 1)
	assert.Equal(t, job.ID, body.Found[0].ID)
	assert.Equal(t, []uuid.UUID{unknown}, body.Missing)
}

func TestJobBatchStatusRejectsBadIDs(t *testing.T) {
	router := newRouter()
	router.GET("/api/jobs", jobBatchStatusHandler(newJobStore(t)))
	tenant := jobs.Tenant{ProjectID: uuid.New(), OrganizationID: uuid.New()}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/api/jobs?ids=not-a-uuid", nil), tenant))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/api/jobs", nil), tenant))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepEndpointAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("cron-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	sweeper := sweep.NewSweeper(newJobStore(t), nil, nil)
	router := newRouter()
	router.GET("/api/cron/sweep", sweepHandler(sweeper, string(hash)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/cron/sweep", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/cron/sweep", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var summary sweep.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Zero(t, summary.OrganizationsProcessed)
}

func TestSweepEndpointDisabledWithoutHash(t *testing.T) {
	router := newRouter()
	router.GET("/api/cron/sweep", sweepHandler(sweep.NewSweeper(newJobStore(t), nil, nil), ""))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron/sweep", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
