package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/taskforge/internal/collections"
	"github.com/yourusername/taskforge/internal/doctransform"
	"github.com/yourusername/taskforge/internal/documents"
	"github.com/yourusername/taskforge/internal/evaluation"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/response"
	"github.com/yourusername/taskforge/internal/storage"
	"github.com/yourusername/taskforge/internal/sweep"
)

const (
	headerProjectID      = "X-Project-ID"
	headerOrganizationID = "X-Organization-ID"
	headerRequestID      = "X-Request-ID"

	maxUploadBytes = 64 << 20
)

// tenantFromHeaders reads the tenant identity the upstream authorization
// layer attaches to every request. It writes the error response itself so
// handlers can bail with a plain return.
func tenantFromHeaders(c *gin.Context) (jobs.Tenant, bool) {
	projectID, err := uuid.Parse(c.GetHeader(headerProjectID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_TENANT",
			"message": "header " + headerProjectID + " must be a UUID",
		})
		return jobs.Tenant{}, false
	}
	orgID, err := uuid.Parse(c.GetHeader(headerOrganizationID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_TENANT",
			"message": "header " + headerOrganizationID + " must be a UUID",
		})
		return jobs.Tenant{}, false
	}
	return jobs.Tenant{ProjectID: projectID, OrganizationID: orgID}, true
}

// traceID returns the caller's correlation id, minting one when absent.
func traceID(c *gin.Context) string {
	if id := c.GetHeader(headerRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// writeStartError maps service errors from the start endpoints onto the
// HTTP error envelope.
func writeStartError(c *gin.Context, err error) {
	var validation *jobs.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validation.Message,
		})
		return
	}

	var conflict *jobs.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"code":          "JOB_CONFLICT",
			"message":       conflict.Error(),
			"existingJobId": conflict.ExistingID,
		})
		return
	}

	switch {
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, collections.ErrNotFound),
		errors.Is(err, evaluation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "request could not be processed",
	})
}

// accepted is the uniform 202 body of every start endpoint.
func accepted(c *gin.Context, jobID uuid.UUID) {
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func uploadDocumentHandler(docs *documents.Store, artifacts storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart field \"file\" is required",
			})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "FILE_TOO_LARGE",
				"message": fmt.Sprintf("file exceeds the %d byte limit", maxUploadBytes),
			})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			writeStartError(c, err)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			writeStartError(c, err)
			return
		}

		doc := &documents.Document{
			ID:        uuid.New(),
			ProjectID: tenant.ProjectID,
			Filename:  filepath.Base(fileHeader.Filename),
		}
		doc.ObjectPath = fmt.Sprintf("documents/%s/%s", doc.ID, doc.Filename)

		if _, err := artifacts.Save(c.Request.Context(), doc.ObjectPath, data); err != nil {
			writeStartError(c, err)
			return
		}
		if err := docs.Create(c.Request.Context(), doc); err != nil {
			writeStartError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":          doc.ID,
			"filename":    doc.Filename,
			"contentType": mimetype.Detect(data).String(),
		})
	}
}

func createCollectionHandler(svc *collections.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		var req collections.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()})
			return
		}
		jobID, err := svc.StartCreate(c.Request.Context(), req, tenant, traceID(c))
		if err != nil {
			writeStartError(c, err)
			return
		}
		accepted(c, jobID)
	}
}

func deleteCollectionHandler(svc *collections.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		collectionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": "collection id must be a UUID"})
			return
		}
		var req collections.DeleteRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()})
				return
			}
		}
		jobID, err := svc.StartDelete(c.Request.Context(), collectionID, req, tenant, traceID(c))
		if err != nil {
			writeStartError(c, err)
			return
		}
		accepted(c, jobID)
	}
}

func transformDocumentHandler(svc *doctransform.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		var req doctransform.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()})
			return
		}
		jobID, err := svc.Start(c.Request.Context(), req, tenant, traceID(c))
		if err != nil {
			writeStartError(c, err)
			return
		}
		accepted(c, jobID)
	}
}

func createResponseHandler(svc *response.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		var req response.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()})
			return
		}
		jobID, err := svc.Start(c.Request.Context(), req, tenant, traceID(c))
		if err != nil {
			writeStartError(c, err)
			return
		}
		accepted(c, jobID)
	}
}

func createEvaluationHandler(svc *evaluation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		var req evaluation.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()})
			return
		}
		jobID, err := svc.Start(c.Request.Context(), req, tenant, traceID(c))
		if err != nil {
			writeStartError(c, err)
			return
		}
		accepted(c, jobID)
	}
}

// jobStatusHandler serves the polling endpoint. A FAILED job is still a
// 200; the HTTP status reflects the lookup, not the job's outcome.
func jobStatusHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}
		jobID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": "job id must be a UUID"})
			return
		}

		job, err := store.Get(c.Request.Context(), jobID, tenant.ProjectID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "job not found",
				})
				return
			}
			writeStartError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobs.ViewOf(job))
	}
}

// jobBatchStatusHandler resolves several ids at once. Unknown and foreign
// ids come back in missing rather than failing the whole request.
func jobBatchStatusHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := tenantFromHeaders(c)
		if !ok {
			return
		}

		raw := strings.Split(c.Query("ids"), ",")
		ids := make([]uuid.UUID, 0, len(raw))
		for _, part := range raw {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": fmt.Sprintf("%q is not a UUID", part),
				})
				return
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "query parameter ids is required",
			})
			return
		}

		found, missing, err := store.GetMany(c.Request.Context(), ids, tenant.ProjectID)
		if err != nil {
			writeStartError(c, err)
			return
		}

		views := make([]jobs.View, len(found))
		for i := range found {
			views[i] = jobs.ViewOf(&found[i])
		}
		c.JSON(http.StatusOK, gin.H{"found": views, "missing": missing})
	}
}

// sweepHandler triggers a reconciliation pass from an external cron. The
// shared secret is compared against a bcrypt hash so the plaintext never
// lives in the server's environment.
func sweepHandler(sweeper *sweep.Sweeper, cronSecretHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cronSecretHash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SWEEP_DISABLED",
				"message": "external sweep trigger is not configured",
			})
			return
		}

		secret, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(cronSecretHash), []byte(secret)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "invalid cron secret",
			})
			return
		}

		summary := sweeper.Run(c.Request.Context())
		c.JSON(http.StatusOK, summary)
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "taskforge-api",
		"version": "0.1.0",
	})
}
