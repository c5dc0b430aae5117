package collections

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/documents"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/storage"
)

// CreateRequest asks for a collection to be built from source documents.
type CreateRequest struct {
	Name        string         `json:"name" binding:"required"`
	DocumentIDs []uuid.UUID    `json:"documentIds" binding:"required"`
	CallbackURL string         `json:"callbackUrl"`
	Metadata    map[string]any `json:"metadata"`
}

// DeleteRequest asks for a collection and its provider resource to be
// removed.
type DeleteRequest struct {
	CallbackURL string         `json:"callbackUrl"`
	Metadata    map[string]any `json:"metadata"`
}

// Service validates collection requests, creates their jobs and owns the
// worker handlers that finish or roll back the provider resource.
type Service struct {
	collections *Store
	documents   *documents.Store
	jobs        *jobs.Store
	dispatcher  jobs.Dispatcher
	vector      provider.VectorStoreClient
	artifacts   storage.Store
	deliverer   *callback.Deliverer
	log         *slog.Logger
}

// NewService creates a Service.
func NewService(
	collections *Store,
	docs *documents.Store,
	jobStore *jobs.Store,
	dispatcher jobs.Dispatcher,
	vector provider.VectorStoreClient,
	artifacts storage.Store,
	deliverer *callback.Deliverer,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		collections: collections,
		documents:   docs,
		jobs:        jobStore,
		dispatcher:  dispatcher,
		vector:      vector,
		artifacts:   artifacts,
		deliverer:   deliverer,
		log:         log,
	}
}

// StartCreate validates the request, creates the collection row and its
// build job, and dispatches the work. The returned job id is available
// for polling immediately; the caller never waits on the build.
func (s *Service) StartCreate(ctx context.Context, req CreateRequest, tenant jobs.Tenant, traceID string) (uuid.UUID, error) {
	if len(req.DocumentIDs) == 0 {
		return uuid.Nil, jobs.NewValidationError("a collection build needs at least one source document")
	}
	_, missing, err := s.documents.GetMany(ctx, req.DocumentIDs, tenant.ProjectID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(missing) > 0 {
		return uuid.Nil, jobs.NewValidationError("unknown source documents: %v", missing)
	}

	col := &Collection{
		ID:             uuid.New(),
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		Name:           req.Name,
	}
	if err := s.collections.Create(ctx, col); err != nil {
		return uuid.Nil, err
	}

	job, err := s.jobs.Create(ctx, jobs.Spec{
		JobType:        jobs.TypeCollection,
		Kind:           jobs.KindCollectionCreate,
		ActionType:     jobs.ActionCreate,
		ResourceID:     &col.ID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		TraceID:        traceID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	args := map[string]any{
		"collection_id": col.ID.String(),
		"document_ids":  jobs.UUIDStrings(req.DocumentIDs),
		"callback_url":  req.CallbackURL,
	}
	if req.Metadata != nil {
		args["metadata"] = req.Metadata
	}
	if err := s.failOnDispatchError(ctx, job, args); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("collection build scheduled", "collection_id", col.ID, "job_id", job.ID, "documents", len(req.DocumentIDs))
	return job.ID, nil
}

// StartDelete creates a delete job for the collection. A delete is
// rejected with a conflict while any job on the collection is still in
// flight, so a build is never interleaved with its own teardown.
func (s *Service) StartDelete(ctx context.Context, collectionID uuid.UUID, req DeleteRequest, tenant jobs.Tenant, traceID string) (uuid.UUID, error) {
	col, err := s.collections.Get(ctx, collectionID, tenant.ProjectID)
	if err != nil {
		return uuid.Nil, err
	}

	job, err := s.jobs.Create(ctx, jobs.Spec{
		JobType:        jobs.TypeCollection,
		Kind:           jobs.KindCollectionDelete,
		ActionType:     jobs.ActionDelete,
		ResourceID:     &col.ID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		TraceID:        traceID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	args := map[string]any{
		"collection_id": col.ID.String(),
		"callback_url":  req.CallbackURL,
	}
	if req.Metadata != nil {
		args["metadata"] = req.Metadata
	}
	if err := s.failOnDispatchError(ctx, job, args); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("collection delete scheduled", "collection_id", col.ID, "job_id", job.ID)
	return job.ID, nil
}

// failOnDispatchError marks the job FAILED when the transport rejects the
// enqueue, so the caller is not left with a pending row nothing will run.
func (s *Service) failOnDispatchError(ctx context.Context, job *jobs.Job, args map[string]any) error {
	if _, err := s.dispatcher.Dispatch(ctx, job, args); err != nil {
		s.log.Error("dispatch failed", "job_id", job.ID, "err", err)
		failed := jobs.StatusFailed
		msg := "failed to enqueue job"
		if _, uerr := s.jobs.Update(ctx, job.ID, jobs.Update{Status: &failed, ErrorMessage: &msg}); uerr != nil {
			s.log.Error("failed to mark job FAILED after dispatch error", "job_id", job.ID, "err", uerr)
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// CreateHandler returns the worker handler that builds the provider
// vector index for a collection.
func (s *Service) CreateHandler() jobs.Handler {
	return jobs.HandlerFunc(s.executeCreate)
}

// DeleteHandler returns the worker handler that tears the provider
// resource down.
func (s *Service) DeleteHandler() jobs.Handler {
	return jobs.HandlerFunc(s.executeDelete)
}

func (s *Service) executeCreate(ctx context.Context, job *jobs.Job, args map[string]any) error {
	collectionID, err := jobs.ArgUUID(args, "collection_id")
	if err != nil {
		return err
	}
	docIDs, err := jobs.ArgUUIDSlice(args, "document_ids")
	if err != nil {
		return err
	}
	callbackURL := jobs.ArgStringOptional(args, "callback_url")
	metadata := jobs.ArgMap(args, "metadata")

	col, err := s.collections.GetAny(ctx, collectionID)
	if err != nil {
		return err
	}

	docs, missing, err := s.documents.GetMany(ctx, docIDs, job.ProjectID)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		err := fmt.Errorf("source documents disappeared before build: %v", missing)
		s.notifyFailure(ctx, job, col, callbackURL, metadata, err)
		return err
	}

	storeID, err := s.vector.CreateVectorStore(ctx, col.Name)
	if err != nil {
		s.recordCollectionFailure(ctx, col, err)
		s.notifyFailure(ctx, job, col, callbackURL, metadata, err)
		return err
	}

	paths := make([]string, len(docs))
	for i, doc := range docs {
		paths[i] = s.artifacts.AbsPath(doc.ObjectPath)
	}
	if err := s.vector.AttachFiles(ctx, storeID, paths); err != nil {
		// Roll back the half-built index; the collection must not point
		// at a partially populated provider resource.
		if derr := s.vector.DeleteVectorStore(ctx, storeID); derr != nil {
			s.log.Error("rollback of partial vector store failed", "collection_id", col.ID, "store_id", storeID, "err", derr)
		}
		s.recordCollectionFailure(ctx, col, err)
		s.notifyFailure(ctx, job, col, callbackURL, metadata, err)
		return err
	}

	col.ProviderResourceID = &storeID
	col.Queryable = true
	col.ErrorMessage = nil
	if err := s.collections.Save(ctx, col); err != nil {
		if derr := s.vector.DeleteVectorStore(ctx, storeID); derr != nil {
			s.log.Error("rollback of vector store failed", "collection_id", col.ID, "store_id", storeID, "err", derr)
		}
		return err
	}

	moved, err := s.jobs.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusSuccess, jobs.Update{ResultRef: &storeID})
	if err != nil {
		return err
	}
	if !moved {
		s.log.Warn("collection job no longer PROCESSING at completion", "job_id", job.ID)
		return nil
	}

	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.SuccessEnvelope(map[string]any{
		"jobId":              job.ID.String(),
		"collectionId":       col.ID.String(),
		"providerResourceId": storeID,
		"status":             string(jobs.StatusSuccess),
	}, metadata))
	return nil
}

func (s *Service) executeDelete(ctx context.Context, job *jobs.Job, args map[string]any) error {
	collectionID, err := jobs.ArgUUID(args, "collection_id")
	if err != nil {
		return err
	}
	callbackURL := jobs.ArgStringOptional(args, "callback_url")
	metadata := jobs.ArgMap(args, "metadata")

	col, err := s.collections.GetAny(ctx, collectionID)
	if err != nil {
		return err
	}

	if col.ProviderResourceID != nil {
		if err := s.vector.DeleteVectorStore(ctx, *col.ProviderResourceID); err != nil {
			s.notifyFailure(ctx, job, col, callbackURL, metadata, err)
			return err
		}
	}

	col.ProviderResourceID = nil
	col.Queryable = false
	col.ErrorMessage = nil
	if err := s.collections.Save(ctx, col); err != nil {
		return err
	}

	moved, err := s.jobs.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusSuccess, jobs.Update{})
	if err != nil {
		return err
	}
	if !moved {
		s.log.Warn("collection delete job no longer PROCESSING at completion", "job_id", job.ID)
		return nil
	}

	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.SuccessEnvelope(map[string]any{
		"jobId":        job.ID.String(),
		"collectionId": col.ID.String(),
		"status":       string(jobs.StatusSuccess),
	}, metadata))
	return nil
}

func (s *Service) recordCollectionFailure(ctx context.Context, col *Collection, cause error) {
	msg := cause.Error()
	col.ErrorMessage = &msg
	col.Queryable = false
	if err := s.collections.Save(ctx, col); err != nil {
		s.log.Error("failed to record collection failure", "collection_id", col.ID, "err", err)
	}
}

func (s *Service) notifyFailure(ctx context.Context, job *jobs.Job, col *Collection, callbackURL string, metadata map[string]any, cause error) {
	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.FailureEnvelope(cause.Error(), map[string]any{
		"jobId":        job.ID.String(),
		"collectionId": col.ID.String(),
		"status":       string(jobs.StatusFailed),
	}, metadata))
}
