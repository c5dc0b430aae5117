package doctransform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/documents"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/storage"
)

// Request asks for a document to be converted to a target format.
type Request struct {
	SourceDocumentID uuid.UUID      `json:"sourceDocumentId" binding:"required"`
	TargetFormat     Format         `json:"targetFormat" binding:"required"`
	CallbackURL      string         `json:"callbackUrl"`
	Metadata         map[string]any `json:"metadata"`
}

// Options tunes the retry behavior of the worker handler.
type Options struct {
	// MaxRetries is how many times a transient failure is retried after
	// the first attempt.
	MaxRetries int
	// RetryBackoff is the fixed pause between attempts.
	RetryBackoff time.Duration
}

// Service validates transform requests and owns the worker handler.
type Service struct {
	documents  *documents.Store
	jobs       *jobs.Store
	dispatcher jobs.Dispatcher
	registry   *Registry
	artifacts  storage.Store
	deliverer  *callback.Deliverer
	opts       Options
	log        *slog.Logger

	// sleep is swappable in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a Service.
func NewService(
	docs *documents.Store,
	jobStore *jobs.Store,
	dispatcher jobs.Dispatcher,
	registry *Registry,
	artifacts storage.Store,
	deliverer *callback.Deliverer,
	opts Options,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Service{
		documents:  docs,
		jobs:       jobStore,
		dispatcher: dispatcher,
		registry:   registry,
		artifacts:  artifacts,
		deliverer:  deliverer,
		opts:       opts,
		log:        log,
		sleep:      sleepCtx,
	}
}

// Start validates the request and schedules the transform. The source
// document anchors the job's resource scope, so only one transform per
// source can be in flight.
func (s *Service) Start(ctx context.Context, req Request, tenant jobs.Tenant, traceID string) (uuid.UUID, error) {
	doc, err := s.documents.Get(ctx, req.SourceDocumentID, tenant.ProjectID)
	if err != nil {
		if err == documents.ErrNotFound {
			return uuid.Nil, jobs.NewValidationError("source document %s not found", req.SourceDocumentID)
		}
		return uuid.Nil, err
	}

	sourceFormat := FormatFromFilename(doc.Filename)
	if !s.registry.Supports(sourceFormat, req.TargetFormat) {
		return uuid.Nil, jobs.NewValidationError("conversion %s -> %s is not supported", sourceFormat, req.TargetFormat)
	}

	// The extension can lie; sniff the stored bytes before accepting.
	data, err := s.artifacts.Load(ctx, doc.ObjectPath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read source document: %w", err)
	}
	if sourceFormat == FormatPDF && !mimetype.Detect(data).Is("application/pdf") {
		return uuid.Nil, jobs.NewValidationError("document %s is not a PDF", doc.ID)
	}

	job, err := s.jobs.Create(ctx, jobs.Spec{
		JobType:        jobs.TypeDocTransform,
		Kind:           jobs.KindDocTransform,
		ActionType:     jobs.ActionCreate,
		ResourceID:     &doc.ID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		TraceID:        traceID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	args := map[string]any{
		"source_document_id": doc.ID.String(),
		"target_format":      string(req.TargetFormat),
		"callback_url":       req.CallbackURL,
	}
	if req.Metadata != nil {
		args["metadata"] = req.Metadata
	}
	if _, err := s.dispatcher.Dispatch(ctx, job, args); err != nil {
		s.log.Error("dispatch failed", "job_id", job.ID, "err", err)
		failed := jobs.StatusFailed
		msg := "failed to enqueue job"
		if _, uerr := s.jobs.Update(ctx, job.ID, jobs.Update{Status: &failed, ErrorMessage: &msg}); uerr != nil {
			s.log.Error("failed to mark job FAILED after dispatch error", "job_id", job.ID, "err", uerr)
		}
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.Info("transform scheduled", "job_id", job.ID, "source_document_id", doc.ID, "target", req.TargetFormat)
	return job.ID, nil
}

// Handler returns the worker handler that runs the conversion.
func (s *Service) Handler() jobs.Handler {
	return jobs.HandlerFunc(s.execute)
}

func (s *Service) execute(ctx context.Context, job *jobs.Job, args map[string]any) error {
	sourceID, err := jobs.ArgUUID(args, "source_document_id")
	if err != nil {
		return err
	}
	targetRaw, err := jobs.ArgString(args, "target_format")
	if err != nil {
		return err
	}
	target := Format(targetRaw)
	callbackURL := jobs.ArgStringOptional(args, "callback_url")
	metadata := jobs.ArgMap(args, "metadata")

	doc, err := s.documents.Get(ctx, sourceID, job.ProjectID)
	if err != nil {
		return err
	}

	transformer, err := s.registry.Resolve(FormatFromFilename(doc.Filename), target)
	if err != nil {
		s.notifyFailure(ctx, job, callbackURL, metadata, err)
		return err
	}

	sourceAbs := s.artifacts.AbsPath(doc.ObjectPath)
	var outputPath string
	attempts := s.opts.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		// Each attempt targets a fresh artifact; the source is read-only,
		// so a half-written output from a failed attempt is simply
		// abandoned.
		outputPath = fmt.Sprintf("transforms/%s/%s.%s", job.ID, uuid.New(), target)
		err = transformer.Transform(ctx, sourceAbs, s.artifacts.AbsPath(outputPath))
		if err == nil {
			break
		}

		if !provider.IsTransient(err) || attempt >= attempts {
			s.log.Error("transform failed", "job_id", job.ID, "attempt", attempt, "err", err)
			s.notifyFailure(ctx, job, callbackURL, metadata, err)
			return err
		}

		s.log.Warn("transient transform failure, retrying",
			"job_id", job.ID, "attempt", attempt, "backoff", s.opts.RetryBackoff, "err", err)
		if serr := s.sleep(ctx, s.opts.RetryBackoff); serr != nil {
			return serr
		}
	}

	derived := &documents.Document{
		ID:               uuid.New(),
		ProjectID:        job.ProjectID,
		Filename:         fmt.Sprintf("%s_transformed.%s", stem(doc.Filename), target),
		ObjectPath:       outputPath,
		SourceDocumentID: &doc.ID,
	}
	if err := s.documents.Create(ctx, derived); err != nil {
		return err
	}

	resultRef := derived.ID.String()
	moved, err := s.jobs.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusSuccess, jobs.Update{ResultRef: &resultRef})
	if err != nil {
		return err
	}
	if !moved {
		s.log.Warn("transform job no longer PROCESSING at completion", "job_id", job.ID)
		return nil
	}

	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.SuccessEnvelope(map[string]any{
		"jobId":                 job.ID.String(),
		"sourceDocumentId":      doc.ID.String(),
		"transformedDocumentId": derived.ID.String(),
		"status":                string(jobs.StatusSuccess),
	}, metadata))
	return nil
}

func (s *Service) notifyFailure(ctx context.Context, job *jobs.Job, callbackURL string, metadata map[string]any, cause error) {
	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.FailureEnvelope(cause.Error(), map[string]any{
		"jobId":  job.ID.String(),
		"status": string(jobs.StatusFailed),
	}, metadata))
}

func stem(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[:i]
		}
	}
	return filename
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
