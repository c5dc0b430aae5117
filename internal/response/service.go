// Package response orchestrates asynchronous model response generation
// jobs.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/storage"
)

// Request asks for a model response to be generated in the background.
type Request struct {
	Model       string         `json:"model" binding:"required"`
	Prompt      string         `json:"prompt" binding:"required"`
	CallbackURL string         `json:"callbackUrl"`
	Metadata    map[string]any `json:"metadata"`
}

// Service validates response requests and owns the worker handler.
type Service struct {
	jobs       *jobs.Store
	dispatcher jobs.Dispatcher
	completion provider.CompletionClient
	artifacts  storage.Store
	deliverer  *callback.Deliverer
	log        *slog.Logger
}

// NewService creates a Service.
func NewService(
	jobStore *jobs.Store,
	dispatcher jobs.Dispatcher,
	completion provider.CompletionClient,
	artifacts storage.Store,
	deliverer *callback.Deliverer,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		jobs:       jobStore,
		dispatcher: dispatcher,
		completion: completion,
		artifacts:  artifacts,
		deliverer:  deliverer,
		log:        log,
	}
}

// Start creates a response job and dispatches it. Response jobs carry no
// resource scope: concurrent generations are independent.
func (s *Service) Start(ctx context.Context, req Request, tenant jobs.Tenant, traceID string) (uuid.UUID, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return uuid.Nil, jobs.NewValidationError("prompt must not be empty")
	}

	job, err := s.jobs.Create(ctx, jobs.Spec{
		JobType:        jobs.TypeResponse,
		Kind:           jobs.KindResponse,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		TraceID:        traceID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	args := map[string]any{
		"model":        req.Model,
		"prompt":       req.Prompt,
		"callback_url": req.CallbackURL,
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

	s.log.Info("response job scheduled", "job_id", job.ID, "model", req.Model)
	return job.ID, nil
}

// Handler returns the worker handler that calls the provider and persists
// the generated response.
func (s *Service) Handler() jobs.Handler {
	return jobs.HandlerFunc(s.execute)
}

func (s *Service) execute(ctx context.Context, job *jobs.Job, args map[string]any) error {
	model, err := jobs.ArgString(args, "model")
	if err != nil {
		return err
	}
	prompt, err := jobs.ArgString(args, "prompt")
	if err != nil {
		return err
	}
	callbackURL := jobs.ArgStringOptional(args, "callback_url")
	metadata := jobs.ArgMap(args, "metadata")

	output, err := s.completion.Generate(ctx, model, prompt)
	if err != nil {
		s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.FailureEnvelope(err.Error(), map[string]any{
			"jobId":  job.ID.String(),
			"status": string(jobs.StatusFailed),
		}, metadata))
		return err
	}

	resultPath := fmt.Sprintf("responses/%s.txt", job.ID)
	if _, err := s.artifacts.Save(ctx, resultPath, []byte(output)); err != nil {
		return fmt.Errorf("failed to persist response artifact: %w", err)
	}

	moved, err := s.jobs.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusSuccess, jobs.Update{ResultRef: &resultPath})
	if err != nil {
		return err
	}
	if !moved {
		s.log.Warn("response job no longer PROCESSING at completion", "job_id", job.ID)
		return nil
	}

	s.deliverer.Deliver(ctx, callbackURL, job.ID, callback.SuccessEnvelope(map[string]any{
		"jobId":    job.ID.String(),
		"status":   string(jobs.StatusSuccess),
		"response": output,
	}, metadata))
	return nil
}
