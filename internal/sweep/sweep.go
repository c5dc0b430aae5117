// Package sweep reconciles jobs blocked on a third-party batch API with
// the provider's actual batch state. The sweep is the only writer that
// moves those jobs to a terminal status.
package sweep

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
)

const tracerName = "taskforge/sweep"

// Finalizer turns a terminal provider batch into domain state for one job
// kind. FinalizeBatch returns the result reference recorded on the job.
type Finalizer interface {
	FinalizeBatch(ctx context.Context, job *jobs.Job, results []provider.BatchResult) (string, error)
	FinalizeBatchFailure(ctx context.Context, job *jobs.Job, summary string) error
}

// Summary aggregates one sweep pass across all tenants. TotalFailed counts
// jobs moved to FAILED plus jobs whose sweep attempt itself errored; an
// errored attempt leaves the job PROCESSING for the next pass.
type Summary struct {
	OrganizationsProcessed int                 `json:"organizationsProcessed"`
	TotalProcessed         int                 `json:"totalProcessed"`
	TotalFailed            int                 `json:"totalFailed"`
	TotalStillProcessing   int                 `json:"totalStillProcessing"`
	Organizations          []OrganizationSweep `json:"organizations,omitempty"`
}

// OrganizationSweep is the per-tenant slice of a sweep pass.
type OrganizationSweep struct {
	OrganizationID  uuid.UUID `json:"organizationId"`
	Processed       int       `json:"processed"`
	Failed          int       `json:"failed"`
	StillProcessing int       `json:"stillProcessing"`
	Error           string    `json:"error,omitempty"`
}

// Sweeper polls the provider for every job awaiting a batch and applies
// the outcome with guarded transitions, so a concurrent writer can never
// be overwritten.
type Sweeper struct {
	store      *jobs.Store
	batch      provider.BatchClient
	finalizers map[jobs.Kind]Finalizer
	log        *slog.Logger
	tracer     trace.Tracer
}

// NewSweeper creates a Sweeper.
func NewSweeper(store *jobs.Store, batch provider.BatchClient, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:      store,
		batch:      batch,
		finalizers: make(map[jobs.Kind]Finalizer),
		log:        log,
		tracer:     otel.Tracer(tracerName),
	}
}

// Register binds a finalizer to a job kind. Called during startup wiring.
func (s *Sweeper) Register(kind jobs.Kind, fin Finalizer) {
	if fin == nil {
		panic("sweep: nil finalizer for kind " + string(kind))
	}
	if _, dup := s.finalizers[kind]; dup {
		panic("sweep: duplicate finalizer for kind " + string(kind))
	}
	s.finalizers[kind] = fin
}

// Run performs one sweep pass over every tenant. It never returns an
// error: each tenant and each job is isolated, and a failure in one is
// logged, counted and skipped.
func (s *Sweeper) Run(ctx context.Context) Summary {
	ctx, span := s.tracer.Start(ctx, "sweep.run")
	defer span.End()

	var summary Summary

	orgs, err := s.store.OrganizationsAwaitingProvider(ctx)
	if err != nil {
		s.log.Error("sweep could not list organizations", "err", err)
		return summary
	}

	for _, orgID := range orgs {
		org := s.sweepOrganization(ctx, orgID)
		summary.OrganizationsProcessed++
		summary.TotalProcessed += org.Processed
		summary.TotalFailed += org.Failed
		summary.TotalStillProcessing += org.StillProcessing
		summary.Organizations = append(summary.Organizations, org)
	}

	span.SetAttributes(
		attribute.Int("sweep.organizations", summary.OrganizationsProcessed),
		attribute.Int("sweep.processed", summary.TotalProcessed),
		attribute.Int("sweep.failed", summary.TotalFailed),
		attribute.Int("sweep.still_processing", summary.TotalStillProcessing),
	)
	s.log.Info("sweep finished",
		"organizations", summary.OrganizationsProcessed,
		"processed", summary.TotalProcessed,
		"failed", summary.TotalFailed,
		"still_processing", summary.TotalStillProcessing)
	return summary
}

func (s *Sweeper) sweepOrganization(ctx context.Context, orgID uuid.UUID) OrganizationSweep {
	org := OrganizationSweep{OrganizationID: orgID}

	pending, err := s.store.AwaitingProviderByOrganization(ctx, orgID)
	if err != nil {
		s.log.Error("sweep could not list jobs", "organization_id", orgID, "err", err)
		org.Error = err.Error()
		return org
	}

	for i := range pending {
		switch s.sweepJob(ctx, &pending[i]) {
		case outcomeProcessed:
			org.Processed++
		case outcomeFailed:
			org.Failed++
		case outcomeStillProcessing:
			org.StillProcessing++
		}
	}
	return org
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeStillProcessing
	outcomeSkipped
)

func (s *Sweeper) sweepJob(ctx context.Context, job *jobs.Job) outcome {
	log := s.log.With("job_id", job.ID, "batch_id", *job.ProviderBatchID)

	state, err := s.batch.GetBatchState(ctx, *job.ProviderBatchID)
	if err != nil {
		log.Error("batch poll failed", "err", err)
		return outcomeFailed
	}

	switch {
	case state.Completed():
		return s.finalize(ctx, job, state, log)
	case state.Failed():
		summary := state.ErrorSummary
		if summary == "" {
			summary = "provider batch ended in state " + state.Status
		}
		moved, err := s.store.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusFailed, jobs.Update{ErrorMessage: &summary})
		if err != nil {
			log.Error("could not mark job FAILED", "err", err)
			return outcomeFailed
		}
		if !moved {
			log.Warn("job left PROCESSING before sweep, skipping")
			return outcomeSkipped
		}
		if fin, ok := s.finalizers[job.Kind]; ok {
			if err := fin.FinalizeBatchFailure(ctx, job, summary); err != nil {
				log.Error("failure finalizer errored", "err", err)
			}
		}
		log.Info("batch failed, job marked FAILED", "provider_status", state.Status)
		return outcomeFailed
	default:
		return outcomeStillProcessing
	}
}

func (s *Sweeper) finalize(ctx context.Context, job *jobs.Job, state *provider.BatchState, log *slog.Logger) outcome {
	fin, ok := s.finalizers[job.Kind]
	if !ok {
		log.Error("no finalizer registered for kind", "kind", job.Kind)
		return outcomeFailed
	}

	results, err := s.batch.DownloadBatchResults(ctx, state.OutputFileID)
	if err != nil {
		log.Error("batch result download failed", "err", err)
		return outcomeFailed
	}

	resultRef, err := fin.FinalizeBatch(ctx, job, results)
	if err != nil {
		log.Error("finalizer failed", "err", err)
		return outcomeFailed
	}

	moved, err := s.store.Transition(ctx, job.ID, jobs.StatusProcessing, jobs.StatusSuccess, jobs.Update{ResultRef: &resultRef})
	if err != nil {
		log.Error("could not mark job SUCCESS", "err", err)
		return outcomeFailed
	}
	if !moved {
		log.Warn("job left PROCESSING before sweep, skipping")
		return outcomeSkipped
	}
	log.Info("batch completed, job marked SUCCESS", "result_ref", resultRef)
	return outcomeProcessed
}
