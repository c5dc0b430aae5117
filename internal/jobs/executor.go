package jobs

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/yourusername/taskforge/internal/jobs"

// maxErrorMessageLen bounds what is persisted on the row; the full error
// is logged server-side only.
const maxErrorMessageLen = 1000

// Executor is the generic wrapper around every business function. It
// claims the job, invokes the registered handler and records failures.
// The lifecycle events it emits (started, completed, failed, retried) are
// advisory; the job row is the only source of truth.
type Executor struct {
	store    *Store
	registry *Registry
	log      *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an Executor.
func NewExecutor(store *Store, registry *Registry, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		store:    store,
		registry: registry,
		log:      log,
		tracer:   otel.Tracer(tracerName),
	}
}

// Execute runs the business function for one queued task. Duplicate
// delivery of an already claimed or terminal job is a guarded no-op, which
// is what makes at-least-once transport acceptable. Handler errors are
// persisted on the row and returned so the transport's retry policy still
// sees them.
func (e *Executor) Execute(ctx context.Context, payload *TaskPayload) error {
	log := e.log.With("job_id", payload.JobID, "kind", payload.Kind, "trace_id", payload.TraceID)

	job, err := e.store.GetForWorker(ctx, payload.JobID)
	if err != nil {
		log.Error("job lookup failed", "err", err)
		return err
	}

	if job.Status.Terminal() {
		log.Info("job already terminal, skipping redelivery", "status", job.Status)
		return nil
	}

	taskID := payload.TaskID
	claimed, err := e.store.Transition(ctx, job.ID, StatusPending, StatusProcessing, Update{TaskID: &taskID})
	if err != nil {
		return err
	}
	if !claimed {
		// Another delivery of the same task won the claim, or the job is
		// awaiting a provider batch and now belongs to the sweeper.
		log.Info("job already claimed, treating delivery as retried", "status", job.Status)
		return nil
	}
	job.Status = StatusProcessing
	job.TaskID = taskID

	ctx, span := e.tracer.Start(ctx, "jobs.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.type", string(job.JobType)),
	))
	defer span.End()

	start := time.Now()
	log.Info("job started", "task_id", taskID)

	handler, err := e.registry.Resolve(job.Kind)
	if err != nil {
		return e.fail(ctx, span, log, job, err)
	}

	if err := handler.Execute(ctx, job, payload.Args); err != nil {
		return e.fail(ctx, span, log, job, err)
	}

	span.SetStatus(codes.Ok, "")
	log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// fail records the handler error on the row with a sanitized message and
// re-raises it to the transport. The transition is guarded: if the handler
// already marked the job terminal, the row is left alone.
func (e *Executor) fail(ctx context.Context, span trace.Span, log *slog.Logger, job *Job, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "job failed")
	log.Error("job failed", "err", cause)

	msg := sanitizeError(cause)
	moved, err := e.store.Transition(ctx, job.ID, StatusProcessing, StatusFailed, Update{ErrorMessage: &msg})
	if err != nil {
		log.Error("failed to persist FAILED status", "err", err)
	} else if !moved {
		log.Warn("job no longer in PROCESSING while recording failure")
	}
	return cause
}

func sanitizeError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
