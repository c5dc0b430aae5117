package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	taskTypeExecute = "jobs:execute"
	taskTypeSweep   = "jobs:sweep"

	queueDefault = "jobs"
)

// TaskPayload is the wire body of a queued execution.
type TaskPayload struct {
	JobID   uuid.UUID      `json:"jobId"`
	Kind    Kind           `json:"kind"`
	TraceID string         `json:"traceId,omitempty"`
	Args    map[string]any `json:"args,omitempty"`

	// TaskID is filled in by the transport on delivery, not serialized.
	TaskID string `json:"-"`
}

// Dispatcher hands a created job to the out-of-process worker pool and
// returns the external task reference. Implementations must not block on
// the business function.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job, args map[string]any) (string, error)
}

// Manager owns the asynq client, server and optional scheduler. It is the
// bridge between job creation in the request process and execution on the
// worker pool.
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	executor  *Executor
	log       *slog.Logger
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	RedisURL    string
	Concurrency int
	// SweepCronSpec registers Sweep on the in-process scheduler when set.
	SweepCronSpec string
	// Sweep is invoked by the scheduler entry; required when SweepCronSpec
	// is set.
	Sweep func(ctx context.Context)
}

// NewManager creates a Manager wired to redis.
func NewManager(opts ManagerOptions, store *Store, registry *Registry, log *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if log == nil {
		log = slog.Default()
	}

	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueDefault: 1,
		},
	})

	manager := &Manager{
		client:   client,
		server:   server,
		mux:      asynq.NewServeMux(),
		store:    store,
		executor: NewExecutor(store, registry, log),
		log:      log,
	}
	manager.mux.HandleFunc(taskTypeExecute, manager.handleExecuteTask)

	if opts.SweepCronSpec != "" {
		if opts.Sweep == nil {
			return nil, errors.New("SweepCronSpec set without a Sweep function")
		}
		manager.mux.HandleFunc(taskTypeSweep, func(ctx context.Context, _ *asynq.Task) error {
			opts.Sweep(ctx)
			return nil
		})
		manager.scheduler = asynq.NewScheduler(redisOpt, nil)
		if _, err := manager.scheduler.Register(opts.SweepCronSpec, asynq.NewTask(taskTypeSweep, nil, asynq.Queue(queueDefault))); err != nil {
			return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
		}
	}

	return manager, nil
}

// Dispatch enqueues the job and stores the returned task reference on the
// row before execution begins. The caller gets the reference immediately;
// the business function runs on the worker pool.
func (m *Manager) Dispatch(ctx context.Context, job *Job, args map[string]any) (string, error) {
	if job == nil {
		return "", errors.New("job is nil")
	}

	payload := TaskPayload{
		JobID:   job.ID,
		Kind:    job.Kind,
		TraceID: job.TraceID,
		Args:    args,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeExecute, body, asynq.Queue(queueDefault))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return "", err
	}

	taskID := info.ID
	if _, err := m.store.Update(ctx, job.ID, Update{TaskID: &taskID}); err != nil {
		// The task is already queued; the claim transition will stamp the
		// reference again, so only log here.
		m.log.Warn("failed to store task reference", "job_id", job.ID, "err", err)
	}

	m.log.Info("job dispatched", "job_id", job.ID, "kind", job.Kind, "task_id", taskID)
	return taskID, nil
}

func (m *Manager) handleExecuteTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		payload.TaskID = id
	}
	return m.executor.Execute(ctx, &payload)
}

// StartWorkers runs the asynq server (and scheduler, when configured) in
// the background.
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.log.Error("asynq server stopped with error", "err", err)
		}
	}()
	if m.scheduler != nil {
		go func() {
			if err := m.scheduler.Run(); err != nil {
				m.log.Error("asynq scheduler stopped with error", "err", err)
			}
		}()
	}
}

// Shutdown stops the server, scheduler and client.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	return m.client.Close()
}
