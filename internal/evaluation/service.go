package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/storage"
)

// Item is one dataset entry. Expected is the reference answer for scoring
// runs and the training target for fine-tuning runs.
type Item struct {
	Input    string `json:"input" binding:"required"`
	Expected string `json:"expected"`
}

// Request asks for an evaluation or fine-tuning run over a dataset.
type Request struct {
	Name        string         `json:"name" binding:"required"`
	DatasetName string         `json:"datasetName" binding:"required"`
	Kind        RunKind        `json:"kind"`
	Model       string         `json:"model" binding:"required"`
	Items       []Item         `json:"items" binding:"required"`
	CallbackURL string         `json:"callbackUrl"`
	Metadata    map[string]any `json:"metadata"`
}

// datasetItem is one line of the persisted dataset artifact. The custom id
// ties a provider batch result line back to its dataset entry.
type datasetItem struct {
	CustomID string `json:"custom_id"`
	Input    string `json:"input"`
	Expected string `json:"expected,omitempty"`
}

// resultItem is one line of the persisted result artifact.
type resultItem struct {
	CustomID string `json:"custom_id"`
	Output   string `json:"output"`
	Expected string `json:"expected,omitempty"`
	Match    *bool  `json:"match,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Service validates run requests, owns the batch-submitting worker handler
// and finalizes runs on behalf of the reconciliation sweep.
type Service struct {
	runs       *Store
	jobs       *jobs.Store
	dispatcher jobs.Dispatcher
	batch      provider.BatchClient
	artifacts  storage.Store
	deliverer  *callback.Deliverer
	log        *slog.Logger
}

// NewService creates a Service.
func NewService(
	runs *Store,
	jobStore *jobs.Store,
	dispatcher jobs.Dispatcher,
	batch provider.BatchClient,
	artifacts storage.Store,
	deliverer *callback.Deliverer,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		runs:       runs,
		jobs:       jobStore,
		dispatcher: dispatcher,
		batch:      batch,
		artifacts:  artifacts,
		deliverer:  deliverer,
		log:        log,
	}
}

// Start validates the request, persists the run and its dataset artifact,
// and schedules the batch submission.
func (s *Service) Start(ctx context.Context, req Request, tenant jobs.Tenant, traceID string) (uuid.UUID, error) {
	kind := req.Kind
	if kind == "" {
		kind = RunEvaluation
	}
	if kind != RunEvaluation && kind != RunFineTuning {
		return uuid.Nil, jobs.NewValidationError("unknown run kind %q", req.Kind)
	}
	if len(req.Items) == 0 {
		return uuid.Nil, jobs.NewValidationError("a run needs at least one dataset item")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Input) == "" {
			return uuid.Nil, jobs.NewValidationError("dataset item %d has an empty input", i)
		}
		if kind == RunEvaluation && strings.TrimSpace(item.Expected) == "" {
			return uuid.Nil, jobs.NewValidationError("dataset item %d has no expected output", i)
		}
	}

	var metadata []byte
	if req.Metadata != nil {
		encoded, err := json.Marshal(req.Metadata)
		if err != nil {
			return uuid.Nil, jobs.NewValidationError("metadata is not serializable: %v", err)
		}
		metadata = encoded
	}

	run := &Run{
		ID:             uuid.New(),
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		Name:           req.Name,
		DatasetName:    req.DatasetName,
		Kind:           kind,
		Model:          req.Model,
		ItemCount:      len(req.Items),
		CallbackURL:    req.CallbackURL,
		Metadata:       metadata,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return uuid.Nil, err
	}

	// The dataset is persisted before dispatch so the sweep can map batch
	// results back to expected outputs without the worker's task args.
	if err := s.saveDataset(ctx, run, req.Items); err != nil {
		return uuid.Nil, err
	}

	jobKind := jobs.KindEvaluation
	if kind == RunFineTuning {
		jobKind = jobs.KindFineTuning
	}
	job, err := s.jobs.Create(ctx, jobs.Spec{
		JobType:        jobs.TypeEvaluation,
		Kind:           jobKind,
		ActionType:     jobs.ActionCreate,
		ResourceID:     &run.ID,
		ProjectID:      tenant.ProjectID,
		OrganizationID: tenant.OrganizationID,
		TraceID:        traceID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	args := map[string]any{"run_id": run.ID.String()}
	if _, err := s.dispatcher.Dispatch(ctx, job, args); err != nil {
		s.log.Error("dispatch failed", "job_id", job.ID, "err", err)
		failed := jobs.StatusFailed
		msg := "failed to enqueue job"
		if _, uerr := s.jobs.Update(ctx, job.ID, jobs.Update{Status: &failed, ErrorMessage: &msg}); uerr != nil {
			s.log.Error("failed to mark job FAILED after dispatch error", "job_id", job.ID, "err", uerr)
		}
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.Info("run scheduled", "run_id", run.ID, "job_id", job.ID, "kind", kind, "items", run.ItemCount)
	return job.ID, nil
}

// Handler returns the worker handler that submits the provider batch. A
// successful submission leaves the job PROCESSING with the batch handle
// recorded; only the sweep moves it to a terminal status.
func (s *Service) Handler() jobs.Handler {
	return jobs.HandlerFunc(s.execute)
}

func (s *Service) execute(ctx context.Context, job *jobs.Job, args map[string]any) error {
	runID, err := jobs.ArgUUID(args, "run_id")
	if err != nil {
		return err
	}
	run, err := s.runs.GetAny(ctx, runID)
	if err != nil {
		return err
	}

	dataset, err := s.loadDataset(ctx, run)
	if err != nil {
		return err
	}

	items := make([]provider.BatchItem, len(dataset))
	for i, entry := range dataset {
		items[i] = provider.BatchItem{
			CustomID: entry.CustomID,
			Body: map[string]any{
				"model": run.Model,
				"messages": []map[string]any{
					{"role": "user", "content": entry.Input},
				},
			},
		}
	}

	batchID, err := s.batch.CreateBatch(ctx, string(run.Kind), items)
	if err != nil {
		s.notifyFailure(ctx, job, run, err.Error())
		return err
	}

	if _, err := s.jobs.Update(ctx, job.ID, jobs.Update{ProviderBatchID: &batchID}); err != nil {
		return fmt.Errorf("failed to record batch handle: %w", err)
	}

	s.log.Info("batch submitted", "run_id", run.ID, "job_id", job.ID, "batch_id", batchID)
	return nil
}

// FinalizeBatch turns a completed provider batch into the run's result
// artifact and score. It returns the result reference for the job row.
func (s *Service) FinalizeBatch(ctx context.Context, job *jobs.Job, results []provider.BatchResult) (string, error) {
	if job.ResourceID == nil {
		return "", fmt.Errorf("job %s has no run reference", job.ID)
	}
	run, err := s.runs.GetAny(ctx, *job.ResourceID)
	if err != nil {
		return "", err
	}

	dataset, err := s.loadDataset(ctx, run)
	if err != nil {
		return "", err
	}
	expected := make(map[string]string, len(dataset))
	for _, entry := range dataset {
		expected[entry.CustomID] = entry.Expected
	}

	var matched int64
	lines := make([]resultItem, 0, len(results))
	for _, res := range results {
		line := resultItem{CustomID: res.CustomID, Output: res.Output, Error: res.Error}
		if run.Kind == RunEvaluation {
			want := expected[res.CustomID]
			line.Expected = want
			ok := res.Error == "" && outputsMatch(res.Output, want)
			line.Match = &ok
			if ok {
				matched++
			}
		}
		lines = append(lines, line)
	}

	resultPath := fmt.Sprintf("evaluations/%s/results.jsonl", run.ID)
	if err := saveJSONL(ctx, s.artifacts, resultPath, lines); err != nil {
		return "", err
	}

	run.ResultPath = &resultPath
	data := map[string]any{
		"jobId":      job.ID.String(),
		"runId":      run.ID.String(),
		"status":     string(jobs.StatusSuccess),
		"resultPath": resultPath,
	}
	if run.Kind == RunEvaluation {
		score := decimal.NewFromInt(matched).
			Div(decimal.NewFromInt(int64(run.ItemCount))).
			StringFixed(4)
		run.Score = &score
		data["score"] = score
	}
	if err := s.runs.Save(ctx, run); err != nil {
		return "", err
	}

	s.deliverer.Deliver(ctx, run.CallbackURL, job.ID, callback.SuccessEnvelope(data, s.metadata(run)))
	return resultPath, nil
}

// FinalizeBatchFailure records a terminal provider-side batch failure.
func (s *Service) FinalizeBatchFailure(ctx context.Context, job *jobs.Job, summary string) error {
	if job.ResourceID == nil {
		return fmt.Errorf("job %s has no run reference", job.ID)
	}
	run, err := s.runs.GetAny(ctx, *job.ResourceID)
	if err != nil {
		return err
	}
	s.notifyFailure(ctx, job, run, summary)
	return nil
}

func (s *Service) notifyFailure(ctx context.Context, job *jobs.Job, run *Run, message string) {
	s.deliverer.Deliver(ctx, run.CallbackURL, job.ID, callback.FailureEnvelope(message, map[string]any{
		"jobId":  job.ID.String(),
		"runId":  run.ID.String(),
		"status": string(jobs.StatusFailed),
	}, s.metadata(run)))
}

func (s *Service) metadata(run *Run) map[string]any {
	if len(run.Metadata) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(run.Metadata, &out); err != nil {
		s.log.Warn("stored run metadata is not valid JSON", "run_id", run.ID, "err", err)
		return nil
	}
	return out
}

func (s *Service) saveDataset(ctx context.Context, run *Run, items []Item) error {
	lines := make([]datasetItem, len(items))
	for i, item := range items {
		lines[i] = datasetItem{
			CustomID: customID(run.ID, i, item.Input),
			Input:    item.Input,
			Expected: item.Expected,
		}
	}
	return saveJSONL(ctx, s.artifacts, datasetPath(run.ID), lines)
}

func (s *Service) loadDataset(ctx context.Context, run *Run) ([]datasetItem, error) {
	data, err := s.artifacts.Load(ctx, datasetPath(run.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset artifact: %w", err)
	}
	var items []datasetItem
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var item datasetItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("malformed dataset line: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func saveJSONL[T any](ctx context.Context, artifacts storage.Store, path string, lines []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if _, err := artifacts.Save(ctx, path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist %s: %w", path, err)
	}
	return nil
}

func datasetPath(runID uuid.UUID) string {
	return fmt.Sprintf("evaluations/%s/dataset.jsonl", runID)
}

// customID derives a stable per-item id so resubmissions of the same run
// produce the same batch line ids.
func customID(runID uuid.UUID, index int, input string) string {
	sum := xxhash.Sum64String(fmt.Sprintf("%s:%d:%s", runID, index, input))
	return fmt.Sprintf("item-%d-%016x", index, sum)
}

func outputsMatch(got, want string) bool {
	return strings.TrimSpace(got) == strings.TrimSpace(want)
}
