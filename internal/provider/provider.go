// Package provider defines the narrow client interfaces through which the
// orchestrators and the reconciliation sweep talk to third-party services.
package provider

import (
	"context"
)

// VectorStoreClient manages remote vector indexes backing collections.
type VectorStoreClient interface {
	// CreateVectorStore provisions an empty index and returns its id.
	CreateVectorStore(ctx context.Context, name string) (string, error)
	// AttachFiles adds source documents to an index.
	AttachFiles(ctx context.Context, storeID string, paths []string) error
	// DeleteVectorStore destroys an index. Deleting an id that no longer
	// exists must not be an error; rollback relies on that.
	DeleteVectorStore(ctx context.Context, storeID string) error
}

// CompletionClient produces a model response for a single request.
type CompletionClient interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// BatchItem is one line of a provider batch submission.
type BatchItem struct {
	CustomID string         `json:"custom_id"`
	Body     map[string]any `json:"body"`
}

// BatchResult is one line of a completed batch's output.
type BatchResult struct {
	CustomID string `json:"custom_id"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// BatchState is the provider-side status of an asynchronous batch job.
type BatchState struct {
	Status       string // provider's own vocabulary, e.g. in_progress, completed, failed
	OutputFileID string // set once completed
	ErrorSummary string // set when failed
}

// Completed reports whether the batch finished successfully.
func (s *BatchState) Completed() bool { return s.Status == "completed" }

// Failed reports whether the batch ended in a terminal failure. Cancelled
// and expired batches count as failed from the job's point of view.
func (s *BatchState) Failed() bool {
	switch s.Status {
	case "failed", "cancelled", "expired":
		return true
	}
	return false
}

// BatchClient drives a third-party asynchronous batch API. True completion
// of batch-backed jobs is signaled here, not by the dispatching worker.
type BatchClient interface {
	// CreateBatch uploads the items and starts a batch job, returning the
	// provider's opaque batch handle.
	CreateBatch(ctx context.Context, purpose string, items []BatchItem) (string, error)
	// GetBatchState polls the batch.
	GetBatchState(ctx context.Context, batchID string) (*BatchState, error)
	// DownloadBatchResults fetches and parses the output of a completed
	// batch.
	DownloadBatchResults(ctx context.Context, outputFileID string) ([]BatchResult, error)
}
