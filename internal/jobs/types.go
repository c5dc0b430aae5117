package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the execution state of a job. It only ever advances
// PENDING -> PROCESSING -> SUCCESS | FAILED.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal advance.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusSuccess || next == StatusFailed
	case StatusProcessing:
		return next == StatusSuccess || next == StatusFailed
	default:
		return false
	}
}

// Type categorizes what feature a job belongs to.
type Type string

const (
	TypeResponse     Type = "RESPONSE"
	TypeCollection   Type = "COLLECTION"
	TypeDocTransform Type = "DOC_TRANSFORM"
	TypeEvaluation   Type = "EVALUATION"
)

// Kind selects the concrete worker handler for a job. The set is closed:
// handlers are bound to kinds in a Registry at startup, never resolved at
// runtime from strings supplied by the queue.
type Kind string

const (
	KindResponse         Kind = "response"
	KindCollectionCreate Kind = "collection_create"
	KindCollectionDelete Kind = "collection_delete"
	KindDocTransform     Kind = "doc_transform"
	KindEvaluation       Kind = "evaluation"
	KindFineTuning       Kind = "fine_tuning"
)

// ActionType distinguishes create from delete jobs on the same resource.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionDelete ActionType = "DELETE"
)

// Job is the durable record of one asynchronous unit of work.
// Terminal rows are retained for audit and status queries, never deleted.
type Job struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobType        Type       `gorm:"not null;index" json:"jobType"`
	Kind           Kind       `gorm:"not null" json:"kind"`
	Status         Status     `gorm:"not null;default:PENDING;index:idx_jobs_resource_status" json:"status"`
	ActionType     ActionType `json:"actionType,omitempty"`
	ResourceID     *uuid.UUID `gorm:"type:uuid;index:idx_jobs_resource_status" json:"resourceId,omitempty"`
	ProjectID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"projectId"`
	OrganizationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"organizationId"`

	// TaskID is the external task reference returned by the dispatch
	// transport when the job is queued.
	TaskID  string `json:"taskId,omitempty"`
	TraceID string `json:"traceId,omitempty"`

	// ProviderBatchID is the opaque handle of a third-party batch job.
	// Set by the worker, read only by the reconciliation sweep.
	ProviderBatchID *string `gorm:"index" json:"providerBatchId,omitempty"`

	ResultRef    *string `json:"resultRef,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AwaitingProvider reports whether the job is blocked on a third-party
// batch API and therefore owned by the sweeper rather than a worker.
func (j *Job) AwaitingProvider() bool {
	return j.Status == StatusProcessing && j.ProviderBatchID != nil && *j.ProviderBatchID != ""
}

// Update is a partial mutation applied by Store.Update. Nil fields are
// left untouched.
type Update struct {
	Status          *Status
	TaskID          *string
	ProviderBatchID *string
	ResultRef       *string
	ErrorMessage    *string
}

// Spec describes a job to be created.
type Spec struct {
	JobType        Type
	Kind           Kind
	ActionType     ActionType
	ResourceID     *uuid.UUID
	ProjectID      uuid.UUID
	OrganizationID uuid.UUID
	TraceID        string
}

// View is the caller-facing projection of a job returned by the status
// endpoints.
type View struct {
	ID           uuid.UUID `json:"id"`
	JobType      Type      `json:"jobType"`
	Status       Status    `json:"status"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	ResultRef    *string   `json:"resultRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ViewOf projects a job row into its public shape.
func ViewOf(j *Job) View {
	return View{
		ID:           j.ID,
		JobType:      j.JobType,
		Status:       j.Status,
		ErrorMessage: j.ErrorMessage,
		ResultRef:    j.ResultRef,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}
