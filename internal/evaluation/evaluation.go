// Package evaluation orchestrates dataset evaluation and fine-tuning runs
// executed through a provider batch API. Jobs here do not finish in the
// worker: the worker submits the batch and leaves the job PROCESSING, and
// the reconciliation sweep finalizes it once the provider reports a
// terminal batch state.
package evaluation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned for absent or foreign-tenant runs.
var ErrNotFound = errors.New("evaluation run not found")

// RunKind distinguishes scoring runs from fine-tuning runs. Both share the
// batch submission and reconciliation flow; only finalization differs.
type RunKind string

const (
	RunEvaluation RunKind = "evaluation"
	RunFineTuning RunKind = "fine_tuning"
)

// Run is the durable record of one evaluation or fine-tuning run.
type Run struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID      uuid.UUID `gorm:"type:uuid;not null;index" json:"projectId"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null" json:"organizationId"`
	Name           string    `gorm:"not null" json:"name"`
	DatasetName    string    `gorm:"not null" json:"datasetName"`
	Kind           RunKind   `gorm:"not null" json:"kind"`
	Model          string    `gorm:"not null" json:"model"`
	ItemCount      int       `gorm:"not null" json:"itemCount"`

	// Score is the serialized match ratio for evaluation runs, nil until
	// the run is finalized and always nil for fine-tuning runs.
	Score      *string `json:"score,omitempty"`
	ResultPath *string `json:"resultPath,omitempty"`

	// CallbackURL and Metadata are persisted on the row because the sweep,
	// not the submitting worker, delivers the terminal callback.
	CallbackURL string `json:"-"`
	Metadata    []byte `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists evaluation runs.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the evaluation runs table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Run{})
}

// Create inserts a run row.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// Get returns a tenant's run.
func (s *Store) Get(ctx context.Context, id, projectID uuid.UUID) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// GetAny returns a run without tenant scoping, for the worker and sweep
// paths that already carry the tenant on the job row.
func (s *Store) GetAny(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// Save writes the run back, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(run).Error
}
