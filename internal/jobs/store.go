package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// nonTerminal is the set of statuses that block a new job on the same
// resource scope.
var nonTerminal = []Status{StatusPending, StatusProcessing}

// Store persists job rows in the relational database. It is the single
// coordination point between the request process, the worker pool and the
// reconciliation sweep.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewStore creates a Store.
func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// Migrate creates or updates the jobs table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{})
}

// Create inserts a new PENDING job. The single-in-flight check and the
// insert run in the same transaction, so two racing creates for the same
// resource cannot both succeed.
func (s *Store) Create(ctx context.Context, spec Spec) (*Job, error) {
	job := &Job{
		ID:             uuid.New(),
		JobType:        spec.JobType,
		Kind:           spec.Kind,
		Status:         StatusPending,
		ActionType:     spec.ActionType,
		ResourceID:     spec.ResourceID,
		ProjectID:      spec.ProjectID,
		OrganizationID: spec.OrganizationID,
		TraceID:        spec.TraceID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if spec.ResourceID != nil {
			var existing Job
			err := tx.
				Where("resource_id = ? AND status IN ?", *spec.ResourceID, nonTerminal).
				First(&existing).Error
			if err == nil {
				return &ConflictError{
					ResourceID: *spec.ResourceID,
					ExistingID: existing.ID,
					Status:     existing.Status,
				}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(job).Error
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.log.Warn("job create conflict",
				"resource_id", conflict.ResourceID,
				"existing_id", conflict.ExistingID,
				"existing_status", conflict.Status)
			return nil, err
		}
		s.log.Error("job create failed", "job_type", spec.JobType, "err", err)
		return nil, err
	}

	s.log.Info("job created",
		"job_id", job.ID,
		"job_type", job.JobType,
		"kind", job.Kind,
		"project_id", job.ProjectID)
	return job, nil
}

// Get returns a job scoped to the tenant. Absence and foreign ownership
// both surface as ErrNotFound.
func (s *Store) Get(ctx context.Context, id, projectID uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetMany returns the tenant's jobs among ids, plus the ids that were not
// found (or not visible to the tenant).
func (s *Store) GetMany(ctx context.Context, ids []uuid.UUID, projectID uuid.UUID) ([]Job, []uuid.UUID, error) {
	var found []Job
	err := s.db.WithContext(ctx).
		Where("id IN ? AND project_id = ?", ids, projectID).
		Find(&found).Error
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(found))
	for _, j := range found {
		seen[j.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// getAny fetches a job without tenant scoping. Reserved for the worker and
// sweep paths, which already carry the tenant on the row.
func (s *Store) getAny(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetForWorker is the unscoped read used by worker handlers.
func (s *Store) GetForWorker(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.getAny(ctx, id)
}

// Update applies a partial mutation. It always re-reads the row first and
// refuses illegal status moves, so a stale writer cannot rewind a job.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Update) (*Job, error) {
	var updated *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if patch.Status != nil && *patch.Status != job.Status {
			if !job.Status.CanTransition(*patch.Status) {
				return &InvalidTransitionError{JobID: job.ID, From: job.Status, To: *patch.Status}
			}
			job.Status = *patch.Status
		}
		if patch.TaskID != nil {
			job.TaskID = *patch.TaskID
		}
		if patch.ProviderBatchID != nil {
			job.ProviderBatchID = patch.ProviderBatchID
		}
		if patch.ResultRef != nil {
			job.ResultRef = patch.ResultRef
		}
		if patch.ErrorMessage != nil {
			job.ErrorMessage = patch.ErrorMessage
		}

		// error_message is non-null iff the job failed
		if job.Status == StatusFailed && job.ErrorMessage == nil {
			msg := "unknown error"
			job.ErrorMessage = &msg
		}
		if job.Status == StatusSuccess {
			job.ErrorMessage = nil
		}

		job.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Transition is a compare-and-swap on (id, status). It reports whether the
// row actually moved; a false return means another writer got there first
// and the caller must treat the attempt as a no-op.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from, to Status, patch Update) (bool, error) {
	if !from.CanTransition(to) {
		return false, &InvalidTransitionError{JobID: id, From: from, To: to}
	}

	values := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if patch.TaskID != nil {
		values["task_id"] = *patch.TaskID
	}
	if patch.ProviderBatchID != nil {
		values["provider_batch_id"] = *patch.ProviderBatchID
	}
	if patch.ResultRef != nil {
		values["result_ref"] = *patch.ResultRef
	}
	if patch.ErrorMessage != nil {
		values["error_message"] = *patch.ErrorMessage
	} else if to == StatusFailed {
		values["error_message"] = "unknown error"
	}

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// OrganizationsAwaitingProvider lists the tenants that have at least one
// job blocked on a third-party batch API.
func (s *Store) OrganizationsAwaitingProvider(ctx context.Context) ([]uuid.UUID, error) {
	var orgs []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Job{}).
		Distinct("organization_id").
		Where("status = ? AND provider_batch_id IS NOT NULL", StatusProcessing).
		Order("organization_id").
		Pluck("organization_id", &orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// AwaitingProviderByOrganization lists one tenant's jobs blocked on a
// provider batch.
func (s *Store) AwaitingProviderByOrganization(ctx context.Context, orgID uuid.UUID) ([]Job, error) {
	var found []Job
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND status = ? AND provider_batch_id IS NOT NULL", orgID, StatusProcessing).
		Order("created_at").
		Find(&found).Error
	if err != nil {
		return nil, err
	}
	return found, nil
}
