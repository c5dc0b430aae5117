package jobs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job does not exist or belongs to another
// tenant. Foreign ownership is deliberately indistinguishable from absence
// so tenant isolation does not leak existence.
var ErrNotFound = errors.New("job not found")

// ConflictError signals that a non-terminal job already occupies the
// resource scope. No new row is created.
type ConflictError struct {
	ResourceID uuid.UUID
	ExistingID uuid.UUID
	Status     Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s already has job %s in status %s", e.ResourceID, e.ExistingID, e.Status)
}

// ValidationError rejects a request before any job row is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports an attempted backward or sideways status
// move. The store refuses the write.
type InvalidTransitionError struct {
	JobID uuid.UUID
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal status transition %s -> %s", e.JobID, e.From, e.To)
}
