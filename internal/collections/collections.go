// Package collections orchestrates building and deleting document
// collections backed by a provider-side vector index.
package collections

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned for absent or foreign-tenant collections.
var ErrNotFound = errors.New("collection not found")

// Collection is the queryable resource a build job materializes. The
// provider resource id is the remote vector index backing it; a
// collection with a nil provider id is not queryable.
type Collection struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID      uuid.UUID `gorm:"type:uuid;not null;index" json:"projectId"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null" json:"organizationId"`
	Name           string    `gorm:"not null" json:"name"`

	ProviderResourceID *string `json:"providerResourceId,omitempty"`
	Queryable          bool    `gorm:"not null;default:false" json:"queryable"`
	ErrorMessage       *string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists collections.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the collections table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Collection{})
}

// Create inserts a collection row.
func (s *Store) Create(ctx context.Context, col *Collection) error {
	if col.ID == uuid.Nil {
		col.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(col).Error
}

// Get returns a tenant's collection.
func (s *Store) Get(ctx context.Context, id, projectID uuid.UUID) (*Collection, error) {
	var col Collection
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		First(&col).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &col, nil
}

// GetAny returns a collection without tenant scoping, for worker handlers
// that already carry the tenant on the job row.
func (s *Store) GetAny(ctx context.Context, id uuid.UUID) (*Collection, error) {
	var col Collection
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&col).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &col, nil
}

// Save writes the collection back, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, col *Collection) error {
	col.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(col).Error
}
