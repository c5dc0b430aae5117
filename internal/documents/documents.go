// Package documents stores the source and derived document records that
// collections and transforms operate on.
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned for absent or foreign-tenant documents.
var ErrNotFound = errors.New("document not found")

// Document is a stored file reference. Derived artifacts point back at
// their source through SourceDocumentID.
type Document struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"projectId"`
	Filename         string     `gorm:"not null" json:"filename"`
	ObjectPath       string     `gorm:"not null" json:"objectPath"`
	SourceDocumentID *uuid.UUID `gorm:"type:uuid" json:"sourceDocumentId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Store persists documents.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the documents table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Document{})
}

// Create inserts a document record.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(doc).Error
}

// Get returns a tenant's document.
func (s *Store) Get(ctx context.Context, id, projectID uuid.UUID) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// GetMany returns the tenant's documents among ids and the ids that were
// not found.
func (s *Store) GetMany(ctx context.Context, ids []uuid.UUID, projectID uuid.UUID) ([]Document, []uuid.UUID, error) {
	var found []Document
	err := s.db.WithContext(ctx).
		Where("id IN ? AND project_id = ?", ids, projectID).
		Find(&found).Error
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(found))
	for _, d := range found {
		seen[d.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}
