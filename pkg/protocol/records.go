// Package protocol defines the contracts of the collaborators the engine consumes.
package protocol

import (
	"context"

	"github.com/dukex/flowgraph/pkg/models"
)

// Record is one business record as returned by a RecordStore.
type Record map[string]any

// RecordQuery selects records of one model.
type RecordQuery struct {
	Model   string
	Filters []models.Predicate
	OrderBy []models.QueryOrder
	Limit   int
	Offset  int
	// Fields restricts the returned keys; empty returns every field.
	Fields []string
}

// RecordStore reads and writes the business records (CRM, finance, HR) workflows act on.
type RecordStore interface {
	Query(ctx context.Context, organizationID string, query RecordQuery) ([]Record, error)
	// Create stores a new record and returns its id.
	Create(ctx context.Context, organizationID, model string, fields map[string]any) (string, error)
	Update(ctx context.Context, organizationID, model, id string, fields map[string]any) error
}
