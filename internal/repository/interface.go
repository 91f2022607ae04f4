package repository

import (
	"context"
	"errors"

	"contentflow/backend/pkg/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned by conditional updates when another
// writer advanced the record since it was read.
var ErrVersionConflict = errors.New("version conflict")

// WorkflowStore is the persistence contract for workflow records.
type WorkflowStore interface {
	// Create inserts a new workflow.
	Create(ctx context.Context, wf *models.Workflow) error
	// Get retrieves a workflow by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*models.Workflow, error)
	// Update writes the workflow back conditionally on its version and
	// bumps the version on success. Returns ErrVersionConflict when the
	// stored version no longer matches.
	Update(ctx context.Context, wf *models.Workflow) error
	// ExistsByInputID reports whether a workflow was already created for
	// the given input submission.
	ExistsByInputID(ctx context.Context, inputID string) (bool, error)
}

// ContentStore is the persistence contract for produced content records,
// including their append-only revision history.
type ContentStore interface {
	Create(ctx context.Context, c *models.Content) error
	Get(ctx context.Context, id string) (*models.Content, error)
	Update(ctx context.Context, c *models.Content) error
}
