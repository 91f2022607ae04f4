package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contentflow/backend/pkg/models"
)

// PostgresWorkflowStore is a PostgreSQL implementation of the
// WorkflowStore interface. Steps and metadata are stored as JSONB;
// updates are conditional on the version column.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// Create inserts a new workflow.
func (s *PostgresWorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	steps, metadata, err := marshalWorkflowFields(wf)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, user_id, input_id, status, current_step, steps, metadata, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		wf.ID, wf.UserID, wf.InputID, wf.Status, wf.CurrentStep, steps, metadata, wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Get retrieves a workflow by its id.
func (s *PostgresWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	var steps, metadata []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, input_id, status, current_step, steps, metadata, version, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.UserID, &wf.InputID, &wf.Status, &wf.CurrentStep, &steps, &metadata, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for workflow %s: %w", id, err)
	}
	if err := json.Unmarshal(metadata, &wf.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for workflow %s: %w", id, err)
	}
	return &wf, nil
}

// Update writes the workflow back conditionally on its version. The
// in-memory version is bumped on success so the caller can keep going.
func (s *PostgresWorkflowStore) Update(ctx context.Context, wf *models.Workflow) error {
	steps, metadata, err := marshalWorkflowFields(wf)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows
		 SET status = $2, current_step = $3, steps = $4, metadata = $5, version = version + 1, updated_at = $6
		 WHERE id = $1 AND version = $7`,
		wf.ID, wf.Status, wf.CurrentStep, steps, metadata, wf.UpdatedAt, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", wf.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	wf.Version++
	return nil
}

// ExistsByInputID reports whether a workflow exists for the input.
func (s *PostgresWorkflowStore) ExistsByInputID(ctx context.Context, inputID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE input_id = $1)`, inputID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workflow for input %s: %w", inputID, err)
	}
	return exists, nil
}

func marshalWorkflowFields(wf *models.Workflow) ([]byte, []byte, error) {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("encode steps for workflow %s: %w", wf.ID, err)
	}
	if wf.Metadata == nil {
		wf.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(wf.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata for workflow %s: %w", wf.ID, err)
	}
	return steps, metadata, nil
}
