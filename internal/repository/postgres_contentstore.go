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

// PostgresContentStore is a PostgreSQL implementation of the ContentStore
// interface. The revision history is a JSONB array, appended to by the
// revision subsystem and never rewritten out of order.
type PostgresContentStore struct {
	db *pgxpool.Pool
}

// NewPostgresContentStore creates a new PostgresContentStore.
func NewPostgresContentStore(db *pgxpool.Pool) *PostgresContentStore {
	return &PostgresContentStore{db: db}
}

// Create inserts a new content record.
func (s *PostgresContentStore) Create(ctx context.Context, c *models.Content) error {
	revisions, err := marshalRevisions(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO contents (id, workflow_id, user_id, title, body, image_url, status, revisions, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.WorkflowID, c.UserID, c.Title, c.Body, c.ImageURL, c.Status, revisions, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert content %s: %w", c.ID, err)
	}
	return nil
}

// Get retrieves a content record by its id.
func (s *PostgresContentStore) Get(ctx context.Context, id string) (*models.Content, error) {
	var c models.Content
	var revisions []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, user_id, title, body, image_url, status, revisions, version, created_at, updated_at
		 FROM contents WHERE id = $1`, id,
	).Scan(&c.ID, &c.WorkflowID, &c.UserID, &c.Title, &c.Body, &c.ImageURL, &c.Status, &revisions, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select content %s: %w", id, err)
	}
	if err := json.Unmarshal(revisions, &c.Revisions); err != nil {
		return nil, fmt.Errorf("decode revisions for content %s: %w", id, err)
	}
	return &c, nil
}

// Update writes the content record back conditionally on its version.
func (s *PostgresContentStore) Update(ctx context.Context, c *models.Content) error {
	revisions, err := marshalRevisions(c)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE contents
		 SET title = $2, body = $3, image_url = $4, status = $5, revisions = $6, version = version + 1, updated_at = $7
		 WHERE id = $1 AND version = $8`,
		c.ID, c.Title, c.Body, c.ImageURL, c.Status, revisions, c.UpdatedAt, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update content %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func marshalRevisions(c *models.Content) ([]byte, error) {
	if c.Revisions == nil {
		return []byte("[]"), nil
	}
	revisions, err := json.Marshal(c.Revisions)
	if err != nil {
		return nil, fmt.Errorf("encode revisions for content %s: %w", c.ID, err)
	}
	return revisions, nil
}
