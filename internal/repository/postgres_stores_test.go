package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"contentflow/backend/pkg/models"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, Schema); err != nil {
		t.Fatal(err)
	}
	return pool
}

func sampleWorkflow() *models.Workflow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	started := now
	return &models.Workflow{
		ID:          uuid.New().String(),
		UserID:      "u1",
		InputID:     uuid.New().String(),
		Status:      models.WorkflowStatusContentGeneration,
		CurrentStep: "s1",
		Metadata:    map[string]string{"content_id": uuid.New().String()},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Steps: []models.WorkflowStep{
			{StepID: "s1", StepType: models.StepTypeContentGeneration, Status: models.StepStatusInProgress, AgentType: models.AgentTypeContentWriter, Input: json.RawMessage(`{"topic":"bread"}`), MaxRetries: 3, StartedAt: &started},
			{StepID: "s2", StepType: models.StepTypeImageGeneration, Status: models.StepStatusPending, AgentType: models.AgentTypeImageGenerator, MaxRetries: 3},
			{StepID: "s3", StepType: models.StepTypeReview, Status: models.StepStatusPending, MaxRetries: 3},
		},
	}
}

func TestPostgresWorkflowStore(t *testing.T) {
	pool := startPostgres(t)
	store := NewPostgresWorkflowStore(pool)
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		wf := sampleWorkflow()
		require.NoError(t, store.Create(ctx, wf))

		got, err := store.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.UserID, got.UserID)
		assert.Equal(t, wf.Status, got.Status)
		assert.Equal(t, wf.CurrentStep, got.CurrentStep)
		assert.Equal(t, wf.Metadata, got.Metadata)
		assert.Equal(t, wf.Version, got.Version)
		require.Len(t, got.Steps, 3)
		assert.Equal(t, wf.Steps[0].StepID, got.Steps[0].StepID)
		assert.JSONEq(t, `{"topic":"bread"}`, string(got.Steps[0].Input))
		require.NotNil(t, got.Steps[0].StartedAt)
	})

	t.Run("Get missing returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Update bumps version", func(t *testing.T) {
		wf := sampleWorkflow()
		require.NoError(t, store.Create(ctx, wf))

		wf.Steps[0].Status = models.StepStatusCompleted
		wf.Steps[1].Status = models.StepStatusInProgress
		wf.CurrentStep = "s2"
		wf.Status = models.WorkflowStatusImageGeneration
		wf.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, store.Update(ctx, wf))
		assert.Equal(t, 2, wf.Version)

		got, err := store.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, models.WorkflowStatusImageGeneration, got.Status)
		assert.Equal(t, models.StepStatusCompleted, got.Steps[0].Status)
	})

	t.Run("Update with stale version conflicts", func(t *testing.T) {
		wf := sampleWorkflow()
		require.NoError(t, store.Create(ctx, wf))

		stale, err := store.Get(ctx, wf.ID)
		require.NoError(t, err)

		wf.Status = models.WorkflowStatusImageGeneration
		require.NoError(t, store.Update(ctx, wf))

		stale.Status = models.WorkflowStatusFailed
		err = store.Update(ctx, stale)
		assert.ErrorIs(t, err, ErrVersionConflict)

		// The losing write left no trace.
		got, err := store.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusImageGeneration, got.Status)
	})

	t.Run("ExistsByInputID", func(t *testing.T) {
		wf := sampleWorkflow()
		require.NoError(t, store.Create(ctx, wf))

		exists, err := store.ExistsByInputID(ctx, wf.InputID)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.ExistsByInputID(ctx, "never-seen")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestPostgresContentStore(t *testing.T) {
	pool := startPostgres(t)
	store := NewPostgresContentStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	content := &models.Content{
		ID:         uuid.New().String(),
		WorkflowID: uuid.New().String(),
		UserID:     "u1",
		Title:      "A Field Guide to Sourdough",
		Body:       "Flour, water, salt and patience.",
		ImageURL:   "https://cdn.example.com/sourdough.png",
		Status:     models.ContentStatusReviewReady,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	t.Run("Create and Get", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, content))

		got, err := store.Get(ctx, content.ID)
		require.NoError(t, err)
		assert.Equal(t, content.Title, got.Title)
		assert.Equal(t, content.Body, got.Body)
		assert.Equal(t, content.Status, got.Status)
		assert.Empty(t, got.Revisions)
	})

	t.Run("Revisions round-trip", func(t *testing.T) {
		got, err := store.Get(ctx, content.ID)
		require.NoError(t, err)

		got.Revisions = append(got.Revisions, models.RevisionEntry{
			ID:           uuid.New().String(),
			Timestamp:    now,
			Feedback:     "make it shorter",
			RevisionType: models.RevisionTypeContent,
			Status:       models.RevisionStatusProcessing,
			UserID:       "u1",
		})
		got.Status = models.ContentStatusRevisionInProgress
		got.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, store.Update(ctx, got))

		reloaded, err := store.Get(ctx, content.ID)
		require.NoError(t, err)
		require.Len(t, reloaded.Revisions, 1)
		assert.Equal(t, "make it shorter", reloaded.Revisions[0].Feedback)
		assert.Equal(t, models.RevisionStatusProcessing, reloaded.Revisions[0].Status)
		assert.Equal(t, models.ContentStatusRevisionInProgress, reloaded.Status)
	})

	t.Run("Update with stale version conflicts", func(t *testing.T) {
		fresh, err := store.Get(ctx, content.ID)
		require.NoError(t, err)
		stale, err := store.Get(ctx, content.ID)
		require.NoError(t, err)

		fresh.Title = "A Longer Field Guide to Sourdough"
		require.NoError(t, store.Update(ctx, fresh))

		stale.Title = "Losing Title"
		assert.ErrorIs(t, store.Update(ctx, stale), ErrVersionConflict)
	})
}
