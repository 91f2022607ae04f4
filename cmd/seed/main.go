package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"contentflow/backend/internal/config"
	"contentflow/backend/internal/logging"
	"contentflow/backend/internal/repository"
	"contentflow/backend/pkg/models"
)

// Seeds the local database with the schema and one workflow already
// parked at the review gate, so the revision flow can be exercised
// immediately.
func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, repository.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Schema applied")

	workflowStore := repository.NewPostgresWorkflowStore(pool)
	contentStore := repository.NewPostgresContentStore(pool)

	now := time.Now()
	workflowID := uuid.New().String()
	contentID := uuid.New().String()
	reviewStepID := uuid.New().String()

	contentOutput, _ := json.Marshal(map[string]string{
		"title": "A Field Guide to Sourdough",
		"body":  "Flour, water, salt and patience...",
	})
	imageOutput, _ := json.Marshal(map[string]string{
		"image_url": "https://cdn.example.com/demo/sourdough.png",
	})

	done := now.Add(-time.Hour)
	wf := &models.Workflow{
		ID:          workflowID,
		UserID:      "demo-user",
		InputID:     "demo-input-1",
		Status:      models.WorkflowStatusReviewReady,
		CurrentStep: reviewStepID,
		Metadata:    map[string]string{"content_id": contentID},
		Version:     1,
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now,
		Steps: []models.WorkflowStep{
			{
				StepID:      uuid.New().String(),
				StepType:    models.StepTypeContentGeneration,
				Status:      models.StepStatusCompleted,
				AgentType:   models.AgentTypeContentWriter,
				Output:      contentOutput,
				MaxRetries:  3,
				StartedAt:   &done,
				CompletedAt: &done,
			},
			{
				StepID:      uuid.New().String(),
				StepType:    models.StepTypeImageGeneration,
				Status:      models.StepStatusCompleted,
				AgentType:   models.AgentTypeImageGenerator,
				Output:      imageOutput,
				MaxRetries:  3,
				StartedAt:   &done,
				CompletedAt: &done,
			},
			{
				StepID:     reviewStepID,
				StepType:   models.StepTypeReview,
				Status:     models.StepStatusInProgress,
				MaxRetries: 3,
				StartedAt:  &done,
			},
		},
	}
	if err := workflowStore.Create(ctx, wf); err != nil {
		log.Fatalf("Failed to seed workflow: %v", err)
	}

	content := &models.Content{
		ID:         contentID,
		WorkflowID: workflowID,
		UserID:     "demo-user",
		Title:      "A Field Guide to Sourdough",
		Body:       "Flour, water, salt and patience...",
		ImageURL:   "https://cdn.example.com/demo/sourdough.png",
		Status:     models.ContentStatusReviewReady,
		Version:    1,
		CreatedAt:  now.Add(-2 * time.Hour),
		UpdatedAt:  now,
	}
	if err := contentStore.Create(ctx, content); err != nil {
		log.Fatalf("Failed to seed content: %v", err)
	}

	logger.Info("Seed complete", "workflow_id", workflowID, "content_id", contentID)
}
