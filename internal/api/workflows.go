package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"contentflow/backend/internal/repository"
	"contentflow/backend/internal/revision"
	"contentflow/backend/pkg/models"
)

// Engine is the orchestration surface the HTTP layer exposes. Satisfied
// by *orchestrator.Orchestrator.
type Engine interface {
	HandleInputProcessed(ctx context.Context, userID, inputID string, payload json.RawMessage) (string, error)
	ApprovePublication(ctx context.Context, workflowID string) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
}

// Reviser is the revision surface. Satisfied by *revision.Service.
type Reviser interface {
	RequestRevision(ctx context.Context, contentID, feedback string, revisionType models.RevisionType, userID, priority string) (string, error)
	GetRevisionHistory(ctx context.Context, contentID string) ([]models.RevisionEntry, error)
	BatchRevision(ctx context.Context, contentID, contentFeedback, imageFeedback, userID string) (revision.BatchResult, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Engine  Engine
	Reviser Reviser
}

// NewServer creates a new Server.
func NewServer(engine Engine, reviser Reviser) *Server {
	return &Server{Engine: engine, Reviser: reviser}
}

// RegisterRoutes mounts all handlers on the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/inputs/processed", s.InputProcessed)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.POST("/workflows/:id/approve", s.ApprovePublication)
	g.POST("/contents/:id/revisions", s.RequestRevision)
	g.GET("/contents/:id/revisions", s.GetRevisionHistory)
	g.POST("/contents/:id/revisions/batch", s.BatchRevision)
}

// InputProcessedRequest is the trigger payload from the input pipeline.
type InputProcessedRequest struct {
	UserID  string          `json:"user_id"`
	InputID string          `json:"input_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InputProcessed starts a new workflow for a processed input
// (POST /api/v1/inputs/processed)
func (s *Server) InputProcessed(c echo.Context) error {
	ctx := c.Request().Context()

	var req InputProcessedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	workflowID, err := s.Engine.HandleInputProcessed(ctx, req.UserID, req.InputID, req.Payload)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}

// GetWorkflow returns a workflow record
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.Engine.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ApprovePublication moves a review-ready workflow into publishing
// (POST /api/v1/workflows/:id/approve)
func (s *Server) ApprovePublication(c echo.Context) error {
	if err := s.Engine.ApprovePublication(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "publishing"})
}

// RevisionRequest is the user feedback payload.
type RevisionRequest struct {
	Feedback     string `json:"feedback"`
	RevisionType string `json:"revision_type"`
	UserID       string `json:"user_id"`
	Priority     string `json:"priority,omitempty"`
}

// RequestRevision submits feedback for one artifact
// (POST /api/v1/contents/:id/revisions)
func (s *Server) RequestRevision(c echo.Context) error {
	ctx := c.Request().Context()

	var req RevisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	revisionID, err := s.Reviser.RequestRevision(ctx, c.Param("id"), req.Feedback,
		models.RevisionType(req.RevisionType), req.UserID, req.Priority)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"revision_id": revisionID})
}

// GetRevisionHistory returns the ordered revision history
// (GET /api/v1/contents/:id/revisions)
func (s *Server) GetRevisionHistory(c echo.Context) error {
	history, err := s.Reviser.GetRevisionHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	if history == nil {
		history = []models.RevisionEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

// BatchRevisionRequest carries up to two independent feedback items.
type BatchRevisionRequest struct {
	ContentFeedback string `json:"content_feedback,omitempty"`
	ImageFeedback   string `json:"image_feedback,omitempty"`
	UserID          string `json:"user_id"`
}

// BatchRevision fans out content and image revisions independently
// (POST /api/v1/contents/:id/revisions/batch)
func (s *Server) BatchRevision(c echo.Context) error {
	ctx := c.Request().Context()

	var req BatchRevisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Reviser.BatchRevision(ctx, c.Param("id"), req.ContentFeedback, req.ImageFeedback, req.UserID)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusAccepted, result)
}

// mapError translates the engine's error taxonomy onto HTTP status codes.
func mapError(err error) error {
	var validation *models.ValidationError
	if errors.As(err, &validation) {
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	}
	var duplicate *models.DuplicateInputError
	if errors.As(err, &duplicate) {
		return echo.NewHTTPError(http.StatusConflict, duplicate.Error())
	}
	var unknown *models.UnknownWorkflowError
	if errors.As(err, &unknown) {
		return echo.NewHTTPError(http.StatusNotFound, unknown.Error())
	}
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
