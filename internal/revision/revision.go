// Package revision accepts user feedback on produced content and
// re-drives exactly one pipeline stage without disturbing completed work.
package revision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"contentflow/backend/internal/logging"
	"contentflow/backend/internal/queue"
	"contentflow/backend/internal/repository"
	"contentflow/backend/internal/retry"
	"contentflow/backend/pkg/models"
)

const applyAttempts = 5

// Deps collects the service's collaborators.
type Deps struct {
	Contents   repository.ContentStore
	Workflows  repository.WorkflowStore
	Broker     queue.Broker
	Classifier Classifier
	Logger     *logging.Logger

	QueuePrefix    string
	EventChannel   string
	MaxStepRetries int
	WriteRetry     retry.Policy

	Now   func() time.Time
	NewID func() string
}

// Service is the revision subsystem.
type Service struct {
	contents   repository.ContentStore
	workflows  repository.WorkflowStore
	broker     queue.Broker
	classifier Classifier
	logger     *logging.Logger

	queuePrefix    string
	eventChannel   string
	maxStepRetries int
	writeRetry     retry.Policy

	now   func() time.Time
	newID func() string
}

// NewService constructs the revision subsystem.
func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	if deps.Classifier == nil {
		deps.Classifier = KeywordClassifier{}
	}
	if deps.MaxStepRetries <= 0 {
		deps.MaxStepRetries = 3
	}
	if deps.WriteRetry.BaseDelay == 0 {
		deps.WriteRetry = retry.ConservativeWrites()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	return &Service{
		contents:       deps.Contents,
		workflows:      deps.Workflows,
		broker:         deps.Broker,
		classifier:     deps.Classifier,
		logger:         deps.Logger.With("revision"),
		queuePrefix:    deps.QueuePrefix,
		eventChannel:   deps.EventChannel,
		maxStepRetries: deps.MaxStepRetries,
		writeRetry:     deps.WriteRetry,
		now:            deps.Now,
		newID:          deps.NewID,
	}
}

// RequestRevision appends a revision entry to the content's history,
// classifies the feedback and re-enters the pipeline at the targeted
// generation stage. Returns the revision id.
//
// Revisions are only valid once the workflow has reached the review gate
// or beyond; a workflow still generating rejects with ValidationError.
// Concurrent requests for the same content are all accepted and all
// enqueued; the resulting content is last-writer-wins.
func (s *Service) RequestRevision(ctx context.Context, contentID, feedback string, revisionType models.RevisionType, userID, priority string) (string, error) {
	if feedback == "" {
		return "", &models.ValidationError{Field: "feedback", Reason: "must not be empty"}
	}
	if revisionType != models.RevisionTypeContent && revisionType != models.RevisionTypeImage {
		return "", &models.ValidationError{Field: "revision_type", Reason: "must be content or image"}
	}

	now := s.now()
	entry := models.RevisionEntry{
		ID:           s.newID(),
		Timestamp:    now,
		Feedback:     feedback,
		RevisionType: revisionType,
		Status:       models.RevisionStatusPending,
		UserID:       userID,
	}

	content, priorStatus, err := s.appendEntry(ctx, contentID, entry)
	if err != nil {
		return "", err
	}

	plan := s.classifier.Classify(feedback, revisionType)
	if priority == "" {
		priority = plan.Priority
	}

	agentType := models.AgentTypeContentWriter
	if revisionType == models.RevisionTypeImage {
		agentType = models.AgentTypeImageGenerator
	}

	stepID, err := s.enterPipeline(ctx, content, entry.ID, agentType)
	if err != nil {
		s.abandonEntry(ctx, contentID, entry.ID, priorStatus, err)
		return "", err
	}

	if err := s.sendRequest(ctx, content, entry, plan, agentType, stepID, priority); err != nil {
		s.abandonEntry(ctx, contentID, entry.ID, priorStatus, err)
		return "", err
	}

	if err := s.markProcessing(ctx, contentID, entry.ID); err != nil {
		s.abandonEntry(ctx, contentID, entry.ID, priorStatus, err)
		return "", err
	}

	s.publishEvent(ctx, models.EventRevisionRequested, content.WorkflowID, contentID)
	s.logger.Info("revision requested",
		"content_id", contentID, "revision_id", entry.ID,
		"type", revisionType, "category", plan.Category)
	return entry.ID, nil
}

// GetRevisionHistory returns the ordered revision history. Pure read.
func (s *Service) GetRevisionHistory(ctx context.Context, contentID string) ([]models.RevisionEntry, error) {
	content, err := s.contents.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return content.Revisions, nil
}

// BatchOutcome reports one half of a batch revision independently.
type BatchOutcome struct {
	RevisionID string `json:"revision_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResult carries the independent outcomes of a batch revision.
type BatchResult struct {
	Content *BatchOutcome `json:"content,omitempty"`
	Image   *BatchOutcome `json:"image,omitempty"`
}

// BatchRevision fans out up to two independent revision requests.
// Partial failure of one does not roll back the other.
func (s *Service) BatchRevision(ctx context.Context, contentID, contentFeedback, imageFeedback, userID string) (BatchResult, error) {
	if contentFeedback == "" && imageFeedback == "" {
		return BatchResult{}, &models.ValidationError{Field: "feedback", Reason: "at least one of content or image feedback is required"}
	}

	var result BatchResult
	if contentFeedback != "" {
		result.Content = s.outcome(ctx, contentID, contentFeedback, models.RevisionTypeContent, userID)
	}
	if imageFeedback != "" {
		result.Image = s.outcome(ctx, contentID, imageFeedback, models.RevisionTypeImage, userID)
	}
	return result, nil
}

func (s *Service) outcome(ctx context.Context, contentID, feedback string, rt models.RevisionType, userID string) *BatchOutcome {
	id, err := s.RequestRevision(ctx, contentID, feedback, rt, userID, "")
	if err != nil {
		return &BatchOutcome{Error: err.Error()}
	}
	return &BatchOutcome{RevisionID: id}
}

// appendEntry adds the pending history entry and flips the content into
// revision_in_progress, retrying around concurrent writers. The content's
// prior status is returned so a failed request can restore it.
func (s *Service) appendEntry(ctx context.Context, contentID string, entry models.RevisionEntry) (*models.Content, models.ContentStatus, error) {
	for attempt := 0; ; attempt++ {
		content, err := s.contents.Get(ctx, contentID)
		if err != nil {
			return nil, "", err
		}
		prior := content.Status
		content.Revisions = append(content.Revisions, entry)
		content.Status = models.ContentStatusRevisionInProgress
		content.UpdatedAt = s.now()

		err = s.contents.Update(ctx, content)
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				return nil, "", err
			}
			continue
		}
		if err != nil {
			return nil, "", &models.StoreUnavailableError{Op: "update_content", Err: err}
		}
		return content, prior, nil
	}
}

// abandonEntry closes out a history entry whose request could not be
// placed, restoring the content's prior status. Best effort: failures
// are logged, the original error is what the caller surfaces.
func (s *Service) abandonEntry(ctx context.Context, contentID, revisionID string, prior models.ContentStatus, cause error) {
	for attempt := 0; ; attempt++ {
		content, err := s.contents.Get(ctx, contentID)
		if err != nil {
			s.logger.Error("revision abandon read failed",
				"content_id", contentID, "revision_id", revisionID, "error", err)
			return
		}
		if entry := content.Revision(revisionID); entry != nil {
			entry.Status = models.RevisionStatusFailed
			entry.Error = cause.Error()
		}
		content.Status = prior
		content.UpdatedAt = s.now()

		err = s.contents.Update(ctx, content)
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				s.logger.Error("revision abandon write failed",
					"content_id", contentID, "revision_id", revisionID, "error", err)
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("revision abandon write failed",
				"content_id", contentID, "revision_id", revisionID, "error", err)
		}
		return
	}
}

// enterPipeline appends an in-progress revision step to the workflow and
// parks the review gate. An older outstanding revision step is skipped:
// the newest request wins.
//
// Revisions are only accepted while the workflow is parked at the review
// gate, already revising, or completed. While a generation step is still
// in flight there is nothing stable to give feedback on, and a second
// active step would be ambiguous for the agents' replies.
func (s *Service) enterPipeline(ctx context.Context, content *models.Content, revisionID, agentType string) (string, error) {
	for attempt := 0; ; attempt++ {
		wf, err := s.workflows.Get(ctx, content.WorkflowID)
		if errors.Is(err, repository.ErrNotFound) {
			return "", &models.UnknownWorkflowError{WorkflowID: content.WorkflowID}
		}
		if err != nil {
			return "", &models.StoreUnavailableError{Op: "get_workflow", Err: err}
		}
		switch wf.Status {
		case models.WorkflowStatusReviewReady, models.WorkflowStatusRevisionRequested, models.WorkflowStatusCompleted:
		default:
			return "", &models.ValidationError{
				Field:  "workflow",
				Reason: "revisions require status review_ready, revision_requested or completed, workflow is " + string(wf.Status),
			}
		}

		now := s.now()
		for i := range wf.Steps {
			if wf.Steps[i].Status != models.StepStatusInProgress {
				continue
			}
			switch wf.Steps[i].StepType {
			case models.StepTypeReview:
				wf.Steps[i].Status = models.StepStatusPending
			case models.StepTypeRevision:
				wf.Steps[i].Status = models.StepStatusSkipped
			}
		}

		step := models.WorkflowStep{
			StepID:     s.newID(),
			StepType:   models.StepTypeRevision,
			Status:     models.StepStatusInProgress,
			AgentType:  agentType,
			RevisionID: revisionID,
			MaxRetries: s.maxStepRetries,
			StartedAt:  &now,
		}
		wf.Steps = append(wf.Steps, step)
		wf.CurrentStep = step.StepID
		wf.Status = models.WorkflowStatusRevisionRequested
		wf.UpdatedAt = now

		err = s.workflows.Update(ctx, wf)
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", &models.StoreUnavailableError{Op: "update_workflow", Err: err}
		}
		return step.StepID, nil
	}
}

// revisionInput is what the generation agent receives: the original
// artifact plus the classified plan.
type revisionInput struct {
	ContentID string `json:"content_id"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Feedback  string `json:"feedback"`
	Category  string `json:"category"`
}

func (s *Service) sendRequest(ctx context.Context, content *models.Content, entry models.RevisionEntry, plan Classification, agentType, stepID, priority string) error {
	input, err := json.Marshal(revisionInput{
		ContentID: content.ID,
		Title:     content.Title,
		Body:      content.Body,
		ImageURL:  content.ImageURL,
		Feedback:  entry.Feedback,
		Category:  plan.Category,
	})
	if err != nil {
		return err
	}
	req := models.StepRequest{
		WorkflowID: content.WorkflowID,
		StepID:     stepID,
		AgentType:  agentType,
		Input:      input,
		Context: map[string]string{
			"revision_id":    entry.ID,
			"category":       plan.Category,
			"priority":       priority,
			"estimated_time": plan.EstimatedTime.String(),
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	q := queue.AgentQueue(s.queuePrefix, agentType)
	return retry.Do(ctx, s.writeRetry, 3, func(ctx context.Context) error {
		if err := s.broker.Enqueue(ctx, q, payload, 0); err != nil {
			return &models.TransportUnavailableError{Op: "enqueue " + q, Err: err}
		}
		return nil
	})
}

// markProcessing flips the history entry from pending to processing once
// the request is on the wire.
func (s *Service) markProcessing(ctx context.Context, contentID, revisionID string) error {
	for attempt := 0; ; attempt++ {
		content, err := s.contents.Get(ctx, contentID)
		if err != nil {
			return err
		}
		entry := content.Revision(revisionID)
		if entry == nil {
			return nil
		}
		entry.Status = models.RevisionStatusProcessing
		content.UpdatedAt = s.now()

		err = s.contents.Update(ctx, content)
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				return err
			}
			continue
		}
		if err != nil {
			return &models.StoreUnavailableError{Op: "update_content", Err: err}
		}
		return nil
	}
}

func (s *Service) publishEvent(ctx context.Context, eventType, workflowID, contentID string) {
	ev := models.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		ContentID:  contentID,
		Timestamp:  s.now(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, s.eventChannel, payload); err != nil {
		s.logger.Warn("event publish failed", "event", eventType, "error", err)
	}
}
