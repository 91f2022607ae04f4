// Package orchestrator owns workflow state: it sequences steps across
// asynchronous agents, absorbs duplicate and out-of-order deliveries,
// drives retries and accepts user revision requests re-entering the
// pipeline mid-flight.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"contentflow/backend/internal/logging"
	"contentflow/backend/internal/observability"
	"contentflow/backend/internal/queue"
	"contentflow/backend/internal/repository"
	"contentflow/backend/internal/retry"
	"contentflow/backend/pkg/models"
)

// applyAttempts bounds the optimistic read-modify-write loop when
// concurrent writers race on the same workflow record.
const applyAttempts = 5

// RevisionRequester is the slice of the revision subsystem the
// orchestrator delegates to.
type RevisionRequester interface {
	RequestRevision(ctx context.Context, contentID, feedback string, revisionType models.RevisionType, userID, priority string) (string, error)
}

// Deps collects everything the orchestrator needs at construction.
// All collaborators are interfaces so tests can inject doubles.
type Deps struct {
	Workflows repository.WorkflowStore
	Contents  repository.ContentStore
	Broker    queue.Broker
	Revisions RevisionRequester
	Logger    *logging.Logger
	Metrics   *observability.Metrics

	QueuePrefix  string
	EventChannel string

	// AgentRetry governs agent-reported errors; reads and writes against
	// the store/queue use their own budgets.
	AgentRetry     retry.Policy
	ReadRetry      retry.Policy
	WriteRetry     retry.Policy
	MaxStepRetries int

	Now   func() time.Time
	NewID func() string
}

// Orchestrator is the single authoritative state-transition function for
// a workflow in response to one external trigger at a time. It holds no
// cross-invocation state; everything lives in the store.
type Orchestrator struct {
	workflows repository.WorkflowStore
	contents  repository.ContentStore
	broker    queue.Broker
	revisions RevisionRequester
	logger    *logging.Logger
	metrics   *observability.Metrics

	queuePrefix  string
	eventChannel string

	machine        stepMachine
	readRetry      retry.Policy
	writeRetry     retry.Policy
	maxStepRetries int

	now   func() time.Time
	newID func() string
}

// New constructs an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	if deps.MaxStepRetries <= 0 {
		deps.MaxStepRetries = 3
	}
	if deps.AgentRetry.BaseDelay == 0 {
		deps.AgentRetry = retry.NewPolicy(2*time.Second, 2.0, 5*time.Minute)
	}
	if deps.ReadRetry.BaseDelay == 0 {
		deps.ReadRetry = retry.AggressiveReads()
	}
	if deps.WriteRetry.BaseDelay == 0 {
		deps.WriteRetry = retry.ConservativeWrites()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	return &Orchestrator{
		workflows:      deps.Workflows,
		contents:       deps.Contents,
		broker:         deps.Broker,
		revisions:      deps.Revisions,
		logger:         deps.Logger.With("orchestrator"),
		metrics:        deps.Metrics,
		queuePrefix:    deps.QueuePrefix,
		eventChannel:   deps.EventChannel,
		machine:        stepMachine{policy: deps.AgentRetry, now: deps.Now},
		readRetry:      deps.ReadRetry,
		writeRetry:     deps.WriteRetry,
		maxStepRetries: deps.MaxStepRetries,
		now:            deps.Now,
		newID:          deps.NewID,
	}
}

// HandleInputProcessed creates a workflow for a processed input
// submission and kicks off its first step. Returns DuplicateInputError
// when a workflow for the input already exists.
func (o *Orchestrator) HandleInputProcessed(ctx context.Context, userID, inputID string, payload json.RawMessage) (string, error) {
	if userID == "" {
		return "", &models.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if inputID == "" {
		return "", &models.ValidationError{Field: "input_id", Reason: "must not be empty"}
	}

	var exists bool
	err := retry.Do(ctx, o.readRetry, 3, func(ctx context.Context) error {
		var err error
		exists, err = o.workflows.ExistsByInputID(ctx, inputID)
		if err != nil {
			return &models.StoreUnavailableError{Op: "exists_by_input", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if exists {
		return "", &models.DuplicateInputError{InputID: inputID}
	}

	now := o.now()
	wf := &models.Workflow{
		ID:      o.newID(),
		UserID:  userID,
		InputID: inputID,
		Status:  models.WorkflowStatusInitiated,
		Version: 1,
		Metadata: map[string]string{
			"content_id": o.newID(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	wf.Steps = o.canonicalSteps(payload)

	content := &models.Content{
		ID:         wf.Metadata["content_id"],
		WorkflowID: wf.ID,
		UserID:     userID,
		Status:     models.ContentStatusDraft,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = retry.Do(ctx, o.writeRetry, 3, func(ctx context.Context) error {
		if err := o.workflows.Create(ctx, wf); err != nil {
			return &models.StoreUnavailableError{Op: "create_workflow", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := o.contents.Create(ctx, content); err != nil {
		// The workflow exists; the content record will be recreated on
		// first sync if this write was lost.
		o.logger.Error("content record creation failed", "workflow_id", wf.ID, "error", err)
	}

	// Activate the first step. The record passes through initiated so
	// readers never see a workflow claiming progress it has not started.
	started := o.now()
	first := &wf.Steps[0]
	first.Status = models.StepStatusInProgress
	first.StartedAt = &started
	wf.CurrentStep = first.StepID
	wf.Status = models.StatusForStep(first.StepType)
	wf.UpdatedAt = started
	err = retry.Do(ctx, o.writeRetry, 3, func(ctx context.Context) error {
		if err := o.workflows.Update(ctx, wf); err != nil {
			return &models.StoreUnavailableError{Op: "update_workflow", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	req := &models.StepRequest{
		WorkflowID: wf.ID,
		StepID:     first.StepID,
		AgentType:  first.AgentType,
		Input:      payload,
	}
	if err := o.enqueueStepRequest(ctx, first.AgentType, req, 0); err != nil {
		return "", err
	}

	o.publishEvent(ctx, models.EventWorkflowCreated, wf.ID, content.ID)
	o.logger.Info("workflow created", "workflow_id", wf.ID, "input_id", inputID)
	return wf.ID, nil
}

// canonicalSteps builds the content -> image -> review sequence, all
// pending until the workflow is persisted and the first step activates.
func (o *Orchestrator) canonicalSteps(payload json.RawMessage) []models.WorkflowStep {
	return []models.WorkflowStep{
		{
			StepID:     o.newID(),
			StepType:   models.StepTypeContentGeneration,
			Status:     models.StepStatusPending,
			AgentType:  models.AgentForStep(models.StepTypeContentGeneration),
			Input:      payload,
			MaxRetries: o.maxStepRetries,
		},
		{
			StepID:     o.newID(),
			StepType:   models.StepTypeImageGeneration,
			Status:     models.StepStatusPending,
			AgentType:  models.AgentForStep(models.StepTypeImageGeneration),
			MaxRetries: o.maxStepRetries,
		},
		{
			StepID:     o.newID(),
			StepType:   models.StepTypeReview,
			Status:     models.StepStatusPending,
			MaxRetries: o.maxStepRetries,
		},
	}
}

// HandleAgentMessage applies one agent response, error or status update.
// Safe under redelivery: a message whose precondition no longer holds is
// acknowledged without effect.
func (o *Orchestrator) HandleAgentMessage(ctx context.Context, msg *models.AgentMessage) error {
	var tr transition
	var wf *models.Workflow

	for attempt := 0; ; attempt++ {
		var err error
		wf, err = o.loadWorkflow(ctx, msg.WorkflowID)
		if err != nil {
			var unknown *models.UnknownWorkflowError
			if errors.As(err, &unknown) {
				// Stale message, possibly delivered after cleanup. Must
				// not resurrect the record.
				o.logger.Warn("message for unknown workflow dropped",
					"workflow_id", msg.WorkflowID, "message_id", msg.MessageID)
				o.metrics.MessageHandled(ctx, string(msg.MessageType), "unknown_workflow")
				return nil
			}
			return err
		}

		tr = o.machine.apply(wf, msg)
		if !tr.applied {
			o.logger.Debug("message ignored",
				"workflow_id", wf.ID, "step_id", msg.StepID, "reason", tr.reason)
			o.metrics.MessageHandled(ctx, string(msg.MessageType), "noop")
			return nil
		}

		err = retry.Do(ctx, o.writeRetry, 3, func(ctx context.Context) error {
			if err := o.workflows.Update(ctx, wf); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					return err
				}
				return &models.StoreUnavailableError{Op: "update_workflow", Err: err}
			}
			return nil
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if tr.request != nil {
		if err := o.enqueueStepRequest(ctx, tr.requestAgent, tr.request, tr.requestDelay); err != nil {
			return err
		}
	}
	if tr.retried {
		o.metrics.RetryScheduled(ctx, tr.requestAgent)
		o.logger.Info("step retry scheduled",
			"workflow_id", wf.ID, "step_id", msg.StepID, "delay", tr.requestDelay)
	}
	if tr.completedStep != nil {
		o.syncContent(ctx, wf, tr.completedStep)
	}
	for _, ev := range tr.events {
		o.publishEvent(ctx, ev, wf.ID, wf.Metadata["content_id"])
	}
	if wf.Status.IsTerminal() {
		o.metrics.WorkflowTerminal(ctx, string(wf.Status))
	}
	o.metrics.MessageHandled(ctx, string(msg.MessageType), "applied")
	return nil
}

// HandleRevisionRequest delegates to the revision subsystem.
func (o *Orchestrator) HandleRevisionRequest(ctx context.Context, contentID, feedback string, revisionType models.RevisionType, userID string) (string, error) {
	return o.revisions.RequestRevision(ctx, contentID, feedback, revisionType, userID, "")
}

// ApprovePublication completes the review gate and hands the artifact to
// the publishing agent. Only valid from review_ready.
func (o *Orchestrator) ApprovePublication(ctx context.Context, workflowID string) error {
	for attempt := 0; ; attempt++ {
		wf, err := o.loadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status != models.WorkflowStatusReviewReady {
			return &models.ValidationError{
				Field:  "workflow",
				Reason: "publication requires status review_ready, workflow is " + string(wf.Status),
			}
		}

		now := o.now()
		if review := wf.ActiveStep(); review != nil && review.StepType == models.StepTypeReview {
			review.Status = models.StepStatusCompleted
			if review.CompletedAt == nil {
				review.CompletedAt = &now
			}
		}
		step := models.WorkflowStep{
			StepID:     o.newID(),
			StepType:   models.StepTypePublishing,
			Status:     models.StepStatusInProgress,
			AgentType:  models.AgentTypePublisher,
			MaxRetries: o.maxStepRetries,
			StartedAt:  &now,
		}
		wf.Steps = append(wf.Steps, step)
		wf.CurrentStep = step.StepID
		wf.Status = models.WorkflowStatusPublishing
		wf.UpdatedAt = now

		err = o.workflows.Update(ctx, wf)
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt+1 >= applyAttempts {
				return err
			}
			continue
		}
		if err != nil {
			return &models.StoreUnavailableError{Op: "update_workflow", Err: err}
		}

		req := &models.StepRequest{
			WorkflowID: wf.ID,
			StepID:     step.StepID,
			AgentType:  step.AgentType,
			Context:    map[string]string{"content_id": wf.Metadata["content_id"]},
		}
		return o.enqueueStepRequest(ctx, step.AgentType, req, 0)
	}
}

// GetWorkflow is a plain read for the outer surfaces.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return o.loadWorkflow(ctx, id)
}

func (o *Orchestrator) loadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var wf *models.Workflow
	err := retry.Do(ctx, o.readRetry, 3, func(ctx context.Context) error {
		var err error
		wf, err = o.workflows.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err != nil {
			return &models.StoreUnavailableError{Op: "get_workflow", Err: err}
		}
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &models.UnknownWorkflowError{WorkflowID: id}
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (o *Orchestrator) enqueueStepRequest(ctx context.Context, agentType string, req *models.StepRequest, delay time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	q := queue.AgentQueue(o.queuePrefix, agentType)
	return retry.Do(ctx, o.writeRetry, 3, func(ctx context.Context) error {
		if err := o.broker.Enqueue(ctx, q, payload, delay); err != nil {
			return &models.TransportUnavailableError{Op: "enqueue " + q, Err: err}
		}
		return nil
	})
}

// publishEvent is fire and forget; a failed publish is logged, never
// propagated.
func (o *Orchestrator) publishEvent(ctx context.Context, eventType, workflowID, contentID string) {
	ev := models.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		ContentID:  contentID,
		Timestamp:  o.now(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.broker.Publish(ctx, o.eventChannel, payload); err != nil {
		o.logger.Warn("event publish failed", "event", eventType, "error", err)
	}
}

// syncContent reflects a finished step onto the content record. Failures
// here are logged, not propagated: the workflow record stays the source
// of truth.
func (o *Orchestrator) syncContent(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) {
	contentID := wf.Metadata["content_id"]
	if contentID == "" {
		return
	}
	content, err := o.contents.Get(ctx, contentID)
	if err != nil {
		o.logger.Error("content sync read failed", "content_id", contentID, "error", err)
		return
	}

	now := o.now()
	g := decodeGenerated(step.Output)
	switch {
	case step.Status == models.StepStatusCompleted:
		switch step.StepType {
		case models.StepTypeContentGeneration:
			if g.Title != "" {
				content.Title = g.Title
			}
			if g.Body != "" {
				content.Body = g.Body
			}
		case models.StepTypeImageGeneration:
			if g.ImageURL != "" {
				content.ImageURL = g.ImageURL
			}
			content.Status = models.ContentStatusReviewReady
		case models.StepTypeRevision:
			o.applyRevisionResult(content, step, g)
		case models.StepTypePublishing:
			content.Status = models.ContentStatusPublished
		}
	case step.Status == models.StepStatusFailed && step.RevisionID != "":
		if entry := content.Revision(step.RevisionID); entry != nil {
			entry.Status = models.RevisionStatusFailed
			entry.Error = step.Error
		}
		content.Status = models.ContentStatusReviewReady
	}
	content.UpdatedAt = now

	if err := o.contents.Update(ctx, content); err != nil {
		o.logger.Error("content sync write failed", "content_id", contentID, "error", err)
	}
}

// applyRevisionResult closes out the revision entry and applies the
// regenerated artifact.
func (o *Orchestrator) applyRevisionResult(content *models.Content, step *models.WorkflowStep, g generatedContent) {
	if g.Title != "" {
		content.Title = g.Title
	}
	if g.Body != "" {
		content.Body = g.Body
	}
	if g.ImageURL != "" {
		content.ImageURL = g.ImageURL
	}
	content.Status = models.ContentStatusReviewReady
	if entry := content.Revision(step.RevisionID); entry != nil {
		entry.Status = models.RevisionStatusCompleted
		entry.Result = step.Output
	}
}
