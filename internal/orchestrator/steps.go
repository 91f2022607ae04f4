package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"contentflow/backend/internal/retry"
	"contentflow/backend/pkg/models"
)

// transition is the result of applying one agent message to a workflow.
// The workflow is mutated in memory; the orchestrator persists it and
// carries out the listed side effects.
type transition struct {
	applied bool
	reason  string

	// request to enqueue after persisting, if any.
	request      *models.StepRequest
	requestAgent string
	requestDelay time.Duration

	// event types to publish.
	events []string

	// completedStep points at the step that finished, for syncing the
	// content record. Nil when nothing finished.
	completedStep *models.WorkflowStep

	retried bool
	failed  bool
}

// stepMachine advances a single workflow step in response to one agent
// message. Pure with respect to its dependencies: the clock and retry
// policy are injected.
type stepMachine struct {
	policy retry.Policy
	now    func() time.Time
}

// apply computes the transition for msg against wf. Messages whose
// implied precondition no longer holds leave wf untouched: the transport
// is at-least-once and redelivery must be a no-op.
func (m *stepMachine) apply(wf *models.Workflow, msg *models.AgentMessage) transition {
	if wf.Status == models.WorkflowStatusFailed {
		return transition{reason: "workflow already failed"}
	}
	step := wf.Step(msg.StepID)
	if step == nil {
		return transition{reason: "unknown step"}
	}
	if step.Status != models.StepStatusInProgress {
		return transition{reason: fmt.Sprintf("step is %s, not in_progress", step.Status)}
	}
	if msg.MessageID != "" && step.LastMessageID == msg.MessageID {
		return transition{reason: "duplicate message"}
	}

	switch msg.MessageType {
	case models.MessageTypeResponse:
		return m.applyResponse(wf, step, msg)
	case models.MessageTypeError:
		return m.applyError(wf, step, msg)
	case models.MessageTypeStatusUpdate:
		// Progress notes carry no state transition.
		return transition{reason: "status update"}
	default:
		return transition{reason: "unhandled message type"}
	}
}

func (m *stepMachine) applyResponse(wf *models.Workflow, step *models.WorkflowStep, msg *models.AgentMessage) transition {
	now := m.now()
	step.Status = models.StepStatusCompleted
	step.Output = msg.Payload
	step.LastMessageID = msg.MessageID
	if step.CompletedAt == nil {
		step.CompletedAt = &now
	}
	wf.UpdatedAt = now

	t := transition{
		applied:       true,
		completedStep: step,
		events:        []string{models.EventWorkflowStepDone},
	}

	switch step.StepType {
	case models.StepTypeRevision:
		// A revision redoes exactly one stage; the workflow returns to
		// the review gate rather than re-running the pipeline.
		m.enterReviewGate(wf, now)
		t.events = append(t.events, models.EventWorkflowReviewReady)
		return t
	case models.StepTypePublishing:
		wf.Status = models.WorkflowStatusCompleted
		wf.CurrentStep = ""
		t.events = append(t.events, models.EventWorkflowCompleted)
		return t
	}

	next := wf.NextPending()
	if next == nil {
		wf.Status = models.WorkflowStatusReviewReady
		wf.CurrentStep = ""
		t.events = append(t.events, models.EventWorkflowReviewReady)
		return t
	}

	next.Status = models.StepStatusInProgress
	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}
	wf.CurrentStep = next.StepID
	wf.Status = models.StatusForStep(next.StepType)

	if next.StepType == models.StepTypeReview {
		// The review gate has no agent; the user drives it.
		t.events = append(t.events, models.EventWorkflowReviewReady)
		return t
	}

	t.request = &models.StepRequest{
		WorkflowID: wf.ID,
		StepID:     next.StepID,
		AgentType:  next.AgentType,
		Input:      next.Input,
	}
	t.requestAgent = next.AgentType
	return t
}

func (m *stepMachine) applyError(wf *models.Workflow, step *models.WorkflowStep, msg *models.AgentMessage) transition {
	now := m.now()
	ae := models.DecodeAgentError(msg)
	decision := m.policy.ShouldRetry(ae.Code, step.RetryCount, step.MaxRetries)

	if decision.Retry {
		step.RetryCount++
		step.LastMessageID = msg.MessageID
		wf.UpdatedAt = now
		return transition{
			applied: true,
			retried: true,
			request: &models.StepRequest{
				WorkflowID: wf.ID,
				StepID:     step.StepID,
				AgentType:  step.AgentType,
				Input:      step.Input,
				RetryCount: step.RetryCount,
			},
			requestAgent: step.AgentType,
			requestDelay: decision.Delay,
		}
	}

	step.Status = models.StepStatusFailed
	step.Error = fmt.Sprintf("%s: %s", ae.Code, ae.Message)
	step.LastMessageID = msg.MessageID
	if step.CompletedAt == nil {
		step.CompletedAt = &now
	}
	wf.Status = models.WorkflowStatusFailed
	wf.CurrentStep = ""
	wf.UpdatedAt = now

	return transition{
		applied:       true,
		failed:        true,
		completedStep: step,
		events:        []string{models.EventWorkflowFailed},
	}
}

// enterReviewGate puts the review step back in progress and parks the
// workflow at review_ready. StartedAt is only stamped the first time the
// gate is reached.
func (m *stepMachine) enterReviewGate(wf *models.Workflow, now time.Time) {
	for i := range wf.Steps {
		if wf.Steps[i].StepType != models.StepTypeReview {
			continue
		}
		wf.Steps[i].Status = models.StepStatusInProgress
		if wf.Steps[i].StartedAt == nil {
			started := now
			wf.Steps[i].StartedAt = &started
		}
		wf.CurrentStep = wf.Steps[i].StepID
		wf.Status = models.WorkflowStatusReviewReady
		return
	}
	// No review step in the sequence; park without a current step.
	wf.Status = models.WorkflowStatusReviewReady
	wf.CurrentStep = ""
}

// generatedContent is the best-effort shape of a generation agent's
// output. Anything unparseable stays opaque in the step output.
type generatedContent struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	ImageURL string `json:"image_url"`
}

func decodeGenerated(payload json.RawMessage) generatedContent {
	var g generatedContent
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &g)
	}
	return g
}
