// Package models defines the domain models for the content pipeline service.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the workflow-level state.
type WorkflowStatus string

const (
	WorkflowStatusInitiated         WorkflowStatus = "initiated"
	WorkflowStatusContentGeneration WorkflowStatus = "content_generation"
	WorkflowStatusImageGeneration   WorkflowStatus = "image_generation"
	WorkflowStatusReviewReady       WorkflowStatus = "review_ready"
	WorkflowStatusRevisionRequested WorkflowStatus = "revision_requested"
	WorkflowStatusPublishing        WorkflowStatus = "publishing"
	WorkflowStatusCompleted         WorkflowStatus = "completed"
	WorkflowStatusFailed            WorkflowStatus = "failed"
)

// IsTerminal reports whether no further pipeline work is permitted,
// other than a revision re-entering from completed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// StepType identifies the kind of work a step represents.
type StepType string

const (
	StepTypeContentGeneration StepType = "content_generation"
	StepTypeImageGeneration   StepType = "image_generation"
	StepTypeReview            StepType = "review"
	StepTypeRevision          StepType = "revision"
	StepTypePublishing        StepType = "publishing"
)

// StepStatus represents the state of a single workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Agent type names. Each maps to a dedicated request queue.
const (
	AgentTypeContentWriter  = "content-writer"
	AgentTypeImageGenerator = "image-generator"
	AgentTypePublisher      = "publisher"
)

// WorkflowStep is one unit of agent work within a workflow.
type WorkflowStep struct {
	StepID        string          `json:"step_id"`
	StepType      StepType        `json:"step_type"`
	Status        StepStatus      `json:"status"`
	AgentType     string          `json:"agent_type"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastMessageID string          `json:"last_message_id,omitempty"`
	RevisionID    string          `json:"revision_id,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Workflow tracks one input's journey through generation, review and
// optional revision. Steps is append-only; existing entries are mutated
// in place by step id.
type Workflow struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	InputID     string            `json:"input_id"`
	Status      WorkflowStatus    `json:"status"`
	CurrentStep string            `json:"current_step"`
	Steps       []WorkflowStep    `json:"steps"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(stepID string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// ActiveStep returns the step currently in progress, or nil. The engine
// maintains at most one such step per workflow.
func (w *Workflow) ActiveStep() *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Status == StepStatusInProgress {
			return &w.Steps[i]
		}
	}
	return nil
}

// NextPending returns the first step still pending, or nil.
func (w *Workflow) NextPending() *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Status == StepStatusPending {
			return &w.Steps[i]
		}
	}
	return nil
}

// StatusForStep maps a step type to the workflow-level status that holds
// while that step is active.
func StatusForStep(t StepType) WorkflowStatus {
	switch t {
	case StepTypeContentGeneration:
		return WorkflowStatusContentGeneration
	case StepTypeImageGeneration:
		return WorkflowStatusImageGeneration
	case StepTypeRevision:
		return WorkflowStatusRevisionRequested
	case StepTypePublishing:
		return WorkflowStatusPublishing
	default:
		return WorkflowStatusReviewReady
	}
}

// AgentForStep maps a step type to the agent responsible for it. Revision
// steps carry their own agent type chosen by the revision subsystem.
func AgentForStep(t StepType) string {
	switch t {
	case StepTypeContentGeneration:
		return AgentTypeContentWriter
	case StepTypeImageGeneration:
		return AgentTypeImageGenerator
	case StepTypePublishing:
		return AgentTypePublisher
	default:
		return ""
	}
}
