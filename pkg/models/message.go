package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies an AgentMessage.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
	MessageTypeStatusUpdate MessageType = "status_update"
)

// AgentMessage is the transient envelope exchanged with agents over the
// queue. It is not persisted as a primary record; MessageID exists for
// deduplication under at-least-once delivery.
type AgentMessage struct {
	MessageID   string          `json:"message_id"`
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id"`
	AgentType   string          `json:"agent_type"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retry_count,omitempty"`
}

// AgentError is the payload carried by an error-typed AgentMessage.
type AgentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeAgentError extracts the error payload from an error message.
// A payload that cannot be parsed is treated as an opaque fatal error.
func DecodeAgentError(m *AgentMessage) AgentError {
	var ae AgentError
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &ae); err != nil {
			return AgentError{Code: "unparseable", Message: string(m.Payload)}
		}
	}
	if ae.Message == "" {
		ae.Message = fmt.Sprintf("agent %s reported an error", m.AgentType)
	}
	return ae
}

// StepRequest is the message the orchestrator places on an agent's queue.
// Context carries routing metadata (title, revision plan, priority); the
// orchestrator never interprets Input.
type StepRequest struct {
	WorkflowID string            `json:"workflow_id"`
	StepID     string            `json:"step_id"`
	AgentType  string            `json:"agent_type"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
}

// Event is a fire-and-forget notification published on the event bus.
type Event struct {
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	ContentID  string          `json:"content_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Event types published by the engine.
const (
	EventWorkflowCreated     = "workflow.created"
	EventWorkflowStepDone    = "workflow.step.completed"
	EventWorkflowReviewReady = "workflow.review_ready"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowFailed      = "workflow.failed"
	EventRevisionRequested   = "revision.requested"
)
