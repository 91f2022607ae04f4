package models

import (
	"encoding/json"
	"time"
)

// ContentStatus represents the state of a produced content record.
type ContentStatus string

const (
	ContentStatusDraft              ContentStatus = "draft"
	ContentStatusReviewReady        ContentStatus = "review_ready"
	ContentStatusRevisionInProgress ContentStatus = "revision_in_progress"
	ContentStatusPublished          ContentStatus = "published"
)

// RevisionType says which produced artifact a revision targets.
type RevisionType string

const (
	RevisionTypeContent RevisionType = "content"
	RevisionTypeImage   RevisionType = "image"
)

// RevisionStatus tracks one revision entry. Transitions are
// pending -> processing -> completed|failed only.
type RevisionStatus string

const (
	RevisionStatusPending    RevisionStatus = "pending"
	RevisionStatusProcessing RevisionStatus = "processing"
	RevisionStatusCompleted  RevisionStatus = "completed"
	RevisionStatusFailed     RevisionStatus = "failed"
)

// RevisionEntry is one element of a content record's append-only revision
// history. Entries are never removed or reordered.
type RevisionEntry struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Feedback     string          `json:"feedback"`
	RevisionType RevisionType    `json:"revision_type"`
	Status       RevisionStatus  `json:"status"`
	UserID       string          `json:"user_id"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Content is the reviewable artifact a workflow produces.
type Content struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	UserID     string          `json:"user_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body,omitempty"`
	ImageURL   string          `json:"image_url,omitempty"`
	Status     ContentStatus   `json:"status"`
	Revisions  []RevisionEntry `json:"revisions,omitempty"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Revision returns the revision entry with the given id, or nil.
func (c *Content) Revision(id string) *RevisionEntry {
	for i := range c.Revisions {
		if c.Revisions[i].ID == id {
			return &c.Revisions[i]
		}
	}
	return nil
}
