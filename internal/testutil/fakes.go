// Package testutil provides in-memory doubles for the engine's
// collaborators.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"contentflow/backend/internal/queue"
	"contentflow/backend/internal/repository"
	"contentflow/backend/pkg/models"
)

// WorkflowStore is an in-memory WorkflowStore with the same version
// semantics as the Postgres implementation. Get returns a deep copy, so
// callers observe the read-modify-write contract.
type WorkflowStore struct {
	mu    sync.Mutex
	items map[string]*models.Workflow

	// GetErr, when set, is returned by Get before touching state.
	GetErr error
	// UpdateConflicts makes the next n Update calls fail with
	// ErrVersionConflict without applying.
	UpdateConflicts int
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{items: map[string]*models.Workflow{}}
}

func (s *WorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[wf.ID] = copyWorkflow(wf)
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	wf, ok := s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyWorkflow(wf), nil
}

func (s *WorkflowStore) Update(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateConflicts > 0 {
		s.UpdateConflicts--
		return repository.ErrVersionConflict
	}
	stored, ok := s.items[wf.ID]
	if !ok || stored.Version != wf.Version {
		return repository.ErrVersionConflict
	}
	next := copyWorkflow(wf)
	next.Version++
	s.items[wf.ID] = next
	wf.Version++
	return nil
}

func (s *WorkflowStore) ExistsByInputID(ctx context.Context, inputID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.items {
		if wf.InputID == inputID {
			return true, nil
		}
	}
	return false, nil
}

// ContentStore is the in-memory counterpart for content records.
type ContentStore struct {
	mu    sync.Mutex
	items map[string]*models.Content
}

func NewContentStore() *ContentStore {
	return &ContentStore{items: map[string]*models.Content{}}
}

func (s *ContentStore) Create(ctx context.Context, c *models.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = copyContent(c)
	return nil
}

func (s *ContentStore) Get(ctx context.Context, id string) (*models.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyContent(c), nil
}

func (s *ContentStore) Update(ctx context.Context, c *models.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[c.ID]
	if !ok || stored.Version != c.Version {
		return repository.ErrVersionConflict
	}
	next := copyContent(c)
	next.Version++
	s.items[c.ID] = next
	c.Version++
	return nil
}

// Enqueued records one Enqueue call.
type Enqueued struct {
	Queue   string
	Payload []byte
	Delay   time.Duration
}

// Published records one Publish call.
type Published struct {
	Channel string
	Payload []byte
}

// Broker is an in-memory queue.Broker. Enqueued messages can be drained
// through Dequeue for consumer tests.
type Broker struct {
	mu        sync.Mutex
	Enqueues  []Enqueued
	Publishes []Published
	Acked     []*queue.Message
	Nacked    []*queue.Message

	// EnqueueErr, when set, decides per queue whether Enqueue fails.
	EnqueueErr func(queue string) error
}

func NewBroker() *Broker {
	return &Broker{}
}

func (b *Broker) Enqueue(ctx context.Context, q string, payload []byte, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EnqueueErr != nil {
		if err := b.EnqueueErr(q); err != nil {
			return err
		}
	}
	b.Enqueues = append(b.Enqueues, Enqueued{Queue: q, Payload: payload, Delay: delay})
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, q string, timeout time.Duration) (*queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.Enqueues {
		if e.Queue == q {
			b.Enqueues = append(b.Enqueues[:i], b.Enqueues[i+1:]...)
			return &queue.Message{Queue: q, Payload: e.Payload}, nil
		}
	}
	return nil, nil
}

func (b *Broker) Ack(ctx context.Context, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Acked = append(b.Acked, msg)
	return nil
}

func (b *Broker) Nack(ctx context.Context, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Nacked = append(b.Nacked, msg)
	return nil
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Publishes = append(b.Publishes, Published{Channel: channel, Payload: payload})
	return nil
}

func (b *Broker) Close() error { return nil }

// EnqueuedTo returns the requests sent to the named queue.
func (b *Broker) EnqueuedTo(q string) []Enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Enqueued
	for _, e := range b.Enqueues {
		if e.Queue == q {
			out = append(out, e)
		}
	}
	return out
}

func copyWorkflow(wf *models.Workflow) *models.Workflow {
	raw, _ := json.Marshal(wf)
	var out models.Workflow
	_ = json.Unmarshal(raw, &out)
	return &out
}

func copyContent(c *models.Content) *models.Content {
	raw, _ := json.Marshal(c)
	var out models.Content
	_ = json.Unmarshal(raw, &out)
	return &out
}
