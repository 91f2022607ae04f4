// Package queue provides the transport gateway the orchestrator uses to
// reach agents: at-least-once work queues plus a fire-and-forget event bus.
package queue

import (
	"context"
	"time"
)

// Message is one unit pulled from a work queue. Payload is an opaque
// JSON document; the consumer decides what it is.
type Message struct {
	Queue   string
	Payload []byte
}

// Broker is the queue/event gateway contract. Delivery is at-least-once
// with no ordering guarantee; a message stays invisible between Dequeue
// and Ack/Nack.
type Broker interface {
	// Enqueue adds a payload to the named queue. A positive delay defers
	// visibility, used for backoff on retried step requests.
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error
	// Dequeue blocks until a message is available or the timeout elapses.
	// Returns nil, nil on timeout.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Message, error)
	// Ack removes a processed message for good.
	Ack(ctx context.Context, msg *Message) error
	// Nack returns a message to its queue for redelivery.
	Nack(ctx context.Context, msg *Message) error
	// Publish emits a notification on the pub/sub channel. Best effort;
	// nobody listening is not an error.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Close releases the underlying connection.
	Close() error
}

// AgentQueue names the request queue owned by an agent type.
func AgentQueue(prefix, agentType string) string {
	return prefix + ".agent." + agentType
}

// ReplyQueue names the queue agents answer on, consumed by the
// orchestrator's receive loop.
func ReplyQueue(prefix, name string) string {
	return prefix + "." + name
}
