package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"contentflow/backend/internal/logging"
	"contentflow/backend/internal/queue"
	"contentflow/backend/pkg/models"
)

// Consumer is the receive loop feeding agent messages into the
// orchestrator, one at a time. Acknowledgment follows a successful state
// transition; handler failures nack the message back for redelivery.
type Consumer struct {
	broker      queue.Broker
	orch        *Orchestrator
	queueName   string
	pollTimeout time.Duration
	logger      *logging.Logger
}

// NewConsumer builds the receive loop for the named reply queue.
func NewConsumer(broker queue.Broker, orch *Orchestrator, queueName string, pollTimeout time.Duration, logger *logging.Logger) *Consumer {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Consumer{
		broker:      broker,
		orch:        orch,
		queueName:   queueName,
		pollTimeout: pollTimeout,
		logger:      logger.With("consumer"),
	}
}

// Run blocks until ctx is canceled, draining the reply queue.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "queue", c.queueName)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped", "queue", c.queueName)
			return ctx.Err()
		default:
		}

		msg, err := c.broker.Dequeue(ctx, c.queueName, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("dequeue failed", "queue", c.queueName, "error", err)
			// Back off briefly so a dead broker does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if msg == nil {
			continue
		}

		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *queue.Message) {
	var am models.AgentMessage
	if err := json.Unmarshal(msg.Payload, &am); err != nil {
		// Poison message; redelivery cannot fix it.
		c.logger.Error("malformed agent message dropped", "error", err)
		if err := c.broker.Ack(ctx, msg); err != nil {
			c.logger.Error("ack failed", "queue", c.queueName, "error", err)
		}
		return
	}

	if err := c.orch.HandleAgentMessage(ctx, &am); err != nil {
		c.logger.Error("agent message handling failed",
			"workflow_id", am.WorkflowID, "step_id", am.StepID, "error", err)
		if err := c.broker.Nack(ctx, msg); err != nil {
			c.logger.Error("nack failed", "queue", c.queueName, "error", err)
		}
		return
	}

	if err := c.broker.Ack(ctx, msg); err != nil {
		c.logger.Error("ack failed", "queue", c.queueName, "error", err)
	}
}
