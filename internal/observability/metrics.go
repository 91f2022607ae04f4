// Package observability wires the engine's counters into OpenTelemetry.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	messagesHandled  metric.Int64Counter
	retriesScheduled metric.Int64Counter
	workflowsDone    metric.Int64Counter
}

// NewMetrics registers the engine's counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter("contentflow/orchestrator")

	messages, err := meter.Int64Counter("pipeline.messages.handled",
		metric.WithDescription("Agent messages processed by the orchestrator"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("pipeline.steps.retries",
		metric.WithDescription("Step retries scheduled after transient agent errors"))
	if err != nil {
		return nil, err
	}
	done, err := meter.Int64Counter("pipeline.workflows.terminal",
		metric.WithDescription("Workflows reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		messagesHandled:  messages,
		retriesScheduled: retries,
		workflowsDone:    done,
	}, nil
}

// MessageHandled records one processed agent message and its outcome
// (applied, noop, failed).
func (m *Metrics) MessageHandled(ctx context.Context, messageType, outcome string) {
	if m == nil {
		return
	}
	m.messagesHandled.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("message_type", messageType),
			attribute.String("outcome", outcome),
		))
}

// RetryScheduled records one step retry.
func (m *Metrics) RetryScheduled(ctx context.Context, agentType string) {
	if m == nil {
		return
	}
	m.retriesScheduled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent_type", agentType)))
}

// WorkflowTerminal records a workflow reaching completed or failed.
func (m *Metrics) WorkflowTerminal(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.workflowsDone.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}
