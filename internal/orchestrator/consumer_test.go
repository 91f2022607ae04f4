package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contentflow/backend/internal/retry"
	"contentflow/backend/internal/testutil"
	"contentflow/backend/pkg/models"
)

func quickPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      time.Millisecond,
		Multiplier:     1,
		MaxDelay:       time.Millisecond,
		RetryableCodes: retry.DefaultRetryableCodes,
	}
}

func newConsumerFixture() *fixture {
	workflows := testutil.NewWorkflowStore()
	contents := testutil.NewContentStore()
	broker := testutil.NewBroker()

	seq := 0
	orch := New(Deps{
		Workflows:    workflows,
		Contents:     contents,
		Broker:       broker,
		QueuePrefix:  "pipeline",
		EventChannel: "pipeline.events",
		AgentRetry:   quickPolicy(),
		ReadRetry:    quickPolicy(),
		WriteRetry:   quickPolicy(),
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	return &fixture{orch: orch, workflows: workflows, contents: contents, broker: broker}
}

func TestConsumerAcksAppliedMessage(t *testing.T) {
	f := newConsumerFixture()
	wf := f.start(t)
	ctx := context.Background()

	c := NewConsumer(f.broker, f.orch, "pipeline.orchestrator", 10*time.Millisecond, nil)

	payload, err := json.Marshal(respMsg(wf, wf.Steps[0].StepID, "m1", `{"body":"text"}`))
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, "pipeline.orchestrator", payload, 0))

	msg, err := f.broker.Dequeue(ctx, "pipeline.orchestrator", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	c.handle(ctx, msg)

	assert.Len(t, f.broker.Acked, 1)
	assert.Empty(t, f.broker.Nacked)

	wf, err = f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, wf.Steps[0].Status)
}

func TestConsumerAcksMalformedPayload(t *testing.T) {
	f := newConsumerFixture()
	ctx := context.Background()

	c := NewConsumer(f.broker, f.orch, "pipeline.orchestrator", 10*time.Millisecond, nil)

	require.NoError(t, f.broker.Enqueue(ctx, "pipeline.orchestrator", []byte("{not json"), 0))
	msg, err := f.broker.Dequeue(ctx, "pipeline.orchestrator", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Poison messages are acked; redelivery cannot repair them.
	c.handle(ctx, msg)
	assert.Len(t, f.broker.Acked, 1)
	assert.Empty(t, f.broker.Nacked)
}

func TestConsumerNacksOnHandlerFailure(t *testing.T) {
	f := newConsumerFixture()
	wf := f.start(t)
	ctx := context.Background()

	c := NewConsumer(f.broker, f.orch, "pipeline.orchestrator", 10*time.Millisecond, nil)

	payload, err := json.Marshal(respMsg(wf, wf.Steps[0].StepID, "m1", `{}`))
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, "pipeline.orchestrator", payload, 0))
	msg, err := f.broker.Dequeue(ctx, "pipeline.orchestrator", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	f.workflows.GetErr = errors.New("store down")
	c.handle(ctx, msg)

	assert.Empty(t, f.broker.Acked)
	assert.Len(t, f.broker.Nacked, 1)
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	f := newConsumerFixture()
	c := NewConsumer(f.broker, f.orch, "pipeline.orchestrator", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
