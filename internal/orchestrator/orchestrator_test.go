package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contentflow/backend/internal/retry"
	"contentflow/backend/internal/testutil"
	"contentflow/backend/pkg/models"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       time.Minute,
		RetryableCodes: retry.DefaultRetryableCodes,
	}
}

type fixture struct {
	orch      *Orchestrator
	workflows *testutil.WorkflowStore
	contents  *testutil.ContentStore
	broker    *testutil.Broker
}

func newFixture(maxRetries int) *fixture {
	workflows := testutil.NewWorkflowStore()
	contents := testutil.NewContentStore()
	broker := testutil.NewBroker()

	seq := 0
	orch := New(Deps{
		Workflows:      workflows,
		Contents:       contents,
		Broker:         broker,
		QueuePrefix:    "pipeline",
		EventChannel:   "pipeline.events",
		AgentRetry:     testPolicy(),
		ReadRetry:      testPolicy(),
		WriteRetry:     testPolicy(),
		MaxStepRetries: maxRetries,
		Now:            func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	return &fixture{orch: orch, workflows: workflows, contents: contents, broker: broker}
}

func (f *fixture) start(t *testing.T) *models.Workflow {
	t.Helper()
	id, err := f.orch.HandleInputProcessed(context.Background(), "u1", "i1", json.RawMessage(`{"topic":"bread"}`))
	require.NoError(t, err)
	wf, err := f.orch.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func respMsg(wf *models.Workflow, stepID, msgID string, payload string) *models.AgentMessage {
	return &models.AgentMessage{
		MessageID:   msgID,
		WorkflowID:  wf.ID,
		StepID:      stepID,
		MessageType: models.MessageTypeResponse,
		Payload:     json.RawMessage(payload),
		Timestamp:   time.Now(),
	}
}

func errMsg(wf *models.Workflow, stepID, msgID, code string) *models.AgentMessage {
	payload, _ := json.Marshal(models.AgentError{Code: code, Message: "agent said no"})
	return &models.AgentMessage{
		MessageID:   msgID,
		WorkflowID:  wf.ID,
		StepID:      stepID,
		MessageType: models.MessageTypeError,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
}

func inProgressCount(wf *models.Workflow) int {
	n := 0
	for _, s := range wf.Steps {
		if s.Status == models.StepStatusInProgress {
			n++
		}
	}
	return n
}

func TestHandleInputProcessed(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)

	require.Len(t, wf.Steps, 3)
	assert.Equal(t, models.StepTypeContentGeneration, wf.Steps[0].StepType)
	assert.Equal(t, models.StepTypeImageGeneration, wf.Steps[1].StepType)
	assert.Equal(t, models.StepTypeReview, wf.Steps[2].StepType)

	assert.Equal(t, models.StepStatusInProgress, wf.Steps[0].Status)
	assert.Equal(t, models.StepStatusPending, wf.Steps[1].Status)
	assert.Equal(t, models.StepStatusPending, wf.Steps[2].Status)
	assert.Equal(t, wf.Steps[0].StepID, wf.CurrentStep)
	assert.Equal(t, models.WorkflowStatusContentGeneration, wf.Status)
	assert.NotNil(t, wf.Steps[0].StartedAt)
	// Created as initiated, then activated: two writes.
	assert.Equal(t, 2, wf.Version)

	requests := f.broker.EnqueuedTo("pipeline.agent.content-writer")
	require.Len(t, requests, 1)
	var req models.StepRequest
	require.NoError(t, json.Unmarshal(requests[0].Payload, &req))
	assert.Equal(t, wf.ID, req.WorkflowID)
	assert.Equal(t, wf.Steps[0].StepID, req.StepID)

	// Content record allocated up front, referenced from metadata.
	content, err := f.contents.Get(context.Background(), wf.Metadata["content_id"])
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusDraft, content.Status)
	assert.Equal(t, wf.ID, content.WorkflowID)
}

func TestHandleInputProcessedDuplicate(t *testing.T) {
	f := newFixture(3)
	f.start(t)

	_, err := f.orch.HandleInputProcessed(context.Background(), "u1", "i1", nil)
	var dup *models.DuplicateInputError
	assert.ErrorAs(t, err, &dup)
}

func TestHandleInputProcessedValidation(t *testing.T) {
	f := newFixture(3)

	_, err := f.orch.HandleInputProcessed(context.Background(), "", "i1", nil)
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestResponseAdvancesToNextStep(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)

	msg := respMsg(wf, wf.Steps[0].StepID, "m1", `{"title":"Bread","body":"Knead it."}`)
	require.NoError(t, f.orch.HandleAgentMessage(context.Background(), msg))

	wf, err := f.orch.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, wf.Steps[0].Status)
	assert.NotNil(t, wf.Steps[0].CompletedAt)
	assert.JSONEq(t, `{"title":"Bread","body":"Knead it."}`, string(wf.Steps[0].Output))
	assert.Equal(t, models.StepStatusInProgress, wf.Steps[1].Status)
	assert.Equal(t, wf.Steps[1].StepID, wf.CurrentStep)
	assert.Equal(t, models.WorkflowStatusImageGeneration, wf.Status)
	assert.Equal(t, 1, inProgressCount(wf))

	requests := f.broker.EnqueuedTo("pipeline.agent.image-generator")
	require.Len(t, requests, 1)

	// Output synced onto the content record.
	content, err := f.contents.Get(context.Background(), wf.Metadata["content_id"])
	require.NoError(t, err)
	assert.Equal(t, "Bread", content.Title)
	assert.Equal(t, "Knead it.", content.Body)
}

func TestPipelineReachesReviewGate(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, wf.Steps[0].StepID, "m1", `{"title":"Bread","body":"Knead it."}`)))
	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, wf.Steps[1].StepID, "m2", `{"image_url":"https://img/1.png"}`)))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusReviewReady, wf.Status)
	assert.Equal(t, models.StepStatusInProgress, wf.Steps[2].Status)
	assert.Equal(t, wf.Steps[2].StepID, wf.CurrentStep)
	assert.Equal(t, 1, inProgressCount(wf))

	// The review gate has no agent queue.
	assert.Empty(t, f.broker.EnqueuedTo("pipeline.agent."))

	content, err := f.contents.Get(ctx, wf.Metadata["content_id"])
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusReviewReady, content.Status)
	assert.Equal(t, "https://img/1.png", content.ImageURL)
}

func TestMessageForStepNotInProgressIsNoop(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	// Image step is still pending; its message must not mutate anything.
	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, wf.Steps[1].StepID, "m1", `{}`)))

	after, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Version, after.Version)
	assert.Equal(t, models.StepStatusPending, after.Steps[1].Status)
	assert.Empty(t, f.broker.EnqueuedTo("pipeline.agent.image-generator"))
}

func TestDuplicateResponseIsIdempotent(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	msg := respMsg(wf, wf.Steps[0].StepID, "m1", `{"body":"text"}`)
	require.NoError(t, f.orch.HandleAgentMessage(ctx, msg))
	first, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	// Redelivery of the same message: no state change, no second enqueue.
	require.NoError(t, f.orch.HandleAgentMessage(ctx, msg))
	second, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, f.broker.EnqueuedTo("pipeline.agent.image-generator"), 1)
}

func TestDuplicateErrorMessageCountsOneRetry(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	msg := errMsg(wf, wf.Steps[0].StepID, "m1", "timeout")
	require.NoError(t, f.orch.HandleAgentMessage(ctx, msg))
	require.NoError(t, f.orch.HandleAgentMessage(ctx, msg))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Steps[0].RetryCount)
}

func TestRetryableErrorSchedulesRetry(t *testing.T) {
	f := newFixture(2)
	wf := f.start(t)
	ctx := context.Background()
	stepID := wf.Steps[0].StepID

	require.NoError(t, f.orch.HandleAgentMessage(ctx, errMsg(wf, stepID, "m1", "timeout")))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, wf.Steps[0].Status)
	assert.Equal(t, 1, wf.Steps[0].RetryCount)

	// retryCount == maxRetries-1: one retry left, re-enqueued with delay.
	require.NoError(t, f.orch.HandleAgentMessage(ctx, errMsg(wf, stepID, "m2", "timeout")))

	wf, err = f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, wf.Steps[0].RetryCount)
	assert.Equal(t, wf.Steps[0].MaxRetries, wf.Steps[0].RetryCount)
	assert.Equal(t, models.StepStatusInProgress, wf.Steps[0].Status)

	retries := f.broker.EnqueuedTo("pipeline.agent.content-writer")
	require.Len(t, retries, 3) // initial request + two retries
	assert.NotZero(t, retries[2].Delay)
	var req models.StepRequest
	require.NoError(t, json.Unmarshal(retries[2].Payload, &req))
	assert.Equal(t, 2, req.RetryCount)
}

func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	f := newFixture(1)
	wf := f.start(t)
	ctx := context.Background()
	stepID := wf.Steps[0].StepID

	require.NoError(t, f.orch.HandleAgentMessage(ctx, errMsg(wf, stepID, "m1", "timeout")))
	require.NoError(t, f.orch.HandleAgentMessage(ctx, errMsg(wf, stepID, "m2", "timeout")))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, wf.Steps[0].Status)
	assert.NotEmpty(t, wf.Steps[0].Error)
	assert.Equal(t, models.WorkflowStatusFailed, wf.Status)
	assert.Equal(t, 1, wf.Steps[0].RetryCount)

	// Terminal: further messages are dropped.
	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, stepID, "m3", `{}`)))
	after, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Version, after.Version)
}

func TestFatalErrorFailsImmediately(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleAgentMessage(ctx, errMsg(wf, wf.Steps[0].StepID, "m1", "invalid_prompt")))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, wf.Steps[0].Status)
	assert.Equal(t, 0, wf.Steps[0].RetryCount)
	assert.Contains(t, wf.Steps[0].Error, "invalid_prompt")
	assert.Equal(t, models.WorkflowStatusFailed, wf.Status)

	var failed bool
	for _, p := range f.broker.Publishes {
		var ev models.Event
		require.NoError(t, json.Unmarshal(p.Payload, &ev))
		if ev.Type == models.EventWorkflowFailed {
			failed = true
		}
	}
	assert.True(t, failed, "expected a workflow.failed event")
}

func TestUnknownWorkflowIsDropped(t *testing.T) {
	f := newFixture(3)

	msg := &models.AgentMessage{
		MessageID:   "m1",
		WorkflowID:  "nope",
		StepID:      "s1",
		MessageType: models.MessageTypeResponse,
	}
	require.NoError(t, f.orch.HandleAgentMessage(context.Background(), msg))
	assert.Empty(t, f.broker.Enqueues)
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	f.workflows.UpdateConflicts = 1

	msg := respMsg(wf, wf.Steps[0].StepID, "m1", `{"body":"text"}`)
	require.NoError(t, f.orch.HandleAgentMessage(context.Background(), msg))

	wf, err := f.orch.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, wf.Steps[0].Status)
}

func TestApprovePublication(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, wf.Steps[0].StepID, "m1", `{"body":"text"}`)))
	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, wf.Steps[1].StepID, "m2", `{"image_url":"u"}`)))

	require.NoError(t, f.orch.ApprovePublication(ctx, wf.ID))

	wf, err := f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 4)
	publishing := wf.Steps[3]
	assert.Equal(t, models.StepTypePublishing, publishing.StepType)
	assert.Equal(t, models.StepStatusInProgress, publishing.Status)
	assert.Equal(t, models.WorkflowStatusPublishing, wf.Status)
	assert.Equal(t, models.StepStatusCompleted, wf.Steps[2].Status)
	require.Len(t, f.broker.EnqueuedTo("pipeline.agent.publisher"), 1)

	// Publisher response completes the workflow.
	require.NoError(t, f.orch.HandleAgentMessage(ctx, respMsg(wf, publishing.StepID, "m3", `{}`)))
	wf, err = f.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)

	content, err := f.contents.Get(ctx, wf.Metadata["content_id"])
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusPublished, content.Status)
}

func TestApprovePublicationRequiresReviewReady(t *testing.T) {
	f := newFixture(3)
	wf := f.start(t)

	err := f.orch.ApprovePublication(context.Background(), wf.ID)
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)
}
