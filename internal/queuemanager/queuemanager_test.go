package queuemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/events"
	"devicefleet/internal/testsupport"
)

func newHarness(t *testing.T) (*QueueManager, *events.Broker) {
	t.Helper()
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	return New(store, bus), bus
}

func TestAddWorkflowJob_AppliesDefaultsAndGeneratesID(t *testing.T) {
	qm, bus := newHarness(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	job, err := qm.AddWorkflowJob(context.Background(), "workflow:node-1", &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, defaultBackoffInitial, job.BackoffInitial)
	assert.Equal(t, StatusWaiting, job.Status)

	select {
	case ev := <-sub:
		assert.Equal(t, events.JobAdded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected job:added event")
	}
}

func TestDequeueNext_OrdersByPriorityThenFIFO(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"

	low, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-low", Priority: 0})
	require.NoError(t, err)
	high, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-high", Priority: 10})
	require.NoError(t, err)

	job, ok, err := qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high.JobID, job.JobID)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, 1, job.Attempts)

	job, ok, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low.JobID, job.JobID)

	_, ok, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeueNext_ReturnsFalseWhenPaused(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"
	_, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	require.NoError(t, qm.PauseQueue(ctx, queue))
	_, ok, err := qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, qm.ResumeQueue(ctx, queue))
	_, ok, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetJobStatus_ReturnsMissingForUnknownJob(t *testing.T) {
	qm, _ := newHarness(t)
	status, err := qm.GetJobStatus(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, status)
}

func TestCancelJob_RemovesWaitingJob(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"
	job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	cancelled, err := qm.CancelJob(ctx, queue, job.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	status, err := qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	_, ok, err := qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelJob_ActiveJobPublishesCancelRequest(t *testing.T) {
	qm, bus := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"
	job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, _, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	cancelled, err := qm.CancelJob(ctx, queue, job.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	select {
	case ev := <-sub:
		assert.Equal(t, events.JobCancelRequest, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected job:cancel-request event")
	}

	status, err := qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
}

func TestMarkCompleted_MovesJobToCompletedSet(t *testing.T) {
	qm, bus := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"
	job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, _, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	require.NoError(t, qm.MarkCompleted(ctx, queue, job.JobID))

	status, err := qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	select {
	case ev := <-sub:
		assert.Equal(t, events.JobCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected job:completed event")
	}

	stats, err := qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Active)
}

func TestMarkFailed_SchedulesRetryUntilAttemptsExhausted(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"
	job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1", MaxAttempts: 2, BackoffInitial: time.Millisecond})
	require.NoError(t, err)

	_, _, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, qm.MarkFailed(ctx, queue, job.JobID, "boom"))

	status, err := qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, status)

	promoted, err := qm.PromoteDelayed(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	status, err = qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, status)

	_, _, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, qm.MarkFailed(ctx, queue, job.JobID, "boom again"))

	status, err = qm.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	stats, err := qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestRetryFailedJobs_RequeuesUpToN(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"

	for i := 0; i < 3; i++ {
		job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1", MaxAttempts: 1})
		require.NoError(t, err)
		_, _, err = qm.DequeueNext(ctx, queue)
		require.NoError(t, err)
		require.NoError(t, qm.MarkFailed(ctx, queue, job.JobID, "boom"))
	}

	n, err := qm.RetryFailedJobs(ctx, queue, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
	assert.Equal(t, 1, stats.Failed)
}

func TestCleanQueue_RemovesOldTerminalJobsUpToLimit(t *testing.T) {
	qm, _ := newHarness(t)
	qm.now = func() time.Time { return time.Now() }
	ctx := context.Background()
	queue := "workflow:node-1"

	job, err := qm.AddWorkflowJob(ctx, queue, &Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, _, err = qm.DequeueNext(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, qm.MarkCompleted(ctx, queue, job.JobID))

	removed, err := qm.CleanQueue(ctx, queue, -time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
}

func TestPauseAndResumeQueue_ReflectedInStats(t *testing.T) {
	qm, _ := newHarness(t)
	ctx := context.Background()
	queue := "workflow:node-1"

	require.NoError(t, qm.PauseQueue(ctx, queue))
	stats, err := qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.True(t, stats.Paused)

	require.NoError(t, qm.ResumeQueue(ctx, queue))
	stats, err = qm.GetQueueStats(ctx, queue)
	require.NoError(t, err)
	assert.False(t, stats.Paused)
}
