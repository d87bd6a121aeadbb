package syncwriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"devicefleet/internal/events"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/testsupport"
)

func newHarness(t *testing.T) (*Writer, *statemanager.StateManager, *events.Broker, *testsupport.FakeDurableStore) {
	t.Helper()
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)
	durable := testsupport.NewFakeDurableStore()
	writer := New(durable, states)
	writer.Start(bus)
	t.Cleanup(writer.Stop)
	return writer, states, bus, durable
}

func TestWriter_SyncsNodeAndDevicesOnRegister(t *testing.T) {
	_, states, _, durable := newHarness(t)

	err := states.RegisterNode(t.Context(), "node-1", []string{"dev-1", "dev-2"})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, ok, err := durable.GetNode(t.Context(), "node-1")
		return err == nil && ok && n.ID == "node-1"
	}, time.Second, 10*time.Millisecond)

	devices, err := durable.ListDevicesByNode(t.Context(), "node-1")
	assert.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestWriter_LogsWorkflowLifecycle(t *testing.T) {
	_, _, bus, durable := newHarness(t)

	bus.Publish(events.WorkflowStart, map[string]any{"job_id": "job-1", "workflow_id": "wf-1"})
	bus.Publish(events.WorkflowComplete, map[string]any{"job_id": "job-1", "status": "completed"})

	assert.Eventually(t, func() bool {
		logs, err := durable.ListLogsByExecution(t.Context(), "job-1")
		return err == nil && len(logs) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestWriter_LogsWorkflowFailure(t *testing.T) {
	_, _, bus, durable := newHarness(t)

	bus.Publish(events.WorkflowComplete, map[string]any{"job_id": "job-2", "status": "failed", "error": "device offline"})

	assert.Eventually(t, func() bool {
		logs, err := durable.ListLogsByExecution(t.Context(), "job-2")
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)

	logs, err := durable.ListLogsByExecution(t.Context(), "job-2")
	assert.NoError(t, err)
	assert.Equal(t, "workflow failed: device offline", logs[0].Message)
}

func TestWriter_IgnoresEventsWithoutJobID(t *testing.T) {
	_, _, bus, durable := newHarness(t)

	bus.Publish(events.WorkflowStart, map[string]any{})
	time.Sleep(50 * time.Millisecond)

	logs, err := durable.ListLogsByExecution(t.Context(), "")
	assert.NoError(t, err)
	assert.Empty(t, logs)
}
