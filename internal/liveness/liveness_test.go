package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/events"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/testsupport"
	"devicefleet/internal/types"
)

func TestSweepNodes_DisconnectsStaleNodesOnly(t *testing.T) {
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)
	ctx := context.Background()

	require.NoError(t, states.RegisterNode(ctx, "stale-node", nil))
	require.NoError(t, states.RegisterNode(ctx, "fresh-node", nil))

	m := New(store, states, nil, Config{HeartbeatStale: time.Minute})
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	m.sweepNodes(ctx)

	stale, ok, err := states.GetNodeState(ctx, "stale-node")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.NodeOffline, stale.Status)

	online, err := states.GetOnlineNodes(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh-node", online[0].ID)
}

func TestSweepExecutions_MarksStaleRunningExecutionsFailed(t *testing.T) {
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)
	durable := testsupport.NewFakeDurableStore()
	ctx := context.Background()

	stale := &types.WorkflowExecution{ID: "exec-stale", WorkflowID: "wf-1", Status: types.ExecRunning}
	_, err := durable.UpsertExecution(ctx, stale)
	require.NoError(t, err)

	m := New(store, states, durable, Config{StaleExecutions: true, ExecutionStale: time.Minute})
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	m.sweepExecutions(ctx)

	got, ok, err := durable.GetExecution(ctx, "exec-stale")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ExecFailed, got.Status)
	assert.Equal(t, "stale", got.ErrorMessage)
}

func TestSweepExecutions_NoopWhenDisabled(t *testing.T) {
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)
	durable := testsupport.NewFakeDurableStore()
	ctx := context.Background()

	exec := &types.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: types.ExecRunning}
	_, err := durable.UpsertExecution(ctx, exec)
	require.NoError(t, err)

	m := New(store, states, durable, Config{})
	m.sweepExecutions(ctx)

	got, ok, err := durable.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ExecRunning, got.Status)
}

func TestStartStop_RunsSweepLoopWithoutPanicking(t *testing.T) {
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)

	m := New(store, states, nil, Config{SweepInterval: 10 * time.Millisecond})
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
