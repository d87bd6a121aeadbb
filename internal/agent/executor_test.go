package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/devicedriver"
	"devicefleet/internal/events"
	"devicefleet/internal/gateway"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/testsupport"
	"devicefleet/internal/types"
)

// recordingServer wires a real gateway.Gateway over an httptest server
// and records every inbound node event, giving Executor tests a real
// websocket round trip instead of a mocked client.
type recordingServer struct {
	gw     *gateway.Gateway
	server *httptest.Server

	mu     sync.Mutex
	events []gateway.Envelope
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	store := testsupport.NewMiniredisLiveStore(t)
	states := statemanager.New(store, bus)

	rs := &recordingServer{gw: gateway.New(bus, states)}
	rs.gw.OnEvent(func(nodeID string, env gateway.Envelope) {
		rs.mu.Lock()
		rs.events = append(rs.events, env)
		rs.mu.Unlock()
	})
	rs.server = testsupport.NewHTTPTestServer(t, rs.gw)
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *recordingServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.server.URL, "http")
}

func (rs *recordingServer) eventsOfType(msgType gateway.MessageType) []gateway.Envelope {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []gateway.Envelope
	for _, ev := range rs.events {
		if ev.Type == msgType {
			out = append(out, ev)
		}
	}
	return out
}

func dialAgent(t *testing.T, rs *recordingServer, nodeID string) *gateway.Client {
	t.Helper()
	client, err := gateway.Dial(context.Background(), rs.wsURL(), nodeID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestExecutor_ExecuteWorkflow_ReportsCompleteForEachDevice(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	New(Config{NodeID: "node-1", Driver: devicedriver.NewSimulatedDriver()}, client)

	workflow := types.Workflow{
		ID: "wf-1",
		Steps: []types.Step{
			{ID: "step-1", Action: types.ActionAgentScript},
		},
	}
	payload := executeWorkflowPayload{
		JobID:      "job-1",
		WorkflowID: "wf-1",
		Workflow:   workflow,
		DeviceIDs:  []string{"dev-1", "dev-2"},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, rs.gw.SendCommand(context.Background(), "node-1", gateway.CmdExecuteWorkflow, json.RawMessage(data)))

	assert.Eventually(t, func() bool {
		return len(rs.eventsOfType(gateway.EvtWorkflowComplete)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, env := range rs.eventsOfType(gateway.EvtWorkflowComplete) {
		var outcome workflowOutcomePayload
		require.NoError(t, json.Unmarshal(env.Data, &outcome))
		assert.True(t, outcome.Success)
		assert.Equal(t, "job-1", outcome.JobID)
	}
}

func TestExecutor_ExecuteWorkflow_ReportsErrorOnUnsupportedAction(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	New(Config{NodeID: "node-1", Driver: devicedriver.NewSimulatedDriver()}, client)

	workflow := types.Workflow{
		ID: "wf-1",
		Steps: []types.Step{
			{ID: "step-1", Action: "unsupported-action"},
		},
	}
	payload := executeWorkflowPayload{JobID: "job-2", WorkflowID: "wf-1", Workflow: workflow, DeviceIDs: []string{"dev-1"}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, rs.gw.SendCommand(context.Background(), "node-1", gateway.CmdExecuteWorkflow, json.RawMessage(data)))

	assert.Eventually(t, func() bool {
		return len(rs.eventsOfType(gateway.EvtWorkflowError)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutor_ExecuteWorkflow_OnErrorContinueReportsSingleTerminalComplete(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	New(Config{NodeID: "node-1", Driver: devicedriver.NewSimulatedDriver()}, client)

	workflow := types.Workflow{
		ID: "wf-1",
		Steps: []types.Step{
			{ID: "step-1", Action: "unsupported-action", OnError: types.OnErrorContinue},
			{ID: "step-2", Action: types.ActionAgentScript},
		},
	}
	payload := executeWorkflowPayload{JobID: "job-4", WorkflowID: "wf-1", Workflow: workflow, DeviceIDs: []string{"dev-1"}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	require.NoError(t, rs.gw.SendCommand(context.Background(), "node-1", gateway.CmdExecuteWorkflow, json.RawMessage(data)))

	assert.Eventually(t, func() bool {
		return len(rs.eventsOfType(gateway.EvtWorkflowComplete)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// give any stray second terminal frame a chance to arrive before asserting
	// there isn't one.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rs.eventsOfType(gateway.EvtWorkflowError))

	completes := rs.eventsOfType(gateway.EvtWorkflowComplete)
	require.Len(t, completes, 1)
	var outcome workflowOutcomePayload
	require.NoError(t, json.Unmarshal(completes[0].Data, &outcome))
	assert.True(t, outcome.Success)

	var sawStepFailure bool
	for _, env := range rs.eventsOfType(gateway.EvtWorkflowProgress) {
		var progress workflowProgressPayload
		require.NoError(t, json.Unmarshal(env.Data, &progress))
		if progress.CurrentStep == "step-1" && progress.Error != "" {
			sawStepFailure = true
		}
	}
	assert.True(t, sawStepFailure, "expected a non-terminal progress frame reporting step-1's continue-on-error failure")
}

func TestExecutor_CancelWorkflow_CancelsRunningJob(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	New(Config{NodeID: "node-1", Driver: devicedriver.NewSimulatedDriver()}, client)

	workflow := types.Workflow{
		ID: "wf-1",
		Steps: []types.Step{
			{ID: "step-1", Action: types.ActionWait, Params: json.RawMessage(`{"duration_ms":60000}`)},
		},
	}
	payload := executeWorkflowPayload{JobID: "job-3", WorkflowID: "wf-1", Workflow: workflow, DeviceIDs: []string{"dev-1"}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, rs.gw.SendCommand(context.Background(), "node-1", gateway.CmdExecuteWorkflow, json.RawMessage(data)))

	// give the step time to start before cancelling
	time.Sleep(50 * time.Millisecond)

	ack, err := rs.gw.SendCommandAck(context.Background(), "node-1", gateway.CmdCancelWorkflow, map[string]string{"job_id": "job-3"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.True(t, ack.Cancelled)
}

func TestExecutor_RunStepWithRetry_SucceedsUnderRetryPolicy(t *testing.T) {
	e := &Executor{cfg: Config{Driver: devicedriver.NewSimulatedDriver()}, active: make(map[string]context.CancelFunc)}
	step := types.Step{
		ID:      "step-1",
		Action:  types.ActionAgentScript,
		Retry:   types.RetryPolicy{Max: 3, Delay: time.Millisecond},
	}
	err := e.runStepWithRetry(context.Background(), "dev-1", step)
	assert.NoError(t, err)
}

func TestExecutor_RunStepWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	e := &Executor{cfg: Config{Driver: devicedriver.NewSimulatedDriver()}, active: make(map[string]context.CancelFunc)}
	step := types.Step{
		ID:      "step-1",
		Action:  "unsupported-action",
		Retry:   types.RetryPolicy{Max: 2, Delay: time.Millisecond},
	}
	err := e.runStepWithRetry(context.Background(), "dev-1", step)
	assert.Error(t, err)
}

func TestExecutor_RunStep_WaitHonorsCancellation(t *testing.T) {
	e := &Executor{cfg: Config{Driver: devicedriver.NewSimulatedDriver()}, active: make(map[string]context.CancelFunc)}
	step := types.Step{ID: "step-1", Action: types.ActionWait, Params: json.RawMessage(`{"duration_ms":60000}`)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.runStep(ctx, "dev-1", step)
	assert.Error(t, err)
}
