package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/coordinator"
	"devicefleet/internal/events"
	"devicefleet/internal/gateway"
	"devicefleet/internal/queuemanager"
	"devicefleet/internal/remotetask"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/telemetry"
	"devicefleet/internal/testsupport"
	"devicefleet/internal/types"
)

func newTestServer(t *testing.T) (*Server, *testsupport.FakeDurableStore, *statemanager.StateManager) {
	t.Helper()
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)

	states := statemanager.New(store, bus)
	queues := queuemanager.New(store, bus)
	durable := testsupport.NewFakeDurableStore()

	gw := gateway.New(bus, states)
	remote := remotetask.NewHTTPExecutor("http://127.0.0.1:0", http.DefaultClient)
	coord := coordinator.New(queues, gw, states, remote, bus, coordinator.Config{})

	collector := telemetry.NewCollector(states, queues, bus, time.Hour, 10)

	server := New(durable, states, queues, coord, collector)
	return server, durable, states
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleUpsertAndGetPC(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/pcs", types.Node{ID: "node-1", Label: "Rack 1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server.Router(), http.MethodGet, "/pcs/node-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Rack 1", got.Label)
}

func TestHandleUpsertPC_RequiresIDAndLabel(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/pcs", types.Node{ID: "node-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetPC_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodGet, "/pcs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListNodes_MergesLiveState(t *testing.T) {
	server, durable, states := newTestServer(t)

	_, err := durable.UpsertNode(context.Background(), &types.Node{ID: "node-1", Label: "Rack 1"})
	require.NoError(t, err)
	require.NoError(t, states.RegisterNode(context.Background(), "node-1", nil))

	rec := doRequest(t, server.Router(), http.MethodGet, "/nodes", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var nodes []nodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Online)
}

func TestHandleActiveAlertsAndAcknowledge(t *testing.T) {
	server, durable, _ := newTestServer(t)

	stored, err := durable.InsertAlert(context.Background(), &types.Alert{Level: types.AlertWarning, Message: "disk low"})
	require.NoError(t, err)

	rec := doRequest(t, server.Router(), http.MethodGet, "/alerts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var alerts []*types.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)

	path := "/alerts/" + itoa(stored.ID) + "/acknowledge"
	rec = doRequest(t, server.Router(), http.MethodPost, path, map[string]string{"by": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack types.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, "alice", ack.AcknowledgedBy)
}

func TestHandleAcknowledgeAlert_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/alerts/999/acknowledge", map[string]string{"by": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAcknowledgeAlert_InvalidID(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/alerts/not-a-number/acknowledge", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnqueue_ValidatesRequest(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/workflows/enqueue", enqueueRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnqueue_CreatesJobRetrievableByStatus(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := enqueueRequest{
		NodeID:     "node-1",
		WorkflowID: "wf-1",
		Workflow:   types.Workflow{ID: "wf-1", Name: "smoke test"},
		DeviceIDs:  []string{"dev-1"},
	}
	rec := doRequest(t, server.Router(), http.MethodPost, "/workflows/enqueue", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var enqueued enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	require.NotEmpty(t, enqueued.JobID)

	rec = doRequest(t, server.Router(), http.MethodGet, "/jobs/"+enqueued.JobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleJobStatus_MissingJob(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodGet, "/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelJob_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodPost, "/jobs/does-not-exist/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatsOverview_NoSampleYet(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Router(), http.MethodGet, "/stats/overview", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var overview overviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, 0, overview.OnlineNodes)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
