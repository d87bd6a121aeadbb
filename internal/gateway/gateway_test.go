package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/errs"
	"devicefleet/internal/events"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/testsupport"
)

func newGatewayHarness(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	store := testsupport.NewMiniredisLiveStore(t)
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	states := statemanager.New(store, bus)

	gw := New(bus, states)
	server := testsupport.NewHTTPTestServer(t, gw)
	t.Cleanup(server.Close)
	return gw, server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDial_CompletesRegisterHandshakeAndReportsConnected(t *testing.T) {
	gw, server := newGatewayHarness(t)
	client, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)
}

func TestDial_NewSessionReplacesStaleOne(t *testing.T) {
	gw, server := newGatewayHarness(t)
	first, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)

	second, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)

	// the server closed the first session's underlying connection on
	// replacement, so its read loop should exit and close the client too.
	assert.Eventually(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestServeHTTP_RejectsNonRegisterFirstFrame(t *testing.T) {
	_, server := newGatewayHarness(t)
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{Type: EvtDeviceStatus, Data: json.RawMessage(`{}`)}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestServeHTTP_RejectsRegisterFrameWithoutNodeID(t *testing.T) {
	_, server := newGatewayHarness(t)
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{Type: EvtRegister, Data: json.RawMessage(`{}`)}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSendCommand_ReturnsErrNodeNotConnected(t *testing.T) {
	gw, _ := newGatewayHarness(t)
	err := gw.SendCommand(context.Background(), "node-missing", CmdPing, nil)
	assert.ErrorIs(t, err, errs.ErrNodeNotConnected)
}

func TestSendCommandAck_RoundTripsWithClientAck(t *testing.T) {
	gw, server := newGatewayHarness(t)
	client, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var received []Envelope
	client.OnCommand(func(env Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		_ = client.SendAck(env.ID, Ack{Received: true, Cancelled: true})
	})

	ack, err := gw.SendCommandAck(context.Background(), "node-1", CmdCancelWorkflow, map[string]string{"job_id": "job-1"}, time.Second)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.True(t, ack.Cancelled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, CmdCancelWorkflow, received[0].Type)
}

func TestSendCommandAck_TimesOutWithoutReply(t *testing.T) {
	gw, server := newGatewayHarness(t)
	client, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)

	_, err = gw.SendCommandAck(context.Background(), "node-1", CmdCancelWorkflow, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrAckTimeout)
}

func TestServeHTTP_DisconnectRemovesSession(t *testing.T) {
	gw, server := newGatewayHarness(t)
	client, err := Dial(context.Background(), wsURL(server), "node-1", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool { return !gw.IsConnected("node-1") }, time.Second, 10*time.Millisecond)
}
