package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/devicedriver"
	"devicefleet/internal/gateway"
)

func TestRunStatusLoop_SendsDeviceStatusPeriodically(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	driver := devicedriver.NewSimulatedDriver(devicedriver.Info{DeviceID: "dev-1", Model: "pixel", Battery: 80})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunStatusLoop(ctx, client, driver, "node-1", 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(rs.eventsOfType(gateway.EvtDeviceStatus)) >= 2
	}, time.Second, 10*time.Millisecond)

	envs := rs.eventsOfType(gateway.EvtDeviceStatus)
	var payload deviceStatusPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
	assert.Equal(t, "node-1", payload.NodeID)
	require.Len(t, payload.Devices, 1)
	assert.Equal(t, "dev-1", payload.Devices[0].DeviceID)
	assert.Equal(t, 80, payload.Devices[0].Battery)
}

func TestRunStatusLoop_StopsOnContextCancel(t *testing.T) {
	rs := newRecordingServer(t)
	client := dialAgent(t, rs, "node-1")
	driver := devicedriver.NewSimulatedDriver()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatusLoop(ctx, client, driver, "node-1", 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunStatusLoop did not return after context cancellation")
	}
}
