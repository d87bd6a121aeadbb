package agent

import (
	"context"
	"time"

	"devicefleet/internal/devicedriver"
	"devicefleet/internal/gateway"
	"devicefleet/internal/log"
)

// DefaultStatusInterval is how often the agent reports DEVICE_STATUS,
// which the server treats as the node's heartbeat; it is well inside
// the 60s heartbeat staleness window the liveness monitor enforces.
const DefaultStatusInterval = 15 * time.Second

type deviceStatusEntry struct {
	DeviceID      string `json:"device_id"`
	Model         string `json:"model,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	Battery       int    `json:"battery,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	SlotOrUSBPort string `json:"slot_or_usb_port,omitempty"`
}

type deviceStatusPayload struct {
	NodeID  string              `json:"node_id"`
	Devices []deviceStatusEntry `json:"devices"`
}

// RunStatusLoop sends a DEVICE_STATUS frame every interval until ctx
// is cancelled. Intended to run as its own goroutine for the lifetime
// of a gateway session.
func RunStatusLoop(ctx context.Context, client *gateway.Client, driver devicedriver.DeviceDriver, nodeID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sendOnce(ctx, client, driver, nodeID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendOnce(ctx, client, driver, nodeID)
		}
	}
}

func sendOnce(ctx context.Context, client *gateway.Client, driver devicedriver.DeviceDriver, nodeID string) {
	devices, err := driver.ListDevices(ctx)
	if err != nil {
		log.Errorf("agent: list devices failed", err)
		return
	}
	entries := make([]deviceStatusEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, deviceStatusEntry{
			DeviceID:      d.DeviceID,
			Model:         d.Model,
			OSVersion:     d.OSVersion,
			Battery:       d.Battery,
			IPAddress:     d.IPAddress,
			SlotOrUSBPort: d.SlotOrUSBPort,
		})
	}
	if err := client.SendEvent(gateway.EvtDeviceStatus, deviceStatusPayload{NodeID: nodeID, Devices: entries}); err != nil {
		log.Errorf("agent: send device_status failed", err)
	}
}
