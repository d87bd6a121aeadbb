// Package devicedriver defines DeviceDriver, the named interface a
// node/agent process uses to actually move bits on a physical or
// emulated device (ADB control, screen capture, human-input
// simulation). spec.md explicitly scopes the real implementation of
// these concerns out of this system, so this package carries only the
// interface and a SimulatedDriver that satisfies it deterministically
// for agent-script steps, grounded on the teacher's VolumeDriver
// (pkg/volume/local.go) named-interface-plus-minimal-implementation
// shape.
package devicedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ScriptRequest is the agent-script step payload dispatched to a
// device: an opaque action name plus whatever arguments that action
// takes. The action vocabulary (tap, swipe, install, launch,
// screenshot, shell, ...) is owned by whatever DeviceDriver
// implementation a deployment wires in, not by this package.
type ScriptRequest struct {
	DeviceID string          `json:"device_id"`
	Action   string          `json:"action"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ScriptResult is what a device driver reports back for one
// agent-script step.
type ScriptResult struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Info describes one device as currently observed by a driver: enough
// to populate a DEVICE_STATUS frame (spec.md §4.6).
type Info struct {
	DeviceID      string `json:"device_id"`
	Model         string `json:"model,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	Battery       int    `json:"battery,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	SlotOrUSBPort string `json:"slot_or_usb_port,omitempty"`
}

// DeviceDriver is the worker-side collaborator that actually talks to
// a device. ExecuteScript runs one agent-script step's action against
// a device and blocks until it completes, fails, or ctx is cancelled.
// Capture takes a screenshot of the device's current display.
// ListDevices enumerates the devices currently attached to this node,
// the source of the agent's periodic DEVICE_STATUS frames.
type DeviceDriver interface {
	ExecuteScript(ctx context.Context, req ScriptRequest) (ScriptResult, error)
	Capture(ctx context.Context, deviceID string) ([]byte, error)
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	ListDevices(ctx context.Context) ([]Info, error)
}

// SimulatedDriver is a deterministic, in-memory DeviceDriver used when
// no real ADB/input-simulation backend is configured. Every action
// succeeds after a small fixed delay and echoes its arguments back as
// output, which is enough to exercise the coordinator/agent dispatch
// path end to end without real hardware.
type SimulatedDriver struct {
	Latency time.Duration
	Devices []Info
}

// NewSimulatedDriver builds a SimulatedDriver with a default 50ms
// per-action latency and a fixed single simulated device.
func NewSimulatedDriver(devices ...Info) *SimulatedDriver {
	if len(devices) == 0 {
		devices = []Info{{DeviceID: "sim-0", Model: "simulated", OSVersion: "13", Battery: 100}}
	}
	return &SimulatedDriver{Latency: 50 * time.Millisecond, Devices: devices}
}

// ListDevices returns the driver's fixed device set.
func (d *SimulatedDriver) ListDevices(ctx context.Context) ([]Info, error) {
	return d.Devices, nil
}

// ExecuteScript echoes req.Args back as ScriptResult.Output after
// Latency, honoring ctx cancellation.
func (d *SimulatedDriver) ExecuteScript(ctx context.Context, req ScriptRequest) (ScriptResult, error) {
	start := time.Now()
	select {
	case <-time.After(d.Latency):
	case <-ctx.Done():
		return ScriptResult{}, ctx.Err()
	}
	return ScriptResult{Output: req.Args, Duration: time.Since(start)}, nil
}

// Capture waits Latency and returns the placeholder bytes
// "simulated-frame:<deviceID>" rather than an image.
func (d *SimulatedDriver) Capture(ctx context.Context, deviceID string) ([]byte, error) {
	select {
	case <-time.After(d.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(fmt.Sprintf("simulated-frame:%s", deviceID)), nil
}

// Connect is a no-op for the simulated driver; a device is always
// reachable.
func (d *SimulatedDriver) Connect(ctx context.Context, deviceID string) error { return nil }

// Disconnect is a no-op for the simulated driver.
func (d *SimulatedDriver) Disconnect(ctx context.Context, deviceID string) error { return nil }
