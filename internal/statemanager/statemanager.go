// Package statemanager owns the live view of node and device state and
// publishes change events for the rest of the control plane to
// consume. It is the only component permitted to write live:node:*,
// live:device:*, and live:execution:* keys (SPEC_FULL.md §3 ownership
// rules).
package statemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"devicefleet/internal/events"
	"devicefleet/internal/livestore"
	"devicefleet/internal/log"
	"devicefleet/internal/types"
)

func marshalExecution(e *types.WorkflowExecution) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	return string(data), nil
}

func unmarshalExecution(raw string) (*types.WorkflowExecution, error) {
	var e types.WorkflowExecution
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &e, nil
}

// StateManager reconciles the live device/node state machines over a
// LiveStore and publishes change events on a Broker. One instance per
// process; no package-level globals.
type StateManager struct {
	store livestore.LiveStore
	bus   *events.Broker
	now   func() time.Time
}

// New builds a StateManager over the given store and event bus.
func New(store livestore.LiveStore, bus *events.Broker) *StateManager {
	return &StateManager{store: store, bus: bus, now: time.Now}
}

// NodePartial carries optional fields for UpdateNodeState; unset
// fields are left unchanged on the stored node.
type NodePartial struct {
	Label            *string
	NetworkAddr      *string
	Status           *types.NodeStatus
	CPU              *float64
	Memory           *float64
	DeviceCapacity   *int
	ConnectedDevices *int
	ActiveJobs       *int
	Metadata         map[string]string
}

// DevicePartial carries optional fields for UpdateDeviceState; unset
// fields are left unchanged on the stored device.
type DevicePartial struct {
	NodeID        *string
	Model         *string
	OSVersion     *string
	Battery       *int
	IPAddress     *string
	SlotOrUSBPort *string
	State         *types.DeviceState
	ErrorCount    *int
	LastError     *string
	CurrentStep   *string
	Progress      *int
}

// RegisterNode creates the node (online) and its devices (IDLE),
// records the node in the heartbeat sorted set, and publishes
// node:registered.
func (m *StateManager) RegisterNode(ctx context.Context, nodeID string, deviceIDs []string) error {
	now := m.now()
	n := &types.Node{
		ID:               nodeID,
		Status:           types.NodeOnline,
		ConnectedDevices: len(deviceIDs),
		LastSeen:         now,
		UpdatedAt:        now,
		CreatedAt:        now,
	}
	if existing, ok, err := m.getNode(ctx, nodeID); err == nil && ok {
		n.Label = existing.Label
		n.NetworkAddr = existing.NetworkAddr
		n.CreatedAt = existing.CreatedAt
		n.Metadata = existing.Metadata
	}
	if err := m.putNode(ctx, n); err != nil {
		return fmt.Errorf("register node %s: %w", nodeID, err)
	}
	if err := m.store.ZAdd(ctx, livestore.HeartbeatKey, nodeID, float64(now.UnixMilli())); err != nil {
		return fmt.Errorf("register node %s: heartbeat: %w", nodeID, err)
	}
	if len(deviceIDs) > 0 {
		if err := m.store.SAdd(ctx, livestore.NodeDevicesKey(nodeID), deviceIDs...); err != nil {
			return fmt.Errorf("register node %s: devices: %w", nodeID, err)
		}
	}
	for _, did := range deviceIDs {
		d, ok, err := m.getDevice(ctx, did)
		if err != nil {
			return err
		}
		if !ok {
			d = &types.Device{ID: did, CreatedAt: now}
		}
		d.NodeID = nodeID
		d.State = types.DeviceIdle
		d.LastHeartbeat = now
		d.UpdatedAt = now
		if err := m.putDevice(ctx, d); err != nil {
			return fmt.Errorf("register node %s: device %s: %w", nodeID, did, err)
		}
	}

	log.WithNodeID(nodeID).Info().Msg("node registered")
	m.bus.Publish(events.NodeRegistered, map[string]any{"node_id": nodeID, "device_ids": deviceIDs})
	return nil
}

// UpdateNodeState applies partial fields to a node, touching last_seen
// if the caller did not set it, and refreshes the heartbeat sorted
// set.
func (m *StateManager) UpdateNodeState(ctx context.Context, nodeID string, partial NodePartial) error {
	n, ok, err := m.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		n = &types.Node{ID: nodeID, CreatedAt: m.now()}
	}
	applyNodePartial(n, partial)
	n.LastSeen = m.now()
	n.UpdatedAt = n.LastSeen
	if err := m.putNode(ctx, n); err != nil {
		return fmt.Errorf("update node %s: %w", nodeID, err)
	}
	return m.store.ZAdd(ctx, livestore.HeartbeatKey, nodeID, float64(n.LastSeen.UnixMilli()))
}

// Heartbeat marks a node online and refreshes its liveness timestamp.
func (m *StateManager) Heartbeat(ctx context.Context, nodeID string) error {
	online := types.NodeOnline
	return m.UpdateNodeState(ctx, nodeID, NodePartial{Status: &online})
}

// DisconnectNode marks a node offline, moves every device it owns to
// DISCONNECTED, removes it from the heartbeat set, and publishes
// node:disconnected.
func (m *StateManager) DisconnectNode(ctx context.Context, nodeID string) error {
	n, ok, err := m.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if ok {
		n.Status = types.NodeOffline
		n.UpdatedAt = m.now()
		if err := m.putNode(ctx, n); err != nil {
			return fmt.Errorf("disconnect node %s: %w", nodeID, err)
		}
	}
	if err := m.store.ZRem(ctx, livestore.HeartbeatKey, nodeID); err != nil {
		return fmt.Errorf("disconnect node %s: heartbeat: %w", nodeID, err)
	}

	deviceIDs, err := m.store.SMembers(ctx, livestore.NodeDevicesKey(nodeID))
	if err != nil {
		return fmt.Errorf("disconnect node %s: devices: %w", nodeID, err)
	}
	for _, did := range deviceIDs {
		state := types.DeviceDisconnected
		if err := m.UpdateDeviceState(ctx, did, DevicePartial{State: &state}); err != nil {
			return err
		}
	}

	log.WithNodeID(nodeID).Warn().Msg("node disconnected")
	m.bus.Publish(events.NodeDisconnected, map[string]any{"node_id": nodeID})
	return nil
}

// UpdateDeviceState applies partial fields to a device, auto-creating
// the row if absent, and publishes device:updated.
func (m *StateManager) UpdateDeviceState(ctx context.Context, deviceID string, partial DevicePartial) error {
	d, ok, err := m.getDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		d = &types.Device{ID: deviceID, State: types.DeviceDisconnected, CreatedAt: m.now()}
	}
	applyDevicePartial(d, partial)
	d.UpdatedAt = m.now()
	if err := m.putDevice(ctx, d); err != nil {
		return fmt.Errorf("update device %s: %w", deviceID, err)
	}
	m.bus.Publish(events.DeviceUpdated, map[string]any{"device_id": deviceID, "state": string(d.State)})
	return nil
}

// MarkDeviceRunning transitions a device into RUNNING for the given
// step, per the IDLE/ERROR --(dispatch)--> RUNNING edge.
func (m *StateManager) MarkDeviceRunning(ctx context.Context, deviceID, currentStep string) error {
	state := types.DeviceRunning
	progress := 0
	return m.UpdateDeviceState(ctx, deviceID, DevicePartial{State: &state, CurrentStep: &currentStep, Progress: &progress})
}

// MarkDeviceProgress updates a running device's current step/progress.
func (m *StateManager) MarkDeviceProgress(ctx context.Context, deviceID, currentStep string, progress int) error {
	state := types.DeviceRunning
	return m.UpdateDeviceState(ctx, deviceID, DevicePartial{State: &state, CurrentStep: &currentStep, Progress: &progress})
}

// MarkDeviceCompleted transitions RUNNING --(agent success)--> COMPLETED,
// then schedules the COMPLETED --(after 1s)--> IDLE edge.
func (m *StateManager) MarkDeviceCompleted(ctx context.Context, deviceID string) error {
	state := types.DeviceCompleted
	if err := m.UpdateDeviceState(ctx, deviceID, DevicePartial{State: &state}); err != nil {
		return err
	}
	go func() {
		time.Sleep(time.Second)
		idle := types.DeviceIdle
		empty := ""
		zero := 0
		if err := m.UpdateDeviceState(context.Background(), deviceID, DevicePartial{
			State: &idle, CurrentStep: &empty, Progress: &zero,
		}); err != nil {
			log.WithDeviceID(deviceID).Error().Err(err).Msg("device idle transition after completion failed")
		}
	}()
	return nil
}

// MarkDeviceError transitions RUNNING --(agent failure)--> ERROR,
// atomically incrementing the error count via the live store's native
// HINCRBY and escalating to QUARANTINE once it reaches
// types.QuarantineThreshold. The increment itself is a single
// server-side Redis command, so concurrent callers on the same device
// can never lose one another's increment the way a getDevice/putDevice
// read-modify-write would.
func (m *StateManager) MarkDeviceError(ctx context.Context, deviceID, message string) error {
	key := livestore.DeviceKey(deviceID)

	fields, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		if err := m.store.HSet(ctx, key, map[string]string{
			"id": deviceID, "created_at": formatTime(m.now()),
		}); err != nil {
			return fmt.Errorf("mark device error %s: %w", deviceID, err)
		}
	}

	count, err := m.store.HIncrBy(ctx, key, "error_count", 1)
	if err != nil {
		return fmt.Errorf("mark device error %s: %w", deviceID, err)
	}

	state := types.DeviceError
	if count >= int64(types.QuarantineThreshold) {
		state = types.DeviceQuarantine
	}

	if err := m.store.HSet(ctx, key, map[string]string{
		"state":         string(state),
		"last_error":    message,
		"last_error_at": formatTime(m.now()),
		"updated_at":    formatTime(m.now()),
	}); err != nil {
		return fmt.Errorf("mark device error %s: %w", deviceID, err)
	}

	m.bus.Publish(events.DeviceUpdated, map[string]any{"device_id": deviceID, "state": string(state)})
	return nil
}

// ResetDeviceError implements the ERROR --(IDLE/RUNNING requested)--> IDLE
// edge: it clears the error count and returns the device to IDLE.
func (m *StateManager) ResetDeviceError(ctx context.Context, deviceID string) error {
	state := types.DeviceIdle
	zero := 0
	return m.UpdateDeviceState(ctx, deviceID, DevicePartial{State: &state, ErrorCount: &zero})
}

// GetNodeState returns a node's live state.
func (m *StateManager) GetNodeState(ctx context.Context, nodeID string) (*types.Node, bool, error) {
	return m.getNode(ctx, nodeID)
}

// GetOnlineNodes returns every node whose heartbeat entry is present.
func (m *StateManager) GetOnlineNodes(ctx context.Context) ([]*types.Node, error) {
	ids, err := m.store.ZRangeByScore(ctx, livestore.HeartbeatKey, 0, float64(1<<62))
	if err != nil {
		return nil, err
	}
	out := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		n, ok, err := m.getNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetDeviceState returns a device's live state.
func (m *StateManager) GetDeviceState(ctx context.Context, deviceID string) (*types.Device, bool, error) {
	return m.getDevice(ctx, deviceID)
}

// GetAllDeviceStates returns every device known to any registered
// node.
func (m *StateManager) GetAllDeviceStates(ctx context.Context) ([]*types.Device, error) {
	nodes, err := m.GetOnlineNodes(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*types.Device
	for _, n := range nodes {
		ds, err := m.GetNodeDevices(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if !seen[d.ID] {
				seen[d.ID] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// GetNodeDevices returns the devices attached to one node.
func (m *StateManager) GetNodeDevices(ctx context.Context, nodeID string) ([]*types.Device, error) {
	ids, err := m.store.SMembers(ctx, livestore.NodeDevicesKey(nodeID))
	if err != nil {
		return nil, err
	}
	out := make([]*types.Device, 0, len(ids))
	for _, id := range ids {
		d, ok, err := m.getDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetIdleDevices returns IDLE devices, optionally scoped to one node
// (empty nodeID means every node).
func (m *StateManager) GetIdleDevices(ctx context.Context, nodeID string) ([]*types.Device, error) {
	var devices []*types.Device
	var err error
	if nodeID != "" {
		devices, err = m.GetNodeDevices(ctx, nodeID)
	} else {
		devices, err = m.GetAllDeviceStates(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*types.Device, 0, len(devices))
	for _, d := range devices {
		if d.State == types.DeviceIdle {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetExecutionState writes an execution's live state; if the
// execution's status is terminal, the key is given a 30-minute TTL.
func (m *StateManager) SetExecutionState(ctx context.Context, e *types.WorkflowExecution) error {
	data, err := marshalExecution(e)
	if err != nil {
		return err
	}
	key := livestore.ExecutionKey(e.ID)
	if err := m.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("set execution state %s: %w", e.ID, err)
	}
	if e.Status.IsTerminal() {
		if err := m.store.Expire(ctx, key, livestore.ExecutionTTL); err != nil {
			return fmt.Errorf("set execution state %s: ttl: %w", e.ID, err)
		}
	}
	m.bus.Publish(events.StateChange, map[string]any{"execution_id": e.ID, "status": string(e.Status)})
	return nil
}

// GetExecutionState reads an execution's live state.
func (m *StateManager) GetExecutionState(ctx context.Context, executionID string) (*types.WorkflowExecution, bool, error) {
	raw, ok, err := m.store.Get(ctx, livestore.ExecutionKey(executionID))
	if err != nil || !ok {
		return nil, ok, err
	}
	e, err := unmarshalExecution(raw)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (m *StateManager) getNode(ctx context.Context, nodeID string) (*types.Node, bool, error) {
	fields, err := m.store.HGetAll(ctx, livestore.NodeKey(nodeID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fieldsToNode(nodeID, fields), true, nil
}

func (m *StateManager) putNode(ctx context.Context, n *types.Node) error {
	return m.store.HSet(ctx, livestore.NodeKey(n.ID), nodeToFields(n))
}

func (m *StateManager) getDevice(ctx context.Context, deviceID string) (*types.Device, bool, error) {
	fields, err := m.store.HGetAll(ctx, livestore.DeviceKey(deviceID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fieldsToDevice(deviceID, fields), true, nil
}

func (m *StateManager) putDevice(ctx context.Context, d *types.Device) error {
	return m.store.HSet(ctx, livestore.DeviceKey(d.ID), deviceToFields(d))
}

func applyNodePartial(n *types.Node, p NodePartial) {
	if p.Label != nil {
		n.Label = *p.Label
	}
	if p.NetworkAddr != nil {
		n.NetworkAddr = *p.NetworkAddr
	}
	if p.Status != nil {
		n.Status = *p.Status
	}
	if p.CPU != nil {
		n.CPU = *p.CPU
	}
	if p.Memory != nil {
		n.Memory = *p.Memory
	}
	if p.DeviceCapacity != nil {
		n.DeviceCapacity = *p.DeviceCapacity
	}
	if p.ConnectedDevices != nil {
		n.ConnectedDevices = *p.ConnectedDevices
	}
	if p.ActiveJobs != nil {
		n.ActiveJobs = *p.ActiveJobs
	}
	if p.Metadata != nil {
		n.Metadata = p.Metadata
	}
}

func applyDevicePartial(d *types.Device, p DevicePartial) {
	if p.NodeID != nil {
		d.NodeID = *p.NodeID
	}
	if p.Model != nil {
		d.Model = *p.Model
	}
	if p.OSVersion != nil {
		d.OSVersion = *p.OSVersion
	}
	if p.Battery != nil {
		d.Battery = *p.Battery
	}
	if p.IPAddress != nil {
		d.IPAddress = *p.IPAddress
	}
	if p.SlotOrUSBPort != nil {
		d.SlotOrUSBPort = *p.SlotOrUSBPort
	}
	if p.State != nil {
		d.State = *p.State
	}
	if p.ErrorCount != nil {
		d.ErrorCount = *p.ErrorCount
	}
	if p.LastError != nil {
		d.LastError = *p.LastError
	}
	if p.CurrentStep != nil {
		d.CurrentStep = *p.CurrentStep
	}
	if p.Progress != nil {
		d.Progress = *p.Progress
	}
	d.LastHeartbeat = time.Now()
}

func nodeToFields(n *types.Node) map[string]string {
	return map[string]string{
		"id":                n.ID,
		"label":             n.Label,
		"network_addr":      n.NetworkAddr,
		"status":            string(n.Status),
		"cpu":               strconv.FormatFloat(n.CPU, 'f', -1, 64),
		"memory":            strconv.FormatFloat(n.Memory, 'f', -1, 64),
		"device_capacity":   strconv.Itoa(n.DeviceCapacity),
		"connected_devices": strconv.Itoa(n.ConnectedDevices),
		"active_jobs":       strconv.Itoa(n.ActiveJobs),
		"last_seen":         formatTime(n.LastSeen),
		"created_at":        formatTime(n.CreatedAt),
		"updated_at":        formatTime(n.UpdatedAt),
	}
}

func fieldsToNode(id string, f map[string]string) *types.Node {
	return &types.Node{
		ID:               id,
		Label:            f["label"],
		NetworkAddr:      f["network_addr"],
		Status:           types.NodeStatus(f["status"]),
		CPU:              parseFloat(f["cpu"]),
		Memory:           parseFloat(f["memory"]),
		DeviceCapacity:   parseInt(f["device_capacity"]),
		ConnectedDevices: parseInt(f["connected_devices"]),
		ActiveJobs:       parseInt(f["active_jobs"]),
		LastSeen:         parseTime(f["last_seen"]),
		CreatedAt:        parseTime(f["created_at"]),
		UpdatedAt:        parseTime(f["updated_at"]),
	}
}

func deviceToFields(d *types.Device) map[string]string {
	return map[string]string{
		"id":              d.ID,
		"node_id":         d.NodeID,
		"model":           d.Model,
		"os_version":      d.OSVersion,
		"battery":         strconv.Itoa(d.Battery),
		"ip_address":      d.IPAddress,
		"slot_usb_port":   d.SlotOrUSBPort,
		"state":           string(d.State),
		"error_count":     strconv.Itoa(d.ErrorCount),
		"last_error":      d.LastError,
		"last_error_at":   formatTime(d.LastErrorAt),
		"last_heartbeat":  formatTime(d.LastHeartbeat),
		"current_step":    d.CurrentStep,
		"progress":        strconv.Itoa(d.Progress),
		"created_at":      formatTime(d.CreatedAt),
		"updated_at":      formatTime(d.UpdatedAt),
	}
}

func fieldsToDevice(id string, f map[string]string) *types.Device {
	return &types.Device{
		ID:            id,
		NodeID:        f["node_id"],
		Model:         f["model"],
		OSVersion:     f["os_version"],
		Battery:       parseInt(f["battery"]),
		IPAddress:     f["ip_address"],
		SlotOrUSBPort: f["slot_usb_port"],
		State:         types.DeviceState(f["state"]),
		ErrorCount:    parseInt(f["error_count"]),
		LastError:     f["last_error"],
		LastErrorAt:   parseTime(f["last_error_at"]),
		LastHeartbeat: parseTime(f["last_heartbeat"]),
		CurrentStep:   f["current_step"],
		Progress:      parseInt(f["progress"]),
		CreatedAt:     parseTime(f["created_at"]),
		UpdatedAt:     parseTime(f["updated_at"]),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
