// Package syncwriter implements SyncWriter: a pure subscriber to the
// event bus that mirrors live state into DurableStore and appends the
// execution audit trail (SPEC_FULL.md §4.9, spec.md §9's design note
// taken literally). It holds no reference back to WorkflowCoordinator
// or any other producer; every write is fire-and-forget and a failure
// is logged, never propagated to whatever published the event.
// Grounded on the teacher's pkg/events/events.go subscriber shape,
// generalized from a generic consumer loop to a dedicated
// live-to-durable sync stage.
package syncwriter

import (
	"context"

	"devicefleet/internal/durablestore"
	"devicefleet/internal/events"
	"devicefleet/internal/log"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/types"
)

// Writer drains the event bus and persists durable-store writes for
// the live-state transitions spec.md's design calls out. One instance
// per process.
type Writer struct {
	durable durablestore.DurableStore
	states  *statemanager.StateManager
	stopCh  chan struct{}
}

// New builds a Writer.
func New(durable durablestore.DurableStore, states *statemanager.StateManager) *Writer {
	return &Writer{durable: durable, states: states, stopCh: make(chan struct{})}
}

// Start subscribes to the bus and begins draining events.
func (w *Writer) Start(bus *events.Broker) {
	go w.run(bus)
}

// Stop halts the drain loop. The caller is responsible for
// unsubscribing any bus reference it passed to Start via Broker.Stop.
func (w *Writer) Stop() {
	close(w.stopCh)
}

func (w *Writer) run(bus *events.Broker) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			w.handle(ev)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Writer) handle(ev *events.Event) {
	ctx := context.Background()
	switch ev.Type {
	case events.NodeRegistered:
		w.syncNode(ctx, stringField(ev.Data, "node_id"))
	case events.DeviceUpdated:
		w.syncDevice(ctx, stringField(ev.Data, "device_id"))
	case events.StateChange:
		w.syncExecution(ctx, stringField(ev.Data, "execution_id"))
	case events.WorkflowStart:
		w.logWorkflow(ctx, ev.Data, types.LogInfo, types.LogStatusStarted, "workflow dispatch started")
	case events.WorkflowProgress:
		w.logWorkflow(ctx, ev.Data, types.LogInfo, types.LogStatusProgress, "workflow progress")
	case events.WorkflowComplete:
		w.handleWorkflowComplete(ctx, ev.Data)
	case events.JobFailed:
		w.logJobFailed(ctx, ev.Data)
	}
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// syncNode mirrors a freshly-registered node's live state into
// DurableStore, along with every device the registration established.
func (w *Writer) syncNode(ctx context.Context, nodeID string) {
	if nodeID == "" {
		return
	}
	n, ok, err := w.states.GetNodeState(ctx, nodeID)
	if err != nil || !ok {
		if err != nil {
			log.Errorf("syncwriter: read node state failed", err)
		}
		return
	}
	if _, err := w.durable.UpsertNode(ctx, n); err != nil {
		log.Errorf("syncwriter: upsert node failed", err)
	}

	devices, err := w.states.GetNodeDevices(ctx, nodeID)
	if err != nil {
		log.Errorf("syncwriter: read node devices failed", err)
		return
	}
	for _, d := range devices {
		if _, err := w.durable.UpsertDevice(ctx, d); err != nil {
			log.Errorf("syncwriter: upsert device failed", err)
		}
	}
}

func (w *Writer) syncDevice(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	d, ok, err := w.states.GetDeviceState(ctx, deviceID)
	if err != nil || !ok {
		if err != nil {
			log.Errorf("syncwriter: read device state failed", err)
		}
		return
	}
	if _, err := w.durable.UpsertDevice(ctx, d); err != nil {
		log.Errorf("syncwriter: upsert device failed", err)
	}
}

func (w *Writer) syncExecution(ctx context.Context, executionID string) {
	if executionID == "" {
		return
	}
	e, ok, err := w.states.GetExecutionState(ctx, executionID)
	if err != nil || !ok {
		if err != nil {
			log.Errorf("syncwriter: read execution state failed", err)
		}
		return
	}
	if _, err := w.durable.UpsertExecution(ctx, e); err != nil {
		log.Errorf("syncwriter: upsert execution failed", err)
	}
}

func (w *Writer) logWorkflow(ctx context.Context, data map[string]any, level types.LogLevel, status types.LogStatus, message string) {
	jobID := stringField(data, "job_id")
	if jobID == "" {
		return
	}
	entry := &types.ExecutionLog{
		ExecutionID: jobID,
		DeviceID:    stringField(data, "device_id"),
		WorkflowID:  stringField(data, "workflow_id"),
		StepID:      stringField(data, "step_id"),
		Level:       level,
		Status:      status,
		Message:     message,
	}
	if err := w.durable.InsertLog(ctx, entry); err != nil {
		log.Errorf("syncwriter: insert log failed", err)
	}
}

func (w *Writer) handleWorkflowComplete(ctx context.Context, data map[string]any) {
	jobID := stringField(data, "job_id")
	if jobID == "" {
		return
	}
	w.syncExecution(ctx, jobID)

	status := stringField(data, "status")
	level, logStatus, message := types.LogInfo, types.LogStatusCompleted, "workflow completed"
	if errMsg := stringField(data, "error"); errMsg != "" || status == string(types.ExecFailed) {
		level, logStatus, message = types.LogError, types.LogStatusFailed, "workflow failed: "+errMsg
	}
	entry := &types.ExecutionLog{
		ExecutionID: jobID,
		Level:       level,
		Status:      logStatus,
		Message:     message,
	}
	if err := w.durable.InsertLog(ctx, entry); err != nil {
		log.Errorf("syncwriter: insert log failed", err)
	}
}

func (w *Writer) logJobFailed(ctx context.Context, data map[string]any) {
	jobID := stringField(data, "job_id")
	if jobID == "" {
		return
	}
	entry := &types.ExecutionLog{
		ExecutionID: jobID,
		Level:       types.LogError,
		Status:      types.LogStatusFailed,
		Message:     "queue job failed",
	}
	if err := w.durable.InsertLog(ctx, entry); err != nil {
		log.Errorf("syncwriter: insert log failed", err)
	}
}
