package testsupport

import (
	"context"
	"sync"

	"devicefleet/internal/durablestore"
	"devicefleet/internal/errs"
	"devicefleet/internal/types"
)

// FakeDurableStore is a minimal in-memory durablestore.DurableStore
// implementation for unit tests that don't need real Postgres
// semantics, only the CRUD contract.
type FakeDurableStore struct {
	mu sync.Mutex

	nodes      map[string]*types.Node
	devices    map[string]*types.Device
	workflows  map[string]*types.Workflow
	executions map[string]*types.WorkflowExecution
	logs       []*types.ExecutionLog
	alerts     map[int64]*types.Alert
	nextAlert  int64
}

// NewFakeDurableStore builds an empty FakeDurableStore.
func NewFakeDurableStore() *FakeDurableStore {
	return &FakeDurableStore{
		nodes:      make(map[string]*types.Node),
		devices:    make(map[string]*types.Device),
		workflows:  make(map[string]*types.Workflow),
		executions: make(map[string]*types.WorkflowExecution),
		alerts:     make(map[int64]*types.Alert),
	}
}

func (f *FakeDurableStore) UpsertNode(ctx context.Context, n *types.Node) (*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.nodes[n.ID] = &cp
	return &cp, nil
}

func (f *FakeDurableStore) GetNode(ctx context.Context, id string) (*types.Node, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n, ok, nil
}

func (f *FakeDurableStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *FakeDurableStore) UpsertDevice(ctx context.Context, d *types.Device) (*types.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.devices[d.ID] = &cp
	return &cp, nil
}

func (f *FakeDurableStore) GetDevice(ctx context.Context, id string) (*types.Device, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	return d, ok, nil
}

func (f *FakeDurableStore) ListDevicesByNode(ctx context.Context, nodeID string) ([]*types.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Device, 0)
	for _, d := range f.devices {
		if d.NodeID == nodeID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *FakeDurableStore) ListDevices(ctx context.Context) ([]*types.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *FakeDurableStore) CreateWorkflow(ctx context.Context, w *types.Workflow) (*types.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workflows[w.ID] = &cp
	return &cp, nil
}

func (f *FakeDurableStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	return w, ok, nil
}

func (f *FakeDurableStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Workflow, 0, len(f.workflows))
	for _, w := range f.workflows {
		out = append(out, w)
	}
	return out, nil
}

func (f *FakeDurableStore) IncrementWorkflowVersion(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return 0, errs.ErrNotFound
	}
	w.Version++
	return w.Version, nil
}

func (f *FakeDurableStore) UpsertExecution(ctx context.Context, e *types.WorkflowExecution) (*types.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.executions[e.ID] = &cp
	return &cp, nil
}

func (f *FakeDurableStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	return e, ok, nil
}

func (f *FakeDurableStore) GetExecutionByKey(ctx context.Context, key string) (*types.WorkflowExecution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.executions {
		if e.ExecutionKey == key {
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (f *FakeDurableStore) ListRunningExecutions(ctx context.Context) ([]*types.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.WorkflowExecution, 0)
	for _, e := range f.executions {
		if e.Status == types.ExecRunning {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FakeDurableStore) IncrementExecutionDeviceCount(ctx context.Context, executionID string, kind durablestore.CountType) (*types.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[executionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	switch kind {
	case durablestore.CountCompleted:
		e.CompletedDevices++
	case durablestore.CountFailed:
		e.FailedDevices++
	}
	return e, nil
}

func (f *FakeDurableStore) InsertLog(ctx context.Context, l *types.ExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *FakeDurableStore) ListLogsByExecution(ctx context.Context, executionID string) ([]*types.ExecutionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ExecutionLog, 0)
	for _, l := range f.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *FakeDurableStore) InsertAlert(ctx context.Context, a *types.Alert) (*types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAlert++
	cp := *a
	cp.ID = f.nextAlert
	f.alerts[cp.ID] = &cp
	return &cp, nil
}

func (f *FakeDurableStore) AcknowledgeAlert(ctx context.Context, id int64, by string) (*types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	a.Acknowledged = true
	a.AcknowledgedBy = by
	return a, nil
}

func (f *FakeDurableStore) ListActiveAlerts(ctx context.Context) ([]*types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Alert, 0)
	for _, a := range f.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *FakeDurableStore) IncrementDeviceErrorCount(ctx context.Context, deviceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return 0, errs.ErrNotFound
	}
	d.ErrorCount++
	return d.ErrorCount, nil
}

func (f *FakeDurableStore) UpdateDeviceStatusWithError(ctx context.Context, deviceID, lastError string) (*types.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	d.State = types.DeviceError
	d.LastError = lastError
	return d, nil
}

func (f *FakeDurableStore) Close() error { return nil }
