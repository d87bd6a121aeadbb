// Package durablestore implements the DurableStore adapter: typed CRUD
// over the relational tables named in SPEC_FULL.md §6, plus the
// atomic counter RPCs spec.md §4.2/§6 requires (with a bounded
// compare-and-set fallback when a table lacks a usable native atomic
// primitive).
package durablestore

import (
	"context"
	"time"

	"devicefleet/internal/types"
)

// CountType selects which execution counter an RPC increments.
type CountType string

const (
	CountCompleted CountType = "completed"
	CountFailed    CountType = "failed"
)

// CASRetryAttempts and CASRetryBaseDelay implement the fallback policy
// spec.md §4.2 specifies: 3 attempts, 10ms × attempt backoff.
const (
	CASRetryAttempts  = 3
	CASRetryBaseDelay = 10 * time.Millisecond
)

// DurableStore is the logical table/function surface spec.md §4.2/§6
// fixes. Row lookup by primary key returns (zero, false, nil) when
// absent — never an error.
type DurableStore interface {
	UpsertNode(ctx context.Context, n *types.Node) (*types.Node, error)
	GetNode(ctx context.Context, id string) (*types.Node, bool, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)

	UpsertDevice(ctx context.Context, d *types.Device) (*types.Device, error)
	GetDevice(ctx context.Context, id string) (*types.Device, bool, error)
	ListDevicesByNode(ctx context.Context, nodeID string) ([]*types.Device, error)
	ListDevices(ctx context.Context) ([]*types.Device, error)

	CreateWorkflow(ctx context.Context, w *types.Workflow) (*types.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, bool, error)
	ListWorkflows(ctx context.Context) ([]*types.Workflow, error)
	IncrementWorkflowVersion(ctx context.Context, id string) (int, error)

	UpsertExecution(ctx context.Context, e *types.WorkflowExecution) (*types.WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, bool, error)
	GetExecutionByKey(ctx context.Context, key string) (*types.WorkflowExecution, bool, error)
	ListRunningExecutions(ctx context.Context) ([]*types.WorkflowExecution, error)
	IncrementExecutionDeviceCount(ctx context.Context, executionID string, kind CountType) (*types.WorkflowExecution, error)

	InsertLog(ctx context.Context, l *types.ExecutionLog) error
	ListLogsByExecution(ctx context.Context, executionID string) ([]*types.ExecutionLog, error)

	InsertAlert(ctx context.Context, a *types.Alert) (*types.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string) (*types.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]*types.Alert, error)

	IncrementDeviceErrorCount(ctx context.Context, deviceID string) (int, error)
	UpdateDeviceStatusWithError(ctx context.Context, deviceID, lastError string) (*types.Device, error)

	Close() error
}
