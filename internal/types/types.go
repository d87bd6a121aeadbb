// Package types defines the domain entities of the device-farm control
// plane: nodes, devices, workflows, executions, logs, and alerts.
package types

import (
	"encoding/json"
	"time"
)

// NodeStatus is the liveness status of a worker node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeError   NodeStatus = "error"
)

// Node is one worker host attached to a set of Android devices.
type Node struct {
	ID               string            `json:"id"`
	Label            string            `json:"label"`
	NetworkAddr      string            `json:"network_addr"`
	Status           NodeStatus        `json:"status"`
	CPU              float64           `json:"cpu"`
	Memory           float64           `json:"memory"`
	DeviceCapacity   int               `json:"device_capacity"`
	ConnectedDevices int               `json:"connected_devices"`
	ActiveJobs       int               `json:"active_jobs"`
	LastSeen         time.Time         `json:"last_seen"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DeviceState is the long, design-intended device state vocabulary.
// The legacy short vocabulary (online/offline/busy/error) is never
// modeled — see DESIGN.md's Open Question resolution.
type DeviceState string

const (
	DeviceDisconnected DeviceState = "DISCONNECTED"
	DeviceIdle         DeviceState = "IDLE"
	DeviceQueued       DeviceState = "QUEUED"
	DeviceRunning      DeviceState = "RUNNING"
	DeviceCompleted    DeviceState = "COMPLETED"
	DeviceError        DeviceState = "ERROR"
	DeviceQuarantine   DeviceState = "QUARANTINE"
)

// QuarantineThreshold is the error count at which a device transitions
// to QUARANTINE (spec.md §4.3, §8 invariant 4).
const QuarantineThreshold = 3

// Device is one Android handset attached to a node.
type Device struct {
	ID             string      `json:"id"`
	NodeID         string      `json:"node_id,omitempty"`
	Model          string      `json:"model"`
	OSVersion      string      `json:"os_version"`
	Battery        int         `json:"battery"`
	IPAddress      string      `json:"ip_address"`
	SlotOrUSBPort  string      `json:"slot_or_usb_port"`
	State          DeviceState `json:"state"`
	ErrorCount     int         `json:"error_count"`
	LastError      string      `json:"last_error,omitempty"`
	LastErrorAt    time.Time   `json:"last_error_at,omitempty"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	CurrentStep    string      `json:"current_step,omitempty"`
	Progress       int         `json:"progress"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// StepAction is the kind of action a workflow step performs.
type StepAction string

const (
	ActionRemoteTask      StepAction = "remote-task"
	ActionRemoteTaskAlias StepAction = "remote-task-alias"
	ActionAgentScript     StepAction = "agent-script"
	ActionWait            StepAction = "wait"
	ActionConditional     StepAction = "conditional"
)

// IsServerStep reports whether this action runs on the server rather
// than being dispatched to a node (spec.md §4.5 step 2).
func (a StepAction) IsServerStep() bool {
	return a == ActionRemoteTask || a == ActionRemoteTaskAlias
}

// OnError is the policy applied when a step fails.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorContinue OnError = "continue"
	OnErrorSkip     OnError = "skip"
)

// RetryPolicy controls step-level retry behavior.
type RetryPolicy struct {
	Max   int           `json:"max"`
	Delay time.Duration `json:"delay"`
}

// Step is one step of a workflow.
type Step struct {
	ID      string          `json:"id"`
	Action  StepAction      `json:"action"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout time.Duration   `json:"timeout"`
	Retry   RetryPolicy     `json:"retry"`
	OnError OnError         `json:"on_error"`
}

// Workflow is a versioned, ordered sequence of steps. Immutable after
// publication; edits produce a new version via atomic increment.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Version     int       `json:"version"`
	Steps       []Step    `json:"steps"`
	Tags        []string  `json:"tags,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionStatus is the status of a workflow execution.
type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "queued"
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecPartial   ExecutionStatus = "partial"
)

// IsTerminal reports whether status is one of the terminal statuses.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled, ExecPartial:
		return true
	default:
		return false
	}
}

// WorkflowExecution is one dispatch of a workflow to one or more
// devices.
type WorkflowExecution struct {
	ID               string          `json:"id"`
	ExecutionKey     string          `json:"execution_key"`
	WorkflowID       string          `json:"workflow_id"`
	WorkflowVersion  int             `json:"workflow_version"`
	NodeID           string          `json:"node_id"`
	DeviceIDs        []string        `json:"device_ids"`
	Params           json.RawMessage `json:"params,omitempty"`
	Status           ExecutionStatus `json:"status"`
	CurrentStep      string          `json:"current_step,omitempty"`
	Progress         int             `json:"progress"`
	TotalDevices     int             `json:"total_devices"`
	CompletedDevices int             `json:"completed_devices"`
	FailedDevices    int             `json:"failed_devices"`
	StartedAt        time.Time       `json:"started_at,omitempty"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LogLevel is the severity of an ExecutionLog row.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogFatal LogLevel = "fatal"
)

// LogStatus categorizes what an ExecutionLog row records.
type LogStatus string

const (
	LogStatusStarted   LogStatus = "started"
	LogStatusProgress  LogStatus = "progress"
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
	LogStatusSkipped   LogStatus = "skipped"
	LogStatusRetrying  LogStatus = "retrying"
)

// ExecutionLog is one append-only audit row keyed by execution id.
type ExecutionLog struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Level       LogLevel        `json:"level"`
	Status      LogStatus       `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertLevel is the severity of an operator-visible alert.
type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

// Alert is an operator-visible notification raised by AlertManager.
type Alert struct {
	ID             int64           `json:"id"`
	Level          AlertLevel      `json:"level"`
	Message        string          `json:"message"`
	Source         string          `json:"source,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time       `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
