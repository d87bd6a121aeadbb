// Package agent is the node process's workflow runtime: it holds the
// gateway session to the server and a DeviceDriver used to actually
// run agent-script steps, running each device's steps in its own
// goroutine (the internalqueue subpackage is not used by Executor).
// Grounded on the teacher's worker-side
// reconciler loop shape (pkg/reconciler), generalized from
// container-state reconciliation to per-device step execution.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"devicefleet/internal/devicedriver"
	"devicefleet/internal/gateway"
	"devicefleet/internal/log"
	"devicefleet/internal/types"
)

// Config configures an Executor.
type Config struct {
	NodeID string
	Driver devicedriver.DeviceDriver
}

// Executor runs EXECUTE_WORKFLOW commands received over a gateway
// Client against local devices, reporting WORKFLOW_PROGRESS and
// WORKFLOW_COMPLETE/WORKFLOW_ERROR frames back to the server.
type Executor struct {
	cfg    Config
	client *gateway.Client

	mu     sync.Mutex
	active map[string]context.CancelFunc // job_id -> cancel
}

// New builds an Executor bound to an already-dialed gateway Client.
func New(cfg Config, client *gateway.Client) *Executor {
	e := &Executor{cfg: cfg, client: client, active: make(map[string]context.CancelFunc)}
	client.OnCommand(e.handleCommand)
	return e
}

type executeWorkflowPayload struct {
	JobID      string          `json:"job_id"`
	WorkflowID string          `json:"workflow_id"`
	Workflow   types.Workflow  `json:"workflow"`
	DeviceIDs  []string        `json:"device_ids"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (e *Executor) handleCommand(env gateway.Envelope) {
	switch env.Type {
	case gateway.CmdExecuteWorkflow:
		e.handleExecute(env)
	case gateway.CmdCancelWorkflow:
		e.handleCancel(env)
	}
}

func (e *Executor) handleExecute(env gateway.Envelope) {
	var payload executeWorkflowPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		e.ack(env.ID, gateway.Ack{Received: false, Error: "malformed payload"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active[payload.JobID] = cancel
	e.mu.Unlock()

	e.ack(env.ID, gateway.Ack{Received: true})

	var wg sync.WaitGroup
	for _, deviceID := range payload.DeviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			e.runDevice(ctx, payload, deviceID)
		}(deviceID)
	}

	go func() {
		wg.Wait()
		e.mu.Lock()
		delete(e.active, payload.JobID)
		e.mu.Unlock()
	}()
}

func (e *Executor) handleCancel(env gateway.Envelope) {
	var req struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(env.Data, &req)

	e.mu.Lock()
	cancel, ok := e.active[req.JobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.ack(env.ID, gateway.Ack{Received: true, Cancelled: ok})
}

func (e *Executor) ack(id string, ack gateway.Ack) {
	if err := e.client.SendAck(id, ack); err != nil {
		log.Errorf("agent: send ack failed", err)
	}
}

// runDevice runs every step of a workflow against one device in
// order, honoring each step's retry policy and on-error disposition,
// and reports a single WORKFLOW_COMPLETE/WORKFLOW_ERROR frame for the
// device once done.
func (e *Executor) runDevice(ctx context.Context, payload executeWorkflowPayload, deviceID string) {
	total := len(payload.Workflow.Steps)
	for i, step := range payload.Workflow.Steps {
		e.reportProgress(payload.JobID, deviceID, step.ID, int(float64(i)/float64(total)*100))

		start := time.Now()
		err := e.runStepWithRetry(ctx, deviceID, step)
		duration := time.Since(start)

		if err == nil {
			continue
		}
		switch step.OnError {
		case types.OnErrorSkip:
			continue
		case types.OnErrorContinue:
			e.reportStepFailure(payload.JobID, deviceID, step.ID, err)
			continue
		default: // fail, or unset
			e.reportOutcome(payload.JobID, deviceID, step.ID, false, duration, err)
			return
		}
	}
	e.reportOutcome(payload.JobID, deviceID, "", true, 0, nil)
}

func (e *Executor) runStepWithRetry(ctx context.Context, deviceID string, step types.Step) error {
	attempts := step.Retry.Max
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		lastErr = e.runStep(stepCtx, deviceID, step)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < attempts-1 && step.Retry.Delay > 0 {
			select {
			case <-time.After(step.Retry.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (e *Executor) runStep(ctx context.Context, deviceID string, step types.Step) error {
	switch step.Action {
	case types.ActionAgentScript:
		_, err := e.cfg.Driver.ExecuteScript(ctx, devicedriver.ScriptRequest{
			DeviceID: deviceID,
			Action:   step.ID,
			Args:     step.Params,
		})
		return err
	case types.ActionWait:
		var p struct {
			DurationMS int `json:"duration_ms"`
		}
		_ = json.Unmarshal(step.Params, &p)
		select {
		case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case types.ActionConditional:
		var p struct {
			Skip bool `json:"skip"`
		}
		_ = json.Unmarshal(step.Params, &p)
		if p.Skip {
			return nil
		}
		return nil
	default:
		return fmt.Errorf("unsupported agent step action %q", step.Action)
	}
}

type workflowProgressPayload struct {
	JobID       string `json:"job_id"`
	DeviceID    string `json:"device_id"`
	CurrentStep string `json:"current_step"`
	Progress    int    `json:"progress"`
	Error       string `json:"error,omitempty"`
}

func (e *Executor) reportProgress(jobID, deviceID, stepID string, progress int) {
	if err := e.client.SendEvent(gateway.EvtWorkflowProgress, workflowProgressPayload{
		JobID:       jobID,
		DeviceID:    deviceID,
		CurrentStep: stepID,
		Progress:    progress,
	}); err != nil {
		log.Errorf("agent: send workflow_progress failed", err)
	}
}

// reportStepFailure surfaces an on-error=continue step's failure as a
// non-terminal WORKFLOW_PROGRESS frame: the device keeps running its
// remaining steps and still reports exactly one terminal
// WORKFLOW_COMPLETE/WORKFLOW_ERROR frame once runDevice returns.
func (e *Executor) reportStepFailure(jobID, deviceID, stepID string, stepErr error) {
	if err := e.client.SendEvent(gateway.EvtWorkflowProgress, workflowProgressPayload{
		JobID:       jobID,
		DeviceID:    deviceID,
		CurrentStep: stepID,
		Error:       stepErr.Error(),
	}); err != nil {
		log.Errorf("agent: send workflow_progress failed", err)
	}
}

type workflowOutcomePayload struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	Success    bool   `json:"success"`
	DurationMS int    `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	StepID     string `json:"step_id,omitempty"`
}

func (e *Executor) reportOutcome(jobID, deviceID, stepID string, success bool, duration time.Duration, stepErr error) {
	msgType := gateway.EvtWorkflowComplete
	payload := workflowOutcomePayload{
		JobID:      jobID,
		DeviceID:   deviceID,
		Success:    success,
		DurationMS: int(duration / time.Millisecond),
		StepID:     stepID,
	}
	if stepErr != nil {
		msgType = gateway.EvtWorkflowError
		payload.Error = stepErr.Error()
	}
	if err := e.client.SendEvent(msgType, payload); err != nil {
		log.Errorf("agent: send workflow outcome failed", err)
	}
}
