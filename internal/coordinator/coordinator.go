// Package coordinator implements WorkflowCoordinator: turns one
// dequeued job into device outcomes (SPEC_FULL.md §4.5). It partitions
// a workflow's steps into server-steps (run sequentially in-process
// via a RemoteTaskExecutor) and agent-steps (dispatched to the target
// node), aggregates per-device results, and owns execution status for
// every execution it drives. Structurally modeled on the teacher's
// scheduler.go periodic-loop + dispatch shape, generalized from a
// single reconcile pass to per-node job polling bounded by a
// per-node concurrency semaphore.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"devicefleet/internal/errs"
	"devicefleet/internal/events"
	"devicefleet/internal/gateway"
	"devicefleet/internal/log"
	"devicefleet/internal/queuemanager"
	"devicefleet/internal/remotetask"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/types"
)

// Defaults per spec.md §4.5/§5.
const (
	DefaultJobTimeout      = 5 * time.Minute
	DefaultStepTimeout     = 300 * time.Second
	DefaultAckWindow       = 5 * time.Second
	DefaultNodeConcurrency = 5
	dispatchPollInterval   = 200 * time.Millisecond
)

// Config tunes the coordinator's timing and concurrency. Zero values
// take the package defaults.
type Config struct {
	JobTimeout      time.Duration
	AckWindow       time.Duration
	NodeConcurrency int
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.AckWindow <= 0 {
		c.AckWindow = DefaultAckWindow
	}
	if c.NodeConcurrency <= 0 {
		c.NodeConcurrency = DefaultNodeConcurrency
	}
	return c
}

// deviceOutcome is one device's terminal result within a dispatched
// job, recorded by workflow:complete / workflow:error events.
type deviceOutcome struct {
	Success bool
	Error   string
}

// pendingEntry tracks one job dispatched to a node and awaiting device
// outcomes, per spec.md §4.5 step 5's `pendingJobs` map.
type pendingEntry struct {
	queue   string
	job     *queuemanager.Job
	total   int
	results map[string]deviceOutcome
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

func (p *pendingEntry) finish() {
	p.once.Do(func() { close(p.done) })
}

// Coordinator implements WorkflowCoordinator. One instance per
// process.
type Coordinator struct {
	cfg    Config
	queues *queuemanager.QueueManager
	gw     *gateway.Gateway
	states *statemanager.StateManager
	remote remotetask.Executor
	bus    *events.Broker

	semMu sync.Mutex
	sem   map[string]*semaphore.Weighted

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	registeredMu sync.Mutex
	registered   map[string]bool

	stopCh chan struct{}
}

// New builds a Coordinator wired to its collaborators.
func New(queues *queuemanager.QueueManager, gw *gateway.Gateway, states *statemanager.StateManager, remote remotetask.Executor, bus *events.Broker, cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		queues:     queues,
		gw:         gw,
		states:     states,
		remote:     remote,
		bus:        bus,
		sem:        make(map[string]*semaphore.Weighted),
		pending:    make(map[string]*pendingEntry),
		registered: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
	gw.OnEvent(c.handleNodeEvent)
	return c
}

// Start spawns the dispatch loop that polls every online node's
// workflow queue, plus a subscriber that orphans pending jobs whose
// node disconnects mid-flight.
func (c *Coordinator) Start() {
	go c.dispatchLoop()
	go c.watchDisconnects()
}

// watchDisconnects implements spec.md §4.5's node-disconnect failure
// mode: it does not resolve the pending entry itself (the deadline
// timer does that), it only emits node:job:orphaned for visibility.
func (c *Coordinator) watchDisconnects() {
	sub := c.bus.Subscribe()
	defer c.bus.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.NodeDisconnected {
				continue
			}
			nodeID, _ := ev.Data["node_id"].(string)
			c.orphanPendingForNode(nodeID)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) orphanPendingForNode(nodeID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for jobID, entry := range c.pending {
		if entry.job.NodeID != nodeID {
			continue
		}
		c.bus.Publish(events.NodeJobOrphaned, map[string]any{"node_id": nodeID, "job_id": jobID})
	}
}

// Stop halts the dispatch loop. In-flight jobs run to completion or
// deadline.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) dispatchLoop() {
	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pollOnce(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// pollOnce attempts one dequeue per online node, bounded by that
// node's concurrency semaphore. Only per-node `workflow:{node_id}`
// queues are polled here: the singleton queues (video-execution,
// device-command, scheduled-task, cleanup) are generic QueueManager
// facilities for other consumers spec.md does not further specify.
func (c *Coordinator) pollOnce(ctx context.Context) {
	nodes, err := c.states.GetOnlineNodes(ctx)
	if err != nil {
		log.Errorf("coordinator: list online nodes failed", err)
		return
	}
	for _, n := range nodes {
		sem := c.nodeSemaphore(n.ID)
		if !sem.TryAcquire(1) {
			continue
		}
		queue := queuemanager.NodeQueueName(n.ID)
		job, ok, err := c.queues.DequeueNext(ctx, queue)
		if err != nil {
			sem.Release(1)
			log.Errorf("coordinator: dequeue failed", err)
			continue
		}
		if !ok {
			sem.Release(1)
			continue
		}
		go func() {
			defer sem.Release(1)
			c.runJob(context.Background(), queue, job)
		}()
	}
}

func (c *Coordinator) nodeSemaphore(nodeID string) *semaphore.Weighted {
	c.semMu.Lock()
	defer c.semMu.Unlock()
	sem, ok := c.sem[nodeID]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.cfg.NodeConcurrency))
		c.sem[nodeID] = sem
	}
	return sem
}

// runJob implements spec.md §4.5 steps 1-6 for one dequeued job.
func (c *Coordinator) runJob(ctx context.Context, queue string, job *queuemanager.Job) {
	jlog := log.WithJobID(job.JobID)
	jlog.Info().Str("node_id", job.NodeID).Msg("workflow dispatch started")

	c.bus.Publish(events.WorkflowStart, map[string]any{
		"job_id": job.JobID, "workflow_id": job.WorkflowID,
		"device_ids": job.DeviceIDs, "node_id": job.NodeID,
	})

	var workflow types.Workflow
	if err := json.Unmarshal(job.WorkflowSnapshot, &workflow); err != nil {
		c.finishJobFailed(ctx, queue, job, fmt.Sprintf("invalid workflow snapshot: %v", err))
		return
	}

	serverSteps, agentSteps := partitionSteps(workflow.Steps)

	stepResults, abort, abortErr := c.runServerSteps(ctx, job, serverSteps)
	if abort {
		c.completeAllFailed(ctx, queue, job, abortErr)
		return
	}

	if len(agentSteps) == 0 {
		c.completeFromServerSteps(ctx, queue, job, stepResults)
		return
	}

	if !c.gw.IsConnected(job.NodeID) {
		c.finishJobFailed(ctx, queue, job, errs.ErrNodeNotConnected.Error())
		return
	}

	c.dispatchAgentSteps(ctx, queue, job, workflow, agentSteps)
}

// partitionSteps splits a workflow's steps into server-run and
// agent-run sets, per spec.md §4.5 step 2.
func partitionSteps(steps []types.Step) (server, agent []types.Step) {
	for _, s := range steps {
		if s.Action.IsServerStep() {
			server = append(server, s)
		} else {
			agent = append(agent, s)
		}
	}
	return server, agent
}

type stepOutcome struct {
	stepID  string
	success bool
	errMsg  string
}

// runServerSteps executes server-steps sequentially via
// RemoteTaskExecutor, per spec.md §4.5 step 3. abort=true means the
// job fails outright (on-error=fail).
func (c *Coordinator) runServerSteps(ctx context.Context, job *queuemanager.Job, steps []types.Step) ([]stepOutcome, bool, string) {
	var results []stepOutcome
	for _, step := range steps {
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = DefaultStepTimeout
		}

		onProgress := func(progress int) {
			c.bus.Publish(events.WorkflowProgress, map[string]any{
				"job_id": job.JobID, "device_id": "server-placeholder",
				"step_id": step.ID, "progress": progress,
			})
		}

		res, err := c.remote.Execute(ctx, step.ID, step.Params, timeout, onProgress)
		if err == nil && (res.Status == remotetask.StatusFailure || res.Status == remotetask.StatusRevoked) {
			err = fmt.Errorf("Celery step %s failed: %s", step.ID, res.Error)
		}
		if err != nil {
			switch step.OnError {
			case types.OnErrorSkip, types.OnErrorContinue:
				results = append(results, stepOutcome{stepID: step.ID, success: false, errMsg: err.Error()})
				continue
			default:
				return results, true, err.Error()
			}
		}
		results = append(results, stepOutcome{stepID: step.ID, success: true})
	}
	return results, false, ""
}

// completeAllFailed aggregates a job whose server-steps aborted it
// outright: every target device is recorded failed.
func (c *Coordinator) completeAllFailed(ctx context.Context, queue string, job *queuemanager.Job, reason string) {
	exec := c.buildExecution(job, types.ExecFailed, 0, 0, len(job.DeviceIDs), reason)
	c.finishExecution(ctx, queue, job, exec, false, "")
}

// completeFromServerSteps synthesises a device-level result when a job
// has no agent-steps: all-success means all devices succeed, any
// failure reports the first failing step's error for every device.
func (c *Coordinator) completeFromServerSteps(ctx context.Context, queue string, job *queuemanager.Job, results []stepOutcome) {
	firstErr := ""
	for _, r := range results {
		if !r.success && firstErr == "" {
			firstErr = r.errMsg
		}
	}

	total := len(job.DeviceIDs)
	completed, failed := total, 0
	status := types.ExecCompleted
	if firstErr != "" {
		completed, failed = 0, total
		status = types.ExecFailed
	}

	exec := c.buildExecution(job, status, completed, 100, failed, firstErr)
	c.finishExecution(ctx, queue, job, exec, false, "")
}

func (c *Coordinator) buildExecution(job *queuemanager.Job, status types.ExecutionStatus, completed, progress, failed int, errMsg string) *types.WorkflowExecution {
	now := time.Now()
	return &types.WorkflowExecution{
		ID:               job.JobID,
		ExecutionKey:     fmt.Sprintf("exec_%d_%s", now.UnixNano(), job.JobID[:minInt(8, len(job.JobID))]),
		WorkflowID:       job.WorkflowID,
		NodeID:           job.NodeID,
		DeviceIDs:        job.DeviceIDs,
		Params:           job.Params,
		Status:           status,
		Progress:         progress,
		TotalDevices:     len(job.DeviceIDs),
		CompletedDevices: completed,
		FailedDevices:    failed,
		StartedAt:        job.CreatedAt,
		CompletedAt:      now,
		ErrorMessage:     errMsg,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        now,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// finishExecution publishes the live execution state and the terminal
// queue/bus event. dispatchFailed distinguishes a transport-level
// failure (no ack, node disconnected, timeout, bad snapshot — the
// queue job itself never ran to a device-level result) from a
// device-level aggregate that simply happens to be failed/partial,
// which is still a successfully processed queue job.
func (c *Coordinator) finishExecution(ctx context.Context, queue string, job *queuemanager.Job, exec *types.WorkflowExecution, dispatchFailed bool, dispatchErr string) {
	if err := c.states.SetExecutionState(ctx, exec); err != nil {
		log.Errorf("coordinator: set execution state failed", err)
	}
	if !dispatchFailed {
		c.bus.Publish(events.WorkflowComplete, map[string]any{"job_id": job.JobID, "status": string(exec.Status), "error": exec.ErrorMessage})
		if err := c.queues.MarkCompleted(ctx, queue, job.JobID); err != nil {
			log.Errorf("coordinator: mark job completed failed", err)
		}
		return
	}
	c.bus.Publish(events.WorkflowComplete, map[string]any{"job_id": job.JobID, "status": string(exec.Status), "error": dispatchErr})
	if err := c.queues.MarkFailed(ctx, queue, job.JobID, dispatchErr); err != nil {
		log.Errorf("coordinator: mark job failed failed", err)
	}
}

func (c *Coordinator) finishJobFailed(ctx context.Context, queue string, job *queuemanager.Job, reason string) {
	exec := c.buildExecution(job, types.ExecFailed, 0, 0, len(job.DeviceIDs), reason)
	c.finishExecution(ctx, queue, job, exec, true, reason)
}

// executeWorkflowPayload is the EXECUTE_WORKFLOW command body sent to
// a node: the workflow with server-steps stripped.
type executeWorkflowPayload struct {
	JobID      string          `json:"job_id"`
	WorkflowID string          `json:"workflow_id"`
	Workflow   types.Workflow  `json:"workflow"`
	DeviceIDs  []string        `json:"device_ids"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// dispatchAgentSteps implements spec.md §4.5 step 5: send
// EXECUTE_WORKFLOW, await the received ack, register a pendingEntry,
// and arm the job deadline.
func (c *Coordinator) dispatchAgentSteps(ctx context.Context, queue string, job *queuemanager.Job, workflow types.Workflow, agentSteps []types.Step) {
	strippedWorkflow := workflow
	strippedWorkflow.Steps = agentSteps

	payload := executeWorkflowPayload{
		JobID:      job.JobID,
		WorkflowID: job.WorkflowID,
		Workflow:   strippedWorkflow,
		DeviceIDs:  job.DeviceIDs,
		Params:     job.Params,
	}

	ack, err := c.gw.SendCommandAck(ctx, job.NodeID, gateway.CmdExecuteWorkflow, payload, c.cfg.AckWindow)
	if err != nil || !ack.Received {
		reason := "node did not acknowledge execute_workflow"
		if err != nil {
			reason = err.Error()
		}
		c.finishJobFailed(ctx, queue, job, reason)
		return
	}

	exec := c.buildExecution(job, types.ExecRunning, 0, 0, 0, "")
	if err := c.states.SetExecutionState(ctx, exec); err != nil {
		log.Errorf("coordinator: set execution state failed", err)
	}

	entry := &pendingEntry{
		queue:   queue,
		job:     job,
		total:   len(job.DeviceIDs),
		results: make(map[string]deviceOutcome),
		done:    make(chan struct{}),
	}

	entry.timer = time.AfterFunc(c.cfg.JobTimeout, func() {
		c.onJobTimeout(job.JobID)
	})

	c.pendingMu.Lock()
	c.pending[job.JobID] = entry
	c.pendingMu.Unlock()

	<-entry.done
}

func (c *Coordinator) onJobTimeout(jobID string) {
	c.pendingMu.Lock()
	entry, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	log.WithJobID(jobID).Warn().Msg("job deadline expired")
	ctx := context.Background()
	completed := entry.completedCount()
	exec := c.buildExecution(entry.job, types.ExecFailed, completed, 0, entry.total-completed, errs.ErrJobTimeout.Error())
	c.finishExecution(ctx, entry.queue, entry.job, exec, true, errs.ErrJobTimeout.Error())
	entry.finish()
}

func (p *pendingEntry) completedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

// CancelWorkflow implements spec.md §4.5 step 7: sends CANCEL_WORKFLOW
// and awaits the node's {cancelled: bool} ack.
func (c *Coordinator) CancelWorkflow(ctx context.Context, nodeID, jobID string) (bool, error) {
	ack, err := c.gw.SendCommandAck(ctx, nodeID, gateway.CmdCancelWorkflow, map[string]string{"job_id": jobID}, c.cfg.AckWindow)
	if err != nil {
		return false, err
	}
	return ack.Cancelled, nil
}

// handleNodeEvent is the Gateway EventHandler: it routes inbound node
// frames to registration, device-status, and workflow-outcome
// handling.
func (c *Coordinator) handleNodeEvent(nodeID string, env gateway.Envelope) {
	switch env.Type {
	case gateway.EvtRegister:
		c.handleRegister(nodeID, env)
	case gateway.EvtDeviceStatus:
		c.handleDeviceStatus(nodeID, env)
	case gateway.EvtWorkflowProgress:
		c.handleWorkflowProgress(env)
	case gateway.EvtWorkflowComplete:
		c.handleWorkflowOutcome(env, true)
	case gateway.EvtWorkflowError:
		c.handleWorkflowOutcome(env, false)
	}
}

type registerPayload struct {
	NodeID      string `json:"node_id"`
	Version     string `json:"version,omitempty"`
	DeviceCount int    `json:"device_count,omitempty"`
}

// handleRegister marks the node online. The device set itself is
// established by the first DEVICE_STATUS frame, since REGISTER
// (spec.md §4.6) carries only node_id/version/device_count, not the
// device id list.
func (c *Coordinator) handleRegister(nodeID string, env gateway.Envelope) {
	var payload registerPayload
	_ = json.Unmarshal(env.Data, &payload)
	if err := c.states.Heartbeat(context.Background(), nodeID); err != nil {
		log.Errorf("coordinator: heartbeat on register failed", err)
	}
}

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

// handleDeviceStatus registers the node's device set on first receipt
// (see handleRegister) and thereafter refreshes the node's heartbeat
// and the device attributes without touching device state, so an
// in-flight RUNNING/ERROR device is never clobbered by a routine
// heartbeat.
func (c *Coordinator) handleDeviceStatus(nodeID string, env gateway.Envelope) {
	var payload deviceStatusPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		log.Errorf("coordinator: unmarshal device_status failed", err)
		return
	}

	ctx := context.Background()
	if !c.firstDeviceStatus(nodeID) {
		ids := make([]string, len(payload.Devices))
		for i, d := range payload.Devices {
			ids[i] = d.DeviceID
		}
		if err := c.states.RegisterNode(ctx, nodeID, ids); err != nil {
			log.Errorf("coordinator: register node devices failed", err)
		}
		return
	}

	if err := c.states.Heartbeat(ctx, nodeID); err != nil {
		log.Errorf("coordinator: heartbeat on device_status failed", err)
	}

	for _, d := range payload.Devices {
		model, os, ip, slot := d.Model, d.OSVersion, d.IPAddress, d.SlotOrUSBPort
		battery := d.Battery
		if err := c.states.UpdateDeviceState(ctx, d.DeviceID, statemanager.DevicePartial{
			Model: &model, OSVersion: &os, Battery: &battery, IPAddress: &ip, SlotOrUSBPort: &slot,
		}); err != nil {
			log.Errorf("coordinator: update device status failed", err)
		}
	}
}

// firstDeviceStatus reports whether nodeID has already had its device
// set established, marking it established as a side effect.
func (c *Coordinator) firstDeviceStatus(nodeID string) bool {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()
	already := c.registered[nodeID]
	c.registered[nodeID] = true
	return already
}

type workflowProgressPayload struct {
	JobID       string `json:"job_id"`
	DeviceID    string `json:"device_id"`
	CurrentStep string `json:"current_step"`
	Progress    int    `json:"progress"`
	Message     string `json:"message,omitempty"`
}

// handleWorkflowProgress implements spec.md §4.5 step 6's
// workflow:progress handling: update live device state and forward on
// the bus for SyncWriter.
func (c *Coordinator) handleWorkflowProgress(env gateway.Envelope) {
	var p workflowProgressPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Errorf("coordinator: unmarshal workflow_progress failed", err)
		return
	}
	if err := c.states.MarkDeviceProgress(context.Background(), p.DeviceID, p.CurrentStep, p.Progress); err != nil {
		log.Errorf("coordinator: mark device progress failed", err)
	}
	c.bus.Publish(events.WorkflowProgress, map[string]any{
		"job_id": p.JobID, "device_id": p.DeviceID, "current_step": p.CurrentStep,
		"progress": p.Progress, "message": p.Message,
	})
}

type workflowOutcomePayload struct {
	JobID      string `json:"job_id"`
	DeviceID   string `json:"device_id"`
	Success    bool   `json:"success"`
	DurationMS int    `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// handleWorkflowOutcome implements spec.md §4.5 step 6's
// workflow:complete / workflow:error handling: workflow:error is
// treated as workflow:complete with success=false and a composite
// error message.
func (c *Coordinator) handleWorkflowOutcome(env gateway.Envelope, isComplete bool) {
	var p workflowOutcomePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Errorf("coordinator: unmarshal workflow outcome failed", err)
		return
	}
	success := p.Success
	errMsg := p.Error
	if !isComplete {
		success = false
		if p.StepID != "" {
			errMsg = fmt.Sprintf("step %s: %s (retry %d)", p.StepID, p.Error, p.RetryCount)
		}
	}

	if success {
		if err := c.states.MarkDeviceCompleted(context.Background(), p.DeviceID); err != nil {
			log.Errorf("coordinator: mark device completed failed", err)
		}
	} else {
		if err := c.states.MarkDeviceError(context.Background(), p.DeviceID, errMsg); err != nil {
			log.Errorf("coordinator: mark device error failed", err)
		}
	}

	c.pendingMu.Lock()
	entry, ok := c.pending[p.JobID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.results[p.DeviceID] = deviceOutcome{Success: success, Error: errMsg}
	completed := len(entry.results)
	entry.mu.Unlock()

	if completed < entry.total {
		return
	}

	c.pendingMu.Lock()
	delete(c.pending, p.JobID)
	c.pendingMu.Unlock()
	entry.timer.Stop()

	c.aggregate(entry)
	entry.finish()
}

// aggregate implements spec.md §4.5's aggregation rule: all success →
// completed, none success → failed, mixed → partial.
func (c *Coordinator) aggregate(entry *pendingEntry) {
	entry.mu.Lock()
	completedN, failedN := 0, 0
	firstErr := ""
	for _, r := range entry.results {
		if r.Success {
			completedN++
		} else {
			failedN++
			if firstErr == "" {
				firstErr = r.Error
			}
		}
	}
	entry.mu.Unlock()

	status := types.ExecPartial
	switch {
	case failedN == 0:
		status = types.ExecCompleted
	case completedN == 0:
		status = types.ExecFailed
	}

	exec := c.buildExecution(entry.job, status, completedN, 100, failedN, firstErr)
	c.finishExecution(context.Background(), entry.queue, entry.job, exec, false, "")
}
