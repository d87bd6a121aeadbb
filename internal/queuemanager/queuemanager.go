// Package queuemanager implements the per-node priority+FIFO durable
// job queues described in SPEC_FULL.md §4.4: one logical queue per
// node-id (`workflow:{node_id}`) plus a small set of singleton queues
// (video-execution, device-command, scheduled-task, cleanup). No
// off-the-shelf Bull-equivalent library exists in the reference corpus
// for this shape, so the queue itself is hand-rolled directly on top
// of LiveStore's sorted-set and hash primitives (see DESIGN.md).
package queuemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devicefleet/internal/events"
	"devicefleet/internal/livestore"
	"devicefleet/internal/log"
)

// Status is the lifecycle state of one queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusMissing   Status = "missing"
)

// Retention controls how long terminal jobs are kept before CleanQueue
// reaps them.
type Retention struct {
	Count int
	Age   time.Duration
}

// Job is the durable queue's job contract (spec.md §4.4).
type Job struct {
	JobID             string          `json:"job_id"`
	WorkflowID        string          `json:"workflow_id"`
	WorkflowSnapshot  json.RawMessage `json:"workflow_snapshot,omitempty"`
	DeviceIDs         []string        `json:"device_ids"`
	NodeID            string          `json:"node_id"`
	Params            json.RawMessage `json:"params,omitempty"`
	Priority          int             `json:"priority"`
	CreatedAt         time.Time       `json:"created_at"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	BackoffInitial    time.Duration   `json:"backoff_initial"`
	RemoveOnComplete  Retention       `json:"remove_on_complete"`
	RemoveOnFail      Retention       `json:"remove_on_fail"`
	Status            Status          `json:"status"`
	Error             string          `json:"error,omitempty"`
	FinishedAt        time.Time       `json:"finished_at,omitempty"`
}

// Stats summarizes one queue's state for operators.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    bool `json:"paused"`
}

const (
	defaultMaxAttempts    = 3
	defaultBackoffInitial = 5 * time.Second
)

var (
	defaultRemoveOnComplete = Retention{Count: 1000, Age: 24 * time.Hour}
	defaultRemoveOnFail     = Retention{Count: 5000, Age: 7 * 24 * time.Hour}
)

// Singleton queue names named in spec.md §4.4.
const (
	QueueVideoExecution = "video-execution"
	QueueDeviceCommand  = "device-command"
	QueueScheduledTask  = "scheduled-task"
	QueueCleanup        = "cleanup"
)

// NodeQueueName returns the logical queue name for a node's workflow
// queue.
func NodeQueueName(nodeID string) string { return "workflow:" + nodeID }

// QueueManager implements the durable FIFO+priority job queues over
// LiveStore.
type QueueManager struct {
	store livestore.LiveStore
	bus   *events.Broker
	now   func() time.Time
}

// New builds a QueueManager over the given store and event bus.
func New(store livestore.LiveStore, bus *events.Broker) *QueueManager {
	return &QueueManager{store: store, bus: bus, now: time.Now}
}

func waitingKey(queue string) string   { return "queue:" + queue + ":waiting" }
func activeKey(queue string) string    { return "queue:" + queue + ":active" }
func delayedKey(queue string) string   { return "queue:" + queue + ":delayed" }
func completedKey(queue string) string { return "queue:" + queue + ":completed" }
func failedKey(queue string) string    { return "queue:" + queue + ":failed" }
func pausedKey(queue string) string    { return "queue:" + queue + ":paused" }
func jobKey(jobID string) string       { return "queue:job:" + jobID }

// priorityScore orders waiting/delayed entries by priority DESC then
// creation time ASC: higher priority sorts first (more negative
// score), ties broken by earlier creation.
func priorityScore(priority int, createdAt time.Time) float64 {
	return float64(-priority)*1e15 + float64(createdAt.UnixNano())/1e6
}

// AddWorkflowJob enqueues a job, applying the job-contract defaults,
// and emits job:added.
func (qm *QueueManager) AddWorkflowJob(ctx context.Context, queue string, job *Job) (*Job, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = qm.now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.BackoffInitial == 0 {
		job.BackoffInitial = defaultBackoffInitial
	}
	if job.RemoveOnComplete == (Retention{}) {
		job.RemoveOnComplete = defaultRemoveOnComplete
	}
	if job.RemoveOnFail == (Retention{}) {
		job.RemoveOnFail = defaultRemoveOnFail
	}
	job.Status = StatusWaiting

	if err := qm.putJob(ctx, job); err != nil {
		return nil, fmt.Errorf("add workflow job: %w", err)
	}
	if err := qm.store.ZAdd(ctx, waitingKey(queue), job.JobID, priorityScore(job.Priority, job.CreatedAt)); err != nil {
		return nil, fmt.Errorf("add workflow job: enqueue: %w", err)
	}

	log.WithJobID(job.JobID).Info().Str("queue", queue).Msg("job added")
	qm.bus.Publish(events.JobAdded, map[string]any{"job_id": job.JobID, "queue": queue})
	return job, nil
}

// DequeueNext pops the highest-priority, earliest-created waiting job
// and moves it to active. Returns ok=false if the queue is empty or
// paused.
func (qm *QueueManager) DequeueNext(ctx context.Context, queue string) (*Job, bool, error) {
	if paused, err := qm.isPaused(ctx, queue); err != nil {
		return nil, false, err
	} else if paused {
		return nil, false, nil
	}

	ids, err := qm.store.ZRangeByScore(ctx, waitingKey(queue), -1e18, 1e18)
	if err != nil {
		return nil, false, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	jobID := ids[0]

	if err := qm.store.ZRem(ctx, waitingKey(queue), jobID); err != nil {
		return nil, false, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	if err := qm.store.SAdd(ctx, activeKey(queue), jobID); err != nil {
		return nil, false, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	job, ok, err := qm.getJob(ctx, jobID)
	if err != nil || !ok {
		return nil, false, err
	}
	job.Status = StatusActive
	job.Attempts++
	if err := qm.putJob(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// GetJobStatus reports a job's current status.
func (qm *QueueManager) GetJobStatus(ctx context.Context, jobID string) (Status, error) {
	job, ok, err := qm.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok {
		return StatusMissing, nil
	}
	return job.Status, nil
}

// CancelJob removes a waiting/delayed job outright, or requests
// cancellation of an active one via job:cancel-request.
func (qm *QueueManager) CancelJob(ctx context.Context, queue, jobID string) (bool, error) {
	job, ok, err := qm.getJob(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}

	switch job.Status {
	case StatusWaiting:
		if err := qm.store.ZRem(ctx, waitingKey(queue), jobID); err != nil {
			return false, err
		}
	case StatusDelayed:
		if err := qm.store.ZRem(ctx, delayedKey(queue), jobID); err != nil {
			return false, err
		}
	case StatusActive:
		qm.bus.Publish(events.JobCancelRequest, map[string]any{"job_id": jobID, "queue": queue})
		return true, nil
	default:
		return false, nil
	}

	job.Status = StatusFailed
	job.Error = "cancelled"
	job.FinishedAt = qm.now()
	if err := qm.putJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// MarkCompleted transitions an active job to completed and emits
// job:completed.
func (qm *QueueManager) MarkCompleted(ctx context.Context, queue, jobID string) error {
	job, ok, err := qm.getJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	if err := qm.store.SRem(ctx, activeKey(queue), jobID); err != nil {
		return err
	}
	job.Status = StatusCompleted
	job.FinishedAt = qm.now()
	if err := qm.putJob(ctx, job); err != nil {
		return err
	}
	if err := qm.store.ZAdd(ctx, completedKey(queue), jobID, float64(job.FinishedAt.UnixMilli())); err != nil {
		return err
	}
	qm.bus.Publish(events.JobCompleted, map[string]any{"job_id": jobID, "queue": queue})
	return nil
}

// MarkFailed transitions an active job to failed (or schedules a
// retry into the delayed set if attempts remain) and emits
// job:failed.
func (qm *QueueManager) MarkFailed(ctx context.Context, queue, jobID, reason string) error {
	job, ok, err := qm.getJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	if err := qm.store.SRem(ctx, activeKey(queue), jobID); err != nil {
		return err
	}
	job.Error = reason

	if job.Attempts < job.MaxAttempts {
		backoff := job.BackoffInitial << uint(job.Attempts-1)
		readyAt := qm.now().Add(backoff)
		job.Status = StatusDelayed
		if err := qm.putJob(ctx, job); err != nil {
			return err
		}
		if err := qm.store.ZAdd(ctx, delayedKey(queue), jobID, float64(readyAt.UnixMilli())); err != nil {
			return err
		}
		qm.bus.Publish(events.JobFailed, map[string]any{"job_id": jobID, "queue": queue, "retrying": true})
		return nil
	}

	job.Status = StatusFailed
	job.FinishedAt = qm.now()
	if err := qm.putJob(ctx, job); err != nil {
		return err
	}
	if err := qm.store.ZAdd(ctx, failedKey(queue), jobID, float64(job.FinishedAt.UnixMilli())); err != nil {
		return err
	}
	qm.bus.Publish(events.JobFailed, map[string]any{"job_id": jobID, "queue": queue, "retrying": false})
	return nil
}

// ReportProgress emits job:progress without mutating job status.
func (qm *QueueManager) ReportProgress(jobID, queue string, progress int) {
	qm.bus.Publish(events.JobProgress, map[string]any{"job_id": jobID, "queue": queue, "progress": progress})
}

// PromoteDelayed moves delayed jobs whose backoff has elapsed back
// into waiting. Intended to be called periodically (see
// StartDelayedPromotion).
func (qm *QueueManager) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	ready, err := qm.store.ZRangeByScore(ctx, delayedKey(queue), 0, float64(qm.now().UnixMilli()))
	if err != nil {
		return 0, err
	}
	for _, jobID := range ready {
		job, ok, err := qm.getJob(ctx, jobID)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if err := qm.store.ZRem(ctx, delayedKey(queue), jobID); err != nil {
			return 0, err
		}
		job.Status = StatusWaiting
		if err := qm.putJob(ctx, job); err != nil {
			return 0, err
		}
		if err := qm.store.ZAdd(ctx, waitingKey(queue), jobID, priorityScore(job.Priority, qm.now())); err != nil {
			return 0, err
		}
	}
	return len(ready), nil
}

// StartDelayedPromotion runs PromoteDelayed for every named queue on
// the given interval until ctx is cancelled.
func (qm *QueueManager) StartDelayedPromotion(ctx context.Context, queues []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					if _, err := qm.PromoteDelayed(ctx, q); err != nil {
						log.Errorf("queuemanager: promote delayed failed", err)
					}
				}
			}
		}
	}()
}

// RetryFailedJobs re-enqueues up to n failed jobs and returns the
// count actually retried.
func (qm *QueueManager) RetryFailedJobs(ctx context.Context, queue string, n int) (int, error) {
	ids, err := qm.store.ZRangeByScore(ctx, failedKey(queue), 0, float64(qm.now().UnixMilli()))
	if err != nil {
		return 0, err
	}
	if len(ids) > n {
		ids = ids[:n]
	}
	count := 0
	for _, jobID := range ids {
		job, ok, err := qm.getJob(ctx, jobID)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		if err := qm.store.ZRem(ctx, failedKey(queue), jobID); err != nil {
			return count, err
		}
		job.Status = StatusWaiting
		job.Attempts = 0
		job.Error = ""
		if err := qm.putJob(ctx, job); err != nil {
			return count, err
		}
		if err := qm.store.ZAdd(ctx, waitingKey(queue), jobID, priorityScore(job.Priority, qm.now())); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// CleanQueue deletes completed & failed jobs older than grace,
// stopping after limit removals.
func (qm *QueueManager) CleanQueue(ctx context.Context, queue string, grace time.Duration, limit int) (int, error) {
	cutoff := float64(qm.now().Add(-grace).UnixMilli())
	removed := 0
	for _, key := range []string{completedKey(queue), failedKey(queue)} {
		if removed >= limit {
			break
		}
		ids, err := qm.store.ZRangeByScore(ctx, key, 0, cutoff)
		if err != nil {
			return removed, err
		}
		for _, jobID := range ids {
			if removed >= limit {
				break
			}
			if err := qm.store.ZRem(ctx, key, jobID); err != nil {
				return removed, err
			}
			if err := qm.store.Delete(ctx, jobKey(jobID)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// PauseQueue stops DequeueNext from yielding new jobs for this queue.
func (qm *QueueManager) PauseQueue(ctx context.Context, queue string) error {
	return qm.store.Set(ctx, pausedKey(queue), "1")
}

// ResumeQueue clears a queue's pause flag.
func (qm *QueueManager) ResumeQueue(ctx context.Context, queue string) error {
	return qm.store.Delete(ctx, pausedKey(queue))
}

func (qm *QueueManager) isPaused(ctx context.Context, queue string) (bool, error) {
	_, ok, err := qm.store.Get(ctx, pausedKey(queue))
	return ok, err
}

// GetQueueStats summarizes one queue's state.
func (qm *QueueManager) GetQueueStats(ctx context.Context, queue string) (Stats, error) {
	waiting, err := qm.store.ZRangeByScore(ctx, waitingKey(queue), -1e18, 1e18)
	if err != nil {
		return Stats{}, err
	}
	active, err := qm.store.SMembers(ctx, activeKey(queue))
	if err != nil {
		return Stats{}, err
	}
	delayed, err := qm.store.ZRangeByScore(ctx, delayedKey(queue), 0, 1e18)
	if err != nil {
		return Stats{}, err
	}
	completed, err := qm.store.ZRangeByScore(ctx, completedKey(queue), 0, 1e18)
	if err != nil {
		return Stats{}, err
	}
	failed, err := qm.store.ZRangeByScore(ctx, failedKey(queue), 0, 1e18)
	if err != nil {
		return Stats{}, err
	}
	paused, err := qm.isPaused(ctx, queue)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   len(waiting),
		Active:    len(active),
		Delayed:   len(delayed),
		Completed: len(completed),
		Failed:    len(failed),
		Paused:    paused,
	}, nil
}

func (qm *QueueManager) getJob(ctx context.Context, jobID string) (*Job, bool, error) {
	raw, ok, err := qm.store.Get(ctx, jobKey(jobID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, true, nil
}

func (qm *QueueManager) putJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	return qm.store.Set(ctx, jobKey(job.JobID), string(data))
}
