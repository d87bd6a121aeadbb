// Package internalqueue implements the worker-side per-device
// priority+FIFO job buffer (SPEC_FULL.md §4.4): when a device is busy,
// additional dispatches for it queue locally until the device frees
// up. This runs inside the node/agent process, never the server.
package internalqueue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"devicefleet/internal/events"
)

// Job is one locally-buffered dispatch for a device.
type Job struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	WorkflowID string          `json:"workflow_id"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	TimeoutMS  int             `json:"timeout_ms,omitempty"`
}

// Persistence is the pluggable adapter InternalQueue uses to snapshot
// its buffers. Writes are debounced; PersistNow forces a synchronous
// flush.
type Persistence interface {
	Save(snapshot map[string][]*Job) error
	Load() (map[string][]*Job, error)
	Close() error
}

// NoopPersistence is the default adapter: nothing survives a restart.
type NoopPersistence struct{}

func (NoopPersistence) Save(map[string][]*Job) error    { return nil }
func (NoopPersistence) Load() (map[string][]*Job, error) { return nil, nil }
func (NoopPersistence) Close() error                     { return nil }

// InternalQueue buffers jobs per device, strictly ordered by priority
// DESC then enqueued_at ASC. Safe for concurrent use.
type InternalQueue struct {
	mu      sync.Mutex
	buffers map[string][]*Job
	bus     *events.Broker

	persistence Persistence
	debounce    time.Duration
	dirty       bool
	timer       *time.Timer
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Option configures an InternalQueue at construction.
type Option func(*InternalQueue)

// WithPersistence installs a non-default persistence adapter.
func WithPersistence(p Persistence) Option {
	return func(q *InternalQueue) { q.persistence = p }
}

// WithDebounce overrides the default 1s debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(q *InternalQueue) { q.debounce = d }
}

// New builds an InternalQueue, loading any persisted snapshot.
func New(bus *events.Broker, opts ...Option) (*InternalQueue, error) {
	q := &InternalQueue{
		buffers:     make(map[string][]*Job),
		bus:         bus,
		persistence: NoopPersistence{},
		debounce:    time.Second,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	snapshot, err := q.persistence.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		q.buffers = snapshot
	}
	return q, nil
}

// Enqueue adds a job to its device's buffer, maintaining strict
// priority-DESC/enqueued_at-ASC order, and emits job:enqueued.
func (q *InternalQueue) Enqueue(job *Job) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	buf := append(q.buffers[job.DeviceID], job)
	sort.SliceStable(buf, func(i, j int) bool {
		if buf[i].Priority != buf[j].Priority {
			return buf[i].Priority > buf[j].Priority
		}
		return buf[i].EnqueuedAt.Before(buf[j].EnqueuedAt)
	})
	q.buffers[job.DeviceID] = buf
	q.markDirty()
	q.mu.Unlock()

	q.bus.Publish(events.InternalJobEnqueued, map[string]any{"device_id": job.DeviceID, "job_id": job.ID})
}

// Dequeue pops the highest-priority, earliest job for a device. Emits
// job:dequeued, and queue:empty if that was the device's last job.
func (q *InternalQueue) Dequeue(deviceID string) (*Job, bool) {
	q.mu.Lock()
	buf := q.buffers[deviceID]
	if len(buf) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	job := buf[0]
	buf = buf[1:]
	if len(buf) == 0 {
		delete(q.buffers, deviceID)
	} else {
		q.buffers[deviceID] = buf
	}
	empty := len(buf) == 0
	q.markDirty()
	q.mu.Unlock()

	q.bus.Publish(events.InternalJobDequeued, map[string]any{"device_id": deviceID, "job_id": job.ID})
	if empty {
		q.bus.Publish(events.InternalQueueEmpty, map[string]any{"device_id": deviceID})
	}
	return job, true
}

// Remove deletes a specific job from a device's buffer (e.g. on
// cancellation), emitting job:removed if found.
func (q *InternalQueue) Remove(deviceID, jobID string) bool {
	q.mu.Lock()
	buf := q.buffers[deviceID]
	idx := -1
	for i, j := range buf {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return false
	}
	buf = append(buf[:idx], buf[idx+1:]...)
	if len(buf) == 0 {
		delete(q.buffers, deviceID)
	} else {
		q.buffers[deviceID] = buf
	}
	empty := len(buf) == 0
	q.markDirty()
	q.mu.Unlock()

	q.bus.Publish(events.InternalJobRemoved, map[string]any{"device_id": deviceID, "job_id": jobID})
	if empty {
		q.bus.Publish(events.InternalQueueEmpty, map[string]any{"device_id": deviceID})
	}
	return true
}

// Peek returns the next job for a device without removing it.
func (q *InternalQueue) Peek(deviceID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf := q.buffers[deviceID]
	if len(buf) == 0 {
		return nil, false
	}
	return buf[0], true
}

// Len reports how many jobs are buffered for a device.
func (q *InternalQueue) Len(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers[deviceID])
}

// markDirty must be called with q.mu held. It arms a debounce timer
// that flushes to the persistence adapter after q.debounce elapses.
func (q *InternalQueue) markDirty() {
	q.dirty = true
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.debounce, func() {
		q.mu.Lock()
		q.timer = nil
		dirty := q.dirty
		q.dirty = false
		snapshot := q.snapshotLocked()
		q.mu.Unlock()
		if dirty {
			_ = q.persistence.Save(snapshot)
		}
	})
}

func (q *InternalQueue) snapshotLocked() map[string][]*Job {
	out := make(map[string][]*Job, len(q.buffers))
	for k, v := range q.buffers {
		cp := make([]*Job, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// PersistNow flushes the current buffers synchronously, bypassing the
// debounce timer. Intended to be called before shutdown.
func (q *InternalQueue) PersistNow() error {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.dirty = false
	snapshot := q.snapshotLocked()
	q.mu.Unlock()
	return q.persistence.Save(snapshot)
}

// Close flushes pending writes and closes the persistence adapter.
func (q *InternalQueue) Close() error {
	var err error
	q.stopOnce.Do(func() {
		close(q.stopCh)
		err = q.PersistNow()
	})
	if closeErr := q.persistence.Close(); err == nil {
		err = closeErr
	}
	return err
}
