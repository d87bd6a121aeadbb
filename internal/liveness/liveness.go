// Package liveness implements LivenessMonitor: a periodic sweep that
// detects nodes whose heartbeat has gone stale and disconnects them,
// plus an optional durable sweep for executions stuck in RUNNING
// (SPEC_FULL.md §4.7). Structurally grounded on the teacher's
// scheduler.go ticker+select+stopCh loop.
package liveness

import (
	"context"
	"time"

	"devicefleet/internal/durablestore"
	"devicefleet/internal/livestore"
	"devicefleet/internal/log"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/types"
)

// Defaults per spec.md §4.7/§5: nodes are swept every 30s and
// considered stale after 60s without a heartbeat. The durable
// staleness sweep is disabled by default.
const (
	DefaultSweepInterval   = 30 * time.Second
	DefaultHeartbeatStale  = 60 * time.Second
	DefaultExecutionStale  = 15 * time.Minute
)

// Config controls LivenessMonitor's sweep behavior. Zero values take
// the package defaults, except StaleExecutions which stays disabled
// unless explicitly turned on.
type Config struct {
	SweepInterval  time.Duration
	HeartbeatStale time.Duration

	// StaleExecutions enables the optional durable sweep that fails
	// executions stuck in RUNNING past ExecutionStale. Disabled by
	// default per spec.md §4.7.
	StaleExecutions bool
	ExecutionStale  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = DefaultHeartbeatStale
	}
	if c.ExecutionStale <= 0 {
		c.ExecutionStale = DefaultExecutionStale
	}
	return c
}

// Monitor runs the periodic liveness sweep. One instance per process.
type Monitor struct {
	cfg     Config
	store   livestore.LiveStore
	states  *statemanager.StateManager
	durable durablestore.DurableStore
	stopCh  chan struct{}
	now     func() time.Time
}

// New builds a Monitor. durable may be nil if the durable staleness
// sweep is never enabled.
func New(store livestore.LiveStore, states *statemanager.StateManager, durable durablestore.DurableStore, cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		store:   store,
		states:  states,
		durable: durable,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start spawns the sweep loop in the background.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepNodes(context.Background())
			if m.cfg.StaleExecutions {
				m.sweepExecutions(context.Background())
			}
		case <-m.stopCh:
			return
		}
	}
}

// sweepNodes disconnects every node whose heartbeat score is older
// than HeartbeatStale.
func (m *Monitor) sweepNodes(ctx context.Context) {
	cutoff := float64(m.now().Add(-m.cfg.HeartbeatStale).UnixMilli())
	staleIDs, err := m.store.ZRangeByScore(ctx, livestore.HeartbeatKey, 0, cutoff)
	if err != nil {
		log.Errorf("liveness: sweep heartbeat failed", err)
		return
	}
	for _, nodeID := range staleIDs {
		if err := m.states.DisconnectNode(ctx, nodeID); err != nil {
			log.Errorf("liveness: disconnect stale node failed", err)
			continue
		}
		log.WithNodeID(nodeID).Warn().Msg("node disconnected by liveness sweep")
	}
}

// sweepExecutions fails executions stuck in RUNNING past
// ExecutionStale. Disabled unless Config.StaleExecutions is set; the
// durable store is the source of truth here since execution live
// state already expires on its own terminal TTL.
func (m *Monitor) sweepExecutions(ctx context.Context) {
	if m.durable == nil {
		return
	}
	running, err := m.durable.ListRunningExecutions(ctx)
	if err != nil {
		log.Errorf("liveness: list running executions failed", err)
		return
	}
	cutoff := m.now().Add(-m.cfg.ExecutionStale)
	for _, e := range running {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		e.Status = types.ExecFailed
		e.ErrorMessage = "stale"
		e.CompletedAt = m.now()
		if _, err := m.durable.UpsertExecution(ctx, e); err != nil {
			log.Errorf("liveness: mark execution stale failed", err)
			continue
		}
		log.WithExecutionID(e.ID).Warn().Msg("execution marked stale by liveness sweep")
	}
}
