package durablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"devicefleet/internal/errs"
	"devicefleet/internal/types"
)

// Open opens a Postgres connection pool and verifies it is reachable,
// following the dial-then-ping idiom used throughout the corpus'
// database packages.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("durable store dsn must not be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping durable store: %w", err)
	}

	return db, nil
}

// PostgresStore is a DurableStore backed by database/sql + lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertNode(ctx context.Context, n *types.Node) (*types.Node, error) {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO nodes (id, label, status, network_addr, cpu, memory, device_capacity, connected_devices, last_seen, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			network_addr = EXCLUDED.network_addr,
			cpu = EXCLUDED.cpu,
			memory = EXCLUDED.memory,
			device_capacity = EXCLUDED.device_capacity,
			connected_devices = EXCLUDED.connected_devices,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING id, label, status, network_addr, cpu, memory, device_capacity, connected_devices, last_seen, metadata, created_at, updated_at`,
		n.ID, n.Label, n.Status, n.NetworkAddr, n.CPU, n.Memory, n.DeviceCapacity, n.ConnectedDevices, n.LastSeen, meta,
	)
	return scanNode(row)
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*types.Node, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, status, network_addr, cpu, memory, device_capacity, connected_devices, last_seen, metadata, created_at, updated_at
		FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, status, network_addr, cpu, memory, device_capacity, connected_devices, last_seen, metadata, created_at, updated_at
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var n types.Node
	var meta []byte
	if err := row.Scan(&n.ID, &n.Label, &n.Status, &n.NetworkAddr, &n.CPU, &n.Memory,
		&n.DeviceCapacity, &n.ConnectedDevices, &n.LastSeen, &meta, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &n.Metadata)
	}
	return &n, nil
}

func scanNodeRows(rows *sql.Rows) (*types.Node, error) {
	return scanNode(rows)
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *types.Device) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			model = EXCLUDED.model,
			android_version = EXCLUDED.android_version,
			battery = EXCLUDED.battery,
			ip_address = EXCLUDED.ip_address,
			usb_port = EXCLUDED.usb_port,
			status = EXCLUDED.status,
			error_count = EXCLUDED.error_count,
			last_error = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			updated_at = now()
		RETURNING id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at`,
		d.ID, nullableString(d.NodeID), d.Model, d.OSVersion, d.Battery, d.IPAddress, d.SlotOrUSBPort,
		d.State, d.ErrorCount, nullableString(d.LastError), nullableTime(d.LastErrorAt), d.LastHeartbeat,
		nullableString(d.CurrentStep), d.Progress,
	)
	return scanDevice(row)
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*types.Device, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at
		FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *PostgresStore) ListDevicesByNode(ctx context.Context, nodeID string) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at
		FROM devices WHERE node_id = $1 ORDER BY id`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeviceRows(rows)
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at
		FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeviceRows(rows)
}

func scanDeviceRows(rows *sql.Rows) ([]*types.Device, error) {
	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(row rowScanner) (*types.Device, error) {
	var d types.Device
	var nodeID, lastError, currentStep sql.NullString
	var lastErrorAt sql.NullTime
	if err := row.Scan(&d.ID, &nodeID, &d.Model, &d.OSVersion, &d.Battery, &d.IPAddress, &d.SlotOrUSBPort,
		&d.State, &d.ErrorCount, &lastError, &lastErrorAt, &d.LastHeartbeat, &currentStep, &d.Progress,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.NodeID = nodeID.String
	d.LastError = lastError.String
	d.CurrentStep = currentStep.String
	if lastErrorAt.Valid {
		d.LastErrorAt = lastErrorAt.Time
	}
	return &d, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *types.Workflow) (*types.Workflow, error) {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, name, description, category, version, steps, tags, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, true, now(), now())
		RETURNING id, name, description, category, version, steps, tags, is_active, created_at, updated_at`,
		w.ID, w.Name, w.Description, w.Category, steps, pq.Array(w.Tags),
	)
	return scanWorkflow(row)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, version, steps, tags, is_active, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, category, version, steps, tags, is_active, created_at, updated_at
		FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	var w types.Workflow
	var steps []byte
	var tags pq.StringArray
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &w.Category, &w.Version, &steps, &tags, &w.IsActive,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		_ = json.Unmarshal(steps, &w.Steps)
	}
	w.Tags = []string(tags)
	return &w, nil
}

// IncrementWorkflowVersion implements spec.md §6's
// increment_workflow_version RPC: atomic, returns the new version.
// Native atomic path: UPDATE ... RETURNING. No CAS fallback is needed
// because Postgres row-level locking makes this already atomic.
func (s *PostgresStore) IncrementWorkflowVersion(ctx context.Context, id string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE workflows SET version = version + 1, updated_at = now()
		WHERE id = $1 RETURNING version`, id).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, errs.ErrNotFound
	}
	return version, err
}

func (s *PostgresStore) UpsertExecution(ctx context.Context, e *types.WorkflowExecution) (*types.WorkflowExecution, error) {
	params, _ := json.Marshal(e.Params)
	result, _ := json.Marshal(e.Result)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_executions (id, execution_key, workflow_id, workflow_version, node_id, device_ids, params, status, current_step, progress, total_devices, completed_devices, failed_devices, started_at, completed_at, result, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			total_devices = EXCLUDED.total_devices,
			completed_devices = EXCLUDED.completed_devices,
			failed_devices = EXCLUDED.failed_devices,
			started_at = COALESCE(workflow_executions.started_at, EXCLUDED.started_at),
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			updated_at = now()
		RETURNING id, execution_key, workflow_id, workflow_version, node_id, device_ids, params, status, current_step, progress, total_devices, completed_devices, failed_devices, started_at, completed_at, result, error_message, created_at, updated_at`,
		e.ID, e.ExecutionKey, e.WorkflowID, e.WorkflowVersion, e.NodeID, pq.Array(e.DeviceIDs), params,
		e.Status, nullableString(e.CurrentStep), e.Progress, e.TotalDevices, e.CompletedDevices, e.FailedDevices,
		nullableTime(e.StartedAt), nullableTime(e.CompletedAt), result, nullableString(e.ErrorMessage),
	)
	return scanExecution(row)
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, bool, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = $1`, id)
	return scanExecutionOptional(row)
}

func (s *PostgresStore) GetExecutionByKey(ctx context.Context, key string) (*types.WorkflowExecution, bool, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE execution_key = $1`, key)
	return scanExecutionOptional(row)
}

// ListRunningExecutions supports LivenessMonitor's optional durable
// staleness sweep (spec.md §4.7): executions still in RUNNING whose
// updated_at (proxy for "last progress") the caller compares against
// its own staleness threshold.
func (s *PostgresStore) ListRunningExecutions(ctx context.Context) ([]*types.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+` WHERE status = $1 ORDER BY updated_at`, types.ExecRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const executionSelect = `
	SELECT id, execution_key, workflow_id, workflow_version, node_id, device_ids, params, status, current_step, progress, total_devices, completed_devices, failed_devices, started_at, completed_at, result, error_message, created_at, updated_at
	FROM workflow_executions`

func scanExecutionOptional(row rowScanner) (*types.WorkflowExecution, bool, error) {
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func scanExecution(row rowScanner) (*types.WorkflowExecution, error) {
	var e types.WorkflowExecution
	var deviceIDs pq.StringArray
	var params, result []byte
	var currentStep, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.ExecutionKey, &e.WorkflowID, &e.WorkflowVersion, &e.NodeID, &deviceIDs, &params,
		&e.Status, &currentStep, &e.Progress, &e.TotalDevices, &e.CompletedDevices, &e.FailedDevices,
		&startedAt, &completedAt, &result, &errMsg, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.DeviceIDs = []string(deviceIDs)
	e.Params = params
	e.Result = result
	e.CurrentStep = currentStep.String
	e.ErrorMessage = errMsg.String
	if startedAt.Valid {
		e.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = completedAt.Time
	}
	return &e, nil
}

// IncrementExecutionDeviceCount implements spec.md §6's
// increment_execution_device_count RPC: increments completed_devices
// or failed_devices, and computes the aggregate status once the sum
// reaches total_devices (spec.md §4.5's aggregation rule).
func (s *PostgresStore) IncrementExecutionDeviceCount(ctx context.Context, executionID string, kind CountType) (*types.WorkflowExecution, error) {
	column := "completed_devices"
	if kind == CountFailed {
		column = "failed_devices"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE workflow_executions SET %s = %s + 1, updated_at = now()
		WHERE id = $1
		RETURNING id, execution_key, workflow_id, workflow_version, node_id, device_ids, params, status, current_step, progress, total_devices, completed_devices, failed_devices, started_at, completed_at, result, error_message, created_at, updated_at`,
		column, column), executionID)
	e, err := scanExecution(row)
	if err != nil {
		return nil, err
	}

	if e.CompletedDevices+e.FailedDevices >= e.TotalDevices && !e.Status.IsTerminal() {
		newStatus := aggregateStatus(e.TotalDevices, e.CompletedDevices, e.FailedDevices)
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_executions SET status = $2, completed_at = now(), updated_at = now() WHERE id = $1`,
			executionID, newStatus); err != nil {
			return nil, err
		}
		e.Status = newStatus
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// aggregateStatus implements spec.md §4.5's aggregation rule.
func aggregateStatus(total, completed, failed int) types.ExecutionStatus {
	switch {
	case failed == 0 && completed == total:
		return types.ExecCompleted
	case completed == 0 && failed == total:
		return types.ExecFailed
	default:
		return types.ExecPartial
	}
}

func (s *PostgresStore) InsertLog(ctx context.Context, l *types.ExecutionLog) error {
	data, _ := json.Marshal(l.Data)
	return s.db.QueryRowContext(ctx, `
		INSERT INTO execution_logs (execution_id, device_id, workflow_id, step_id, level, status, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now()) RETURNING id`,
		l.ExecutionID, nullableString(l.DeviceID), nullableString(l.WorkflowID), nullableString(l.StepID),
		l.Level, nullableString(string(l.Status)), l.Message, data,
	).Scan(&l.ID)
}

func (s *PostgresStore) ListLogsByExecution(ctx context.Context, executionID string) ([]*types.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, device_id, workflow_id, step_id, level, status, message, data, created_at
		FROM execution_logs WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ExecutionLog
	for rows.Next() {
		var l types.ExecutionLog
		var deviceID, workflowID, stepID, status sql.NullString
		var data []byte
		if err := rows.Scan(&l.ID, &l.ExecutionID, &deviceID, &workflowID, &stepID, &l.Level, &status, &l.Message, &data, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.DeviceID = deviceID.String
		l.WorkflowID = workflowID.String
		l.StepID = stepID.String
		l.Status = types.LogStatus(status.String)
		l.Data = data
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *types.Alert) (*types.Alert, error) {
	data, _ := json.Marshal(a.Data)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alerts (level, message, source, data, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, false, now())
		RETURNING id, level, message, source, data, acknowledged, acknowledged_by, acknowledged_at, created_at`,
		a.Level, a.Message, nullableString(a.Source), data,
	)
	return scanAlert(row)
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id int64, by string) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE alerts SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		WHERE id = $1
		RETURNING id, level, message, source, data, acknowledged, acknowledged_by, acknowledged_at, created_at`,
		id, by,
	)
	return scanAlert(row)
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context) ([]*types.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, message, source, data, acknowledged, acknowledged_by, acknowledged_at, created_at
		FROM alerts WHERE acknowledged = false ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(row rowScanner) (*types.Alert, error) {
	var a types.Alert
	var source, ackBy sql.NullString
	var ackAt sql.NullTime
	var data []byte
	if err := row.Scan(&a.ID, &a.Level, &a.Message, &source, &data, &a.Acknowledged, &ackBy, &ackAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Source = source.String
	a.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		a.AcknowledgedAt = ackAt.Time
	}
	a.Data = data
	return &a, nil
}

// IncrementDeviceErrorCount implements spec.md §6's
// increment_device_error_count RPC. Native atomic path first; when
// that statement fails for any reason other than a missing row, falls
// back to the bounded compare-and-set retry (spec.md §4.2).
func (s *PostgresStore) IncrementDeviceErrorCount(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE devices SET error_count = error_count + 1, updated_at = now()
		WHERE id = $1 RETURNING error_count`, deviceID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, errs.ErrDeviceNotFound
	}
	if err == nil {
		return count, nil
	}
	return s.incrementDeviceErrorCountCAS(ctx, deviceID)
}

// incrementDeviceErrorCountCAS is the bounded compare-and-set fallback
// spec.md §4.2 requires when the native atomic path is unavailable:
// 3 attempts, 10ms × attempt backoff, then ErrConcurrencyExhausted.
func (s *PostgresStore) incrementDeviceErrorCountCAS(ctx context.Context, deviceID string) (int, error) {
	for attempt := 1; attempt <= CASRetryAttempts; attempt++ {
		d, ok, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.ErrDeviceNotFound
		}
		next := d.ErrorCount + 1
		res, err := s.db.ExecContext(ctx, `
			UPDATE devices SET error_count = $2, updated_at = now()
			WHERE id = $1 AND error_count = $3`, deviceID, next, d.ErrorCount)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
		select {
		case <-time.After(time.Duration(attempt) * CASRetryBaseDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, errs.ErrConcurrencyExhausted
}

// UpdateDeviceStatusWithError implements spec.md §6's
// update_device_status_with_error RPC: increments error_count, moves
// the device to ERROR, and to QUARANTINE once error_count reaches the
// threshold — all in one atomic statement.
func (s *PostgresStore) UpdateDeviceStatusWithError(ctx context.Context, deviceID, lastError string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE devices SET
			error_count = error_count + 1,
			status = CASE WHEN error_count + 1 >= $2 THEN 'QUARANTINE' ELSE 'ERROR' END,
			last_error = $3,
			last_error_at = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING id, node_id, model, android_version, battery, ip_address, usb_port, status, error_count, last_error, last_error_at, last_heartbeat, current_step, progress, created_at, updated_at`,
		deviceID, types.QuarantineThreshold, lastError,
	)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrDeviceNotFound
	}
	return d, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
