// Package storage persists tasks, task groups, schedules and worker
// registrations in a single SQLite database. All task state changes go
// through transitionTaskTx, which enforces the task state machine and
// appends a task_events row in the same transaction, so the event log
// can never disagree with the task table.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/depotworks/depot/internal/bus"
	"github.com/depotworks/depot/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "depot-v1-2026-06-18-core"

	// v2: adds schedules, audit_log and tasks.schedule_id for cron-created work.
	schemaVersionV2  = 2
	schemaChecksumV2 = "depot-v2-2026-07-09-schedules"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// DefaultLeaseDuration bounds how long a claimed or running task may go
// without a heartbeat before recovery treats its worker as lost.
const DefaultLeaseDuration = 60 * time.Second

// Error kinds recorded on terminal tasks. A resource conflict never reaches
// the store: a blocked task parks and stays WAITING instead of failing.
const (
	ErrorKindTaskFunction = "TASK_FUNCTION_ERROR"
	ErrorKindWorkerLost   = "WORKER_LOST"
	ErrorKindCanceled     = "CANCELLATION_REQUESTED"
)

type TaskState string

const (
	TaskStateWaiting   TaskState = "WAITING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCanceled  TaskState = "CANCELED"
)

// IsTerminal reports whether a task in this state can never change state again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateWaiting: {
		TaskStateRunning:  {},
		TaskStateCanceled: {},
	},
	TaskStateRunning: {
		TaskStateCompleted: {},
		TaskStateFailed:    {},
		TaskStateCanceled:  {},
		TaskStateWaiting:   {}, // Crash recovery requeue only.
	},
}

var (
	// ErrNotFound is returned when a task, group or schedule id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNoClaimableTask is returned by ClaimNextWaiting when no task is
	// ready to be leased.
	ErrNoClaimableTask = errors.New("no claimable task")

	// ErrInvalidTransition wraps state changes the task state machine
	// forbids. It always indicates a caller bug, never queue contention.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Task is a row in the tasks table. Resources and SharedResources are the
// reservation keys the task declared at enqueue time; they are stored as
// JSON arrays so recovery can rebuild the reservation map from RUNNING rows.
type Task struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	Name            string     `json:"name"`
	Args            string     `json:"args"`
	State           TaskState  `json:"state"`
	Resources       []string   `json:"resources"`
	SharedResources []string   `json:"shared_resources"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	TaskGroupID     string     `json:"task_group_id,omitempty"`
	ScheduleID      string     `json:"schedule_id,omitempty"`
	AvailableAt     time.Time  `json:"available_at"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	LeaseOwner      string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom TaskState `json:"state_from,omitempty"`
	StateTo   TaskState `json:"state_to"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".depot", "depot.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// If we're already at the latest schema, verify the checksum and stop.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from an earlier schema. Validate the checksum of the version
	// we are upgrading from.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	// Phase 1: Create tables (without indexes).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL,
			args JSON NOT NULL DEFAULT '{}',
			state TEXT NOT NULL CHECK(state IN ('WAITING', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELED')),
			resources JSON NOT NULL DEFAULT '[]',
			shared_resources JSON NOT NULL DEFAULT '[]',
			parent_task_id TEXT,
			task_group_id TEXT REFERENCES task_groups(id),
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			error_kind TEXT,
			error TEXT,
			result JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			worker_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_groups (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			all_dispatched INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: schedules table for cron-triggered task creation.
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			task_name TEXT NOT NULL,
			args JSON NOT NULL DEFAULT '{}',
			resources JSON NOT NULL DEFAULT '[]',
			shared_resources JSON NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: append-only audit trail, mirrored to the audit JSONL file.
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: Backfills (ALTER TABLE for v1 DBs) — must run before indexes.
	if err := s.applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 3: Indexes (may reference columns added by backfills).
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(state, available_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expires ON tasks(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group_state ON tasks(task_group_id, state);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_last_seen ON workers(last_seen_at);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	// v1 -> v2: tasks.schedule_id links a task to the schedule that fired it.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE tasks ADD COLUMN schedule_id TEXT;`, desc: "tasks.schedule_id"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	return nil
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// taskColumns is the canonical SELECT list consumed by scanTask.
const taskColumns = `
	id,
	seq,
	name,
	args,
	state,
	resources,
	shared_resources,
	COALESCE(parent_task_id, ''),
	COALESCE(task_group_id, ''),
	COALESCE(schedule_id, ''),
	available_at,
	cancel_requested,
	COALESCE(lease_owner, ''),
	lease_expires_at,
	COALESCE(error_kind, ''),
	COALESCE(error, ''),
	COALESCE(result, ''),
	created_at,
	started_at,
	finished_at,
	updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var resources, sharedResources string
	var cancelRequested int
	var leaseExpires, startedAt, finishedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Seq,
		&task.Name,
		&task.Args,
		&task.State,
		&resources,
		&sharedResources,
		&task.ParentTaskID,
		&task.TaskGroupID,
		&task.ScheduleID,
		&task.AvailableAt,
		&cancelRequested,
		&task.LeaseOwner,
		&leaseExpires,
		&task.ErrorKind,
		&task.Error,
		&task.Result,
		&task.CreatedAt,
		&startedAt,
		&finishedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.CancelRequested = cancelRequested == 1
	if err := decodeKeyList(resources, &task.Resources); err != nil {
		return fmt.Errorf("decode task resources: %w", err)
	}
	if err := decodeKeyList(sharedResources, &task.SharedResources); err != nil {
		return fmt.Errorf("decode task shared_resources: %w", err)
	}
	task.LeaseExpiresAt = nullTimePtr(leaseExpires)
	task.StartedAt = nullTimePtr(startedAt)
	task.FinishedAt = nullTimePtr(finishedAt)
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// encodeKeys normalizes a key slice to its JSON array form. nil encodes as
// the empty array so SQLite never stores the SQL NULL for these columns.
func encodeKeys(keys []string) (string, error) {
	if len(keys) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode resource keys: %w", err)
	}
	return string(data), nil
}

func decodeKeyList(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskState, eventType, detail string) error {
	if detail == "" {
		detail = "{}"
	}
	traceID := shared.TraceID(ctx)
	workerID := shared.WorkerID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, worker_id, event_type, state_from, state_to, detail, created_at)
		VALUES (?, NULLIF(?, '-'), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, workerID, eventType, string(from), string(to), detail)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx is the single choke point for task state changes. It
// loads the current state, verifies it against allowedFrom and the state
// machine, and applies the change with a compare-and-swap UPDATE so a
// concurrent transition makes this one a no-op rather than a lost update.
// result, errKind and errMsg are written only when non-nil; finished_at is
// stamped exactly once, when the task enters a terminal state.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskState,
	to TaskState,
	eventType string,
	detail string,
	result *string,
	errKind *string,
	errMsg *string,
) (bool, error) {
	var current TaskState
	if err := tx.QueryRowContext(ctx, `
		SELECT state
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s: %w", current, to, ErrInvalidTransition)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	kindValue := sql.NullString{}
	if errKind != nil {
		kindValue.Valid = true
		kindValue.String = *errKind
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error_kind = CASE WHEN ? THEN ? ELSE error_kind END,
			error = CASE WHEN ? THEN ? ELSE error END,
			finished_at = CASE WHEN ? THEN COALESCE(finished_at, CURRENT_TIMESTAMP) ELSE finished_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, to,
		resValue.Valid, resValue.String,
		kindValue.Valid, kindValue.String,
		errValue.Valid, errValue.String,
		to.IsTerminal(),
		taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, detail); err != nil {
		return false, err
	}
	return true, nil
}

// publishTaskEvent emits a bus event after a committed transition.
// Best-effort: a nil bus (tests) or slow subscriber never blocks the store.
func (s *Store) publishTaskEvent(topic string, task *Task, from, to TaskState) {
	if s.bus == nil || task == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID:   task.ID,
		Name:     task.Name,
		OldState: string(from),
		NewState: string(to),
		GroupID:  task.TaskGroupID,
	})
}
