package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/depotworks/depot/internal/bus"
	"github.com/google/uuid"
)

// CreateTaskParams carries everything known about a task at enqueue time.
// Resources and SharedResources are already-validated reservation keys.
type CreateTaskParams struct {
	ID              string // optional; a random UUID is generated when empty
	Name            string
	Args            string // JSON object; defaults to {}
	Resources       []string
	SharedResources []string
	ParentTaskID    string
	TaskGroupID     string
	ScheduleID      string
}

// CreateTask inserts a WAITING task and assigns it the next enqueue sequence
// number. The seq subselect and the insert run in one statement on the single
// write connection, so two concurrent enqueues can never draw the same seq.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("task name required")
	}
	taskID := p.ID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	args := p.Args
	if args == "" {
		args = "{}"
	}
	resources, err := encodeKeys(p.Resources)
	if err != nil {
		return nil, err
	}
	sharedResources, err := encodeKeys(p.SharedResources)
	if err != nil {
		return nil, err
	}

	var created Task
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, seq, name, args, state, resources, shared_resources,
				parent_task_id, task_group_id, schedule_id,
				available_at, created_at, updated_at
			)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?, ?, ?, ?, ?,
				NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
				CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.Name, args, TaskStateWaiting, resources, sharedResources,
			p.ParentTaskID, p.TaskGroupID, p.ScheduleID); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStateWaiting, "task.enqueued", `{"reason":"dispatch"}`); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
		if err := scanTask(row.Scan, &created); err != nil {
			return fmt.Errorf("reload created task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishTaskEvent(bus.TopicTaskEnqueued, &created, "", TaskStateWaiting)
	return &created, nil
}

// ClaimNextWaiting leases the oldest runnable WAITING task to workerID.
// Runnable means: available_at has passed and no other worker holds a live
// lease on it. Cancel-flagged tasks are still claimable; the worker settles
// them to CANCELED after the claim, which is the only path that can finish a
// requeued orphan whose cancellation was requested while it ran. The task
// stays WAITING; the lease alone marks it as claimed, and lapses on its own
// if the worker dies before starting the task. Returns ErrNoClaimableTask
// when the queue has nothing ready.
func (s *Store) ClaimNextWaiting(ctx context.Context, workerID string, leaseDuration time.Duration) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE state = ?
			  AND available_at <= CURRENT_TIMESTAMP
			  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP)
			ORDER BY seq ASC
			LIMIT 1;
		`, TaskStateWaiting)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select waiting task: %w", scanErr)
		}

		leaseExpiresAt := time.Now().UTC().Add(leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?
			  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP);
		`, workerID, leaseExpiresAt, task.ID, TaskStateWaiting)
		if err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStateWaiting, TaskStateWaiting, "task.leased", `{"reason":"claim_next_waiting"}`); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.LeaseOwner = workerID
		task.LeaseExpiresAt = &leaseExpiresAt
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNoClaimableTask
	}
	return result, nil
}

// StartTask transitions a leased WAITING task to RUNNING after its worker has
// acquired all reservations. started_at is stamped with COALESCE so a task
// that is later requeued by crash recovery keeps its first start time.
// Returns false when the lease is no longer held by workerID or the task was
// canceled between claim and start.
func (s *Store) StartTask(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (bool, error) {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin start task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentLeaseOwner string
	var task Task
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, ''), id, name, COALESCE(task_group_id, '')
		FROM tasks
		WHERE id = ? AND state = ?;
	`, taskID, TaskStateWaiting).Scan(&currentLeaseOwner, &task.ID, &task.Name, &task.TaskGroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read claim lease owner: %w", err)
	}
	if currentLeaseOwner == "" || currentLeaseOwner != workerID {
		return false, nil
	}
	ok, err := s.transitionTaskTx(
		ctx,
		tx,
		taskID,
		[]TaskState{TaskStateWaiting},
		TaskStateRunning,
		"task.started",
		`{"reason":"worker_start"}`,
		nil,
		nil,
		nil,
	)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
			lease_expires_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND state = ?;
	`, time.Now().UTC().Add(leaseDuration), taskID, workerID, TaskStateRunning); err != nil {
		return false, fmt.Errorf("extend lease on start: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit start task tx: %w", err)
	}

	s.publishTaskEvent(bus.TopicTaskStarted, &task, TaskStateWaiting, TaskStateRunning)
	return true, nil
}

// ParkTask releases the claim lease on a blocked WAITING task and pushes its
// available_at into the future so pollers skip it until a release wakes it
// (WakeTasks) or the backstop interval lapses. blocking lists the keys the
// task is queued behind, for the event log.
func (s *Store) ParkTask(ctx context.Context, taskID string, blocking []string, retryIn time.Duration) (bool, error) {
	blockedJSON, err := encodeKeys(blocking)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin park task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task Task
	if err := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(task_group_id, '')
		FROM tasks
		WHERE id = ? AND state = ?;
	`, taskID, TaskStateWaiting).Scan(&task.ID, &task.Name, &task.TaskGroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read task for park: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = NULL, lease_expires_at = NULL, available_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, time.Now().UTC().Add(retryIn), taskID, TaskStateWaiting)
	if err != nil {
		return false, fmt.Errorf("park task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("park rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStateWaiting, TaskStateWaiting, "task.parked", fmt.Sprintf(`{"blocking":%s}`, blockedJSON)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit park task tx: %w", err)
	}

	s.publishTaskEvent(bus.TopicTaskParked, &task, TaskStateWaiting, TaskStateWaiting)
	return true, nil
}

// WakeTasks resets available_at for parked WAITING tasks so the next poll
// can claim them immediately. Called after a resource release names the
// tasks at the head of freed wait queues.
func (s *Store) WakeTasks(ctx context.Context, taskIDs []string) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	args := make([]any, 0, len(taskIDs)+1)
	args = append(args, TaskStateWaiting)
	for _, id := range taskIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET available_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE state = ? AND available_at > CURRENT_TIMESTAMP AND id IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("wake tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wake rows affected: %w", err)
	}
	return n, nil
}

// CompleteTask records a successful handler result and moves the task to
// COMPLETED. Returns false when the task is no longer RUNNING (for example a
// concurrent recovery pass already failed it).
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) (bool, error) {
	return s.finishTask(ctx, taskID,
		TaskStateCompleted, "task.completed", `{"reason":"handler_ok"}`,
		&result, nil, nil, bus.TopicTaskCompleted)
}

// FailTask records a handler failure of the given kind and moves the task to
// FAILED.
func (s *Store) FailTask(ctx context.Context, taskID, kind, errMsg string) (bool, error) {
	return s.finishTask(ctx, taskID,
		TaskStateFailed, "task.failed", `{"reason":"handler_error"}`,
		nil, &kind, &errMsg, bus.TopicTaskFailed)
}

// FinishCanceledTask moves a RUNNING task to CANCELED after its handler
// observed the cancellation and returned.
func (s *Store) FinishCanceledTask(ctx context.Context, taskID string) (bool, error) {
	kind := ErrorKindCanceled
	errMsg := "canceled while running"
	return s.finishTask(ctx, taskID,
		TaskStateCanceled, "task.canceled", `{"reason":"cancel_request"}`,
		nil, &kind, &errMsg, bus.TopicTaskCanceled)
}

// finishTask is the shared RUNNING -> terminal path: transition, clear the
// lease, commit, then publish. Terminal writes never partially apply because
// the transition and lease cleanup share one transaction.
func (s *Store) finishTask(ctx context.Context, taskID string, to TaskState, eventType, detail string, result, errKind, errMsg *string, topic string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finish task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task Task
	if err := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(task_group_id, '')
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&task.ID, &task.Name, &task.TaskGroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return false, fmt.Errorf("read task for finish: %w", err)
	}

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskState{TaskStateRunning}, to,
		eventType, detail, result, errKind, errMsg)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, taskID, to); err != nil {
		return false, fmt.Errorf("clear lease on finish: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finish task tx: %w", err)
	}

	s.publishTaskEvent(topic, &task, TaskStateRunning, to)
	return true, nil
}

// CancelWaitingTask cancels a task that has not started running. The
// compare-and-swap inside transitionTaskTx resolves the race against
// StartTask: exactly one of them wins.
func (s *Store) CancelWaitingTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task Task
	if err := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(task_group_id, '')
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&task.ID, &task.Name, &task.TaskGroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return false, fmt.Errorf("read task for cancel: %w", err)
	}

	kind := ErrorKindCanceled
	errMsg := "canceled before start"
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskState{TaskStateWaiting}, TaskStateCanceled,
		"task.canceled", `{"reason":"cancel_request"}`, nil, &kind, &errMsg)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, taskID, TaskStateCanceled); err != nil {
		return false, fmt.Errorf("clear lease on cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel task tx: %w", err)
	}

	s.publishTaskEvent(bus.TopicTaskCanceled, &task, TaskStateWaiting, TaskStateCanceled)
	return true, nil
}

// RequestCancel sets cancel_requested=1 for cooperative cancellation.
// Returns true if the task was still live. Workers poll IsCancelRequested
// while executing and cancel the handler context when it flips.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state IN (?, ?);
	`, taskID, TaskStateWaiting, TaskStateRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return false, nil
	}
	if task, err := s.GetTask(ctx, taskID); err == nil {
		s.publishTaskEvent(bus.TopicTaskCancelRequested, task, task.State, task.State)
	}
	return true, nil
}

// IsCancelRequested checks the cancel_requested flag for a task.
func (s *Store) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return false, err
	}
	return flag == 1, nil
}

// HeartbeatLease extends the lease on a task the worker still owns. A false
// return means the lease was lost (expired and reassigned, or the task left
// the live states) and the worker must stop treating the task as its own.
func (s *Store) HeartbeatLease(ctx context.Context, taskID, workerID string, leaseDuration time.Duration) (bool, error) {
	if workerID == "" {
		return false, nil
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND state IN (?, ?);
	`, time.Now().UTC().Add(leaseDuration), taskID, workerID, TaskStateWaiting, TaskStateRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpiredRunningTasks returns RUNNING tasks whose lease has lapsed, meaning
// their worker stopped heartbeating. The caller decides per task whether to
// requeue it or fail it.
func (s *Store) ExpiredRunningTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP
		ORDER BY seq ASC;
	`, TaskStateRunning)
	if err != nil {
		return nil, fmt.Errorf("query expired running tasks: %w", err)
	}
	return collectTasks(rows)
}

// RequeueOrphan returns an orphaned RUNNING task to the queue. Only handlers
// registered as restart-safe take this path; the task keeps its original
// started_at and will be picked up again in seq order.
func (s *Store) RequeueOrphan(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin requeue orphan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task Task
	if err := tx.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(task_group_id, '')
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&task.ID, &task.Name, &task.TaskGroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return false, fmt.Errorf("read task for requeue: %w", err)
	}

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskState{TaskStateRunning}, TaskStateWaiting,
		"task.requeued", `{"reason":"worker_lost"}`, nil, nil, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = NULL, lease_expires_at = NULL, available_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, taskID, TaskStateWaiting); err != nil {
		return false, fmt.Errorf("clear lease on requeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit requeue orphan tx: %w", err)
	}

	s.publishTaskEvent(bus.TopicTaskRequeued, &task, TaskStateRunning, TaskStateWaiting)
	return true, nil
}

// FailOrphan fails an orphaned RUNNING task whose handler cannot be safely
// rerun.
func (s *Store) FailOrphan(ctx context.Context, taskID string) (bool, error) {
	kind := ErrorKindWorkerLost
	errMsg := "worker lease expired"
	return s.finishTask(ctx, taskID,
		TaskStateFailed, "task.failed", `{"reason":"worker_lost"}`,
		nil, &kind, &errMsg, bus.TopicTaskFailed)
}

// RunningTasks returns every RUNNING task in seq order. Startup recovery
// uses it to rebuild the in-memory reservation map from the declared keys.
func (s *Store) RunningTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ?
		ORDER BY seq ASC;
	`, TaskStateRunning)
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}
	return &task, nil
}

// ListChildren returns the tasks whose parent_task_id is taskID, in enqueue
// order. Child links are derived from the children's rows; the parent row
// stores nothing.
func (s *Store) ListChildren(ctx context.Context, taskID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE parent_task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query child tasks: %w", err)
	}
	return collectTasks(rows)
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	States  []TaskState
	GroupID string
	Name    string
	Limit   int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where := []string{"1=1"}
	args := []any{}
	if len(f.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")
		where = append(where, "state IN ("+placeholders+")")
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if f.GroupID != "" {
		where = append(where, "task_group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq DESC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TaskEvents returns the audit trail for one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), COALESCE(worker_id, ''),
			event_type, COALESCE(state_from, ''), state_to, detail, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.WorkerID,
			&ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// MetricsCounts aggregates queue gauges in one scan.
type MetricsCounts struct {
	Waiting       int `json:"waiting"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Canceled      int `json:"canceled"`
	LeaseExpiries int `json:"lease_expiries"`
}

func (s *Store) MetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var m MetricsCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'WAITING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'CANCELED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP AND state = 'RUNNING' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`)
	if err := row.Scan(&m.Waiting, &m.Running, &m.Completed, &m.Failed, &m.Canceled, &m.LeaseExpiries); err != nil {
		return m, fmt.Errorf("metrics counts: %w", err)
	}
	return m, nil
}

// TaskCounts is the cheap two-gauge variant used by the status endpoint.
func (s *Store) TaskCounts(ctx context.Context) (waiting, running int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE state=?;`, TaskStateWaiting).Scan(&waiting); err != nil {
		return 0, 0, fmt.Errorf("count waiting: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE state=?;`, TaskStateRunning).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running: %w", err)
	}
	return waiting, running, nil
}

// ArgsMap decodes the task args JSON for display. Returns nil on malformed
// args rather than failing a listing.
func (t *Task) ArgsMap() map[string]any {
	if t.Args == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(t.Args), &m); err != nil {
		return nil
	}
	return m
}
