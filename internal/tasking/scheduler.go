package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/shared"
	"github.com/depotworks/depot/internal/storage"
)

// AuditSink receives dispatch and cancel decisions. Wired to the audit log by
// the daemon; nil disables auditing.
type AuditSink interface {
	Record(ctx context.Context, action, subject, decision, reason string)
}

// Scheduler is the single entry point for getting work into the queue. It
// validates a dispatch against the registry, persists the task WAITING and
// returns its id. It never waits for execution: a successful return means the
// task is durably scheduled, nothing more.
type Scheduler struct {
	store        *storage.Store
	registry     *Registry
	reservations *reservation.Manager
	log          *slog.Logger
	audit        AuditSink
}

func NewScheduler(store *storage.Store, registry *Registry, reservations *reservation.Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		registry:     registry,
		reservations: reservations,
		log:          logger,
	}
}

// SetAudit wires the audit sink. Must be called before the scheduler is
// shared across goroutines.
func (s *Scheduler) SetAudit(a AuditSink) { s.audit = a }

type dispatchRequest struct {
	exclusive  []reservation.Key
	shared     []reservation.Key
	groupID    string
	parentID   string
	scheduleID string
}

// DispatchOption configures one dispatch.
type DispatchOption func(*dispatchRequest)

// WithExclusive declares keys the task must hold exclusively while running.
func WithExclusive(keys ...reservation.Key) DispatchOption {
	return func(r *dispatchRequest) { r.exclusive = append(r.exclusive, keys...) }
}

// WithShared declares keys the task shares with other readers while running.
func WithShared(keys ...reservation.Key) DispatchOption {
	return func(r *dispatchRequest) { r.shared = append(r.shared, keys...) }
}

// WithGroup adds the task to an existing task group.
func WithGroup(groupID string) DispatchOption {
	return func(r *dispatchRequest) { r.groupID = groupID }
}

// WithParent sets the spawning task explicitly. Without it the parent
// defaults to the task currently executing on ctx, if any.
func WithParent(taskID string) DispatchOption {
	return func(r *dispatchRequest) { r.parentID = taskID }
}

// WithSchedule tags the task with the cron schedule that fired it, for
// inspection surfaces. The cron loop sets this; callers normally don't.
func WithSchedule(scheduleID string) DispatchOption {
	return func(r *dispatchRequest) { r.scheduleID = scheduleID }
}

// Dispatch validates and durably enqueues one task, returning its id. It
// errors only on malformed input: empty or unregistered function name, args
// failing the function's schema, an unknown group, or a malformed resource
// key. Execution outcomes are never surfaced here; inspect the task record.
func (s *Scheduler) Dispatch(ctx context.Context, name string, args any, opts ...DispatchOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyFunction
	}
	fn, ok := s.registry.Lookup(name)
	if !ok {
		s.recordAudit(ctx, "task.dispatch", name, "deny", "unknown function")
		return "", fmt.Errorf("dispatch %q: %w", name, ErrUnknownFunction)
	}

	rawArgs, err := encodeArgs(args)
	if err != nil {
		return "", fmt.Errorf("dispatch %q: %w", name, err)
	}
	if err := fn.ValidateArgs(json.RawMessage(rawArgs)); err != nil {
		s.recordAudit(ctx, "task.dispatch", name, "deny", "args schema")
		return "", fmt.Errorf("dispatch %q: %w", name, err)
	}

	var req dispatchRequest
	for _, opt := range opts {
		opt(&req)
	}
	exclusiveKeys, sharedKeys, err := normalizeKeys(req.exclusive, req.shared)
	if err != nil {
		return "", fmt.Errorf("dispatch %q: %w", name, err)
	}

	if req.groupID != "" {
		if _, err := s.store.GetTaskGroup(ctx, req.groupID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.recordAudit(ctx, "task.dispatch", name, "deny", "unknown group")
				return "", fmt.Errorf("dispatch %q: group %s: %w", name, req.groupID, ErrUnknownGroup)
			}
			return "", fmt.Errorf("dispatch %q: check group: %w", name, err)
		}
	}

	parentID := req.parentID
	if parentID == "" {
		parentID = shared.TaskID(ctx)
	}

	task, err := s.store.CreateTask(ctx, storage.CreateTaskParams{
		Name:            name,
		Args:            rawArgs,
		Resources:       reservation.Strings(exclusiveKeys),
		SharedResources: reservation.Strings(sharedKeys),
		ParentTaskID:    parentID,
		TaskGroupID:     req.groupID,
		ScheduleID:      req.scheduleID,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch %q: %w", name, err)
	}

	s.log.Debug("task dispatched",
		"task_id", task.ID,
		"name", name,
		"seq", task.Seq,
		"exclusive", len(exclusiveKeys),
		"shared", len(sharedKeys),
		"group_id", req.groupID,
		"parent_id", parentID,
	)
	s.recordAudit(ctx, "task.dispatch", task.ID, "ok", name)
	return task.ID, nil
}

// Cancel requests cancellation of a task. A WAITING task is canceled
// directly and its parked reservations dropped; a RUNNING task gets the
// cooperative flag and is canceled only if its handler honors it; a terminal
// task is left alone. Returns true when the call changed anything.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.State.IsTerminal() {
		s.recordAudit(ctx, "task.cancel", taskID, "noop", "already finished")
		return false, nil
	}

	if task.State == storage.TaskStateWaiting {
		ok, err := s.store.CancelWaitingTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if ok {
			// Drop the task from any wait queues it was parked on and
			// re-check the heads it may have been blocking.
			s.wakeAfterRelease(ctx, taskID)
			s.recordAudit(ctx, "task.cancel", taskID, "ok", "canceled while waiting")
			return true, nil
		}
		// Lost the race against StartTask; fall through to the
		// cooperative path.
	}

	ok, err := s.store.RequestCancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if ok {
		s.recordAudit(ctx, "task.cancel", taskID, "ok", "cancel requested")
	} else {
		s.recordAudit(ctx, "task.cancel", taskID, "noop", "already finished")
	}
	return ok, nil
}

// wakeAfterRelease removes the task's reservation footprint and pokes tasks
// that may now be at the head of a freed queue.
func (s *Scheduler) wakeAfterRelease(ctx context.Context, taskID string) {
	if s.reservations == nil {
		return
	}
	released := s.reservations.Release(taskID)
	if len(released) == 0 {
		return
	}
	runnable := s.reservations.NextRunnable(released)
	if len(runnable) == 0 {
		return
	}
	if _, err := s.store.WakeTasks(ctx, runnable); err != nil {
		s.log.Warn("wake after cancel failed", "task_id", taskID, "error", err)
	}
}

// Task returns one task record.
func (s *Scheduler) Task(ctx context.Context, taskID string) (*storage.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Children returns the tasks spawned by taskID, in enqueue order.
func (s *Scheduler) Children(ctx context.Context, taskID string) ([]storage.Task, error) {
	return s.store.ListChildren(ctx, taskID)
}

// Tasks lists task records matching the filter.
func (s *Scheduler) Tasks(ctx context.Context, f storage.TaskFilter) ([]storage.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Events returns the audit trail of one task, oldest first.
func (s *Scheduler) Events(ctx context.Context, taskID string) ([]storage.TaskEvent, error) {
	return s.store.TaskEvents(ctx, taskID, 0)
}

// CreateTaskGroup creates an open task group and returns its id.
func (s *Scheduler) CreateTaskGroup(ctx context.Context, description string) (string, error) {
	group, err := s.store.CreateTaskGroup(ctx, "", description)
	if err != nil {
		return "", err
	}
	return group.ID, nil
}

// MarkAllDispatched latches the group's dispatch flag.
func (s *Scheduler) MarkAllDispatched(ctx context.Context, groupID string) (bool, error) {
	return s.store.MarkAllDispatched(ctx, groupID)
}

// GroupStatus returns a group with its derived task counters.
func (s *Scheduler) GroupStatus(ctx context.Context, groupID string) (*storage.GroupStatus, error) {
	return s.store.GroupStatus(ctx, groupID)
}

// Groups lists recent groups with derived counters.
func (s *Scheduler) Groups(ctx context.Context, limit int) ([]storage.GroupStatus, error) {
	return s.store.ListGroups(ctx, limit)
}

// ReservationSnapshot exposes the reservation table for the status surfaces.
func (s *Scheduler) ReservationSnapshot() []reservation.KeyStatus {
	if s.reservations == nil {
		return nil
	}
	return s.reservations.Snapshot()
}

func (s *Scheduler) recordAudit(ctx context.Context, action, subject, decision, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, action, subject, decision, reason)
}

// encodeArgs turns dispatch args into the stored JSON string. nil means no
// args; json.RawMessage and []byte pass through after a validity check;
// anything else is marshaled.
func encodeArgs(args any) (string, error) {
	switch v := args.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		return rawArgsString([]byte(v))
	case []byte:
		return rawArgsString(v)
	default:
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode args: %w", err)
		}
		return string(data), nil
	}
}

func rawArgsString(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	if !json.Valid(raw) {
		return "", fmt.Errorf("args are not valid JSON")
	}
	return string(raw), nil
}

// normalizeKeys validates every declared key, removes duplicates preserving
// declaration order, and drops from the shared set any key already requested
// exclusively (the exclusive hold subsumes it).
func normalizeKeys(exclusive, shared []reservation.Key) ([]reservation.Key, []reservation.Key, error) {
	seen := make(map[reservation.Key]struct{}, len(exclusive)+len(shared))
	outExclusive := make([]reservation.Key, 0, len(exclusive))
	for _, k := range exclusive {
		if err := k.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		outExclusive = append(outExclusive, k)
	}
	outShared := make([]reservation.Key, 0, len(shared))
	for _, k := range shared {
		if err := k.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		outShared = append(outShared, k)
	}
	return outExclusive, outShared, nil
}
