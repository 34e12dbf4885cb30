package tasking_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/shared"
	"github.com/depotworks/depot/internal/storage"
	"github.com/depotworks/depot/internal/tasking"
)

func newTestScheduler(t *testing.T) (*tasking.Scheduler, *storage.Store, *tasking.Registry, *reservation.Manager) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "depot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := tasking.NewRegistry()
	if err := reg.Register("repository.sync", echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	manager := reservation.NewManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return tasking.NewScheduler(store, reg, manager, logger), store, reg, manager
}

func TestDispatchCreatesWaitingTask(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.Dispatch(ctx, "repository.sync",
		map[string]string{"repository": "zoo"},
		tasking.WithExclusive(reservation.RepositoryKey("zoo")),
		tasking.WithShared(reservation.Key("remote:pypi")),
	)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != storage.TaskStateWaiting {
		t.Fatalf("dispatched task must be WAITING, got %s", task.State)
	}
	if task.Name != "repository.sync" {
		t.Fatalf("unexpected name: %q", task.Name)
	}
	if task.Args != `{"repository":"zoo"}` {
		t.Fatalf("unexpected args: %q", task.Args)
	}
	if len(task.Resources) != 1 || task.Resources[0] != "repository:zoo" {
		t.Fatalf("unexpected resources: %#v", task.Resources)
	}
	if len(task.SharedResources) != 1 || task.SharedResources[0] != "remote:pypi" {
		t.Fatalf("unexpected shared resources: %#v", task.SharedResources)
	}
	if task.ParentTaskID != "" {
		t.Fatalf("top-level dispatch must have no parent, got %q", task.ParentTaskID)
	}
}

func TestDispatchRejectsMalformedInput(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Dispatch(ctx, "", nil); !errors.Is(err, tasking.ErrEmptyFunction) {
		t.Fatalf("expected ErrEmptyFunction, got %v", err)
	}
	if _, err := sched.Dispatch(ctx, "never.registered", nil); !errors.Is(err, tasking.ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
	if _, err := sched.Dispatch(ctx, "repository.sync", nil,
		tasking.WithExclusive(reservation.Key("repository::zoo"))); !errors.Is(err, tasking.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := sched.Dispatch(ctx, "repository.sync", nil,
		tasking.WithShared(reservation.Key(""))); !errors.Is(err, tasking.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
	if _, err := sched.Dispatch(ctx, "repository.sync", nil,
		tasking.WithGroup("no-such-group")); !errors.Is(err, tasking.ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if _, err := sched.Dispatch(ctx, "repository.sync", json.RawMessage(`{broken`)); err == nil {
		t.Fatalf("expected error for malformed raw args")
	}

	// None of the rejected dispatches may have persisted anything.
	tasks, err := store.ListTasks(ctx, storage.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected dispatches must not persist tasks, found %d", len(tasks))
	}
}

func TestDispatchValidatesArgsAgainstSchema(t *testing.T) {
	sched, store, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	err := reg.Register("repository.publish", echoHandler, tasking.WithArgsSchema(`{
		"type": "object",
		"properties": {"repository": {"type": "string"}},
		"required": ["repository"]
	}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := sched.Dispatch(ctx, "repository.publish", map[string]int{"count": 3}); !errors.Is(err, tasking.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
	id, err := sched.Dispatch(ctx, "repository.publish", map[string]string{"repository": "zoo"})
	if err != nil {
		t.Fatalf("dispatch with valid args: %v", err)
	}
	if _, err := store.GetTask(ctx, id); err != nil {
		t.Fatalf("get task: %v", err)
	}
}

func TestDispatchParentDefaultsFromContext(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	parentID, err := sched.Dispatch(ctx, "repository.sync", nil)
	if err != nil {
		t.Fatalf("dispatch parent: %v", err)
	}

	// A handler dispatching follow-up work sees its own task id on ctx.
	taskCtx := shared.WithTaskID(ctx, parentID)
	childID, err := sched.Dispatch(taskCtx, "repository.sync", nil)
	if err != nil {
		t.Fatalf("dispatch child: %v", err)
	}
	child, err := store.GetTask(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.ParentTaskID != parentID {
		t.Fatalf("parent must default from context, got %q", child.ParentTaskID)
	}

	// An explicit parent overrides the ambient one.
	otherID, err := sched.Dispatch(taskCtx, "repository.sync", nil, tasking.WithParent(childID))
	if err != nil {
		t.Fatalf("dispatch with explicit parent: %v", err)
	}
	other, err := store.GetTask(ctx, otherID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if other.ParentTaskID != childID {
		t.Fatalf("explicit parent must win, got %q", other.ParentTaskID)
	}

	children, err := sched.Children(ctx, parentID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].ID != childID {
		t.Fatalf("derived children wrong: %#v", children)
	}
}

func TestDispatchDeduplicatesKeys(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	repoKey := reservation.RepositoryKey("zoo")
	id, err := sched.Dispatch(ctx, "repository.sync", nil,
		tasking.WithExclusive(repoKey, repoKey),
		tasking.WithShared(repoKey, reservation.Key("remote:pypi")),
	)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(task.Resources) != 1 {
		t.Fatalf("duplicate exclusive keys must collapse: %#v", task.Resources)
	}
	// A key requested exclusively is dropped from the shared set.
	if len(task.SharedResources) != 1 || task.SharedResources[0] != "remote:pypi" {
		t.Fatalf("exclusive hold must subsume the shared request: %#v", task.SharedResources)
	}
}

func TestCancelWaitingTaskDirect(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.Dispatch(ctx, "repository.sync", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	changed, err := sched.Cancel(ctx, id)
	if err != nil || !changed {
		t.Fatalf("cancel: changed=%v err=%v", changed, err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != storage.TaskStateCanceled {
		t.Fatalf("expected CANCELED, got %s", task.State)
	}
	if task.ErrorKind != storage.ErrorKindCanceled {
		t.Fatalf("expected cancellation kind, got %q", task.ErrorKind)
	}

	changed, err = sched.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if changed {
		t.Fatalf("cancel of a terminal task must be a no-op")
	}

	if _, err := sched.Cancel(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.Dispatch(ctx, "repository.sync", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, id, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	changed, err := sched.Cancel(ctx, id)
	if err != nil || !changed {
		t.Fatalf("cancel running: changed=%v err=%v", changed, err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != storage.TaskStateRunning {
		t.Fatalf("cooperative cancel must not change the state, got %s", task.State)
	}
	if !task.CancelRequested {
		t.Fatalf("expected cancel_requested flag")
	}
}

func TestCancelParkedTaskWakesNextWaiter(t *testing.T) {
	sched, store, _, manager := newTestScheduler(t)
	ctx := context.Background()

	repoKey := reservation.RepositoryKey("zoo")

	// A running task holds the key.
	holder, err := sched.Dispatch(ctx, "repository.sync", nil, tasking.WithExclusive(repoKey))
	if err != nil {
		t.Fatalf("dispatch holder: %v", err)
	}
	holderTask, err := store.ClaimNextWaiting(ctx, "w1", 0)
	if err != nil || holderTask.ID != holder {
		t.Fatalf("claim holder: task=%v err=%v", holderTask, err)
	}
	if d := manager.TryAcquire(holder, holderTask.Seq, []reservation.Key{repoKey}, nil); !d.Granted {
		t.Fatalf("holder acquire should be granted")
	}
	if ok, err := store.StartTask(ctx, holder, "w1", 0); err != nil || !ok {
		t.Fatalf("start holder: ok=%v err=%v", ok, err)
	}

	// Two more tasks block on the same key and are parked in order.
	blockedA, err := sched.Dispatch(ctx, "repository.sync", nil, tasking.WithExclusive(repoKey))
	if err != nil {
		t.Fatalf("dispatch blockedA: %v", err)
	}
	blockedB, err := sched.Dispatch(ctx, "repository.sync", nil, tasking.WithExclusive(repoKey))
	if err != nil {
		t.Fatalf("dispatch blockedB: %v", err)
	}
	for _, id := range []string{blockedA, blockedB} {
		claimed, err := store.ClaimNextWaiting(ctx, "w2", 0)
		if err != nil || claimed.ID != id {
			t.Fatalf("claim %s: task=%v err=%v", id, claimed, err)
		}
		if d := manager.TryAcquire(id, claimed.Seq, []reservation.Key{repoKey}, nil); d.Granted {
			t.Fatalf("acquire for %s should block", id)
		}
		if ok, err := store.ParkTask(ctx, id, []string{string(repoKey)}, 5*time.Minute); err != nil || !ok {
			t.Fatalf("park %s: ok=%v err=%v", id, ok, err)
		}
	}
	if _, err := store.ClaimNextWaiting(ctx, "w3", 0); !errors.Is(err, storage.ErrNoClaimableTask) {
		t.Fatalf("both blocked tasks parked, expected ErrNoClaimableTask, got %v", err)
	}

	// Canceling the head waiter drops it from the queue and pokes the next
	// one so it re-evaluates without waiting out its park interval.
	changed, err := sched.Cancel(ctx, blockedA)
	if err != nil || !changed {
		t.Fatalf("cancel parked: changed=%v err=%v", changed, err)
	}
	if got := manager.WaitingFor(repoKey); len(got) != 1 || got[0] != blockedB {
		t.Fatalf("wait queue after cancel: %#v", got)
	}

	claimed, err := store.ClaimNextWaiting(ctx, "w3", 0)
	if err != nil {
		t.Fatalf("claim after wake: %v", err)
	}
	if claimed.ID != blockedB {
		t.Fatalf("expected the next waiter to be claimable, got %s", claimed.ID)
	}
}

func TestGroupLifecycleThroughFacade(t *testing.T) {
	sched, store, _, _ := newTestScheduler(t)
	ctx := context.Background()

	groupID, err := sched.CreateTaskGroup(ctx, "bulk sync")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	first, err := sched.Dispatch(ctx, "repository.sync", nil, tasking.WithGroup(groupID))
	if err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	second, err := sched.Dispatch(ctx, "repository.sync", nil, tasking.WithGroup(groupID))
	if err != nil {
		t.Fatalf("dispatch second: %v", err)
	}
	if ok, err := sched.MarkAllDispatched(ctx, groupID); err != nil || !ok {
		t.Fatalf("mark dispatched: ok=%v err=%v", ok, err)
	}

	status, err := sched.GroupStatus(ctx, groupID)
	if err != nil {
		t.Fatalf("group status: %v", err)
	}
	if status.Waiting != 2 || status.Finished() {
		t.Fatalf("unexpected status before execution: %#v", status)
	}

	for _, id := range []string{first, second} {
		claimed, err := store.ClaimNextWaiting(ctx, "w1", 0)
		if err != nil || claimed.ID != id {
			t.Fatalf("claim %s: task=%v err=%v", id, claimed, err)
		}
		if ok, err := store.StartTask(ctx, id, "w1", 0); err != nil || !ok {
			t.Fatalf("start: ok=%v err=%v", ok, err)
		}
		if ok, err := store.CompleteTask(ctx, id, `{}`); err != nil || !ok {
			t.Fatalf("complete: ok=%v err=%v", ok, err)
		}
	}

	status, err = sched.GroupStatus(ctx, groupID)
	if err != nil {
		t.Fatalf("group status: %v", err)
	}
	if !status.Finished() || status.Completed != 2 {
		t.Fatalf("expected finished group: %#v", status)
	}
}

func TestFacadeQueries(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.Dispatch(ctx, "repository.sync", map[string]string{"repository": "zoo"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	task, err := sched.Task(ctx, id)
	if err != nil || task.ID != id {
		t.Fatalf("task query: task=%v err=%v", task, err)
	}
	events, err := sched.Events(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task.enqueued" {
		t.Fatalf("unexpected events: %#v", events)
	}
	tasks, err := sched.Tasks(ctx, storage.TaskFilter{Name: "repository.sync"})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks query: n=%d err=%v", len(tasks), err)
	}
	snapshot := sched.ReservationSnapshot()
	if len(snapshot) != 0 {
		t.Fatalf("expected empty reservation table, got %#v", snapshot)
	}
}
