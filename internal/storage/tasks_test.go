package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/depotworks/depot/internal/storage"
)

func mustCreate(t *testing.T, store *storage.Store, p storage.CreateTaskParams) *storage.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("create task %q: %v", p.Name, err)
	}
	return task
}

func mustGet(t *testing.T, store *storage.Store, id string) *storage.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func expireLease(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	mustExec(t, store.DB(), `UPDATE tasks SET lease_expires_at = datetime('now', '-120 seconds') WHERE id = ?;`, id)
}

func TestCreateTaskAssignsSequentialSeq(t *testing.T) {
	store, _ := openTestStore(t)

	a := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	b := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.publish"})
	c := mustCreate(t, store, storage.CreateTaskParams{Name: "exporter.run"})

	if a.Seq != 1 || b.Seq != 2 || c.Seq != 3 {
		t.Fatalf("expected seq 1,2,3 got %d,%d,%d", a.Seq, b.Seq, c.Seq)
	}
	if a.State != storage.TaskStateWaiting {
		t.Fatalf("expected WAITING, got %s", a.State)
	}
	if a.Args != "{}" {
		t.Fatalf("expected default args {}, got %q", a.Args)
	}
	if a.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
	if a.StartedAt != nil || a.FinishedAt != nil {
		t.Fatalf("expected start/finish timestamps unset on enqueue")
	}
}

func TestCreateTaskRequiresName(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.CreateTask(context.Background(), storage.CreateTaskParams{Name: "  "}); err == nil {
		t.Fatalf("expected error for blank task name")
	}
}

func TestCreateTaskStoresResourceKeys(t *testing.T) {
	store, _ := openTestStore(t)

	task := mustCreate(t, store, storage.CreateTaskParams{
		Name:            "repository.sync",
		Args:            `{"repository":"zoo"}`,
		Resources:       []string{"repository:zoo"},
		SharedResources: []string{"remote:pypi"},
	})

	got := mustGet(t, store, task.ID)
	if len(got.Resources) != 1 || got.Resources[0] != "repository:zoo" {
		t.Fatalf("unexpected resources: %#v", got.Resources)
	}
	if len(got.SharedResources) != 1 || got.SharedResources[0] != "remote:pypi" {
		t.Fatalf("unexpected shared resources: %#v", got.SharedResources)
	}
}

func TestCreateTaskRejectsUnknownGroup(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateTask(context.Background(), storage.CreateTaskParams{
		Name:        "repository.sync",
		TaskGroupID: "no-such-group",
	})
	if err == nil {
		t.Fatalf("expected foreign key error for unknown group")
	}
}

func TestClaimNextWaitingIsFIFO(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	b := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})

	first, err := store.ClaimNextWaiting(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if first.ID != a.ID {
		t.Fatalf("expected oldest task first, got %s", first.ID)
	}
	if first.LeaseOwner != "w1" || first.LeaseExpiresAt == nil {
		t.Fatalf("expected lease on claimed task: %#v", first)
	}

	second, err := store.ClaimNextWaiting(ctx, "w2", 0)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if second.ID != b.ID {
		t.Fatalf("expected second task, got %s", second.ID)
	}

	if _, err := store.ClaimNextWaiting(ctx, "w3", 0); !errors.Is(err, storage.ErrNoClaimableTask) {
		t.Fatalf("expected ErrNoClaimableTask, got %v", err)
	}
}

func TestClaimReassignsExpiredLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimNextWaiting(ctx, "w2", 0); !errors.Is(err, storage.ErrNoClaimableTask) {
		t.Fatalf("live lease should block reclaim, got %v", err)
	}

	expireLease(t, store, task.ID)

	reclaimed, err := store.ClaimNextWaiting(ctx, "w2", 0)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if reclaimed.ID != task.ID || reclaimed.LeaseOwner != "w2" {
		t.Fatalf("expected w2 to take over the lease: %#v", reclaimed)
	}
}

func TestParkAndWake(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.ParkTask(ctx, task.ID, []string{"repository:zoo"}, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("park: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateWaiting {
		t.Fatalf("parked task must stay WAITING, got %s", got.State)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("park must clear the lease: %#v", got)
	}

	if _, err := store.ClaimNextWaiting(ctx, "w2", 0); !errors.Is(err, storage.ErrNoClaimableTask) {
		t.Fatalf("parked task must not be claimable, got %v", err)
	}

	woken, err := store.WakeTasks(ctx, []string{task.ID})
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if woken != 1 {
		t.Fatalf("expected 1 woken task, got %d", woken)
	}

	claimed, err := store.ClaimNextWaiting(ctx, "w2", 0)
	if err != nil {
		t.Fatalf("claim after wake: %v", err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("expected woken task, got %s", claimed.ID)
	}
}

func TestWakeTasksIgnoresAlreadyRunnable(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	woken, err := store.WakeTasks(ctx, []string{task.ID})
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if woken != 0 {
		t.Fatalf("expected 0 woken for already-runnable task, got %d", woken)
	}
}

func TestStartTaskVerifiesLeaseOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.StartTask(ctx, task.ID, "impostor", 0)
	if err != nil {
		t.Fatalf("start with wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("expected start to be refused for non-owner")
	}

	ok, err = store.StartTask(ctx, task.ID, "w1", 0)
	if err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}
}

func TestCompleteTaskIsFinal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	runThrough(t, store, task.ID, "w1")

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if got.Result == "" || got.Error != "" || got.ErrorKind != "" {
		t.Fatalf("completed task must carry a result and no error: %#v", got)
	}
	if got.FinishedAt == nil {
		t.Fatalf("expected finished_at to be set")
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("terminal task must not hold a lease: %#v", got)
	}

	// Terminal states are frozen.
	if ok, err := store.CompleteTask(ctx, task.ID, `{"again":true}`); err != nil || ok {
		t.Fatalf("second complete must be a no-op: ok=%v err=%v", ok, err)
	}
	if ok, err := store.FailTask(ctx, task.ID, storage.ErrorKindTaskFunction, "late failure"); err != nil || ok {
		t.Fatalf("fail after complete must be a no-op: ok=%v err=%v", ok, err)
	}
	if after := mustGet(t, store, task.ID); after.Result != got.Result || after.FinishedAt == nil || !after.FinishedAt.Equal(*got.FinishedAt) {
		t.Fatalf("terminal fields changed: %#v", after)
	}
}

func TestFailTaskRecordsKind(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	ok, err := store.FailTask(ctx, task.ID, storage.ErrorKindTaskFunction, "remote returned 502")
	if err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.ErrorKind != storage.ErrorKindTaskFunction || got.Error != "remote returned 502" {
		t.Fatalf("unexpected error fields: kind=%q error=%q", got.ErrorKind, got.Error)
	}
	if got.Result != "" {
		t.Fatalf("failed task must not carry a result: %q", got.Result)
	}
}

func TestCancelWaitingTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	ok, err := store.CancelWaitingTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateCanceled {
		t.Fatalf("expected CANCELED, got %s", got.State)
	}
	if got.ErrorKind != storage.ErrorKindCanceled {
		t.Fatalf("expected cancellation kind, got %q", got.ErrorKind)
	}
	if got.StartedAt != nil {
		t.Fatalf("never-started task must not have started_at")
	}
	if got.FinishedAt == nil {
		t.Fatalf("canceled task must have finished_at")
	}

	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); !errors.Is(err, storage.ErrNoClaimableTask) {
		t.Fatalf("canceled task must not be claimable, got %v", err)
	}
}

func TestCancelRaceWithStartHasOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	// Start won: direct cancellation of the WAITING row must refuse.
	ok, err := store.CancelWaitingTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if ok {
		t.Fatalf("cancel must not steal a RUNNING task")
	}

	// The cooperative path takes over.
	if ok, err := store.RequestCancel(ctx, task.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}
	flagged, err := store.IsCancelRequested(ctx, task.ID)
	if err != nil || !flagged {
		t.Fatalf("expected cancel flag: flagged=%v err=%v", flagged, err)
	}
	if ok, err := store.FinishCanceledTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("finish canceled: ok=%v err=%v", ok, err)
	}
	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateCanceled {
		t.Fatalf("expected CANCELED, got %s", got.State)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("canceled-while-running task keeps both timestamps: %#v", got)
	}
}

func TestRequestCancelOnTerminalTaskIsNoOp(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	runThrough(t, store, task.ID, "w1")

	ok, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if ok {
		t.Fatalf("cancel request on terminal task must be a no-op")
	}
}

func TestClaimSurfacesCancelRequestedTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if ok, err := store.RequestCancel(ctx, task.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	// The claim must hand the task to a worker so the flag gets settled;
	// filtering it out would strand it in WAITING with nobody to cancel it.
	claimed, err := store.ClaimNextWaiting(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("cancel-flagged task must be claimable: %v", err)
	}
	if claimed.ID != task.ID || !claimed.CancelRequested {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if ok, err := store.CancelWaitingTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
}

func TestCancelRequestedOrphanStaysClaimableAfterRequeue(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	if ok, err := store.RequestCancel(ctx, task.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}
	expireLease(t, store, task.ID)
	if ok, err := store.RequeueOrphan(ctx, task.ID); err != nil || !ok {
		t.Fatalf("requeue orphan: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateWaiting || !got.CancelRequested {
		t.Fatalf("expected WAITING with the flag intact, got %+v", got)
	}

	claimed, err := store.ClaimNextWaiting(ctx, "w2", 0)
	if err != nil {
		t.Fatalf("requeued cancel-flagged orphan must be claimable: %v", err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("claimed wrong task: %s", claimed.ID)
	}
	if ok, err := store.CancelWaitingTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
	if final := mustGet(t, store, task.ID); final.State != storage.TaskStateCanceled {
		t.Fatalf("expected CANCELED, got %s", final.State)
	}
}

func TestHeartbeatLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	ok, err := store.HeartbeatLease(ctx, task.ID, "w1", 0)
	if err != nil || !ok {
		t.Fatalf("heartbeat: ok=%v err=%v", ok, err)
	}
	ok, err = store.HeartbeatLease(ctx, task.ID, "w2", 0)
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("heartbeat must fail for non-owner")
	}

	if ok, err := store.CompleteTask(ctx, task.ID, `{}`); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	ok, err = store.HeartbeatLease(ctx, task.ID, "w1", 0)
	if err != nil {
		t.Fatalf("heartbeat after finish: %v", err)
	}
	if ok {
		t.Fatalf("heartbeat must fail once the task is terminal")
	}
}

func TestOrphanRequeuePreservesFirstStart(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	firstStart := mustGet(t, store, task.ID).StartedAt
	if firstStart == nil {
		t.Fatalf("expected started_at after start")
	}

	expireLease(t, store, task.ID)

	expired, err := store.ExpiredRunningTasks(ctx)
	if err != nil {
		t.Fatalf("expired running tasks: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != task.ID {
		t.Fatalf("expected the orphan in expired set: %#v", expired)
	}

	ok, err := store.RequeueOrphan(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("requeue orphan: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateWaiting {
		t.Fatalf("expected WAITING after requeue, got %s", got.State)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("requeue must clear the lease: %#v", got)
	}

	// Second execution keeps the original start time.
	if _, err := store.ClaimNextWaiting(ctx, "w2", 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w2", 0); err != nil || !ok {
		t.Fatalf("restart: ok=%v err=%v", ok, err)
	}
	restarted := mustGet(t, store, task.ID)
	if restarted.StartedAt == nil || !restarted.StartedAt.Equal(*firstStart) {
		t.Fatalf("started_at must be set exactly once: first=%v now=%v", firstStart, restarted.StartedAt)
	}
}

func TestFailOrphanRecordsWorkerLost(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "exporter.run"})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	expireLease(t, store, task.ID)

	ok, err := store.FailOrphan(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("fail orphan: ok=%v err=%v", ok, err)
	}

	got := mustGet(t, store, task.ID)
	if got.State != storage.TaskStateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.ErrorKind != storage.ErrorKindWorkerLost {
		t.Fatalf("expected worker-lost kind, got %q", got.ErrorKind)
	}
}

func TestRunningTasksExposeDeclaredKeys(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{
		Name:            "repository.sync",
		Resources:       []string{"repository:zoo"},
		SharedResources: []string{"remote:pypi"},
	})
	if _, err := store.ClaimNextWaiting(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, task.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	running, err := store.RunningTasks(ctx)
	if err != nil {
		t.Fatalf("running tasks: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 running task, got %d", len(running))
	}
	if len(running[0].Resources) != 1 || running[0].Resources[0] != "repository:zoo" {
		t.Fatalf("rebuild needs the declared keys: %#v", running[0].Resources)
	}
	if len(running[0].SharedResources) != 1 || running[0].SharedResources[0] != "remote:pypi" {
		t.Fatalf("rebuild needs the shared keys: %#v", running[0].SharedResources)
	}
}

func TestListChildrenIsDerived(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	parent := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	c1 := mustCreate(t, store, storage.CreateTaskParams{Name: "content.download", ParentTaskID: parent.ID})
	c2 := mustCreate(t, store, storage.CreateTaskParams{Name: "content.download", ParentTaskID: parent.ID})

	children, err := store.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 2 || children[0].ID != c1.ID || children[1].ID != c2.ID {
		t.Fatalf("expected children in enqueue order, got %#v", children)
	}
	if children[0].ParentTaskID != parent.ID {
		t.Fatalf("child must point at its parent")
	}

	none, err := store.ListChildren(ctx, c1.ID)
	if err != nil {
		t.Fatalf("list children of leaf: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("leaf task has no children, got %d", len(none))
	}
}

func TestTaskEventsTrail(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	runThrough(t, store, task.ID, "w1")

	events, err := store.TaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantTypes := []string{"task.enqueued", "task.leased", "task.started", "task.completed"}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %#v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].EventType)
		}
	}
	started := events[2]
	if started.StateFrom != storage.TaskStateWaiting || started.StateTo != storage.TaskStateRunning {
		t.Fatalf("unexpected started transition: %s -> %s", started.StateFrom, started.StateTo)
	}
}

func TestListTasksFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	group, err := store.CreateTaskGroup(ctx, "", "nightly sync")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync", TaskGroupID: group.ID})
	done := mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync", TaskGroupID: group.ID})
	mustCreate(t, store, storage.CreateTaskParams{Name: "exporter.run"})
	runThrough(t, store, done.ID, "w1")

	byGroup, err := store.ListTasks(ctx, storage.TaskFilter{GroupID: group.ID})
	if err != nil {
		t.Fatalf("list by group: %v", err)
	}
	if len(byGroup) != 2 {
		t.Fatalf("expected 2 group tasks, got %d", len(byGroup))
	}

	byState, err := store.ListTasks(ctx, storage.TaskFilter{States: []storage.TaskState{storage.TaskStateCompleted}})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(byState) != 1 || byState[0].ID != done.ID {
		t.Fatalf("expected only the completed task, got %#v", byState)
	}

	byName, err := store.ListTasks(ctx, storage.TaskFilter{Name: "exporter.run"})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(byName) != 1 || byName[0].Name != "exporter.run" {
		t.Fatalf("expected the exporter task, got %#v", byName)
	}

	limited, err := store.ListTasks(ctx, storage.TaskFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestMetricsCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})
	mustCreate(t, store, storage.CreateTaskParams{Name: "repository.sync"})

	// Claims are FIFO, so drive the first task to COMPLETED and the second to RUNNING.
	first, err := store.ClaimNextWaiting(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, first.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompleteTask(ctx, first.ID, `{}`); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	second, err := store.ClaimNextWaiting(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.StartTask(ctx, second.ID, "w1", 0); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	m, err := store.MetricsCounts(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Waiting != 1 || m.Running != 1 || m.Completed != 1 {
		t.Fatalf("unexpected counts: %#v", m)
	}

	waiting, runningCount, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if waiting != 1 || runningCount != 1 {
		t.Fatalf("unexpected task counts: waiting=%d running=%d", waiting, runningCount)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.IsCancelRequested(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
