// Package worker runs the claim/execute loops that drain the task queue.
//
// Each worker claims the oldest runnable WAITING task, tries to acquire its
// declared resource keys, and either runs the handler or parks the task until
// the keys free up. Reservations are released on every exit path, including
// handler panics, so a key can never leak while the process lives. Keys held
// by a crashed process are reconstructed from the database on the next start.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/depotworks/depot/internal/bus"
	"github.com/depotworks/depot/internal/otel"
	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/shared"
	"github.com/depotworks/depot/internal/storage"
	"github.com/depotworks/depot/internal/tasking"
)

type Config struct {
	// WorkerID is the base identity; per-worker ids derive from it as
	// "<id>#<n>". Defaults to depot-<hostname>-<pid>.
	WorkerID          string
	WorkerCount       int
	PollInterval      time.Duration // idle claim retry interval
	RescanInterval    time.Duration // orphan sweep cadence
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration // 0 disables the per-task deadline
	ParkBackoff       time.Duration // fallback retry for parked tasks

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

type Pool struct {
	store        *storage.Store
	registry     *tasking.Registry
	reservations *reservation.Manager
	cfg          Config
	log          *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	// wake is poked by the bus listener so idle workers retry a claim
	// without waiting out their poll interval.
	wake chan struct{}

	parkedMu sync.Mutex
	parked   map[string]struct{}

	active    atomic.Int32
	lastError atomic.Pointer[string]

	workerIDs []string
}

func New(store *storage.Store, registry *tasking.Registry, reservations *reservation.Manager, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 30 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = storage.DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 4
	}
	if cfg.ParkBackoff <= 0 {
		cfg.ParkBackoff = 5 * time.Minute
	}
	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "local"
		}
		cfg.WorkerID = fmt.Sprintf("depot-%s-%d", hostname, os.Getpid())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ids := make([]string, cfg.WorkerCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s#%d", cfg.WorkerID, i+1)
	}

	return &Pool{
		store:        store,
		registry:     registry,
		reservations: reservations,
		cfg:          cfg,
		log:          logger,
		wake:         make(chan struct{}, cfg.WorkerCount),
		parked:       map[string]struct{}{},
		workerIDs:    ids,
	}
}

// Start recovers orphaned state and then spawns the worker loops. It is safe
// to call more than once; only the first call does anything. A recovery
// failure aborts startup: running with a stale reservation table would let
// two tasks hold the same key.
func (p *Pool) Start(ctx context.Context) error {
	var startErr error
	p.once.Do(func() {
		if err := p.recoverStartup(ctx); err != nil {
			startErr = err
			return
		}

		hostname, _ := os.Hostname()
		for _, id := range p.workerIDs {
			if err := p.store.RegisterWorker(ctx, id, hostname, os.Getpid()); err != nil {
				p.log.Warn("worker registration failed", "worker_id", id, "error", err)
			}
		}

		for _, id := range p.workerIDs {
			id := id
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx, id)
			}()
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.wakeListener(ctx)
		}()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.rescanLoop(ctx)
		}()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.heartbeatLoop(ctx)
		}()

		p.log.Info("worker pool started",
			"workers", p.cfg.WorkerCount,
			"lease", p.cfg.LeaseDuration,
			"poll", p.cfg.PollInterval)
	})
	return startErr
}

// Drain waits for the loops to wind down after the pool's context is
// canceled. Tasks still executing when the timeout lapses keep their RUNNING
// row and are settled by recovery on the next start.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool drained")
	case <-time.After(timeout):
		p.log.Warn("drain timeout; in-flight tasks left for recovery", "timeout", timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range p.workerIDs {
		_ = p.store.DeregisterWorker(ctx, id)
	}
}

func (p *Pool) Status() Status {
	s := Status{
		WorkerCount: p.cfg.WorkerCount,
		ActiveTasks: p.active.Load(),
	}
	if msg := p.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

func (p *Pool) worker(ctx context.Context, id string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.ClaimNextWaiting(ctx, id, p.cfg.LeaseDuration)
		if err != nil {
			if !errors.Is(err, storage.ErrNoClaimableTask) && ctx.Err() == nil {
				p.setLastError(err)
				p.log.Warn("claim failed", "worker_id", id, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-p.wake:
			}
			continue
		}

		p.runClaimed(ctx, id, task)
	}
}

// runClaimed takes a freshly leased WAITING task through the reservation
// gate: acquire and run, or park and move on.
func (p *Pool) runClaimed(ctx context.Context, id string, task *storage.Task) {
	exclusive := reservation.FromStrings(task.Resources)
	sharedKeys := reservation.FromStrings(task.SharedResources)

	decision := p.reservations.TryAcquire(task.ID, task.Seq, exclusive, sharedKeys)
	if !decision.Granted {
		p.park(ctx, id, task, decision.Blocking)
		return
	}

	// The keys are ours from here; give them back no matter how this ends.
	// The release is scoped to this attempt's generation: if the lease lapses
	// mid-run and the sweep hands the task to another worker, this defer must
	// not strip the new holder's keys. The release context is fresh because
	// the pool context may already be canceled by shutdown.
	defer p.releaseAttemptAndWake(context.Background(), task.ID, decision.Gen)
	p.clearParked(context.Background(), task.ID)

	// Settle the cancel flag here: it may have been set between claim and
	// acquire, or survive from a requeued orphan that was canceled mid-run.
	if canceled, err := p.store.IsCancelRequested(ctx, task.ID); err == nil && canceled {
		if ok, _ := p.store.CancelWaitingTask(context.Background(), task.ID); ok {
			p.countCanceled(ctx, task)
			p.log.Info("task canceled before start", "task_id", task.ID)
		}
		return
	}

	ok, err := p.store.StartTask(ctx, task.ID, id, p.cfg.LeaseDuration)
	if err != nil {
		p.setLastError(fmt.Errorf("start task: %w", err))
		p.log.Warn("start failed", "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		// Lease lost between claim and start; whoever took it owns the task.
		p.log.Warn("lease lost before start", "task_id", task.ID, "worker_id", id)
		return
	}

	p.execute(ctx, id, task)
}

// execute runs the registered handler and writes exactly one terminal state,
// unless shutdown or a lost lease ends the attempt first, in which case the
// task is left RUNNING for recovery to settle.
func (p *Pool) execute(ctx context.Context, id string, task *storage.Task) {
	traceID := shared.NewTraceID()

	// The handler context deliberately does not descend from the pool
	// context: draining must let running handlers finish. Shutdown reaches
	// them through Drain's timeout instead.
	taskCtx := shared.WithTraceID(context.Background(), traceID)
	taskCtx = shared.WithTaskID(taskCtx, task.ID)
	taskCtx = shared.WithWorkerID(taskCtx, id)

	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, p.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(taskCtx)
	}
	defer cancel()

	if p.cfg.Tracer != nil {
		var span trace.Span
		taskCtx, span = otel.StartSpan(taskCtx, p.cfg.Tracer, "depot.worker/execute",
			otel.AttrTaskID.String(task.ID),
			otel.AttrTaskName.String(task.Name),
			otel.AttrWorkerID.String(id),
		)
		defer span.End()
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	if m := p.cfg.Metrics; m != nil {
		m.WorkersActive.Add(taskCtx, 1)
		defer m.WorkersActive.Add(context.Background(), -1)
		if task.StartedAt == nil {
			// First start; requeued orphans keep their original started_at
			// and don't count their second wait.
			m.QueueWait.Record(taskCtx, time.Since(task.CreatedAt).Seconds(),
				metric.WithAttributes(attribute.String("name", task.Name)))
		}
	}

	p.log.Info("task running",
		"task_id", task.ID, "name", task.Name,
		"worker_id", id, "trace_id", traceID, "seq", task.Seq)

	go p.superviseLease(taskCtx, cancel, task.ID, id)

	started := time.Now()
	var result json.RawMessage
	var err error
	if fn, ok := p.registry.Lookup(task.Name); ok {
		result, err = p.callSafely(taskCtx, fn, json.RawMessage(task.Args))
	} else {
		err = fmt.Errorf("unregistered function %q", task.Name)
	}
	duration := time.Since(started)

	if m := p.cfg.Metrics; m != nil {
		m.TaskDuration.Record(taskCtx, duration.Seconds(),
			metric.WithAttributes(attribute.String("name", task.Name)))
	}

	// Terminal writes use a fresh context so a canceled handler context
	// cannot block the state from landing.
	bg := context.Background()
	cancelRequested := false
	if flag, ferr := p.store.IsCancelRequested(bg, task.ID); ferr == nil {
		cancelRequested = flag
	}

	switch {
	// A nil error means the handler finished its work, even if it never
	// observed the cancel that interrupted its context; the canceled kind is
	// recorded only when the handler actually stopped. A lost lease without a
	// cancel request still falls through to the abandoned case.
	case err == nil && (taskCtx.Err() == nil || cancelRequested):
		out := string(result)
		if len(result) == 0 {
			out = "{}"
		}
		ok, werr := p.store.CompleteTask(bg, task.ID, out)
		if werr != nil {
			p.setLastError(werr)
			p.log.Error("complete failed", "task_id", task.ID, "error", werr)
			return
		}
		if ok {
			p.countCompleted(bg, task)
			if cancelRequested && taskCtx.Err() != nil {
				p.log.Info("task completed before honoring cancel",
					"task_id", task.ID, "name", task.Name,
					"duration", duration, "trace_id", traceID)
			} else {
				p.log.Info("task completed", "task_id", task.ID, "name", task.Name,
					"duration", duration, "trace_id", traceID)
			}
		}

	case cancelRequested:
		ok, werr := p.store.FinishCanceledTask(bg, task.ID)
		if werr != nil {
			p.setLastError(werr)
			return
		}
		if ok {
			p.countCanceled(bg, task)
			p.log.Info("task canceled", "task_id", task.ID, "trace_id", traceID)
		}

	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("task timeout after %s", p.cfg.TaskTimeout)
		if ok, werr := p.store.FailTask(bg, task.ID, storage.ErrorKindTaskFunction, msg); werr == nil && ok {
			p.countFailed(bg, task)
			p.log.Warn("task timed out", "task_id", task.ID, "timeout", p.cfg.TaskTimeout)
		}

	case taskCtx.Err() != nil:
		// Shutdown or a lost lease ended the attempt. The task stays
		// RUNNING; lease expiry routes it to requeue or WORKER_LOST.
		p.log.Warn("task attempt abandoned", "task_id", task.ID, "trace_id", traceID)

	default:
		if ok, werr := p.store.FailTask(bg, task.ID, storage.ErrorKindTaskFunction, err.Error()); werr == nil && ok {
			p.countFailed(bg, task)
			p.log.Warn("task failed", "task_id", task.ID, "name", task.Name,
				"error", err, "trace_id", traceID)
		}
	}
}

// callSafely converts a handler panic into an error so one bad task cannot
// take down the worker.
func (p *Pool) callSafely(ctx context.Context, fn *tasking.Function, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("task handler panicked", "recover", r, "stack", string(debug.Stack()))
		}
	}()
	return fn.Call(ctx, args)
}

// superviseLease renews the task lease and polls the cooperative cancel flag
// while the handler runs. Losing the lease cancels the handler: another
// sweep already considers the task orphaned.
func (p *Pool) superviseLease(taskCtx context.Context, cancel context.CancelFunc, taskID, workerID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			if canceled, err := p.store.IsCancelRequested(context.Background(), taskID); err == nil && canceled {
				p.log.Info("cancel requested, stopping handler", "task_id", taskID)
				cancel()
				return
			}
			ok, err := p.store.HeartbeatLease(context.Background(), taskID, workerID, p.cfg.LeaseDuration)
			if err != nil {
				p.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				p.log.Warn("lease lost, stopping handler", "task_id", taskID, "worker_id", workerID)
				cancel()
				return
			}
		}
	}
}

func (p *Pool) park(ctx context.Context, id string, task *storage.Task, blocking []reservation.Key) {
	ok, err := p.store.ParkTask(ctx, task.ID, reservation.Strings(blocking), p.cfg.ParkBackoff)
	if err != nil {
		p.setLastError(fmt.Errorf("park task: %w", err))
		p.log.Warn("park failed", "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	p.parkedMu.Lock()
	_, seen := p.parked[task.ID]
	if !seen {
		p.parked[task.ID] = struct{}{}
	}
	p.parkedMu.Unlock()
	if !seen {
		if m := p.cfg.Metrics; m != nil {
			m.ReservationsParked.Add(ctx, 1)
		}
	}

	p.log.Debug("task parked",
		"task_id", task.ID, "worker_id", id,
		"blocking", reservation.Strings(blocking))
}

func (p *Pool) clearParked(ctx context.Context, taskID string) {
	p.parkedMu.Lock()
	_, seen := p.parked[taskID]
	if seen {
		delete(p.parked, taskID)
	}
	p.parkedMu.Unlock()
	if seen {
		if m := p.cfg.Metrics; m != nil {
			m.ReservationsParked.Add(ctx, -1)
		}
	}
}

// releaseAttemptAndWake releases the keys granted to one run attempt. A stale
// generation releases nothing, so it is always safe to defer.
func (p *Pool) releaseAttemptAndWake(ctx context.Context, taskID string, gen uint64) {
	p.wakeReleased(ctx, taskID, p.reservations.ReleaseAttempt(taskID, gen))
}

// releaseAndWake force-drops every key the task holds or waits on, regardless
// of attempt. The orphan sweep uses it: the owning worker is presumed dead.
func (p *Pool) releaseAndWake(ctx context.Context, taskID string) {
	p.wakeReleased(ctx, taskID, p.reservations.Release(taskID))
}

// wakeReleased pokes the tasks now at the head of the freed key queues so
// they retry immediately.
func (p *Pool) wakeReleased(ctx context.Context, taskID string, released []reservation.Key) {
	if len(released) == 0 {
		return
	}
	woken := p.reservations.NextRunnable(released)
	if len(woken) > 0 {
		if _, err := p.store.WakeTasks(ctx, woken); err != nil {
			p.log.Warn("wake after release failed", "task_id", taskID, "error", err)
		}
	}
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicResourceReleased, bus.ResourceReleasedEvent{
			TaskID: taskID,
			Keys:   reservation.Strings(released),
			Woken:  woken,
		})
	}
}

// wakeListener forwards queue-relevant bus events into the wake channel.
// Delivery is best-effort on both ends; the poll ticker is the backstop.
func (p *Pool) wakeListener(ctx context.Context) {
	if p.cfg.Bus == nil {
		return
	}
	sub := p.cfg.Bus.Subscribe("")
	defer p.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskEnqueued, bus.TopicTaskRequeued, bus.TopicResourceReleased:
				select {
				case p.wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range p.workerIDs {
				if _, err := p.store.TouchWorker(ctx, id); err != nil && ctx.Err() == nil {
					p.setLastError(fmt.Errorf("touch worker: %w", err))
				}
			}
		}
	}
}

func (p *Pool) countCompleted(ctx context.Context, task *storage.Task) {
	if m := p.cfg.Metrics; m != nil {
		m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("name", task.Name)))
	}
}

func (p *Pool) countFailed(ctx context.Context, task *storage.Task) {
	if m := p.cfg.Metrics; m != nil {
		m.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("name", task.Name)))
	}
}

func (p *Pool) countCanceled(ctx context.Context, task *storage.Task) {
	if m := p.cfg.Metrics; m != nil {
		m.TasksCanceled.Add(ctx, 1, metric.WithAttributes(attribute.String("name", task.Name)))
	}
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}
