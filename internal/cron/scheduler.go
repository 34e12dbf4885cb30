// Package cron fires due schedules by dispatching tasks through the
// scheduler façade, so periodic maintenance obeys the same reservation
// rules as everything else.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/depotworks/depot/internal/config"
	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/storage"
	"github.com/depotworks/depot/internal/tasking"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Dispatcher is the slice of the scheduler façade the cron loop needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args any, opts ...tasking.DispatchOption) (string, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store      *storage.Store
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due cron schedules and
// dispatches a task for each one.
type Scheduler struct {
	store      *storage.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		interval:   interval,
	}
}

// Reconcile upserts the config-declared schedules into the table, keyed by
// name, and removes rows for schedules no longer declared. Run times for
// unchanged schedules survive; a schedule whose expression changed gets its
// next_run_at recomputed from now.
func (s *Scheduler) Reconcile(ctx context.Context, declared []config.ScheduleConfig) error {
	keep := make([]string, 0, len(declared))
	for _, sc := range declared {
		keep = append(keep, sc.Name)

		args := "{}"
		if len(sc.Args) > 0 {
			b, err := json.Marshal(sc.Args)
			if err != nil {
				return fmt.Errorf("schedule %q: encode args: %w", sc.Name, err)
			}
			args = string(b)
		}
		row, err := s.store.UpsertSchedule(ctx, storage.Schedule{
			Name:            sc.Name,
			CronExpr:        sc.Cron,
			TaskName:        sc.Task,
			Args:            args,
			Resources:       sc.Resources,
			SharedResources: sc.SharedResources,
			Enabled:         !sc.Disabled,
		})
		if err != nil {
			return err
		}
		if row.NextRunAt == nil {
			next, err := NextRunTime(sc.Cron, time.Now())
			if err != nil {
				return fmt.Errorf("schedule %q: %w", sc.Name, err)
			}
			if err := s.store.SetScheduleNextRun(ctx, row.ID, next); err != nil {
				return err
			}
		}
	}

	removed, err := s.store.DeleteSchedulesExcept(ctx, keep)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("removed undeclared schedules", "count", removed)
	}
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("cron: failed to query due schedules", "error", err)
		}
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire dispatches a task for the given schedule and updates its run
// timestamps. A dispatch rejection (handler not registered in this binary,
// bad args) disables the schedule rather than retrying it every tick.
func (s *Scheduler) fire(ctx context.Context, sched storage.Schedule, now time.Time) {
	opts := []tasking.DispatchOption{tasking.WithSchedule(sched.ID)}
	if len(sched.Resources) > 0 {
		opts = append(opts, tasking.WithExclusive(reservation.FromStrings(sched.Resources)...))
	}
	if len(sched.SharedResources) > 0 {
		opts = append(opts, tasking.WithShared(reservation.FromStrings(sched.SharedResources)...))
	}

	taskID, err := s.dispatcher.Dispatch(ctx, sched.TaskName, json.RawMessage(sched.Args), opts...)
	if err != nil {
		s.logger.Error("cron: dispatch rejected, disabling schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"task_name", sched.TaskName,
			"error", err,
		)
		if derr := s.store.SetScheduleEnabled(ctx, sched.ID, false); derr != nil {
			s.logger.Error("cron: failed to disable schedule", "schedule_id", sched.ID, "error", derr)
		}
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", taskID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
