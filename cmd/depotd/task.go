package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/depotworks/depot/internal/storage"
	"github.com/depotworks/depot/internal/tasking"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "task: expected one of: list, show, cancel")
		return 2
	}
	switch args[0] {
	case "list":
		return runTaskList(ctx, args[1:])
	case "show":
		return runTaskShow(ctx, args[1:])
	case "cancel":
		return runTaskCancel(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "task: unknown action %q (expected list, show, cancel)\n", args[0])
		return 2
	}
}

func runTaskList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ExitOnError)
	stateFlag := fs.String("state", "", "filter by state (WAITING, RUNNING, COMPLETED, FAILED, CANCELED); comma-separated")
	groupFlag := fs.String("group", "", "filter by task group id")
	nameFlag := fs.String("name", "", "filter by task function name")
	limitFlag := fs.Int("limit", 50, "maximum rows")
	_ = fs.Parse(args)

	filter := storage.TaskFilter{
		GroupID: *groupFlag,
		Name:    *nameFlag,
		Limit:   *limitFlag,
	}
	for _, raw := range strings.Split(*stateFlag, ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw != "" {
			filter.States = append(filter.States, storage.TaskState(raw))
		}
	}

	store, _, err := openReadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "task list: %v\n", err)
		return 1
	}
	defer store.Close()

	tasks, err := store.ListTasks(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task list: %v\n", err)
		return 1
	}
	printTaskTable(tasks)
	return 0
}

func runTaskShow(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "task show: expected exactly one task id")
		return 2
	}
	store, _, err := openReadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "task show: %v\n", err)
		return 1
	}
	defer store.Close()

	task, err := store.GetTask(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "task show: %v\n", err)
		return 1
	}

	fmt.Printf("Task %s\n", task.ID)
	fmt.Printf("  name       %s\n", task.Name)
	fmt.Printf("  state      %s\n", task.State)
	fmt.Printf("  created    %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Printf("  started    %s\n", task.StartedAt.Local().Format(time.RFC3339))
	}
	if task.FinishedAt != nil {
		fmt.Printf("  finished   %s  (ran %s)\n",
			task.FinishedAt.Local().Format(time.RFC3339), taskDuration(*task))
	}
	if len(task.Resources) > 0 {
		fmt.Printf("  exclusive  %s\n", strings.Join(task.Resources, ", "))
	}
	if len(task.SharedResources) > 0 {
		fmt.Printf("  shared     %s\n", strings.Join(task.SharedResources, ", "))
	}
	if task.TaskGroupID != "" {
		fmt.Printf("  group      %s\n", task.TaskGroupID)
	}
	if task.ParentTaskID != "" {
		fmt.Printf("  parent     %s\n", task.ParentTaskID)
	}
	if task.ScheduleID != "" {
		fmt.Printf("  schedule   %s\n", task.ScheduleID)
	}
	if task.LeaseOwner != "" {
		fmt.Printf("  worker     %s\n", task.LeaseOwner)
	}
	if task.CancelRequested && !task.State.IsTerminal() {
		fmt.Printf("  cancel     requested\n")
	}
	if task.ErrorKind != "" {
		fmt.Printf("  error      [%s] %s\n", task.ErrorKind, task.Error)
	}
	if task.Result != "" {
		fmt.Printf("  result     %s\n", task.Result)
	}

	children, err := store.ListChildren(ctx, task.ID)
	if err == nil && len(children) > 0 {
		fmt.Printf("\nChildren (%d)\n", len(children))
		printTaskTable(children)
	}

	events, err := store.TaskEvents(ctx, task.ID, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task show: events: %v\n", err)
		return 1
	}
	fmt.Printf("\nEvents\n")
	for _, ev := range events {
		transition := string(ev.StateTo)
		if ev.StateFrom != "" && ev.StateFrom != ev.StateTo {
			transition = fmt.Sprintf("%s -> %s", ev.StateFrom, ev.StateTo)
		}
		line := fmt.Sprintf("  %s  %-22s %s",
			ev.CreatedAt.Local().Format("15:04:05.000"), ev.EventType, transition)
		if ev.WorkerID != "" {
			line += "  worker=" + ev.WorkerID
		}
		fmt.Println(line)
	}
	return 0
}

// runTaskCancel cancels through the same scheduler path the daemon uses.
// Cross-process safety comes from the store: a WAITING task flips to
// CANCELED with a compare-and-set, and a RUNNING task gets the cooperative
// flag, which the owning worker's supervisor polls.
func runTaskCancel(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "task cancel: expected exactly one task id")
		return 2
	}
	store, _, err := openReadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "task cancel: %v\n", err)
		return 1
	}
	defer store.Close()

	scheduler := tasking.NewScheduler(store, tasking.NewRegistry(), nil,
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	changed, err := scheduler.Cancel(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "task cancel: %v\n", err)
		return 1
	}
	if !changed {
		fmt.Printf("task %s already finished; nothing to cancel\n", shortID(args[0]))
		return 0
	}
	fmt.Printf("cancellation requested for task %s\n", shortID(args[0]))
	return 0
}
