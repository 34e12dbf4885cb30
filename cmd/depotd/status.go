package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/depotworks/depot/internal/storage"
)

// runStatusCommand prints a one-shot overview of the queue, the workers
// that have checked in, and the declared schedules. It reads the daemon's
// database directly; SQLite in WAL mode allows concurrent readers.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	recentLimit := fs.Int("recent", 10, "number of recent tasks to show")
	_ = fs.Parse(args)

	store, _, err := openReadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer store.Close()

	counts, err := store.MetricsCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: read counts: %v\n", err)
		return 1
	}

	fmt.Printf("Queue\n")
	fmt.Printf("  waiting    %d\n", counts.Waiting)
	fmt.Printf("  running    %d\n", counts.Running)
	fmt.Printf("  completed  %d\n", counts.Completed)
	fmt.Printf("  failed     %d\n", counts.Failed)
	fmt.Printf("  canceled   %d\n", counts.Canceled)
	if counts.LeaseExpiries > 0 {
		fmt.Printf("  lease expiries (lifetime)  %d\n", counts.LeaseExpiries)
	}

	workers, err := store.ListWorkers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: list workers: %v\n", err)
		return 1
	}
	fmt.Printf("\nWorkers (%d)\n", len(workers))
	if len(workers) == 0 {
		fmt.Println("  (none; daemon not running?)")
	}
	now := time.Now()
	for _, w := range workers {
		fmt.Printf("  %-30s pid=%-6d host=%-15s last seen %s ago\n",
			w.ID, w.PID, w.Hostname, now.Sub(w.LastSeenAt).Round(time.Second))
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: list schedules: %v\n", err)
		return 1
	}
	fmt.Printf("\nSchedules (%d)\n", len(schedules))
	for _, sc := range schedules {
		state := "enabled"
		if !sc.Enabled {
			state = "disabled"
		}
		next := "-"
		if sc.NextRunAt != nil {
			next = sc.NextRunAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("  %-20s %-16s %-30s %-8s next %s\n",
			sc.Name, sc.CronExpr, sc.TaskName, state, next)
	}

	recent, err := store.ListTasks(ctx, storage.TaskFilter{Limit: *recentLimit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: list tasks: %v\n", err)
		return 1
	}
	fmt.Printf("\nRecent tasks\n")
	printTaskTable(recent)
	return 0
}

func printTaskTable(tasks []storage.Task) {
	if len(tasks) == 0 {
		fmt.Println("  (none)")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tNAME\tSTATE\tWORKER\tCREATED\tDURATION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(t.ID), t.Name, t.State, t.LeaseOwner,
			t.CreatedAt.Local().Format("15:04:05"), taskDuration(t))
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// taskDuration reports run time: started-to-finished for terminal tasks,
// started-to-now for running ones, empty while waiting.
func taskDuration(t storage.Task) string {
	if t.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if t.FinishedAt != nil {
		end = *t.FinishedAt
	}
	return end.Sub(*t.StartedAt).Round(time.Millisecond).String()
}
