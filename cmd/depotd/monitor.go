package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/depotworks/depot/internal/monitor"
	"github.com/depotworks/depot/internal/storage"
)

// workerOnlineWindow is how stale a worker heartbeat may be before the
// monitor stops counting it. Generous relative to the default lease so a
// busy daemon doesn't flicker.
const workerOnlineWindow = 2 * time.Minute

func runMonitorCommand(ctx context.Context, args []string) int {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "monitor: stdout is not a terminal; use 'status' for a one-shot view")
		return 1
	}

	store, _, err := openReadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	defer store.Close()

	startedAt := time.Now()
	provider := func() monitor.Snapshot {
		return buildSnapshot(ctx, store, startedAt)
	}

	if err := monitor.Run(ctx, provider); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	return 0
}

// buildSnapshot assembles the board from the store. The monitor runs in its
// own process, so reservation state is derived from the resources declared
// on RUNNING and WAITING rows rather than read from the daemon's in-memory
// table.
func buildSnapshot(ctx context.Context, store *storage.Store, startedAt time.Time) monitor.Snapshot {
	snap := monitor.Snapshot{Uptime: time.Since(startedAt)}

	counts, err := store.MetricsCounts(ctx)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.DBOK = true
	snap.Waiting = counts.Waiting
	snap.Running = counts.Running
	snap.Completed = counts.Completed
	snap.Failed = counts.Failed
	snap.Canceled = counts.Canceled
	snap.ActiveTasks = int32(counts.Running)

	if workers, err := store.ListWorkers(ctx); err == nil {
		cutoff := time.Now().Add(-workerOnlineWindow)
		for _, w := range workers {
			if w.LastSeenAt.After(cutoff) {
				snap.WorkersOnline++
			}
		}
	}

	active, err := store.ListTasks(ctx, storage.TaskFilter{
		States: []storage.TaskState{storage.TaskStateRunning, storage.TaskStateWaiting},
		Limit:  500,
	})
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	snap.Keys = deriveKeyRows(active)

	if recent, err := store.ListTasks(ctx, storage.TaskFilter{Limit: 12}); err == nil {
		for _, t := range recent {
			row := monitor.TaskRow{
				ID:     t.ID,
				Name:   t.Name,
				State:  string(t.State),
				Worker: t.LeaseOwner,
			}
			if t.StartedAt != nil {
				end := time.Now()
				if t.FinishedAt != nil {
					end = *t.FinishedAt
				}
				row.Duration = end.Sub(*t.StartedAt)
			}
			snap.Recent = append(snap.Recent, row)
			if t.State == storage.TaskStateFailed && snap.LastError == "" {
				snap.LastError = t.Error
			}
		}
	}
	return snap
}

func deriveKeyRows(active []storage.Task) []monitor.KeyRow {
	type agg struct {
		mode    string
		holders int
		waiters int
	}
	byKey := make(map[string]*agg)
	get := func(key string) *agg {
		a, ok := byKey[key]
		if !ok {
			a = &agg{}
			byKey[key] = a
		}
		return a
	}
	for _, t := range active {
		if t.State == storage.TaskStateRunning {
			for _, key := range t.Resources {
				a := get(key)
				a.mode = "exclusive"
				a.holders++
			}
			for _, key := range t.SharedResources {
				a := get(key)
				if a.mode == "" {
					a.mode = "shared"
				}
				a.holders++
			}
			continue
		}
		for _, key := range append(t.Resources, t.SharedResources...) {
			get(key).waiters++
		}
	}

	rows := make([]monitor.KeyRow, 0, len(byKey))
	for key, a := range byKey {
		if a.holders == 0 && a.waiters == 0 {
			continue
		}
		if a.mode == "" {
			a.mode = "free"
		}
		rows = append(rows, monitor.KeyRow{Key: key, Mode: a.mode, Holders: a.holders, Waiters: a.waiters})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}
