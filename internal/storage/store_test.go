package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/depotworks/depot/internal/storage"
)

func openTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "depot.db")
	store, err := storage.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustExec(t *testing.T, db *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_migrations", "tasks", "task_events", "task_groups", "workers", "schedules", "audit_log"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestOpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "depot.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mustExec(t, db, `
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	mustExec(t, db, `INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`)
	_ = db.Close()

	_, err = storage.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestOpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	mustExec(t, store.DB(), `UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := storage.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestOpenUpgradesV1Schema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "depot.db")

	// Fabricate a v1-era database: core tables, no schedules, no
	// tasks.schedule_id, ledger at version 1.
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	mustExec(t, db, `
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	mustExec(t, db, `
		CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL,
			args JSON NOT NULL DEFAULT '{}',
			state TEXT NOT NULL CHECK(state IN ('WAITING', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELED')),
			resources JSON NOT NULL DEFAULT '[]',
			shared_resources JSON NOT NULL DEFAULT '[]',
			parent_task_id TEXT,
			task_group_id TEXT,
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
		);
	`)
	mustExec(t, db, `INSERT INTO schema_migrations(version, checksum) VALUES(1, 'depot-v1-2026-06-18-core');`)
	mustExec(t, db, `
		INSERT INTO tasks (id, seq, name, state)
		VALUES ('task-1', 1, 'repository.sync', 'WAITING');
	`)
	_ = db.Close()

	store, err := storage.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open v1 store: %v", err)
	}
	defer func() { _ = store.Close() }()

	var version int
	if err := store.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read upgraded version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected upgraded version 2, got %d", version)
	}
	// schedule_id backfill applied, existing row survives.
	var scheduleID sql.NullString
	if err := store.DB().QueryRow(`SELECT schedule_id FROM tasks WHERE id='task-1';`).Scan(&scheduleID); err != nil {
		t.Fatalf("read backfilled column: %v", err)
	}
	if scheduleID.Valid {
		t.Fatalf("expected NULL schedule_id after backfill, got %q", scheduleID.String)
	}
	task, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get pre-upgrade task: %v", err)
	}
	if task.State != storage.TaskStateWaiting || task.Seq != 1 {
		t.Fatalf("unexpected pre-upgrade task: %#v", task)
	}
}

func TestPurgeTerminalTasksKeepsLiveRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	oldDone, err := store.CreateTask(ctx, storage.CreateTaskParams{Name: "repository.sync"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	runThrough(t, store, oldDone.ID, "w1")
	// Age the finished task beyond the retention window.
	mustExec(t, store.DB(), `UPDATE tasks SET finished_at = datetime('now', '-48 hours') WHERE id = ?;`, oldDone.ID)

	freshDone, err := store.CreateTask(ctx, storage.CreateTaskParams{Name: "repository.sync"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	runThrough(t, store, freshDone.ID, "w1")

	waiting, err := store.CreateTask(ctx, storage.CreateTaskParams{Name: "repository.sync"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	purged, err := store.PurgeTerminalTasks(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged task, got %d", purged)
	}

	if _, err := store.GetTask(ctx, oldDone.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected purged task to be gone, got %v", err)
	}
	if _, err := store.GetTask(ctx, freshDone.ID); err != nil {
		t.Fatalf("fresh terminal task should survive: %v", err)
	}
	if _, err := store.GetTask(ctx, waiting.ID); err != nil {
		t.Fatalf("waiting task should survive: %v", err)
	}

	events, err := store.TaskEvents(ctx, oldDone.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected purged task events to be gone, got %d", len(events))
	}
}

func TestBackupCreatesConsistentCopy(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, storage.CreateTaskParams{Name: "repository.sync"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatalf("expected error when destination exists")
	}

	copyDB, err := sql.Open("sqlite3", dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer func() { _ = copyDB.Close() }()
	var count int
	if err := copyDB.QueryRow(`SELECT COUNT(1) FROM tasks;`).Scan(&count); err != nil {
		t.Fatalf("count tasks in backup: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 task in backup, got %d", count)
	}
}

// runThrough drives a task from WAITING to COMPLETED.
func runThrough(t *testing.T, store *storage.Store, taskID, workerID string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.ClaimNextWaiting(ctx, workerID, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != taskID {
		t.Fatalf("claimed wrong task: got %s want %s", claimed.ID, taskID)
	}
	ok, err := store.StartTask(ctx, taskID, workerID, 0)
	if err != nil || !ok {
		t.Fatalf("start task: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompleteTask(ctx, taskID, `{"ok":true}`)
	if err != nil || !ok {
		t.Fatalf("complete task: ok=%v err=%v", ok, err)
	}
}
