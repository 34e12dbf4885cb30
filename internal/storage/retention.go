package storage

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks      int64 `json:"purged_tasks"`
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// PurgeTerminalTasks deletes COMPLETED, FAILED and CANCELED tasks whose
// finished_at is older than the cutoff, together with their event rows.
// Live tasks are never touched, so the purge can run while workers execute.
func (s *Store) PurgeTerminalTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE task_id IN (
				SELECT id FROM tasks
				WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
			);
		`, TaskStateCompleted, TaskStateFailed, TaskStateCanceled, cutoff); err != nil {
			return fmt.Errorf("purge task events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?;
		`, TaskStateCompleted, TaskStateFailed, TaskStateCanceled, cutoff)
		if err != nil {
			return fmt.Errorf("purge terminal tasks: %w", err)
		}
		purged, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff; the job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, taskDays, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskDays > 0 {
		purged, err := s.PurgeTerminalTasks(ctx, time.Duration(taskDays)*24*time.Hour)
		if err != nil {
			return result, err
		}
		result.PurgedTasks = purged
	}

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE created_at < ?
			  AND task_id NOT IN (SELECT id FROM tasks WHERE state IN (?, ?));
		`, cutoff, TaskStateWaiting, TaskStateRunning)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

// Backup creates an online-consistent backup of the database. VACUUM INTO
// produces a complete copy without blocking writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// AppendAuditLog mirrors one audit record into the database so `depot status`
// and retention can see the trail without parsing the JSONL file.
func (s *Store) AppendAuditLog(ctx context.Context, traceID, subject, action, decision, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
		VALUES (NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, traceID, subject, action, decision, reason)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}
