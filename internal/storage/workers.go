package storage

import (
	"context"
	"fmt"
	"time"
)

// WorkerRecord is a row in the workers table. Rows are advisory: recovery
// keys off task leases, not this table, so a stale row can mislead nobody.
// The registry exists for the status surfaces.
type WorkerRecord struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RegisterWorker upserts the worker's row at startup. Re-registering after a
// restart refreshes started_at.
func (s *Store) RegisterWorker(ctx context.Context, id, hostname string, pid int) error {
	if id == "" {
		return fmt.Errorf("worker id required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (id, hostname, pid, started_at, last_seen_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				hostname = excluded.hostname,
				pid = excluded.pid,
				started_at = CURRENT_TIMESTAMP,
				last_seen_at = CURRENT_TIMESTAMP;
		`, id, hostname, pid)
		return err
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// TouchWorker bumps last_seen_at. Workers call it on their heartbeat tick.
func (s *Store) TouchWorker(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET last_seen_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return false, fmt.Errorf("touch worker: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeregisterWorker removes the worker's row on clean shutdown.
func (s *Store) DeregisterWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, pid, started_at, last_seen_at
		FROM workers
		ORDER BY started_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		var w WorkerRecord
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &w.StartedAt, &w.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker rows: %w", err)
	}
	return out, nil
}

// PruneDeadWorkers deletes rows whose last_seen_at is older than olderThan.
// Crashed daemons leave rows behind; this keeps the status listing honest.
func (s *Store) PruneDeadWorkers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE last_seen_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dead workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
