package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schedule is a row in the schedules table. Schedules are declared in the
// config file and reconciled into the table at startup; the table exists so
// last_run_at/next_run_at survive restarts and so the status surfaces can
// show them.
type Schedule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CronExpr        string     `json:"cron_expr"`
	TaskName        string     `json:"task_name"`
	Args            string     `json:"args"`
	Resources       []string   `json:"resources"`
	SharedResources []string   `json:"shared_resources"`
	Enabled         bool       `json:"enabled"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const scheduleColumns = `id, name, cron_expr, task_name, args, resources, shared_resources, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, sc *Schedule) error {
	var enabled int
	var resources, sharedResources string
	var nextRun, lastRun sql.NullTime
	if err := scanFn(&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskName, &sc.Args,
		&resources, &sharedResources, &enabled, &nextRun, &lastRun,
		&sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return err
	}
	sc.Enabled = enabled != 0
	sc.NextRunAt = nullTimePtr(nextRun)
	sc.LastRunAt = nullTimePtr(lastRun)
	if err := decodeKeyList(resources, &sc.Resources); err != nil {
		return fmt.Errorf("decode schedule resources: %w", err)
	}
	if err := decodeKeyList(sharedResources, &sc.SharedResources); err != nil {
		return fmt.Errorf("decode schedule shared_resources: %w", err)
	}
	return nil
}

// UpsertSchedule reconciles one config-declared schedule into the table,
// keyed by name. A changed cron expression clears next_run_at so the cron
// loop recomputes it; an unchanged one keeps the stored run times.
func (s *Store) UpsertSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
	if strings.TrimSpace(sc.Name) == "" {
		return nil, fmt.Errorf("schedule name required")
	}
	if strings.TrimSpace(sc.TaskName) == "" {
		return nil, fmt.Errorf("schedule task name required")
	}
	id := sc.ID
	if id == "" {
		id = uuid.NewString()
	}
	args := sc.Args
	if args == "" {
		args = "{}"
	}
	resources, err := encodeKeys(sc.Resources)
	if err != nil {
		return nil, err
	}
	sharedResources, err := encodeKeys(sc.SharedResources)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, task_name, args, resources, shared_resources, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				task_name = excluded.task_name,
				args = excluded.args,
				resources = excluded.resources,
				shared_resources = excluded.shared_resources,
				enabled = excluded.enabled,
				next_run_at = CASE WHEN schedules.cron_expr != excluded.cron_expr THEN NULL ELSE schedules.next_run_at END,
				updated_at = CURRENT_TIMESTAMP;
		`, id, sc.Name, sc.CronExpr, sc.TaskName, args, resources, sharedResources, boolToInt(sc.Enabled))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert schedule: %w", err)
	}
	return s.GetScheduleByName(ctx, sc.Name)
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*Schedule, error) {
	var sc Schedule
	err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE name = ?;
	`, name).Scan, &sc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sc, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at is unset (never
// fired since reconcile) or has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a firing and the next computed run time.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// SetScheduleNextRun sets only next_run_at, used when a schedule is
// reconciled but has not fired yet.
func (s *Store) SetScheduleNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, nextRun, id)
	if err != nil {
		return fmt.Errorf("set schedule next run: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips a schedule's enabled flag.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return nil
}

// DeleteSchedulesExcept removes schedules that are no longer declared in the
// config. keep holds the names that survive; an empty keep deletes all.
func (s *Store) DeleteSchedulesExcept(ctx context.Context, keep []string) (int64, error) {
	var res sql.Result
	var err error
	if len(keep) == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM schedules;`)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
		args := make([]any, 0, len(keep))
		for _, name := range keep {
			args = append(args, name)
		}
		res, err = s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name NOT IN (`+placeholders+`);`, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("delete stale schedules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete schedules rows affected: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
