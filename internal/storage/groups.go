package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/depotworks/depot/internal/bus"
	"github.com/google/uuid"
)

// TaskGroup is a row in the task_groups table. all_dispatched is a one-way
// latch: once set, no new task may join the group, so the derived counters
// can only move toward completion.
type TaskGroup struct {
	ID            string    `json:"id"`
	Description   string    `json:"description,omitempty"`
	AllDispatched bool      `json:"all_dispatched"`
	CreatedAt     time.Time `json:"created_at"`
}

// GroupStatus is a TaskGroup plus counters derived from the tasks table at
// read time. Nothing here is stored; a crash can never leave the counters
// out of sync with the tasks they summarize.
type GroupStatus struct {
	TaskGroup
	Waiting   int `json:"waiting"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
	Total     int `json:"total"`
}

// Finished reports whether the group can no longer change: every task has
// been dispatched and none is still waiting or running.
func (g *GroupStatus) Finished() bool {
	return g.AllDispatched && g.Waiting+g.Running == 0
}

// CreateTaskGroup inserts a new, open task group.
func (s *Store) CreateTaskGroup(ctx context.Context, id, description string) (*TaskGroup, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_groups (id, description, all_dispatched, created_at, updated_at)
			VALUES (?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, description)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task group: %w", err)
	}
	return s.GetTaskGroup(ctx, id)
}

func (s *Store) GetTaskGroup(ctx context.Context, id string) (*TaskGroup, error) {
	var g TaskGroup
	var dispatched int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, all_dispatched, created_at
		FROM task_groups
		WHERE id = ?;
	`, id).Scan(&g.ID, &g.Description, &dispatched, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task group %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task group: %w", err)
	}
	g.AllDispatched = dispatched == 1
	return &g, nil
}

// MarkAllDispatched flips the group's one-way latch. Returns false when the
// latch was already set; ErrNotFound when the group does not exist.
func (s *Store) MarkAllDispatched(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_groups
		SET all_dispatched = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND all_dispatched = 0;
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark all dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dispatch latch rows affected: %w", err)
	}
	if n != 1 {
		if _, err := s.GetTaskGroup(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicGroupDispatched, bus.GroupDispatchedEvent{GroupID: id})
	}
	return true, nil
}

// GroupStatus loads a group and its derived task counters in one query.
func (s *Store) GroupStatus(ctx context.Context, id string) (*GroupStatus, error) {
	var gs GroupStatus
	var dispatched int
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.description, g.all_dispatched, g.created_at,
			COALESCE(SUM(CASE WHEN t.state = 'WAITING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'CANCELED' THEN 1 ELSE 0 END), 0),
			COUNT(t.id)
		FROM task_groups g
		LEFT JOIN tasks t ON t.task_group_id = g.id
		WHERE g.id = ?
		GROUP BY g.id;
	`, id).Scan(&gs.ID, &gs.Description, &dispatched, &gs.CreatedAt,
		&gs.Waiting, &gs.Running, &gs.Completed, &gs.Failed, &gs.Canceled, &gs.Total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task group %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("group status: %w", err)
	}
	gs.AllDispatched = dispatched == 1
	return &gs, nil
}

// ListGroups returns recent groups with their derived counters, newest first.
func (s *Store) ListGroups(ctx context.Context, limit int) ([]GroupStatus, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.description, g.all_dispatched, g.created_at,
			COALESCE(SUM(CASE WHEN t.state = 'WAITING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.state = 'CANCELED' THEN 1 ELSE 0 END), 0),
			COUNT(t.id)
		FROM task_groups g
		LEFT JOIN tasks t ON t.task_group_id = g.id
		GROUP BY g.id
		ORDER BY g.created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task groups: %w", err)
	}
	defer rows.Close()

	var out []GroupStatus
	for rows.Next() {
		var gs GroupStatus
		var dispatched int
		if err := rows.Scan(&gs.ID, &gs.Description, &dispatched, &gs.CreatedAt,
			&gs.Waiting, &gs.Running, &gs.Completed, &gs.Failed, &gs.Canceled, &gs.Total); err != nil {
			return nil, fmt.Errorf("scan task group: %w", err)
		}
		gs.AllDispatched = dispatched == 1
		out = append(out, gs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task group rows: %w", err)
	}
	return out, nil
}
