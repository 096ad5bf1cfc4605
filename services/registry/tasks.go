// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeleteUnfinishedTasks removes every PENDING and RUNNING task row. The
// scheduler calls this once at startup so tasks orphaned by a crash do not
// linger forever.
func (s *Store) DeleteUnfinishedTasks(ctx context.Context) (int64, error) {
	query := s.rebind(`DELETE FROM endpoint_test_tasks WHERE status IN (?, ?)`)
	res, err := s.db.ExecContext(ctx, query, TaskPending, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("delete unfinished tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateTask inserts a PENDING task for an endpoint.
func (s *Store) CreateTask(ctx context.Context, endpointID int64, scheduledAt time.Time) (*EndpointTestTask, error) {
	query := s.rebind(`INSERT INTO endpoint_test_tasks
		(endpoint_id, status, scheduled_at, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id, endpoint_id, status, scheduled_at, last_tried, created_at`)
	var t EndpointTestTask
	if err := s.db.GetContext(ctx, &t, query, endpointID, TaskPending, scheduledAt.UTC(), now()); err != nil {
		return nil, fmt.Errorf("create task for endpoint %d: %w", endpointID, err)
	}
	return &t, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*EndpointTestTask, error) {
	var t EndpointTestTask
	query := s.rebind(`SELECT * FROM endpoint_test_tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// HasTaskSince reports whether the endpoint has any task in the given
// statuses created at or after since. The scheduler's dedup rules build on
// this.
func (s *Store) HasTaskSince(ctx context.Context, endpointID int64, statuses []TaskStatus, since time.Time) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	query := `SELECT COUNT(*) FROM endpoint_test_tasks
		WHERE endpoint_id = ? AND created_at >= ? AND status IN (`
	args := []any{endpointID, since.UTC()}
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, st)
	}
	query += ")"
	var n int64
	if err := s.db.GetContext(ctx, &n, s.rebind(query), args...); err != nil {
		return false, fmt.Errorf("task lookup for endpoint %d: %w", endpointID, err)
	}
	return n > 0, nil
}

// EarliestPendingTask returns the endpoint's earliest PENDING task regardless
// of when it is scheduled, or ErrNotFound. The scheduler dedups against this
// so an endpoint never accumulates more than one unexecuted task.
func (s *Store) EarliestPendingTask(ctx context.Context, endpointID int64) (*EndpointTestTask, error) {
	var task EndpointTestTask
	query := s.rebind(`SELECT * FROM endpoint_test_tasks
		WHERE endpoint_id = ? AND status = ?
		ORDER BY scheduled_at ASC, id ASC LIMIT 1`)
	if err := s.db.GetContext(ctx, &task, query, endpointID, TaskPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pending task lookup for endpoint %d: %w", endpointID, err)
	}
	return &task, nil
}

// RescheduleTask moves a PENDING task to an earlier slot.
func (s *Store) RescheduleTask(ctx context.Context, id int64, at time.Time) error {
	query := s.rebind(`UPDATE endpoint_test_tasks SET scheduled_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, at.UTC(), id, TaskPending)
	if err != nil {
		return fmt.Errorf("reschedule task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DuePendingTasks returns PENDING tasks whose scheduled_at has passed,
// earliest first, up to limit.
func (s *Store) DuePendingTasks(ctx context.Context, at time.Time, limit int) ([]EndpointTestTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT * FROM endpoint_test_tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC LIMIT ?`)
	tasks := []EndpointTestTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, TaskPending, at.UTC(), limit); err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return tasks, nil
}

// MarkTaskRunning flips a task from PENDING to RUNNING, stamping last_tried.
// Returns false when another worker already claimed it, or when any other
// task for the same endpoint is RUNNING: at most one probe per endpoint at a
// time.
func (s *Store) MarkTaskRunning(ctx context.Context, id, endpointID int64) (bool, error) {
	query := s.rebind(`UPDATE endpoint_test_tasks
		SET status = ?, last_tried = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (SELECT 1 FROM endpoint_test_tasks
			WHERE endpoint_id = ? AND status = ?)`)
	res, err := s.db.ExecContext(ctx, query, TaskRunning, now(), id, TaskPending, endpointID, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("mark task %d running: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishTask records the terminal status of a RUNNING task.
func (s *Store) FinishTask(ctx context.Context, id int64, status TaskStatus) error {
	if status != TaskDone && status != TaskFailed {
		return fmt.Errorf("finish task %d: status %q is not terminal", id, status)
	}
	query := s.rebind(`UPDATE endpoint_test_tasks SET status = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("finish task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
