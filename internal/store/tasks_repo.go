package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, command, task_type, cron_expr, enabled, last_run_at, next_run_at, created_by, created_at, updated_at`

// InsertTask stores a task together with its ordered target list.
func (s *Store) InsertTask(ctx context.Context, task *core.Task, serverIDs []string) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert task: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Command, string(task.Type), task.CronExpr, boolToInt(task.Enabled),
		nullableTime(task.LastRunAt), nullableTime(task.NextRunAt), nullableString(task.CreatedBy),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt)); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	for position, serverID := range serverIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_targets (task_id, server_id, position) VALUES (?, ?, ?)
		`, task.ID, serverID, position); err != nil {
			return fmt.Errorf("insert task target: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateTask rewrites the task's definition and, when serverIDs is non-nil,
// replaces its target list.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task, serverIDs []string) error {
	task.UpdatedAt = time.Now().UTC()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update task: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, command = ?, task_type = ?, cron_expr = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Command, string(task.Type), task.CronExpr, boolToInt(task.Enabled),
		nullableTime(task.NextRunAt), formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	if serverIDs != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_targets WHERE task_id = ?`, task.ID); err != nil {
			return fmt.Errorf("clear task targets: %w", err)
		}
		for position, serverID := range serverIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_targets (task_id, server_id, position) VALUES (?, ?, ?)
			`, task.ID, serverID, position); err != nil {
				return fmt.Errorf("insert task target: %w", err)
			}
		}
	}
	return tx.Commit()
}

// DeleteTask removes the task; runs, stages and jobs cascade with it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks, newest first, optionally filtered by type.
func (s *Store) ListTasks(ctx context.Context, taskType *core.TaskType) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if taskType != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE task_type = ? ORDER BY created_at DESC
		`, string(*taskType))
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListEnabledCronTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE task_type = ? AND enabled = 1
		ORDER BY created_at
	`, string(core.TaskTypeCron))
	if err != nil {
		return nil, fmt.Errorf("query cron tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET last_run_at = ?, updated_at = ? WHERE id = ?
	`, formatTime(lastRunAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update last_run_at: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?
	`, nullableTime(nextRunAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

// ClaimTaskNextRun advances next_run_at from prev to next in one conditional
// update. False means another pass already claimed this trigger time.
func (s *Store) ClaimTaskNextRun(ctx context.Context, id string, prev time.Time, next *time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ? AND next_run_at = ?
	`, nullableTime(next), formatTime(time.Now()), id, formatTime(prev))
	if err != nil {
		return false, fmt.Errorf("claim next_run_at: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id        string
		name      string
		command   string
		taskType  string
		cronExpr  string
		enabled   int
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdBy sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &name, &command, &taskType, &cronExpr, &enabled,
		&lastRun, &nextRun, &createdBy, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:        id,
		Name:      name,
		Command:   command,
		Type:      core.TaskType(taskType),
		CronExpr:  cronExpr,
		Enabled:   enabled != 0,
		LastRunAt: parseNullTime(lastRun),
		NextRunAt: parseNullTime(nextRun),
		CreatedAt: mustParseTime(createdAt),
		UpdatedAt: mustParseTime(updatedAt),
	}
	if createdBy.Valid {
		task.CreatedBy = &createdBy.String
	}
	return task, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
