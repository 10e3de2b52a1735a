package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetrun/internal/core"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrStageNotFound = errors.New("stage not found")
)

const runColumns = `id, task_id, status, scheduled_for, started_at, finished_at, triggered_by, manual, notes, created_at`

// CreateRun inserts the run, its stage and all jobs in one transaction. A
// half-created run with zero jobs is never observable.
func (s *Store) CreateRun(ctx context.Context, run *core.Run, stage *core.Stage, jobs []*core.Job) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, string(run.Status), nullableTime(run.ScheduledFor),
		nullableTime(run.StartedAt), nullableTime(run.FinishedAt),
		nullableString(run.TriggeredBy), boolToInt(run.Manual), run.Notes,
		formatTime(run.CreatedAt)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertStage(ctx, tx, stage); err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, stage_id, server_id, status, exit_code, stdout, stderr, error_message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, job.StageID, job.ServerID, string(job.Status), nullableInt(job.ExitCode),
			job.Stdout, job.Stderr, job.ErrorMessage,
			nullableTime(job.StartedAt), nullableTime(job.FinishedAt)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns a task's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *Store) ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*core.Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
	`, string(core.RunStatusScheduled), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *Store) MarkRunQueued(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ? WHERE id = ? AND status = ?
	`, string(core.RunStatusQueued), id, string(core.RunStatusScheduled))
	if err != nil {
		return fmt.Errorf("mark run queued: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ClaimRunRunning is the dispatcher's re-entrancy guard: only a scheduled or
// queued run can move to running, and only one caller wins.
func (s *Store) ClaimRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(core.RunStatusRunning), formatTime(startedAt),
		id, string(core.RunStatusScheduled), string(core.RunStatusQueued))
	if err != nil {
		return false, fmt.Errorf("claim run running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) FinishRun(ctx context.Context, id string, status core.RunStatus, finishedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) CancelRun(ctx context.Context, id string, finishedAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(core.RunStatusCancelled), formatTime(finishedAt),
		id, string(core.RunStatusScheduled), string(core.RunStatusQueued))
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) HasActiveRun(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs WHERE task_id = ? AND status IN (?, ?)
	`, taskID, string(core.RunStatusQueued), string(core.RunStatusRunning)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	return count > 0, nil
}

// FailedJobServerIDs returns the servers whose jobs failed in the run,
// ordered by server address for reproducible retries.
func (s *Store) FailedJobServerIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT j.server_id
		FROM jobs j
		JOIN stages st ON st.id = j.stage_id
		JOIN servers sv ON sv.id = j.server_id
		WHERE st.run_id = ? AND j.status = ?
		ORDER BY sv.address
	`, runID, string(core.JobStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("query failed targets: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRunStage returns the run's first stage by position, or nil when the run
// has none.
func (s *Store) GetRunStage(ctx context.Context, runID string) (*core.Stage, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, run_id, name, position, status, started_at, finished_at
		FROM stages WHERE run_id = ? ORDER BY position LIMIT 1
	`, runID)
	stage, err := scanStage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return stage, nil
}

// ListRunStages returns all stages of a run in order, with their jobs.
func (s *Store) ListRunStages(ctx context.Context, runID string) ([]*core.Stage, map[string][]*core.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, name, position, status, started_at, finished_at
		FROM stages WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()
	var stages []*core.Stage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	jobsByStage := make(map[string][]*core.Job, len(stages))
	for _, stage := range stages {
		jobs, err := s.ListStageJobs(ctx, stage.ID)
		if err != nil {
			return nil, nil, err
		}
		jobsByStage[stage.ID] = jobs
	}
	return stages, jobsByStage, nil
}

func (s *Store) CreateStage(ctx context.Context, stage *core.Stage) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create stage: %w", err)
	}
	defer tx.Rollback()
	if err := insertStage(ctx, tx, stage); err != nil {
		return err
	}
	return tx.Commit()
}

func insertStage(ctx context.Context, tx *sql.Tx, stage *core.Stage) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stages (id, run_id, name, position, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stage.ID, stage.RunID, stage.Name, stage.Position, string(stage.Status),
		nullableTime(stage.StartedAt), nullableTime(stage.FinishedAt)); err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

func (s *Store) MarkStageRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE stages SET status = ?, started_at = ? WHERE id = ?
	`, string(core.StageStatusRunning), formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("mark stage running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStageNotFound
	}
	return nil
}

func (s *Store) FinishStage(ctx context.Context, id string, status core.StageStatus, finishedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE stages SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStageNotFound
	}
	return nil
}

// ListStageJobs returns the stage's jobs ordered by server address so the
// dispatch walk is deterministic.
func (s *Store) ListStageJobs(ctx context.Context, stageID string) ([]*core.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT j.id, j.stage_id, j.server_id, j.status, j.exit_code, j.stdout, j.stderr, j.error_message, j.started_at, j.finished_at
		FROM jobs j
		JOIN servers sv ON sv.id = j.server_id
		WHERE j.stage_id = ?
		ORDER BY sv.address
	`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list stage jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ?
	`, string(core.JobStatusRunning), formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

// FinishJob persists a job's terminal state: status, exit code, both output
// streams, error message and finish timestamp.
func (s *Store) FinishJob(ctx context.Context, job *core.Job) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, exit_code = ?, stdout = ?, stderr = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`, string(job.Status), nullableInt(job.ExitCode), job.Stdout, job.Stderr,
		job.ErrorMessage, nullableTime(job.FinishedAt), job.ID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func collectRuns(rows *sql.Rows) ([]*core.Run, error) {
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id           string
		taskID       string
		status       string
		scheduledFor sql.NullString
		startedAt    sql.NullString
		finishedAt   sql.NullString
		triggeredBy  sql.NullString
		manual       int
		notes        string
		createdAt    string
	)
	if err := scanner.Scan(&id, &taskID, &status, &scheduledFor, &startedAt, &finishedAt,
		&triggeredBy, &manual, &notes, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:           id,
		TaskID:       taskID,
		Status:       core.RunStatus(status),
		ScheduledFor: parseNullTime(scheduledFor),
		StartedAt:    parseNullTime(startedAt),
		FinishedAt:   parseNullTime(finishedAt),
		Manual:       manual != 0,
		Notes:        notes,
		CreatedAt:    mustParseTime(createdAt),
	}
	if triggeredBy.Valid {
		run.TriggeredBy = &triggeredBy.String
	}
	return run, nil
}

func scanStage(scanner interface {
	Scan(dest ...any) error
}) (*core.Stage, error) {
	var (
		id         string
		runID      string
		name       string
		position   int
		status     string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	if err := scanner.Scan(&id, &runID, &name, &position, &status, &startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	return &core.Stage{
		ID:         id,
		RunID:      runID,
		Name:       name,
		Position:   position,
		Status:     core.StageStatus(status),
		StartedAt:  parseNullTime(startedAt),
		FinishedAt: parseNullTime(finishedAt),
	}, nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*core.Job, error) {
	var (
		id         string
		stageID    string
		serverID   string
		status     string
		exitCode   sql.NullInt64
		stdout     string
		stderr     string
		errMsg     string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	if err := scanner.Scan(&id, &stageID, &serverID, &status, &exitCode, &stdout, &stderr,
		&errMsg, &startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job := &core.Job{
		ID:           id,
		StageID:      stageID,
		ServerID:     serverID,
		Status:       core.JobStatus(status),
		Stdout:       stdout,
		Stderr:       stderr,
		ErrorMessage: errMsg,
		StartedAt:    parseNullTime(startedAt),
		FinishedAt:   parseNullTime(finishedAt),
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		job.ExitCode = &val
	}
	return job, nil
}
