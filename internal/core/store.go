package core

import (
	"context"
	"time"
)

// Store abstracts the persistence layer used by the engine and scheduler.
// The relational store is the single source of truth and the engine's only
// coordination point; the Claim* methods are single atomic conditional
// updates and report whether this caller won the transition.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	ListEnabledCronTasks(ctx context.Context) ([]*Task, error)
	UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error
	UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
	// ClaimTaskNextRun advances next_run_at from prev to next only if it
	// still equals prev, so overlapping scheduler passes cannot both fire
	// the same trigger time.
	ClaimTaskNextRun(ctx context.Context, id string, prev time.Time, next *time.Time) (bool, error)
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error

	// Run operations
	// CreateRun inserts the run, its stage and its jobs in one transaction:
	// either all rows exist afterwards or none do.
	CreateRun(ctx context.Context, run *Run, stage *Stage, jobs []*Job) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*Run, error)
	MarkRunQueued(ctx context.Context, id string) error
	// ClaimRunRunning transitions a scheduled or queued run to running.
	// Any other current status leaves the row untouched and returns false.
	ClaimRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	FinishRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time) error
	// CancelRun cancels a scheduled or queued run; false means the run was
	// already past the point of cancellation.
	CancelRun(ctx context.Context, id string, finishedAt time.Time) (bool, error)
	HasActiveRun(ctx context.Context, taskID string) (bool, error)
	FailedJobServerIDs(ctx context.Context, runID string) ([]string, error)

	// Stage operations
	// GetRunStage returns the run's first stage by position, or nil when
	// the run has none.
	GetRunStage(ctx context.Context, runID string) (*Stage, error)
	CreateStage(ctx context.Context, stage *Stage) error
	MarkStageRunning(ctx context.Context, id string, startedAt time.Time) error
	FinishStage(ctx context.Context, id string, status StageStatus, finishedAt time.Time) error

	// Job operations
	// ListStageJobs returns jobs ordered by their server's address so the
	// dispatch order is reproducible.
	ListStageJobs(ctx context.Context, stageID string) ([]*Job, error)
	MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error
	// FinishJob persists the job's terminal status together with its exit
	// code, captured output and error message.
	FinishJob(ctx context.Context, job *Job) error
}

// Directory is the engine's read-only view of the server inventory.
type Directory interface {
	// ListTargets returns a task's target servers in stored order.
	ListTargets(ctx context.Context, taskID string) ([]*Server, error)
	Resolve(ctx context.Context, serverID string) (*Server, error)
}
