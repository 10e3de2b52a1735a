package core

import (
	"context"
	"log/slog"
	"time"
)

// runLauncher is the slice of the engine the scheduler needs: create a run
// and hand it to the dispatch pool. Dispatch is always asynchronous from the
// scheduler's point of view; a pass never blocks on a remote command.
type runLauncher interface {
	CreateRun(ctx context.Context, task *Task, opts CreateRunOptions) (*Run, error)
	EnqueueRun(runID string) error
}

// Scheduler performs one pass over due work per invocation: promoting due
// scheduled runs and firing due cron tasks. Passes are expected to be driven
// on a fixed cadence by a single caller; the claim-based updates in the
// store keep an accidental overlapping pass from double-firing a task.
type Scheduler struct {
	store    Store
	launcher runLauncher
	logger   *slog.Logger
	location *time.Location
}

// NewScheduler constructs a scheduler around the engine and store.
func NewScheduler(store Store, launcher runLauncher, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		store:    store,
		launcher: launcher,
		logger:   logger,
		location: location,
	}
}

// RunPass executes both sweeps once. Errors inside a sweep are logged per
// item and never abort the rest of the pass.
func (s *Scheduler) RunPass(ctx context.Context, now time.Time) {
	s.sweepDueRuns(ctx, now)
	s.sweepCronTasks(ctx, now)
}

// sweepDueRuns promotes scheduled runs whose time has come to queued and
// dispatches them.
func (s *Scheduler) sweepDueRuns(ctx context.Context, now time.Time) {
	runs, err := s.store.ListDueScheduledRuns(ctx, now)
	if err != nil {
		s.logger.Error("list due scheduled runs", "err", err)
		return
	}
	for _, run := range runs {
		if err := s.store.MarkRunQueued(ctx, run.ID); err != nil {
			s.logger.Error("promote scheduled run", "run_id", run.ID, "err", err)
			continue
		}
		s.logger.Info("promoting scheduled run", "run_id", run.ID, "task_id", run.TaskID)
		if err := s.launcher.EnqueueRun(run.ID); err != nil {
			s.logger.Error("enqueue scheduled run", "run_id", run.ID, "err", err)
		}
	}
}

// sweepCronTasks fires due cron tasks. A task with an active run is skipped
// entirely. A task without a next trigger time is armed for its next
// occurrence without firing. The follow-up trigger time is always computed
// from the previous one, not from now, so a late pass does not drift the
// cadence.
func (s *Scheduler) sweepCronTasks(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListEnabledCronTasks(ctx)
	if err != nil {
		s.logger.Error("list cron tasks", "err", err)
		return
	}
	for _, task := range tasks {
		active, err := s.store.HasActiveRun(ctx, task.ID)
		if err != nil {
			s.logger.Error("check active run", "task_id", task.ID, "err", err)
			continue
		}
		if active {
			continue
		}

		if task.NextRunAt == nil {
			next := NextTrigger(task.CronExpr, now, s.location)
			if next == nil {
				continue
			}
			nextUTC := next.UTC()
			if err := s.store.UpdateTaskNextRun(ctx, task.ID, &nextUTC); err != nil {
				s.logger.Error("arm cron task", "task_id", task.ID, "err", err)
			}
			continue
		}

		if task.NextRunAt.After(now) {
			continue
		}

		due := *task.NextRunAt
		var following *time.Time
		if next := NextTrigger(task.CronExpr, due, s.location); next != nil {
			t := next.UTC()
			following = &t
		}
		claimed, err := s.store.ClaimTaskNextRun(ctx, task.ID, due, following)
		if err != nil {
			s.logger.Error("claim cron trigger", "task_id", task.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}

		run, err := s.launcher.CreateRun(ctx, task, CreateRunOptions{
			ScheduledFor: &due,
			Status:       RunStatusQueued,
		})
		if err != nil {
			s.logger.Error("create cron run", "task_id", task.ID, "err", err)
			continue
		}
		s.logger.Info("firing cron task", "task_id", task.ID, "run_id", run.ID, "due", due.UTC().Format(time.RFC3339))
		if err := s.launcher.EnqueueRun(run.ID); err != nil {
			s.logger.Error("enqueue cron run", "run_id", run.ID, "err", err)
		}
	}
}
