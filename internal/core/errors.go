package core

import "errors"

// Engine error taxonomy. Callers match with errors.Is so the trigger layer
// can distinguish "already done" from "not cancellable" from "already active"
// instead of rendering a generic failure.
var (
	// ErrNoTargets is returned when a run would be created with an empty
	// server list. A run always owns at least one job.
	ErrNoTargets = errors.New("task has no target servers")

	// ErrActiveRunExists rejects triggering a task that already has a
	// queued or running run.
	ErrActiveRunExists = errors.New("task already has an active run")

	// ErrNoFailedTargets is returned by retry when the run has no failed
	// jobs to retry.
	ErrNoFailedTargets = errors.New("run has no failed targets")

	// ErrRunFinished rejects cancelling a run that already reached a
	// terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrRunNotCancellable rejects cancelling a run that is executing.
	// In-flight remote commands are not interruptible.
	ErrRunNotCancellable = errors.New("run is executing and cannot be cancelled")

	// ErrCronRequired is returned when a cron task is created or edited
	// without a cron expression.
	ErrCronRequired = errors.New("cron task requires a cron expression")
)
