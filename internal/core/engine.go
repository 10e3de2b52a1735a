package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier delivers operator-facing notifications about run outcomes.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// EngineOptions tune the engine's worker pool and job execution.
type EngineOptions struct {
	// Notifier, when set, is told about failed runs. Best-effort.
	Notifier Notifier
	// Location is the time zone used for cron evaluation.
	Location *time.Location
	// CommandTimeout bounds each remote command's wall-clock time.
	CommandTimeout time.Duration
	// JobParallel is the number of jobs of one run executed concurrently.
	// 1 executes the run's jobs sequentially.
	JobParallel int
	// Workers is the number of run dispatches processed concurrently.
	Workers int
	// QueueSize bounds the number of runs waiting for a dispatch worker.
	QueueSize int
}

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultJobParallel    = 4
	defaultWorkers        = 4
	defaultQueueSize      = 256
)

// Engine executes runs: it creates the run/stage/job rows, walks the state
// machine for each dispatched run, and owns the bounded worker pool that
// trigger points hand runs to.
type Engine struct {
	store     Store
	directory Directory
	executor  Executor
	logger    *slog.Logger
	notifier  Notifier

	location       *time.Location
	commandTimeout time.Duration
	jobParallel    int
	workerCount    int

	mu      sync.Mutex
	queue   chan string
	stopped bool
	started bool
	workers sync.WaitGroup
}

// NewEngine constructs an engine. Start must be called before EnqueueRun.
func NewEngine(store Store, directory Directory, executor Executor, logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.JobParallel <= 0 {
		opts.JobParallel = defaultJobParallel
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Engine{
		store:          store,
		directory:      directory,
		executor:       executor,
		logger:         logger,
		notifier:       opts.Notifier,
		location:       opts.Location,
		commandTimeout: opts.CommandTimeout,
		jobParallel:    opts.JobParallel,
		workerCount:    opts.Workers,
		queue:          make(chan string, opts.QueueSize),
	}
}

// Start launches the dispatch workers. ctx is the lifetime context handed
// to every dispatch.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for i := 0; i < e.workerCount; i++ {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for runID := range e.queue {
				if err := e.Dispatch(ctx, runID); err != nil {
					e.logger.Error("dispatch run", "run_id", runID, "err", err)
				}
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight dispatches to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()
	e.workers.Wait()
}

// EnqueueRun hands a run to the worker pool and returns immediately. The
// queue is bounded; a full queue is reported to the caller rather than
// blocking the trigger point.
func (e *Engine) EnqueueRun(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("engine is stopped")
	}
	if !e.started {
		return fmt.Errorf("engine is not started")
	}
	select {
	case e.queue <- runID:
		return nil
	default:
		return fmt.Errorf("dispatch queue is full")
	}
}

// CreateRunOptions control run creation.
type CreateRunOptions struct {
	// Servers overrides the task's target list. Empty means the full list.
	Servers []*Server
	// ScheduledFor defers execution to the given time.
	ScheduledFor *time.Time
	// TriggeredBy is the authenticated identity behind a manual trigger;
	// nil for system-triggered runs.
	TriggeredBy *string
	Manual      bool
	Notes       string
	// Status overrides the default timing-derived status.
	Status RunStatus
}

// CreateRun creates a run, its single stage and one job per target server
// in one atomic write. The default status is scheduled when ScheduledFor
// lies in the future, queued otherwise.
func (e *Engine) CreateRun(ctx context.Context, task *Task, opts CreateRunOptions) (*Run, error) {
	servers := opts.Servers
	if len(servers) == 0 {
		var err error
		servers, err = e.directory.ListTargets(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("list task targets: %w", err)
		}
	}
	if len(servers) == 0 {
		return nil, ErrNoTargets
	}

	now := time.Now().UTC()
	var scheduledFor *time.Time
	if opts.ScheduledFor != nil {
		t := opts.ScheduledFor.UTC()
		scheduledFor = &t
	}

	status := opts.Status
	if status == "" {
		status = RunStatusQueued
		if scheduledFor != nil && scheduledFor.After(now) {
			status = RunStatusScheduled
		}
	}

	run := &Run{
		ID:           NewID(),
		TaskID:       task.ID,
		Status:       status,
		ScheduledFor: scheduledFor,
		TriggeredBy:  opts.TriggeredBy,
		Manual:       opts.Manual,
		Notes:        opts.Notes,
	}
	stage := &Stage{
		ID:       NewID(),
		RunID:    run.ID,
		Name:     StageName,
		Position: 1,
		Status:   StageStatusPending,
	}
	jobs := make([]*Job, 0, len(servers))
	for _, server := range servers {
		jobs = append(jobs, &Job{
			ID:       NewID(),
			StageID:  stage.ID,
			ServerID: server.ID,
			Status:   JobStatusPending,
		})
	}
	if err := e.store.CreateRun(ctx, run, stage, jobs); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// StartRun creates a queued run for the task and hands it to the pool.
func (e *Engine) StartRun(ctx context.Context, task *Task, servers []*Server, triggeredBy *string) (*Run, error) {
	run, err := e.CreateRun(ctx, task, CreateRunOptions{
		Servers:     servers,
		TriggeredBy: triggeredBy,
		Manual:      triggeredBy != nil,
	})
	if err != nil {
		return nil, err
	}
	if err := e.EnqueueRun(run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// ScheduleRun creates a run to be promoted by the scheduler at the given time.
func (e *Engine) ScheduleRun(ctx context.Context, task *Task, servers []*Server, at time.Time, triggeredBy *string) (*Run, error) {
	return e.CreateRun(ctx, task, CreateRunOptions{
		Servers:      servers,
		ScheduledFor: &at,
		TriggeredBy:  triggeredBy,
		Manual:       triggeredBy != nil,
	})
}

// TriggerTask starts a run for the task unless one is already queued or
// running.
func (e *Engine) TriggerTask(ctx context.Context, task *Task, triggeredBy *string) (*Run, error) {
	active, err := e.store.HasActiveRun(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("check active run: %w", err)
	}
	if active {
		return nil, ErrActiveRunExists
	}
	return e.StartRun(ctx, task, nil, triggeredBy)
}

// RetryFailed creates and dispatches a new run targeting only the servers
// whose jobs failed in the given run. Retries never reuse jobs.
func (e *Engine) RetryFailed(ctx context.Context, runID string, triggeredBy *string) (*Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	serverIDs, err := e.store.FailedJobServerIDs(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list failed targets: %w", err)
	}
	if len(serverIDs) == 0 {
		return nil, ErrNoFailedTargets
	}
	servers := make([]*Server, 0, len(serverIDs))
	for _, id := range serverIDs {
		server, err := e.directory.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve failed target %s: %w", id, err)
		}
		servers = append(servers, server)
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, err
	}
	return e.StartRun(ctx, task, servers, triggeredBy)
}

// CancelRun cancels a scheduled or queued run. Runs that already started
// are not interruptible: cancellation means "don't start".
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	ok, err := e.store.CancelRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	return ErrRunNotCancellable
}

// ToggleEnabled flips the task's enabled flag and returns the new value.
func (e *Engine) ToggleEnabled(ctx context.Context, task *Task) (bool, error) {
	enabled := !task.Enabled
	if err := e.store.SetTaskEnabled(ctx, task.ID, enabled); err != nil {
		return task.Enabled, err
	}
	return enabled, nil
}

// Dispatch executes one run to completion: run -> running, stage -> running,
// every job attempted regardless of its siblings' outcomes, then stage and
// run aggregate to success iff all jobs succeeded. Dispatching a run that is
// already running, finished or cancelled is a no-op.
func (e *Engine) Dispatch(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	startedAt := time.Now().UTC()
	claimed, err := e.store.ClaimRunRunning(ctx, run.ID, startedAt)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		e.logger.Info("run not dispatchable, skipping", "run_id", run.ID, "status", string(run.Status))
		return nil
	}

	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}

	stage, err := e.store.GetRunStage(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load stage: %w", err)
	}
	if stage == nil {
		stage = &Stage{
			ID:       NewID(),
			RunID:    run.ID,
			Name:     StageName,
			Position: 1,
			Status:   StageStatusPending,
		}
		if err := e.store.CreateStage(ctx, stage); err != nil {
			return fmt.Errorf("create stage: %w", err)
		}
	}
	if err := e.store.MarkStageRunning(ctx, stage.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark stage running: %w", err)
	}

	jobs, err := e.store.ListStageJobs(ctx, stage.ID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	allSuccess := e.executeJobs(ctx, task, jobs)

	finishedAt := time.Now().UTC()
	stageStatus := StageStatusSuccess
	runStatus := RunStatusSuccess
	if !allSuccess {
		stageStatus = StageStatusFailed
		runStatus = RunStatusFailed
	}
	if err := e.store.FinishStage(ctx, stage.ID, stageStatus, finishedAt); err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	if err := e.store.FinishRun(ctx, run.ID, runStatus, finishedAt); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	if err := e.store.UpdateTaskLastRun(ctx, task.ID, finishedAt); err != nil {
		e.logger.Warn("update task last run", "task_id", task.ID, "err", err)
	}
	if task.Type == TaskTypeCron && task.CronExpr != "" {
		next := NextTrigger(task.CronExpr, time.Now(), e.location)
		var nextUTC *time.Time
		if next != nil {
			t := next.UTC()
			nextUTC = &t
		}
		if err := e.store.UpdateTaskNextRun(ctx, task.ID, nextUTC); err != nil {
			e.logger.Warn("update task next run", "task_id", task.ID, "err", err)
		}
	}

	e.logger.Info("run finished", "run_id", run.ID, "task_id", task.ID, "status", string(runStatus))

	if e.notifier != nil && runStatus == RunStatusFailed {
		body := fmt.Sprintf("task %q run %s finished with failures", task.Name, run.ID)
		if err := e.notifier.Send(ctx, "run failed", body); err != nil {
			e.logger.Warn("send notification", "run_id", run.ID, "err", err)
		}
	}
	return nil
}

// executeJobs fans the stage's jobs out over a bounded number of goroutines
// and joins before reporting the aggregate outcome. One job's failure never
// aborts its siblings.
func (e *Engine) executeJobs(ctx context.Context, task *Task, jobs []*Job) bool {
	sem := make(chan struct{}, e.jobParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allSuccess := true

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if !e.executeJob(ctx, task, job) {
				mu.Lock()
				allSuccess = false
				mu.Unlock()
			}
		}(job)
	}
	wg.Wait()
	return allSuccess
}

// executeJob runs the task command against the job's server and persists the
// result immediately so a crash mid-run leaves partial, inspectable state.
func (e *Engine) executeJob(ctx context.Context, task *Task, job *Job) bool {
	startedAt := time.Now().UTC()
	if err := e.store.MarkJobRunning(ctx, job.ID, startedAt); err != nil {
		e.logger.Error("mark job running", "job_id", job.ID, "err", err)
	}
	job.StartedAt = &startedAt

	var result *CommandResult
	server, err := e.directory.Resolve(ctx, job.ServerID)
	if err == nil {
		result, err = e.executor.Run(ctx, server, task.Command, e.commandTimeout)
	} else {
		err = fmt.Errorf("resolve server: %w", err)
	}

	finishedAt := time.Now().UTC()
	job.FinishedAt = &finishedAt
	if err != nil {
		// Infra failure: the command never completed.
		job.ExitCode = nil
		job.ErrorMessage = err.Error()
		job.Status = JobStatusFailed
		e.logger.Warn("job infra failure", "job_id", job.ID, "server_id", job.ServerID, "err", err)
	} else {
		code := result.ExitCode
		job.ExitCode = &code
		job.Stdout = result.Stdout
		job.Stderr = result.Stderr
		job.ErrorMessage = ""
		if code == 0 {
			job.Status = JobStatusSuccess
		} else {
			job.Status = JobStatusFailed
		}
	}
	if err := e.store.FinishJob(ctx, job); err != nil {
		e.logger.Error("persist job result", "job_id", job.ID, "err", err)
		return false
	}
	return job.Status == JobStatusSuccess
}

// ValidateTask checks the invariants a task must satisfy before it is stored.
func ValidateTask(task *Task) error {
	if task.Command == "" {
		return errors.New("command is required")
	}
	switch task.Type {
	case TaskTypeOneOff:
		return nil
	case TaskTypeCron:
		if _, err := ParseCron(task.CronExpr); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}
