package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFleet(store *fakeStore) (*Task, []*Server) {
	servers := []*Server{
		{ID: "srv-a", Hostname: "web-1", Address: "10.0.0.1", SSHUser: "ops", SSHPassword: "secret", SSHPort: 22},
		{ID: "srv-b", Hostname: "web-2", Address: "10.0.0.2", SSHUser: "ops", SSHPassword: "secret", SSHPort: 22},
		{ID: "srv-c", Hostname: "web-3", Address: "10.0.0.3", SSHUser: "ops", SSHPassword: "secret", SSHPort: 22},
	}
	for _, server := range servers {
		store.addServer(server)
	}
	task := &Task{
		ID:      "task-1",
		Name:    "disk usage",
		Command: "df -h",
		Type:    TaskTypeOneOff,
		Enabled: true,
	}
	store.addTask(task, []string{"srv-a", "srv-b", "srv-c"})
	return task, servers
}

func TestDispatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "ok\n")
	executor.failWith("10.0.0.2", errors.New("connect to 10.0.0.2:22: connection refused"))
	executor.exitWith("10.0.0.3", 3, "df: /mnt: no such device\n")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != RunStatusQueued {
		t.Fatalf("new run status = %s, want queued", run.Status)
	}

	if err := engine.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := store.run(run.ID)
	if got.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("expected run started/finished timestamps to be set")
	}

	stage := store.runStage(run.ID)
	if stage == nil {
		t.Fatal("expected a stage for the run")
	}
	if stage.Status != StageStatusFailed {
		t.Fatalf("stage status = %s, want failed", stage.Status)
	}

	jobs := store.stageJobs(stage.ID)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	// Jobs come back ordered by server address.
	jobA, jobB, jobC := jobs[0], jobs[1], jobs[2]

	if jobA.Status != JobStatusSuccess {
		t.Fatalf("job A status = %s, want success", jobA.Status)
	}
	if jobA.ExitCode == nil || *jobA.ExitCode != 0 {
		t.Fatalf("job A exit code = %v, want 0", jobA.ExitCode)
	}
	if jobA.Stdout != "ok\n" {
		t.Fatalf("job A stdout = %q", jobA.Stdout)
	}
	if jobA.ErrorMessage != "" {
		t.Fatalf("job A error message = %q, want empty", jobA.ErrorMessage)
	}

	// Infra failure: no exit code, error message set.
	if jobB.Status != JobStatusFailed {
		t.Fatalf("job B status = %s, want failed", jobB.Status)
	}
	if jobB.ExitCode != nil {
		t.Fatalf("job B exit code = %v, want nil", *jobB.ExitCode)
	}
	if !strings.Contains(jobB.ErrorMessage, "connection refused") {
		t.Fatalf("job B error message = %q", jobB.ErrorMessage)
	}

	// Non-zero exit: failed, but it is a command outcome, not an error.
	if jobC.Status != JobStatusFailed {
		t.Fatalf("job C status = %s, want failed", jobC.Status)
	}
	if jobC.ExitCode == nil || *jobC.ExitCode != 3 {
		t.Fatalf("job C exit code = %v, want 3", jobC.ExitCode)
	}
	if jobC.ErrorMessage != "" {
		t.Fatalf("job C error message = %q, want empty", jobC.ErrorMessage)
	}

	if last := store.task(task.ID).LastRunAt; last == nil {
		t.Fatal("expected task last run time to be recorded")
	}
}

func TestDispatchAllSuccessUpdatesCronSchedule(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addServer(&Server{ID: "srv-a", Hostname: "web-1", Address: "10.0.0.1", SSHUser: "ops", SSHPassword: "secret"})
	task := &Task{
		ID:       "task-cron",
		Name:     "hourly check",
		Command:  "uptime",
		Type:     TaskTypeCron,
		CronExpr: "0 * * * *",
		Enabled:  true,
	}
	store.addTask(task, []string{"srv-a"})

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "up 3 days\n")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{Location: time.UTC})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := engine.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := store.run(run.ID); got.Status != RunStatusSuccess {
		t.Fatalf("run status = %s, want success", got.Status)
	}
	stage := store.runStage(run.ID)
	if stage.Status != StageStatusSuccess {
		t.Fatalf("stage status = %s, want success", stage.Status)
	}

	updated := store.task(task.ID)
	if updated.NextRunAt == nil {
		t.Fatal("expected cron task to be rescheduled after the run")
	}
	if !updated.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("next run %v is not in the future", updated.NextRunAt)
	}
}

func TestDispatchTerminalRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	finished := time.Now().UTC()
	if err := store.FinishRun(ctx, run.ID, RunStatusSuccess, finished); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	if err := engine.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executor.callCount() != 0 {
		t.Fatalf("expected no commands to run, got %d", executor.callCount())
	}
	if got := store.run(run.ID); got.Status != RunStatusSuccess {
		t.Fatalf("run status changed to %s", got.Status)
	}
}

func TestCreateRunNoTargets(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task := &Task{ID: "task-empty", Name: "noop", Command: "true", Type: TaskTypeOneOff, Enabled: true}
	store.addTask(task, nil)

	engine := NewEngine(store, store, newFakeExecutor(), testLogger(), EngineOptions{})

	if _, err := engine.CreateRun(ctx, task, CreateRunOptions{}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
	if store.runCount() != 0 {
		t.Fatalf("expected no runs to be created, got %d", store.runCount())
	}
}

func TestCreateRunDefaultStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)
	engine := NewEngine(store, store, newFakeExecutor(), testLogger(), EngineOptions{})

	future := time.Now().UTC().Add(time.Hour)
	scheduled, err := engine.CreateRun(ctx, task, CreateRunOptions{ScheduledFor: &future})
	if err != nil {
		t.Fatalf("create scheduled run: %v", err)
	}
	if scheduled.Status != RunStatusScheduled {
		t.Fatalf("future run status = %s, want scheduled", scheduled.Status)
	}

	past := time.Now().UTC().Add(-time.Hour)
	immediate, err := engine.CreateRun(ctx, task, CreateRunOptions{ScheduledFor: &past})
	if err != nil {
		t.Fatalf("create past run: %v", err)
	}
	if immediate.Status != RunStatusQueued {
		t.Fatalf("past run status = %s, want queued", immediate.Status)
	}
}

func TestTriggerTaskActiveRunGuard(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "")
	executor.succeed("10.0.0.2", "")
	executor.succeed("10.0.0.3", "")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})

	// A queued run blocks further triggers.
	if _, err := engine.CreateRun(ctx, task, CreateRunOptions{}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	engine.Start(ctx)
	defer engine.Stop()

	operator := "alice"
	if _, err := engine.TriggerTask(ctx, task, &operator); !errors.Is(err, ErrActiveRunExists) {
		t.Fatalf("expected ErrActiveRunExists, got %v", err)
	}
}

func TestTriggerTaskRecordsOperator(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "")
	executor.succeed("10.0.0.2", "")
	executor.succeed("10.0.0.3", "")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})
	engine.Start(ctx)

	operator := "alice"
	run, err := engine.TriggerTask(ctx, task, &operator)
	if err != nil {
		t.Fatalf("trigger task: %v", err)
	}
	engine.Stop() // drains the queue

	got := store.run(run.ID)
	if got.Status != RunStatusSuccess {
		t.Fatalf("run status = %s, want success", got.Status)
	}
	if !got.Manual {
		t.Fatal("expected operator-triggered run to be marked manual")
	}
	if got.TriggeredBy == nil || *got.TriggeredBy != "alice" {
		t.Fatalf("triggered by = %v, want alice", got.TriggeredBy)
	}
}

func TestRetryFailedTargetsOnlyFailedServers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "")
	executor.failWith("10.0.0.2", errors.New("connection refused"))
	executor.exitWith("10.0.0.3", 1, "")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})

	first, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := engine.Dispatch(ctx, first.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := store.run(first.ID); got.Status != RunStatusFailed {
		t.Fatalf("first run status = %s, want failed", got.Status)
	}

	// The failing servers recover before the retry.
	executor.succeed("10.0.0.2", "")
	executor.succeed("10.0.0.3", "")

	engine.Start(ctx)
	operator := "bob"
	retry, err := engine.RetryFailed(ctx, first.ID, &operator)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	engine.Stop()

	if retry.ID == first.ID {
		t.Fatal("retry must be a new run")
	}
	got := store.run(retry.ID)
	if got.Status != RunStatusSuccess {
		t.Fatalf("retry run status = %s, want success", got.Status)
	}

	stage := store.runStage(retry.ID)
	jobs := store.stageJobs(stage.ID)
	if len(jobs) != 2 {
		t.Fatalf("expected retry to target 2 servers, got %d", len(jobs))
	}
	if jobs[0].ServerID != "srv-b" || jobs[1].ServerID != "srv-c" {
		t.Fatalf("retry targets = %s, %s; want srv-b, srv-c", jobs[0].ServerID, jobs[1].ServerID)
	}

	// The original run is untouched.
	if got := store.run(first.ID); got.Status != RunStatusFailed {
		t.Fatalf("first run status changed to %s", got.Status)
	}
}

func TestRetryFailedWithoutFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "")
	executor.succeed("10.0.0.2", "")
	executor.succeed("10.0.0.3", "")

	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := engine.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := engine.RetryFailed(ctx, run.ID, nil); !errors.Is(err, ErrNoFailedTargets) {
		t.Fatalf("expected ErrNoFailedTargets, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)
	engine := NewEngine(store, store, newFakeExecutor(), testLogger(), EngineOptions{})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := engine.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("cancel queued run: %v", err)
	}
	got := store.run(run.ID)
	if got.Status != RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected cancelled run to have a finished timestamp")
	}

	// Cancelling twice: the run is already terminal.
	if err := engine.CancelRun(ctx, run.ID); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}

	// A running run is not cancellable.
	running, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.ClaimRunRunning(ctx, running.ID, time.Now().UTC()); err != nil {
		t.Fatalf("claim run: %v", err)
	}
	if err := engine.CancelRun(ctx, running.ID); !errors.Is(err, ErrRunNotCancellable) {
		t.Fatalf("expected ErrRunNotCancellable, got %v", err)
	}
}

func TestDispatchNotifiesOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)

	executor := newFakeExecutor()
	executor.succeed("10.0.0.1", "")
	executor.exitWith("10.0.0.2", 1, "")
	executor.succeed("10.0.0.3", "")

	notifier := &fakeNotifier{}
	engine := NewEngine(store, store, executor, testLogger(), EngineOptions{Notifier: notifier})

	run, err := engine.CreateRun(ctx, task, CreateRunOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := engine.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.titles) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.titles))
	}
	if notifier.titles[0] != "run failed" {
		t.Fatalf("notification title = %q", notifier.titles[0])
	}
	if !strings.Contains(notifier.bodies[0], run.ID) {
		t.Fatalf("notification body %q does not mention the run", notifier.bodies[0])
	}
}

func TestToggleEnabled(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task, _ := testFleet(store)
	engine := NewEngine(store, store, newFakeExecutor(), testLogger(), EngineOptions{})

	enabled, err := engine.ToggleEnabled(ctx, task)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if enabled {
		t.Fatal("expected task to be disabled")
	}
	if store.task(task.ID).Enabled {
		t.Fatal("expected stored task to be disabled")
	}
}

func TestEnqueueRunLifecycle(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, store, newFakeExecutor(), testLogger(), EngineOptions{})

	if err := engine.EnqueueRun("run-1"); err == nil {
		t.Fatal("expected enqueue before Start to fail")
	}
	engine.Start(context.Background())
	engine.Stop()
	if err := engine.EnqueueRun("run-2"); err == nil {
		t.Fatal("expected enqueue after Stop to fail")
	}
}
