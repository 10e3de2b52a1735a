package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeStore is an in-memory Store and Directory for engine and scheduler
// tests. All methods copy on the way in and out so "persisted" state is
// distinguishable from state the caller mutated afterwards.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	runs    map[string]*Run
	stages  map[string]*Stage
	jobs    map[string]*Job
	servers map[string]*Server
	targets map[string][]string

	failClaims bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:   make(map[string]*Task),
		runs:    make(map[string]*Run),
		stages:  make(map[string]*Stage),
		jobs:    make(map[string]*Job),
		servers: make(map[string]*Server),
		targets: make(map[string][]string),
	}
}

func (f *fakeStore) addServer(server *Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *server
	f.servers[server.ID] = &copied
}

func (f *fakeStore) addTask(task *Task, serverIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.tasks[task.ID] = &copied
	f.targets[task.ID] = append([]string(nil), serverIDs...)
}

func (f *fakeStore) task(id string) *Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.tasks[id]
	return &copied
}

func (f *fakeStore) run(id string) *Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.runs[id]
	return &copied
}

func (f *fakeStore) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeStore) runStage(runID string) *Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stage := range f.stages {
		if stage.RunID == runID {
			copied := *stage
			return &copied
		}
	}
	return nil
}

func (f *fakeStore) stageJobs(stageID string) []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stageJobsLocked(stageID)
}

func (f *fakeStore) stageJobsLocked(stageID string) []*Job {
	jobs := make([]*Job, 0)
	for _, job := range f.jobs {
		if job.StageID == stageID {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return f.servers[jobs[i].ServerID].Address < f.servers[jobs[j].ServerID].Address
	})
	return jobs
}

// Store implementation

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	copied := *task
	return &copied, nil
}

func (f *fakeStore) ListEnabledCronTasks(ctx context.Context) ([]*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := make([]*Task, 0)
	for _, task := range f.tasks {
		if task.Enabled && task.Type == TaskTypeCron {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (f *fakeStore) UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.LastRunAt = &lastRunAt
	}
	return nil
}

func (f *fakeStore) UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.NextRunAt = nextRunAt
	}
	return nil
}

func (f *fakeStore) ClaimTaskNextRun(ctx context.Context, id string, prev time.Time, next *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClaims {
		return false, nil
	}
	task, ok := f.tasks[id]
	if !ok || task.NextRunAt == nil || !task.NextRunAt.Equal(prev) {
		return false, nil
	}
	task.NextRunAt = next
	return true, nil
}

func (f *fakeStore) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.Enabled = enabled
	}
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *Run, stage *Stage, jobs []*Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	runCopy := *run
	runCopy.CreatedAt = time.Now().UTC()
	f.runs[run.ID] = &runCopy
	stageCopy := *stage
	f.stages[stage.ID] = &stageCopy
	for _, job := range jobs {
		jobCopy := *job
		f.jobs[job.ID] = &jobCopy
	}
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStore) ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make([]*Run, 0)
	for _, run := range f.runs {
		if run.Status == RunStatusScheduled && run.ScheduledFor != nil && !run.ScheduledFor.After(now) {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

func (f *fakeStore) MarkRunQueued(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if run.Status == RunStatusScheduled {
		run.Status = RunStatusQueued
	}
	return nil
}

func (f *fakeStore) ClaimRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}
	if run.Status != RunStatusScheduled && run.Status != RunStatusQueued {
		return false, nil
	}
	run.Status = RunStatusRunning
	run.StartedAt = &startedAt
	return true, nil
}

func (f *fakeStore) FinishRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		run.Status = status
		run.FinishedAt = &finishedAt
	}
	return nil
}

func (f *fakeStore) CancelRun(ctx context.Context, id string, finishedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}
	if run.Status != RunStatusScheduled && run.Status != RunStatusQueued {
		return false, nil
	}
	run.Status = RunStatusCancelled
	run.FinishedAt = &finishedAt
	return true, nil
}

func (f *fakeStore) HasActiveRun(ctx context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.TaskID == taskID && (run.Status == RunStatusQueued || run.Status == RunStatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FailedJobServerIDs(ctx context.Context, runID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0)
	for _, stage := range f.stages {
		if stage.RunID != runID {
			continue
		}
		for _, job := range f.stageJobsLocked(stage.ID) {
			if job.Status == JobStatusFailed {
				ids = append(ids, job.ServerID)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) GetRunStage(ctx context.Context, runID string) (*Stage, error) {
	return f.runStage(runID), nil
}

func (f *fakeStore) CreateStage(ctx context.Context, stage *Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *stage
	f.stages[stage.ID] = &copied
	return nil
}

func (f *fakeStore) MarkStageRunning(ctx context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stage, ok := f.stages[id]; ok {
		stage.Status = StageStatusRunning
		stage.StartedAt = &startedAt
	}
	return nil
}

func (f *fakeStore) FinishStage(ctx context.Context, id string, status StageStatus, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stage, ok := f.stages[id]; ok {
		stage.Status = status
		stage.FinishedAt = &finishedAt
	}
	return nil
}

func (f *fakeStore) ListStageJobs(ctx context.Context, stageID string) ([]*Job, error) {
	return f.stageJobs(stageID), nil
}

func (f *fakeStore) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = JobStatusRunning
		job.StartedAt = &startedAt
	}
	return nil
}

func (f *fakeStore) FinishJob(ctx context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

// Directory implementation

func (f *fakeStore) ListTargets(ctx context.Context, taskID string) ([]*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	servers := make([]*Server, 0)
	for _, id := range f.targets[taskID] {
		if server, ok := f.servers[id]; ok {
			copied := *server
			servers = append(servers, &copied)
		}
	}
	return servers, nil
}

func (f *fakeStore) Resolve(ctx context.Context, serverID string) (*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("server %s not found", serverID)
	}
	copied := *server
	return &copied, nil
}

// fakeExecutor scripts one outcome per server address.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]fakeExecResult
	calls   []string
}

type fakeExecResult struct {
	result *CommandResult
	err    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string]fakeExecResult)}
}

func (e *fakeExecutor) succeed(address, stdout string) {
	e.results[address] = fakeExecResult{result: &CommandResult{ExitCode: 0, Stdout: stdout}}
}

func (e *fakeExecutor) exitWith(address string, code int, stderr string) {
	e.results[address] = fakeExecResult{result: &CommandResult{ExitCode: code, Stderr: stderr}}
}

func (e *fakeExecutor) failWith(address string, err error) {
	e.results[address] = fakeExecResult{err: err}
}

func (e *fakeExecutor) Run(ctx context.Context, server *Server, command string, timeout time.Duration) (*CommandResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, server.Address)
	scripted, ok := e.results[server.Address]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no scripted result for %s", server.Address)
	}
	return scripted.result, scripted.err
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// fakeNotifier records sent notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (n *fakeNotifier) Send(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	n.bodies = append(n.bodies, body)
	return nil
}
