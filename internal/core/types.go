package core

import (
	"time"
)

// TaskType distinguishes one-shot tasks from cron-recurring ones.
type TaskType string

const (
	TaskTypeOneOff TaskType = "one_off"
	TaskTypeCron   TaskType = "cron"
)

// RunStatus describes the lifecycle state of a run.
//
// Transitions: scheduled -> queued -> running -> success|failed.
// scheduled and queued runs may also move to cancelled by operator action.
type RunStatus string

const (
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus describes the state of a stage within a run.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
)

// JobStatus describes the state of a single job against one server.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Server is a registered fleet member as seen by the execution engine.
// The engine reads servers, it never mutates them.
type Server struct {
	ID          string
	Hostname    string
	Address     string
	SSHUser     string
	SSHPassword string
	SSHPort     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is a reusable definition of a command to run against a set of servers.
type Task struct {
	ID        string
	Name      string
	Command   string
	Type      TaskType
	CronExpr  string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one invocation of a task at a point in time.
type Run struct {
	ID           string
	TaskID       string
	Status       RunStatus
	ScheduledFor *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	TriggeredBy  *string
	Manual       bool
	Notes        string
	CreatedAt    time.Time
}

// Stage is a named, ordered phase of a run. The engine currently creates
// exactly one stage per run; the model allows more so multi-phase pipelines
// can be added without changing the run/job contract.
type Stage struct {
	ID         string
	RunID      string
	Name       string
	Position   int
	Status     StageStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StageName is the name given to the single stage each run owns today.
const StageName = "remote execution"

// Job records the execution of a stage's command against one server.
// A nil ExitCode means the command never returned; ErrorMessage is set only
// on infrastructure failure, never for a plain non-zero exit.
type Job struct {
	ID           string
	StageID      string
	ServerID     string
	Status       JobStatus
	ExitCode     *int
	Stdout       string
	Stderr       string
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
