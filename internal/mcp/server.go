package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetrun/internal/core"
	"fleetrun/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the execution engine to MCP clients over stdio.
type MCPServer struct {
	store    *store.Store
	engine   *core.Engine
	logger   *slog.Logger
	location *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, engine *core.Engine, logger *slog.Logger, location *time.Location) *MCPServer {
	return &MCPServer{
		store:    store,
		engine:   engine,
		logger:   logger,
		location: location,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"fleetrun",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	// exec_list_servers
	mcpServer.AddTool(mcp.NewTool("exec_list_servers",
		mcp.WithDescription("List the registered fleet servers"),
	), s.handleListServers)

	// exec_list_tasks
	mcpServer.AddTool(mcp.NewTool("exec_list_tasks",
		mcp.WithDescription("List execution tasks"),
		mcp.WithString("type",
			mcp.Description("Filter by task type: one_off or cron"),
			mcp.Enum("one_off", "cron"),
		),
	), s.handleListTasks)

	// exec_get_task
	mcpServer.AddTool(mcp.NewTool("exec_get_task",
		mcp.WithDescription("Get the details of one execution task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	// exec_trigger_task
	mcpServer.AddTool(mcp.NewTool("exec_trigger_task",
		mcp.WithDescription("Start a run of the task against its target servers now"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleTriggerTask)

	// exec_list_runs
	mcpServer.AddTool(mcp.NewTool("exec_list_runs",
		mcp.WithDescription("List the run history of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs to return, default 20"),
			mcp.Min(1),
		),
	), s.handleListRuns)

	// exec_get_run
	mcpServer.AddTool(mcp.NewTool("exec_get_run",
		mcp.WithDescription("Get a run with its per-server job results"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	// exec_retry_failed
	mcpServer.AddTool(mcp.NewTool("exec_retry_failed",
		mcp.WithDescription("Start a new run targeting only the servers that failed in the given run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleRetryFailed)

	// exec_cancel_run
	mcpServer.AddTool(mcp.NewTool("exec_cancel_run",
		mcp.WithDescription("Cancel a scheduled or queued run before it starts"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleCancelRun)

	// exec_cron_preview
	mcpServer.AddTool(mcp.NewTool("exec_cron_preview",
		mcp.WithDescription("Preview the next trigger times of a 5-field cron expression (minute hour day month weekday)"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of trigger times to show, default 5"),
			mcp.Min(1),
		),
	), s.handleCronPreview)
}

// handleListServers handles the exec_list_servers tool call.
func (s *MCPServer) handleListServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list servers: %v", err)), nil
	}
	if len(servers) == 0 {
		return mcp.NewToolResultText("no servers registered"), nil
	}

	result := fmt.Sprintf("%d servers:\n\n", len(servers))
	for _, server := range servers {
		result += fmt.Sprintf("%s\n", server.ID)
		result += fmt.Sprintf("  hostname: %s\n", server.Hostname)
		result += fmt.Sprintf("  address: %s:%d\n", server.Address, server.SSHPort)
		result += fmt.Sprintf("  ssh user: %s\n", server.SSHUser)
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleListTasks handles the exec_list_tasks tool call.
func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typeStr := mcp.ParseString(request, "type", "")
	var typeFilter *core.TaskType
	if typeStr == string(core.TaskTypeOneOff) || typeStr == string(core.TaskTypeCron) {
		t := core.TaskType(typeStr)
		typeFilter = &t
	}

	tasks, err := s.store.ListTasks(ctx, typeFilter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("no tasks found"), nil
	}

	result := fmt.Sprintf("%d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		marker := "enabled"
		if !t.Enabled {
			marker = "disabled"
		}
		result += fmt.Sprintf("%s [%s, %s]\n", t.ID, t.Type, marker)
		result += fmt.Sprintf("  name: %s\n", t.Name)
		result += fmt.Sprintf("  command: %s\n", truncateString(t.Command, 60))
		if t.CronExpr != "" {
			result += fmt.Sprintf("  cron: %s\n", t.CronExpr)
		}
		if t.NextRunAt != nil {
			result += fmt.Sprintf("  next run: %s\n", formatTime(t.NextRunAt))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleGetTask handles the exec_get_task tool call.
func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	result := fmt.Sprintf("task %s\n", task.ID)
	result += fmt.Sprintf("name: %s\n", task.Name)
	result += fmt.Sprintf("type: %s\n", task.Type)
	result += fmt.Sprintf("enabled: %t\n", task.Enabled)
	result += fmt.Sprintf("command: %s\n", task.Command)
	if task.CronExpr != "" {
		result += fmt.Sprintf("cron: %s\n", task.CronExpr)
	}
	if task.LastRunAt != nil {
		result += fmt.Sprintf("last run: %s\n", formatTime(task.LastRunAt))
	}
	if task.NextRunAt != nil {
		result += fmt.Sprintf("next run: %s\n", formatTime(task.NextRunAt))
	}
	if targets, err := s.store.ListTargets(ctx, task.ID); err == nil && len(targets) > 0 {
		result += "targets:\n"
		for _, target := range targets {
			result += fmt.Sprintf("  %s (%s)\n", target.Hostname, target.Address)
		}
	}
	result += fmt.Sprintf("created: %s\n", formatTime(&task.CreatedAt))

	return mcp.NewToolResultText(result), nil
}

// handleTriggerTask handles the exec_trigger_task tool call.
func (s *MCPServer) handleTriggerTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	run, err := s.engine.TriggerTask(ctx, task, nil)
	if err != nil {
		if errors.Is(err, core.ErrActiveRunExists) {
			return mcp.NewToolResultError("task already has a queued or running run"), nil
		}
		if errors.Is(err, core.ErrNoTargets) {
			return mcp.NewToolResultError("task has no target servers"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("run started\ntask ID: %s\nrun ID: %s", task.ID, run.ID)), nil
}

// handleListRuns handles the exec_list_runs tool call.
func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs recorded for this task"), nil
	}

	result := fmt.Sprintf("%d runs:\n\n", len(runs))
	for _, r := range runs {
		result += fmt.Sprintf("run %s [%s]\n", r.ID, r.Status)
		if r.ScheduledFor != nil {
			result += fmt.Sprintf("  scheduled for: %s\n", formatTime(r.ScheduledFor))
		}
		if r.StartedAt != nil {
			result += fmt.Sprintf("  started: %s\n", formatTime(r.StartedAt))
		}
		if r.FinishedAt != nil {
			result += fmt.Sprintf("  finished: %s\n", formatTime(r.FinishedAt))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleGetRun handles the exec_get_run tool call.
func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	result := fmt.Sprintf("run %s [%s]\n", run.ID, run.Status)
	result += fmt.Sprintf("task ID: %s\n", run.TaskID)
	if run.TriggeredBy != nil {
		result += fmt.Sprintf("triggered by: %s\n", *run.TriggeredBy)
	}
	if run.StartedAt != nil {
		result += fmt.Sprintf("started: %s\n", formatTime(run.StartedAt))
	}
	if run.FinishedAt != nil {
		result += fmt.Sprintf("finished: %s\n", formatTime(run.FinishedAt))
	}

	stages, jobsByStage, err := s.store.ListRunStages(ctx, run.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run stages: %v", err)), nil
	}
	for _, stage := range stages {
		result += fmt.Sprintf("\nstage %q [%s]\n", stage.Name, stage.Status)
		for _, job := range jobsByStage[stage.ID] {
			result += fmt.Sprintf("  job %s server=%s status=%s", job.ID, job.ServerID, job.Status)
			if job.ExitCode != nil {
				result += fmt.Sprintf(" exit=%d", *job.ExitCode)
			}
			result += "\n"
			if job.ErrorMessage != "" {
				result += fmt.Sprintf("    error: %s\n", job.ErrorMessage)
			}
			if job.Stderr != "" {
				result += fmt.Sprintf("    stderr: %s\n", truncateString(job.Stderr, 200))
			}
		}
	}
	return mcp.NewToolResultText(result), nil
}

// handleRetryFailed handles the exec_retry_failed tool call.
func (s *MCPServer) handleRetryFailed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	run, err := s.engine.RetryFailed(ctx, runID, nil)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		if errors.Is(err, core.ErrNoFailedTargets) {
			return mcp.NewToolResultError("run has no failed jobs to retry"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to retry run: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("retry started\nrun ID: %s", run.ID)), nil
}

// handleCancelRun handles the exec_cancel_run tool call.
func (s *MCPServer) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	if err := s.engine.CancelRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		if errors.Is(err, core.ErrRunFinished) {
			return mcp.NewToolResultError("run already reached a terminal status"), nil
		}
		if errors.Is(err, core.ErrRunNotCancellable) {
			return mcp.NewToolResultError("run is executing and cannot be cancelled"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel run: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("run cancelled: %s", runID)), nil
}

// handleCronPreview handles the exec_cron_preview tool call.
func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count > 10 {
		count = 10
	}

	now := time.Now().In(s.location)
	nextTimes := core.NextOccurrences(schedule, now, count)

	result := fmt.Sprintf("cron expression: %s\n", cronExpr)
	result += fmt.Sprintf("time zone: %s\n\n", s.location)
	result += "upcoming trigger times:\n"
	for i, t := range nextTimes {
		result += fmt.Sprintf("  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

// Helper functions

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
