package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetrun/internal/core"
	"fleetrun/internal/store"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Type      string   `json:"type"`
	Cron      string   `json:"cron"`
	ServerIDs []string `json:"server_ids"`
	Enabled   *bool    `json:"enabled"`
	CreatedBy *string  `json:"created_by"`
}

type updateTaskRequest struct {
	Name      *string  `json:"name"`
	Command   *string  `json:"command"`
	Type      *string  `json:"type"`
	Cron      *string  `json:"cron"`
	ServerIDs []string `json:"server_ids"`
	Enabled   *bool    `json:"enabled"`
}

type triggerTaskRequest struct {
	At          *string `json:"at"`
	TriggeredBy *string `json:"triggered_by"`
}

type taskResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Type      string   `json:"type"`
	Cron      string   `json:"cron,omitempty"`
	Enabled   bool     `json:"enabled"`
	ServerIDs []string `json:"server_ids,omitempty"`
	LastRunAt *string  `json:"last_run_at,omitempty"`
	NextRunAt *string  `json:"next_run_at,omitempty"`
	CreatedBy *string  `json:"created_by,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Command = strings.TrimSpace(req.Command)
	req.Cron = strings.TrimSpace(req.Cron)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "command is required")
		return
	}

	taskType := core.TaskTypeOneOff
	if req.Type != "" {
		taskType = core.TaskType(req.Type)
	}
	switch taskType {
	case core.TaskTypeOneOff, core.TaskTypeCron:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "type must be one_off or cron")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task := &core.Task{
		ID:        core.NewID(),
		Name:      req.Name,
		Command:   req.Command,
		Type:      taskType,
		CronExpr:  req.Cron,
		Enabled:   enabled,
		CreatedBy: req.CreatedBy,
	}
	if err := core.ValidateTask(task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	for _, serverID := range req.ServerIDs {
		if _, err := s.store.GetServer(r.Context(), serverID); err != nil {
			if errors.Is(err, store.ErrServerNotFound) {
				writeError(w, http.StatusBadRequest, "invalid_input", "unknown server id: "+serverID)
				return
			}
			s.logger.Error("resolve task target", "server_id", serverID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve target server")
			return
		}
	}

	if task.Type == core.TaskTypeCron && task.Enabled {
		if next := core.NextTrigger(task.CronExpr, time.Now(), s.location); next != nil {
			nextUTC := next.UTC()
			task.NextRunAt = &nextUTC
		}
	}

	if err := s.store.InsertTask(r.Context(), task, req.ServerIDs); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	writeJSON(w, http.StatusCreated, s.taskToResponse(r, task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var typeFilter *core.TaskType
	if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
		t := core.TaskType(typ)
		switch t {
		case core.TaskTypeOneOff, core.TaskTypeCron:
			typeFilter = &t
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "type must be one_off or cron")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), typeFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(r, t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(r, task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for update", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
			return
		}
		task.Name = trimmed
	}
	if req.Command != nil {
		cmd := strings.TrimSpace(*req.Command)
		if cmd == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "command cannot be empty")
			return
		}
		task.Command = cmd
	}

	scheduleChanged := false
	if req.Type != nil {
		t := core.TaskType(*req.Type)
		switch t {
		case core.TaskTypeOneOff, core.TaskTypeCron:
			if t != task.Type {
				task.Type = t
				scheduleChanged = true
			}
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "type must be one_off or cron")
			return
		}
	}
	if req.Cron != nil {
		cronExpr := strings.TrimSpace(*req.Cron)
		if cronExpr != task.CronExpr {
			task.CronExpr = cronExpr
			scheduleChanged = true
		}
	}
	if req.Enabled != nil && *req.Enabled != task.Enabled {
		task.Enabled = *req.Enabled
		scheduleChanged = true
	}

	if err := core.ValidateTask(task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	for _, serverID := range req.ServerIDs {
		if _, err := s.store.GetServer(r.Context(), serverID); err != nil {
			if errors.Is(err, store.ErrServerNotFound) {
				writeError(w, http.StatusBadRequest, "invalid_input", "unknown server id: "+serverID)
				return
			}
			s.logger.Error("resolve task target", "server_id", serverID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve target server")
			return
		}
	}

	if scheduleChanged {
		task.NextRunAt = nil
		if task.Type == core.TaskTypeCron && task.Enabled {
			if next := core.NextTrigger(task.CronExpr, time.Now(), s.location); next != nil {
				nextUTC := next.UTC()
				task.NextRunAt = &nextUTC
			}
		}
	}

	if err := s.store.UpdateTask(r.Context(), task, req.ServerIDs); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(r, task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for toggle", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	enabled, err := s.engine.ToggleEnabled(r.Context(), task)
	if err != nil {
		s.logger.Error("toggle task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to toggle task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": task.ID, "enabled": enabled})
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for trigger", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	var req triggerTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var run *core.Run
	if req.At != nil {
		at, err := time.Parse(time.RFC3339, *req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "at must be an RFC3339 timestamp")
			return
		}
		run, err = s.engine.ScheduleRun(r.Context(), task, nil, at, req.TriggeredBy)
		if err != nil {
			s.writeTriggerError(w, taskID, err)
			return
		}
	} else {
		run, err = s.engine.TriggerTask(r.Context(), task, req.TriggeredBy)
		if err != nil {
			s.writeTriggerError(w, taskID, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID,
		"status": string(run.Status),
	})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, taskID string, err error) {
	switch {
	case errors.Is(err, core.ErrActiveRunExists):
		writeError(w, http.StatusConflict, "active_run_exists", "task already has a queued or running run")
	case errors.Is(err, core.ErrNoTargets):
		writeError(w, http.StatusConflict, "no_targets", "task has no target servers")
	default:
		s.logger.Error("trigger task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start run")
	}
}

func (s *Server) taskToResponse(r *http.Request, task *core.Task) taskResponse {
	var last, next *string
	if task.LastRunAt != nil {
		formatted := task.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	if task.NextRunAt != nil {
		formatted := task.NextRunAt.UTC().Format(time.RFC3339)
		next = &formatted
	}

	var serverIDs []string
	if targets, err := s.store.ListTargets(r.Context(), task.ID); err == nil {
		serverIDs = make([]string, 0, len(targets))
		for _, target := range targets {
			serverIDs = append(serverIDs, target.ID)
		}
	}

	return taskResponse{
		ID:        task.ID,
		Name:      task.Name,
		Command:   task.Command,
		Type:      string(task.Type),
		Cron:      task.CronExpr,
		Enabled:   task.Enabled,
		ServerIDs: serverIDs,
		LastRunAt: last,
		NextRunAt: next,
		CreatedBy: task.CreatedBy,
		CreatedAt: task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
