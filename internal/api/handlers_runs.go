package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"fleetrun/internal/core"
	"fleetrun/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	ScheduledFor *string `json:"scheduled_for,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	TriggeredBy  *string `json:"triggered_by,omitempty"`
	Manual       bool    `json:"manual"`
	Notes        string  `json:"notes,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type runDetailResponse struct {
	runResponse
	Stages []stageResponse `json:"stages"`
}

type stageResponse struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Position   int           `json:"position"`
	Status     string        `json:"status"`
	StartedAt  *string       `json:"started_at,omitempty"`
	FinishedAt *string       `json:"finished_at,omitempty"`
	Jobs       []jobResponse `json:"jobs"`
}

type jobResponse struct {
	ID           string  `json:"id"`
	ServerID     string  `json:"server_id"`
	Status       string  `json:"status"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	Stdout       string  `json:"stdout,omitempty"`
	Stderr       string  `json:"stderr,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
}

type retryRunRequest struct {
	TriggeredBy *string `json:"triggered_by"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}

	stages, jobsByStage, err := s.store.ListRunStages(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list run stages", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run stages")
		return
	}

	detail := runDetailResponse{
		runResponse: runToResponse(run),
		Stages:      make([]stageResponse, 0, len(stages)),
	}
	for _, stage := range stages {
		jobs := jobsByStage[stage.ID]
		sr := stageResponse{
			ID:         stage.ID,
			Name:       stage.Name,
			Position:   stage.Position,
			Status:     string(stage.Status),
			StartedAt:  formatTimePtr(stage.StartedAt),
			FinishedAt: formatTimePtr(stage.FinishedAt),
			Jobs:       make([]jobResponse, 0, len(jobs)),
		}
		for _, job := range jobs {
			sr.Jobs = append(sr.Jobs, jobResponse{
				ID:           job.ID,
				ServerID:     job.ServerID,
				Status:       string(job.Status),
				ExitCode:     job.ExitCode,
				Stdout:       job.Stdout,
				Stderr:       job.Stderr,
				ErrorMessage: job.ErrorMessage,
				StartedAt:    formatTimePtr(job.StartedAt),
				FinishedAt:   formatTimePtr(job.FinishedAt),
			})
		}
		detail.Stages = append(detail.Stages, sr)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for runs list", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req retryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	run, err := s.engine.RetryFailed(r.Context(), runID, req.TriggeredBy)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		case errors.Is(err, core.ErrNoFailedTargets):
			writeError(w, http.StatusConflict, "no_failed_targets", "run has no failed jobs to retry")
		default:
			s.logger.Error("retry run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to retry run")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID,
		"status": string(run.Status),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.CancelRun(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		case errors.Is(err, core.ErrRunFinished):
			writeError(w, http.StatusConflict, "run_finished", "run already reached a terminal status")
		case errors.Is(err, core.ErrRunNotCancellable):
			writeError(w, http.StatusConflict, "not_cancellable", "run is executing and cannot be cancelled")
		default:
			s.logger.Error("cancel run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel run")
		}
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("get run after cancel", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:           run.ID,
		TaskID:       run.TaskID,
		Status:       string(run.Status),
		ScheduledFor: formatTimePtr(run.ScheduledFor),
		StartedAt:    formatTimePtr(run.StartedAt),
		FinishedAt:   formatTimePtr(run.FinishedAt),
		TriggeredBy:  run.TriggeredBy,
		Manual:       run.Manual,
		Notes:        run.Notes,
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
