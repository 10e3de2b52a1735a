package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetrun/internal/core"
	"fleetrun/internal/store"

	"github.com/go-chi/chi/v5"
)

type createServerRequest struct {
	Hostname    string `json:"hostname"`
	Address     string `json:"address"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password"`
	SSHPort     int    `json:"ssh_port"`
}

type updateServerRequest struct {
	Hostname    *string `json:"hostname"`
	Address     *string `json:"address"`
	SSHUser     *string `json:"ssh_user"`
	SSHPassword *string `json:"ssh_password"`
	SSHPort     *int    `json:"ssh_port"`
}

// serverResponse never carries the SSH password.
type serverResponse struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	Address   string `json:"address"`
	SSHUser   string `json:"ssh_user"`
	SSHPort   int    `json:"ssh_port"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Hostname = strings.TrimSpace(req.Hostname)
	req.Address = strings.TrimSpace(req.Address)
	req.SSHUser = strings.TrimSpace(req.SSHUser)
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "address is required")
		return
	}
	if req.SSHUser == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "ssh_user is required")
		return
	}
	if req.SSHPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "ssh_password is required")
		return
	}
	if req.SSHPort < 0 || req.SSHPort > 65535 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ssh_port must be between 0 and 65535")
		return
	}
	if req.Hostname == "" {
		req.Hostname = req.Address
	}

	server := &core.Server{
		ID:          core.NewID(),
		Hostname:    req.Hostname,
		Address:     req.Address,
		SSHUser:     req.SSHUser,
		SSHPassword: req.SSHPassword,
		SSHPort:     req.SSHPort,
	}
	if err := s.store.InsertServer(r.Context(), server); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "duplicate_address", "a server with this address already exists")
			return
		}
		s.logger.Error("insert server", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert server")
		return
	}
	writeJSON(w, http.StatusCreated, serverToResponse(server))
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.logger.Error("list servers", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list servers")
		return
	}
	res := make([]serverResponse, 0, len(servers))
	for _, server := range servers {
		res = append(res, serverToResponse(server))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	server, err := s.store.GetServer(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "server not found")
		} else {
			s.logger.Error("get server", "server_id", serverID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load server")
		}
		return
	}
	writeJSON(w, http.StatusOK, serverToResponse(server))
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	server, err := s.store.GetServer(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "server not found")
		} else {
			s.logger.Error("get server for update", "server_id", serverID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load server")
		}
		return
	}

	var req updateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Hostname != nil {
		trimmed := strings.TrimSpace(*req.Hostname)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "hostname cannot be empty")
			return
		}
		server.Hostname = trimmed
	}
	if req.Address != nil {
		trimmed := strings.TrimSpace(*req.Address)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "address cannot be empty")
			return
		}
		server.Address = trimmed
	}
	if req.SSHUser != nil {
		trimmed := strings.TrimSpace(*req.SSHUser)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "ssh_user cannot be empty")
			return
		}
		server.SSHUser = trimmed
	}
	if req.SSHPassword != nil {
		if *req.SSHPassword == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "ssh_password cannot be empty")
			return
		}
		server.SSHPassword = *req.SSHPassword
	}
	if req.SSHPort != nil {
		if *req.SSHPort < 1 || *req.SSHPort > 65535 {
			writeError(w, http.StatusBadRequest, "invalid_input", "ssh_port must be between 1 and 65535")
			return
		}
		server.SSHPort = *req.SSHPort
	}

	if err := s.store.UpdateServer(r.Context(), server); err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "server not found")
			return
		}
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "duplicate_address", "a server with this address already exists")
			return
		}
		s.logger.Error("update server", "server_id", serverID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update server")
		return
	}
	writeJSON(w, http.StatusOK, serverToResponse(server))
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if err := s.store.DeleteServer(r.Context(), serverID); err != nil {
		switch {
		case errors.Is(err, store.ErrServerNotFound):
			writeError(w, http.StatusNotFound, "not_found", "server not found")
		case errors.Is(err, store.ErrServerInUse):
			writeError(w, http.StatusConflict, "server_in_use", "server is referenced by tasks or execution history")
		default:
			s.logger.Error("delete server", "server_id", serverID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete server")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func serverToResponse(server *core.Server) serverResponse {
	return serverResponse{
		ID:        server.ID,
		Hostname:  server.Hostname,
		Address:   server.Address,
		SSHUser:   server.SSHUser,
		SSHPort:   server.SSHPort,
		CreatedAt: server.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: server.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
