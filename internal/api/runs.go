package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stoker/internal/engine"
	"github.com/seantiz/stoker/internal/model"
	"github.com/seantiz/stoker/internal/store"
)

const (
	maxBodySize      = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 100
)

// submitRunRequest is the request body for POST /v1/runs.
type submitRunRequest struct {
	Image             string            `json:"image,omitempty"`
	Command           []string          `json:"command,omitempty"`
	CPU               int               `json:"cpu,omitempty"`
	Memory            int               `json:"memory,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Family            string            `json:"family,omitempty"`
	TaskDefinitionARN string            `json:"task_definition_arn,omitempty"`
	ExecutionRoleARN  string            `json:"execution_role_arn,omitempty"`
	TaskRoleARN       string            `json:"task_role_arn,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	StreamLogs        *bool             `json:"stream_logs,omitempty"`

	Cluster        string         `json:"cluster,omitempty"`
	LaunchType     string         `json:"launch_type,omitempty"`
	Subnets        []string       `json:"subnets,omitempty"`
	SecurityGroups []string       `json:"security_groups,omitempty"`
	AssignPublicIP bool           `json:"assign_public_ip,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// handleSubmitRun handles POST /v1/runs.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Image == "" && req.TaskDefinitionARN == "" {
		writeError(w, http.StatusBadRequest, "either image or task_definition_arn is required")
		return
	}

	streamLogs := true
	if req.StreamLogs != nil {
		streamLogs = *req.StreamLogs
	}

	spec := model.JobSpec{
		Image:             req.Image,
		Command:           req.Command,
		CPU:               req.CPU,
		Memory:            req.Memory,
		Env:               req.Env,
		FamilyHint:        req.Family,
		TaskDefinitionARN: req.TaskDefinitionARN,
		ExecutionRoleARN:  req.ExecutionRoleARN,
		TaskRoleARN:       req.TaskRoleARN,
		Tags:              req.Tags,
		StreamLogs:        streamLogs,
	}

	placement := model.Placement{
		Cluster:        req.Cluster,
		LaunchType:     req.LaunchType,
		Subnets:        req.Subnets,
		SecurityGroups: req.SecurityGroups,
		AssignPublicIP: req.AssignPublicIP,
		Overrides:      req.Overrides,
	}

	run, err := s.engine.Submit(r.Context(), spec, placement)
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionInvalid) || errors.Is(err, engine.ErrSubmissionRejected) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns handles GET /v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun handles DELETE /v1/runs/{id}.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("cancel run", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleGetStats handles GET /v1/stats.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseIntQuery parses an integer query parameter, returning def when
// absent or malformed.
func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
