package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stoker/internal/model"
	"github.com/seantiz/stoker/internal/store"
)

// handleStreamLogs handles GET /v1/runs/{id}/logs. It streams log records
// over server-sent events until the run reaches a terminal state or the
// client disconnects. History accumulated before the connection is replayed
// first so late subscribers see the full output.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for logs", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying history so nothing published in between
	// is missed. Replayed lines carry a sequence number, live records do
	// not, so clients can dedupe on seq when both paths overlap.
	ch, unsubscribe := s.engine.Broker().Subscribe(id)
	defer unsubscribe()

	history, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log history", "error", err, "id", id)
		writeSSEEvent(w, "error", "failed to load log history")
		flusher.Flush()
		return
	}
	for _, line := range history {
		writeSSEData(w, line)
	}
	flusher.Flush()

	if model.IsTerminal(run.State) {
		writeSSEEvent(w, "done", run.State)
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				writeSSEEvent(w, "done", "stream closed")
				flusher.Flush()
				return
			}
			writeSSEData(w, rec)
			flusher.Flush()
		}
	}
}

// handleGetLogHistory handles GET /v1/runs/{id}/logs/history. It returns
// the persisted log lines for a run as a JSON array.
func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for log history", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	lines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}
	if lines == nil {
		lines = []model.LogLine{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": id,
		"lines":  lines,
	})
}

// writeSSEData writes a JSON-encoded data event.
func writeSSEData(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// writeSSEEvent writes a named event with a plain-text payload.
func writeSSEEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
