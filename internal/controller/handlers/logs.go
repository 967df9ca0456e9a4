package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"tuneplane/pkg/api"
)

const defaultLogLimit = 100

// GetJobLogs handles GET /jobs/{id}/logs. Returns persisted log chunks; the
// after_id cursor lets clients page forward without re-reading history.
func (h *Handlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	afterID := int64(0)
	if v := r.URL.Query().Get("after_id"); v != "" {
		afterID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.httpError(w, "Invalid after_id", http.StatusBadRequest)
			return
		}
	}
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	logs, err := h.orch.Logs(r.Context(), id, afterID, limit)
	if err != nil {
		h.platformError(w, err)
		return
	}

	resp := api.GetLogsResponse{Logs: make([]api.LogEntry, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, api.LogEntry{ID: l.ID, Content: l.Content, CreatedAt: l.CreatedAt})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// StreamJobLogs handles GET /jobs/{id}/logs/stream. Server-sent events, one
// event per log line, until the job reaches a terminal state or the client
// disconnects.
func (h *Handlers) StreamJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	lines, unsubscribe, err := h.orch.Subscribe(r.Context(), id)
	if err != nil {
		h.platformError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: \n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line.Text)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
