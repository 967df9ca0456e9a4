package handlers

import (
	"net/http"

	"tuneplane/pkg/api"
)

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{Status: "ok", Database: "ok"}

	if err := h.st.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		h.respondJson(w, http.StatusServiceUnavailable, resp)
		return
	}

	if pending, err := h.st.CountPending(r.Context()); err == nil {
		resp.PendingOperations = pending
	}
	h.respondJson(w, http.StatusOK, resp)
}
