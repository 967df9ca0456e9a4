package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"tuneplane/pkg/api"
)

// ListOperations handles GET /operations.
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.List(r.Context())
	if err != nil {
		h.log.Error("failed to list operations", "error", err)
		h.httpError(w, "Failed to list operations", http.StatusInternalServerError)
		return
	}

	resp := api.ListOperationsResponse{Operations: make([]api.OperationResponse, 0, len(ops))}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, api.OperationResponse{
			ID:            op.ID.String(),
			Type:          string(op.Type),
			ResourceKey:   op.ResourceKey,
			Status:        string(op.Status),
			Attempt:       op.Attempt,
			NextAttemptAt: op.NextAttemptAt,
			LastError:     op.LastError,
			EnqueuedAt:    op.EnqueuedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// DeleteOperation handles DELETE /operations/{id}. Only pending operations can
// be withdrawn; an in-flight replay keeps going.
func (h *Handlers) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid operation ID", http.StatusBadRequest)
		return
	}

	if err := h.queue.CancelOperation(r.Context(), id); err != nil {
		h.platformError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /sync. Kicks an immediate replay attempt; the
// response does not wait for the drain to finish.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.queue.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}
