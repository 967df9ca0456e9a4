// Package handlers contains HTTP handlers for the daemon API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tuneplane/internal/orchestrator"
	"tuneplane/internal/platform"
	"tuneplane/internal/platform/registry"
	"tuneplane/internal/queue"
	"tuneplane/internal/store"
	"tuneplane/pkg/api"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	orch  *orchestrator.Orchestrator
	reg   *registry.Registry
	queue *queue.Manager
	st    store.StateStore
	log   *slog.Logger
}

// New creates a Handlers instance.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, q *queue.Manager, st store.StateStore, log *slog.Logger) *Handlers {
	return &Handlers{orch: orch, reg: reg, queue: q, st: st, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{Error: message})
}

// platformError maps taxonomy errors onto HTTP statuses. The error string is
// safe to return: connectors never embed credentials in messages.
func (h *Handlers) platformError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.respondJson(w, http.StatusNotFound, api.ErrorResponse{Error: "not found"})
		return
	}
	if errors.Is(err, store.ErrStaleTransition) {
		h.respondJson(w, http.StatusConflict, api.ErrorResponse{Error: "resource changed state, retry"})
		return
	}

	kind := platform.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case platform.KindValidation:
		status = http.StatusBadRequest
	case platform.KindAuth:
		status = http.StatusUnauthorized
	case platform.KindNotFound:
		status = http.StatusNotFound
	case platform.KindNotReady:
		status = http.StatusConflict
	case platform.KindQuota:
		status = http.StatusTooManyRequests
	case platform.KindUnreachable:
		status = http.StatusBadGateway
	}
	h.respondJson(w, status, api.ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
