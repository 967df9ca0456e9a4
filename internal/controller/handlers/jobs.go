package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"tuneplane/internal/platform"
	"tuneplane/internal/store"
	"tuneplane/pkg/api"
)

// SubmitJob handles POST /jobs.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := platform.TrainingConfig{
		BaseModel:       req.BaseModel,
		Algorithm:       req.Algorithm,
		Hyperparameters: req.Hyperparameters,
		Quantization:    req.Quantization,
		Provider:        req.Provider,
		ResourceID:      req.ResourceID,
		Dataset:         req.Dataset,
		Tracker:         req.Tracker,
		OutputName:      req.OutputName,
		MaxHours:        req.MaxHours,
	}

	job, err := h.orch.StartTraining(r.Context(), cfg)
	if err != nil {
		h.platformError(w, err)
		return
	}

	h.respondJson(w, http.StatusCreated, jobToResponse(job))
}

// ListJobs handles GET /jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Provider: r.URL.Query().Get("provider"),
		Status:   store.JobStatus(r.URL.Query().Get("status")),
	}

	jobs, err := h.orch.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list jobs", "error", err)
		h.httpError(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	job, err := h.orch.GetJob(r.Context(), id)
	if err != nil {
		h.platformError(w, err)
		return
	}
	h.respondJson(w, http.StatusOK, jobToResponse(job))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	if err := h.orch.Cancel(r.Context(), id); err != nil {
		h.platformError(w, err)
		return
	}

	job, err := h.orch.GetJob(r.Context(), id)
	if err != nil {
		h.platformError(w, err)
		return
	}
	h.respondJson(w, http.StatusOK, jobToResponse(job))
}

func jobToResponse(job *store.TrainingJob) api.JobResponse {
	return api.JobResponse{
		ID:           job.ID.String(),
		RemoteID:     job.RemoteID,
		Provider:     job.Provider,
		BaseModel:    job.Config.BaseModel,
		Algorithm:    job.Config.Algorithm,
		Status:       string(job.Status),
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		Metrics:      job.Metrics,
		CostEstimate: job.CostEstimate,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}
