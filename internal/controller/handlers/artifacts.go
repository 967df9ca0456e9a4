package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"tuneplane/internal/store"
	"tuneplane/pkg/api"
)

// ListArtifacts handles GET /artifacts.
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	var jobID *uuid.UUID
	if v := r.URL.Query().Get("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.httpError(w, "Invalid job_id", http.StatusBadRequest)
			return
		}
		jobID = &id
	}

	artifacts, err := h.orch.ListArtifacts(r.Context(), jobID)
	if err != nil {
		h.log.Error("failed to list artifacts", "error", err)
		h.httpError(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}

	resp := api.ListArtifactsResponse{Artifacts: make([]api.ArtifactResponse, 0, len(artifacts))}
	for i := range artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactToResponse(&artifacts[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetArtifact handles GET /artifacts/{id}.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid artifact ID", http.StatusBadRequest)
		return
	}

	artifact, err := h.st.GetArtifact(r.Context(), id)
	if err != nil {
		h.platformError(w, err)
		return
	}
	h.respondJson(w, http.StatusOK, artifactToResponse(artifact))
}

// DownloadArtifact handles GET /artifacts/{id}/download. The content hash is
// re-verified against the stored record before any byte is sent.
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid artifact ID", http.StatusBadRequest)
		return
	}

	artifact, reader, err := h.orch.OpenArtifact(r.Context(), id)
	if err != nil {
		h.platformError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", artifact.SizeBytes))
	w.Header().Set("X-Artifact-SHA256", artifact.SHA256)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.log.Warn("artifact download interrupted", "artifact_id", id, "error", err)
	}
}

// PushArtifact handles POST /artifacts/{id}/push.
func (h *Handlers) PushArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid artifact ID", http.StatusBadRequest)
		return
	}

	var req api.PushArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Platform == "" {
		h.httpError(w, "Missing platform", http.StatusBadRequest)
		return
	}

	remoteID, queued, err := h.orch.PushArtifact(r.Context(), id, req.Platform)
	if err != nil {
		h.platformError(w, err)
		return
	}

	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	h.respondJson(w, status, api.PushArtifactResponse{RemoteID: remoteID, Queued: queued})
}

func artifactToResponse(a *store.Artifact) api.ArtifactResponse {
	return api.ArtifactResponse{
		ID:        a.ID.String(),
		JobID:     a.JobID.String(),
		SizeBytes: a.SizeBytes,
		SHA256:    a.SHA256,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt,
	}
}
