package handlers

import (
	"encoding/json"
	"net/http"

	"tuneplane/internal/platform"
	"tuneplane/internal/store"
	"tuneplane/pkg/api"
)

// ListPlatforms handles GET /platforms. Merges the registered connector set
// with the persisted connection records; a registered platform with no record
// yet shows up as unverified.
func (h *Handlers) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	conns, err := h.st.ListConnections(r.Context())
	if err != nil {
		h.log.Error("failed to list connections", "error", err)
		h.httpError(w, "Failed to list platforms", http.StatusInternalServerError)
		return
	}

	byName := make(map[string]store.PlatformConnection, len(conns))
	for _, c := range conns {
		byName[c.Name] = c
	}

	resp := api.ListPlatformsResponse{Platforms: []api.PlatformResponse{}}
	for _, name := range h.reg.Names() {
		p := api.PlatformResponse{Name: name, Status: string(store.ConnectionUnverified)}
		if c, ok := byName[name]; ok {
			p.Status = string(c.Status)
			p.HasCredentials = c.Metadata["has_credentials"] == "true"
			p.LastVerifiedAt = c.LastVerifiedAt
		}
		resp.Platforms = append(resp.Platforms, p)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ConnectPlatform handles POST /platforms/{name}/connect.
func (h *Handlers) ConnectPlatform(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req api.ConnectPlatformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	creds := platform.Credentials{
		APIKey:    req.APIKey,
		SecretKey: req.SecretKey,
		Endpoint:  req.Endpoint,
		Extra:     req.Extra,
	}

	if err := h.reg.Connect(r.Context(), name, creds); err != nil {
		h.platformError(w, err)
		return
	}
	h.platformStatus(w, r, name)
}

// VerifyPlatform handles POST /platforms/{name}/verify.
func (h *Handlers) VerifyPlatform(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.reg.Verify(r.Context(), name); err != nil {
		h.platformError(w, err)
		return
	}
	h.platformStatus(w, r, name)
}

// DisconnectPlatform handles DELETE /platforms/{name}/credentials.
func (h *Handlers) DisconnectPlatform(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Disconnect(r.Context(), r.PathValue("name")); err != nil {
		h.platformError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResources handles GET /platforms/{name}/resources.
func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	conn, err := h.reg.Get(r.PathValue("name"))
	if err != nil {
		h.platformError(w, err)
		return
	}

	resources, err := conn.ListResources(r.Context())
	if err != nil {
		h.platformError(w, err)
		return
	}

	resp := api.ListResourcesResponse{Resources: make([]api.ResourceResponse, 0, len(resources))}
	for _, res := range resources {
		resp.Resources = append(resp.Resources, api.ResourceResponse{
			ID:       res.ID,
			Name:     res.Name,
			GPUType:  res.GPUType,
			GPUCount: res.GPUCount,
			MemoryGB: res.MemoryGB,
			Region:   res.Region,
			Spot:     res.Spot,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetPricing handles GET /platforms/{name}/pricing/{resource}.
func (h *Handlers) GetPricing(w http.ResponseWriter, r *http.Request) {
	conn, err := h.reg.Get(r.PathValue("name"))
	if err != nil {
		h.platformError(w, err)
		return
	}

	pricing, err := conn.GetPricing(r.Context(), r.PathValue("resource"))
	if err != nil {
		h.platformError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.PricingResponse{
		ResourceID:   pricing.ResourceID,
		PricePerHour: pricing.PricePerHour,
		SpotPerHour:  pricing.SpotPerHour,
		Currency:     pricing.Currency,
		FetchedAt:    pricing.FetchedAt,
	})
}

// platformStatus responds with the freshly recorded connection state.
func (h *Handlers) platformStatus(w http.ResponseWriter, r *http.Request, name string) {
	resp := api.PlatformResponse{Name: name, Status: string(store.ConnectionUnverified)}
	if c, err := h.st.GetConnection(r.Context(), name); err == nil {
		resp.Status = string(c.Status)
		resp.HasCredentials = c.Metadata["has_credentials"] == "true"
		resp.LastVerifiedAt = c.LastVerifiedAt
	}
	h.respondJson(w, http.StatusOK, resp)
}
