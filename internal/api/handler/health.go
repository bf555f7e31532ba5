// Package handler provides HTTP handlers for the REST API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/remiblancher/qsign/internal/api/dto"
	apierrors "github.com/remiblancher/qsign/internal/api/errors"
)

// Check reports whether one dependency is ready.
type Check func() bool

// HealthHandler handles health and readiness endpoints.
type HealthHandler struct {
	version  string
	services []string
	checks   map[string]Check
}

// NewHealthHandler creates a new HealthHandler. Ready fails while any check
// returns false.
func NewHealthHandler(version string, services []string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		version:  version,
		services: services,
		checks:   checks,
	}
}

// Health handles GET /health. It always answers 200 while the process
// serves; failing checks only degrade the status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := dto.HealthResponse{Status: "ok", Version: h.version, Services: map[string]string{}}
	for _, s := range h.services {
		resp.Services[s] = "ok"
	}
	for name, ok := range h.run() {
		if !ok {
			resp.Services[name] = "unavailable"
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := dto.ReadyResponse{Ready: true, Checks: h.run()}
	for _, ok := range resp.Checks {
		resp.Ready = resp.Ready && ok
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (h *HealthHandler) run() map[string]bool {
	out := map[string]bool{"server": true}
	for name, check := range h.checks {
		out[name] = check()
	}
	return out
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, apiErr *dto.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// handleServiceError maps an engine error to its HTTP response.
func handleServiceError(w http.ResponseWriter, err error) {
	status, apiErr := apierrors.MapError(err)
	respondError(w, status, apiErr)
}

// decodeJSON reads a JSON body, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return false
	}
	return true
}
