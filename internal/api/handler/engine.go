package handler

import (
	"net/http"

	"github.com/remiblancher/qsign/internal/api/dto"
	"github.com/remiblancher/qsign/internal/api/service"
)

// EngineHandler handles signature engine requests.
type EngineHandler struct {
	service *service.EngineService
}

// NewEngineHandler creates a new EngineHandler.
func NewEngineHandler(engineService *service.EngineService) *EngineHandler {
	return &EngineHandler{service: engineService}
}

// Sign handles POST /api/v1/sign
func (h *EngineHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req dto.SignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Sign(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Verify handles POST /api/v1/verify
func (h *EngineHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Verify(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Encrypt handles POST /api/v1/encrypt
func (h *EngineHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req dto.EncryptRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Encrypt(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Decrypt handles POST /api/v1/decrypt
func (h *EngineHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req dto.DecryptRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Decrypt(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Certificates handles GET /api/v1/certificates
func (h *EngineHandler) Certificates(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Certificates(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Version handles GET /api/v1/version
func (h *EngineHandler) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Version())
}
