package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"payment-service/internal/checkout"

	"github.com/pkg/errors"
)

type Handler struct {
	checkout *checkout.Service
	logger   *slog.Logger
}

func NewHandler(checkoutService *checkout.Service, logger *slog.Logger) *Handler {
	return &Handler{checkout: checkoutService, logger: logger}
}

// CreatePreference implements POST /payments/preferences.
func (h *Handler) CreatePreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkout.CreatePreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := h.checkout.CreatePreference(ctx, req)
	if errors.Is(err, checkout.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Error creating preference", "error", err)
		writeError(w, http.StatusBadGateway, "payment gateway unavailable, retry later")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetPayment implements GET /payments/{externalReference}, the polling
// fallback for clients that missed the live push.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.checkout.GetStatus(ctx, r.PathValue("externalReference"))
	if errors.Is(err, checkout.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, checkout.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown external reference")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Error reading payment status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
