package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/numzap/backend/internal/services"
	"github.com/spf13/viper"
)

type RechargeHandler struct {
	service   *services.RechargeService
	validator *services.ValidationHelper
}

func NewRechargeHandler(service *services.RechargeService) *RechargeHandler {
	return &RechargeHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateCharge creates a PIX charge for a balance recharge
// @Summary Create recharge charge
// @Description Create a PIX charge and QR code for the given amount
// @Tags recharge
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Recharge request"
// @Success 201 {object} object{chargeId=string,payload=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /recharge [post]
func (h *RechargeHandler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	customerID, ok := services.CustomerIDFromRequest(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	charge, qrImage, err := h.service.CreateCharge(r.Context(), customerID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRechargeTooSmall):
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		case errors.Is(err, services.ErrRechargeUnavailable):
			services.SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
		default:
			services.SendErrorResponse(w, "Failed to create charge", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"chargeId": charge.ID,
		"payload":  charge.Payload,
		"qrImage":  qrImage,
	})
}

// GetCharge returns a pending charge
// @Summary Get charge status
// @Tags recharge
// @Produce json
// @Router /recharge/{chargeId} [get]
func (h *RechargeHandler) GetCharge(w http.ResponseWriter, r *http.Request) {
	customerID, ok := services.CustomerIDFromRequest(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	charge, err := h.service.GetCharge(r.Context(), chi.URLParam(r, "chargeId"))
	if errors.Is(err, services.ErrRechargeUnavailable) {
		services.SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
		return
	}
	if err != nil || charge.CustomerID != customerID {
		services.SendErrorResponse(w, "Charge not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"charge": charge})
}

// Webhook confirms a paid charge. Called by the payment gateway, not by
// customers; the gateway authenticates with the shared secret from
// RECHARGE_WEBHOOK_SECRET.
// @Summary Payment confirmation webhook
// @Tags recharge
// @Accept json
// @Router /recharge/webhook [post]
func (h *RechargeHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if secret := viper.GetString("recharge.webhook_secret"); secret != "" &&
		r.Header.Get("X-Webhook-Secret") != secret {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ChargeID string `json:"chargeId" validate:"required"`
		Status   string `json:"status" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Status != "paid" {
		// Nothing to do for other statuses; acknowledge so the gateway stops retrying.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	result, err := h.service.ConfirmPayment(r.Context(), req.ChargeID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrChargeNotFound):
			services.SendErrorResponse(w, "Charge not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrRechargeUnavailable):
			services.SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
		default:
			services.SendErrorResponse(w, "Failed to confirm payment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"balance": result.BalanceAfter,
	})
}
