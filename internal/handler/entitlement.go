package handler

import (
	"log/slog"
	"net/http"

	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/service"
)

// EntitlementHandler serves the read-only entitlement query endpoint.
type EntitlementHandler struct {
	gate   *service.EntitlementGate
	logger *slog.Logger
}

// NewEntitlementHandler creates a new EntitlementHandler.
func NewEntitlementHandler(gate *service.EntitlementGate, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		gate:   gate,
		logger: logger,
	}
}

// RegisterRoutes registers entitlement routes on the provided mux.
func (h *EntitlementHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/entitlement", h.HandleStatus)
}

type entitlementResponse struct {
	Email        string `json:"email"`
	IsSubscribed bool   `json:"is_subscribed"`
	IsVIP        bool   `json:"is_vip"`
	// RemainingFreeUses is an integer for metered identities and the string
	// "unlimited" for subscribed or VIP ones.
	RemainingFreeUses interface{} `json:"remaining_free_uses"`
}

// HandleStatus reports the current entitlement state for an identity without
// consuming quota or creating a record.
func (h *EntitlementHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "handler.entitlement.status"

	id, err := domain.NormalizeIdentity(r.URL.Query().Get("email"))
	if err != nil {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "email", "a valid email query parameter is required"))
		return
	}

	status, err := h.gate.Status(r.Context(), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := entitlementResponse{
		Email:        status.Identity.String(),
		IsSubscribed: status.IsSubscribed,
		IsVIP:        status.IsVIP,
	}
	if status.Unlimited {
		resp.RemainingFreeUses = "unlimited"
	} else {
		resp.RemainingFreeUses = status.RemainingFreeUses
	}

	writeJSON(w, http.StatusOK, resp)
}
