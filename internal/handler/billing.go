// This file implements the customer-facing billing endpoints:
//   - POST /api/v1/billing/checkout -> HandleCreateCheckout
//   - POST /api/v1/billing/portal   -> HandleCreatePortal
//
// Both return a Stripe-hosted URL for the caller to redirect to. The webhook
// receiver, not these endpoints, is what flips entitlement state.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/finnblack/captionforge/internal/billing"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/store"
)

// BillingHandler serves subscription checkout and portal sessions.
type BillingHandler struct {
	billing billing.Service
	store   store.EntitlementStore
	priceID string
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler. billingService may be nil
// when Stripe is not configured; the endpoints then return 404.
func NewBillingHandler(billingService billing.Service, st store.EntitlementStore, priceID, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: billingService,
		store:   st,
		priceID: priceID,
		baseURL: baseURL,
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/billing/checkout", h.HandleCreateCheckout)
	mux.HandleFunc("POST /api/v1/billing/portal", h.HandleCreatePortal)
}

type billingRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type billingSessionResponse struct {
	URL string `json:"url"`
}

// HandleCreateCheckout creates a subscription checkout session for the caller.
func (h *BillingHandler) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "handler.billing.checkout"

	if h.billing == nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	id, req, ok := h.decodeBillingRequest(w, r, op)
	if !ok {
		return
	}

	customerID, err := h.resolveCustomer(r, id, req.Name)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to resolve billing customer"))
		return
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), customerID, h.priceID,
		h.baseURL+"/billing/success", h.baseURL+"/billing/cancel")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to create checkout session"))
		return
	}

	h.logger.Info("checkout session created", "identity", id)
	writeJSON(w, http.StatusOK, billingSessionResponse{URL: url})
}

// HandleCreatePortal creates a customer portal session for managing an
// existing subscription.
func (h *BillingHandler) HandleCreatePortal(w http.ResponseWriter, r *http.Request) {
	const op = "handler.billing.portal"

	if h.billing == nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	id, req, ok := h.decodeBillingRequest(w, r, op)
	if !ok {
		return
	}

	customerID, err := h.resolveCustomer(r, id, req.Name)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to resolve billing customer"))
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), customerID, h.baseURL)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to create portal session"))
		return
	}

	writeJSON(w, http.StatusOK, billingSessionResponse{URL: url})
}

func (h *BillingHandler) decodeBillingRequest(w http.ResponseWriter, r *http.Request, op string) (domain.Identity, *billingRequest, bool) {
	var req billingRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return "", nil, false
	}

	id, err := domain.NormalizeIdentity(req.Email)
	if err != nil {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "email", "a valid email address is required"))
		return "", nil, false
	}
	return id, &req, true
}

// resolveCustomer returns the Stripe customer id for an identity, preferring
// the memoized reference and persisting a newly resolved one.
func (h *BillingHandler) resolveCustomer(r *http.Request, id domain.Identity, name string) (string, error) {
	ctx := r.Context()

	if rec, err := h.store.Get(ctx, id); err == nil && rec.StripeCustomerID != "" {
		return rec.StripeCustomerID, nil
	}

	customerID, err := h.billing.ResolveCustomer(ctx, id.String(), name)
	if err != nil {
		return "", err
	}

	if _, err := h.store.Update(ctx, id, func(rec *domain.UsageRecord) {
		rec.StripeCustomerID = customerID
	}); err != nil {
		// The session can still be created; only the memoization is lost.
		h.logger.Warn("failed to memoize customer id", "identity", id, "error", err)
	}
	return customerID, nil
}
