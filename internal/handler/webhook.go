// This file implements the Stripe webhook receiver:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// The route is PUBLIC (no auth middleware) because Stripe calls it directly;
// authentication is the webhook signature. The receiver acknowledges with 200
// whenever the signature is valid, even when an event cannot be resolved to
// an identity, so the provider does not retry events we will never be able
// to process.
package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/finnblack/captionforge/internal/billing"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/service"
)

// referrerMetadataKey is the Stripe metadata key carrying the connected
// account that referred the subscriber.
const referrerMetadataKey = "referrer_account"

// WebhookHandler receives billing lifecycle events from Stripe.
type WebhookHandler struct {
	billing billing.Service
	events  *service.BillingEventService
	logger  *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, events *service.BillingEventService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing: billingService,
		events:  events,
		logger:  logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook verifies and dispatches one Stripe event. Returns 400
// only for unreadable bodies and signature failures; everything else is
// acknowledged with 200.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := readWebhookBody(r)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(r, event)
	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionChanged(r, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(r, event)
	case "invoice.payment_succeeded":
		h.handlePaymentSucceeded(r, event)
	case "invoice.payment_failed":
		h.handlePaymentFailed(r, event)
	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutCompleted(r *http.Request, event stripe.Event) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "error", err, "event_id", event.ID)
		return
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	email := ""
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}

	h.apply(r, event, domain.BillingEventActivated, customerID, email, 0, "")
}

func (h *WebhookHandler) handleSubscriptionChanged(r *http.Request, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription event", "error", err, "event_id", event.ID)
		return
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	// Status transitions inside one subscription object decide the direction:
	// an active or trialing subscription grants entitlement, a terminal status
	// revokes it. Intermediate states (past_due, incomplete) leave the last
	// decision in place until the invoice events settle the question.
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		h.apply(r, event, domain.BillingEventActivated, customerID, "", 0, "")
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		h.apply(r, event, domain.BillingEventCanceled, customerID, "", 0, "")
	default:
		h.logger.Debug("subscription status leaves entitlement unchanged",
			"status", sub.Status, "subscription_id", sub.ID)
	}
}

func (h *WebhookHandler) handleSubscriptionDeleted(r *http.Request, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription deleted event", "error", err, "event_id", event.ID)
		return
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	h.apply(r, event, domain.BillingEventCanceled, customerID, "", 0, "")
}

func (h *WebhookHandler) handlePaymentSucceeded(r *http.Request, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("failed to parse invoice event", "error", err, "event_id", event.ID)
		return
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	h.apply(r, event, domain.BillingEventRenewed, customerID, invoice.CustomerEmail,
		invoice.AmountPaid, invoice.Metadata[referrerMetadataKey])
}

func (h *WebhookHandler) handlePaymentFailed(r *http.Request, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("failed to parse invoice event", "error", err, "event_id", event.ID)
		return
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	h.apply(r, event, domain.BillingEventPaymentFailed, customerID, invoice.CustomerEmail, 0, "")
}

// apply resolves the event to an identity and runs it through the
// entitlement state machine. Resolution failures drop the event with a log
// line; the provider still gets a 200.
func (h *WebhookHandler) apply(r *http.Request, event stripe.Event, kind domain.BillingEventKind, customerID, email string, amountCents int64, referrer string) {
	ctx := r.Context()

	id, err := h.events.ResolveIdentity(ctx, customerID, email)
	if err != nil {
		h.logger.Warn("dropping unresolvable billing event",
			"type", event.Type, "event_id", event.ID, "customer_id", customerID)
		return
	}

	ev := domain.BillingEvent{
		Kind:            kind,
		Identity:        id,
		CustomerID:      customerID,
		AmountCents:     amountCents,
		ReferrerAccount: referrer,
		ProviderID:      event.ID,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
	}
	if err := h.events.Apply(ctx, ev); err != nil {
		h.logger.Error("failed to apply billing event",
			"type", event.Type, "event_id", event.ID, "identity", id, "error", err)
	}
}

// readWebhookBody reads the raw payload, capped at 64KB per Stripe guidance.
func readWebhookBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, 65536))
}
