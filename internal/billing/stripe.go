package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/finnblack/captionforge/internal/domain"
	"github.com/stripe/stripe-go/v79"
	billingportalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/transfer"
	"github.com/stripe/stripe-go/v79/webhook"
)

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey authenticates Stripe API calls. The webhookSecret verifies
// incoming webhook signatures.
func NewStripeService(secretKey, webhookSecret string, logger *slog.Logger) Service {
	stripe.Key = secretKey

	return &stripeService{
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// CheckSubscription implements the tri-state verification contract.
func (s *stripeService) CheckSubscription(ctx context.Context, id domain.Identity) domain.VerificationResult {
	customerID, found, err := s.findCustomer(ctx, id.String())
	if err != nil {
		s.logger.Warn("subscription verification failed", "identity", id, "error", err)
		return domain.VerificationUnknown
	}
	if !found {
		// No customer record is a confirmed negative, not a failure.
		return domain.VerificationInactive
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := subscription.List(params)
	if iter.Next() {
		return domain.VerificationActive
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("subscription verification failed", "identity", id, "error", err)
		return domain.VerificationUnknown
	}
	return domain.VerificationInactive
}

// findCustomer resolves an email to a customer id without creating one.
func (s *stripeService) findCustomer(ctx context.Context, email string) (string, bool, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := customer.List(params)
	if iter.Next() {
		return iter.Customer().ID, true, nil
	}
	if err := iter.Err(); err != nil {
		return "", false, fmt.Errorf("stripe list customers: %w", err)
	}
	return "", false, nil
}

func (s *stripeService) ResolveCustomer(ctx context.Context, email, name string) (string, error) {
	customerID, found, err := s.findCustomer(ctx, email)
	if err != nil {
		return "", err
	}
	if found {
		return customerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := customer.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("stripe get customer: %w", err)
	}
	if c.Email == "" {
		return "", fmt.Errorf("stripe customer %s has no email", customerID)
	}
	return c.Email, nil
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

// stripePayouts implements Payouts as a pass-through to Stripe transfers.
type stripePayouts struct {
	logger *slog.Logger
}

// NewStripePayouts creates the referral payout collaborator. The Stripe key
// is shared with the billing service (package-level).
func NewStripePayouts(logger *slog.Logger) Payouts {
	return &stripePayouts{logger: logger}
}

func (p *stripePayouts) ReferralSplit(ctx context.Context, destinationAccount string, amountCents int64, currency, reference string) error {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(destinationAccount),
		TransferGroup: stripe.String(reference),
	}
	params.Context = ctx

	if _, err := transfer.New(params); err != nil {
		return fmt.Errorf("stripe transfer: %w", err)
	}

	p.logger.Info("referral payout transferred",
		"destination", destinationAccount, "amount_cents", amountCents, "reference", reference)
	return nil
}
