package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/finnblack/captionforge/internal/ai/mock"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/service"
	"github.com/finnblack/captionforge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubVerifier returns a fixed verification result.
type stubVerifier struct {
	result domain.VerificationResult
}

func (v stubVerifier) CheckSubscription(ctx context.Context, id domain.Identity) domain.VerificationResult {
	return v.result
}

// stubBilling fakes the Stripe surface. VerifyWebhookSignature accepts only
// the signature "valid" and returns the preloaded event.
type stubBilling struct {
	stubVerifier
	event      stripe.Event
	customers  map[string]string // customer id -> email
	checkedOut bool
}

func (b *stubBilling) ResolveCustomer(ctx context.Context, email, name string) (string, error) {
	return "cus_stub", nil
}

func (b *stubBilling) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	email, ok := b.customers[customerID]
	if !ok {
		return "", errors.New("no such customer")
	}
	return email, nil
}

func (b *stubBilling) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	b.checkedOut = true
	return "https://checkout.stripe.test/" + customerID, nil
}

func (b *stubBilling) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://portal.stripe.test/" + customerID, nil
}

func (b *stubBilling) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	if signature != "valid" {
		return stripe.Event{}, errors.New("signature mismatch")
	}
	return b.event, nil
}

type testEnv struct {
	mux      *http.ServeMux
	store    *store.MemoryStore
	provider *mock.Provider
	billing  *stubBilling
	gate     *service.EntitlementGate
}

func newTestEnv(t *testing.T, freeLimit int, vips ...string) *testEnv {
	t.Helper()
	logger := testLogger()
	st := store.NewMemoryStore()
	vipSet := domain.NewVIPSet(vips)
	stub := &stubBilling{stubVerifier: stubVerifier{result: domain.VerificationUnknown}, customers: map[string]string{}}

	gate := service.NewEntitlementGate(st, stub, vipSet, freeLimit, time.Second, logger)
	provider := mock.New(logger)
	captions := service.NewCaptionService(gate, provider, logger)
	events := service.NewBillingEventService(st, stub, nil, vipSet, logger)

	mux := http.NewServeMux()
	NewCaptionHandler(captions, logger).RegisterRoutes(mux)
	NewEntitlementHandler(gate, logger).RegisterRoutes(mux)
	NewBillingHandler(stub, st, "price_test", "https://captionforge.test", logger).RegisterRoutes(mux)
	NewWebhookHandler(stub, events, logger).RegisterRoutes(mux)

	return &testEnv{mux: mux, store: st, provider: provider, billing: stub, gate: gate}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleGenerate(t *testing.T) {
	env := newTestEnv(t, 2)

	rec := env.do(http.MethodPost, "/api/v1/captions",
		`{"email":"A@X.com","topic":"spring sale","platform":"instagram","variants":2}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"captions"`)
	assert.Contains(t, rec.Body.String(), `"score"`)
	assert.Equal(t, 1, env.provider.GenerateCalls)

	// Identity normalization: the uppercase email consumed the same record.
	ctx := context.Background()
	record, err := env.store.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, record.GenerationCount)
}

func TestHandleGenerateValidation(t *testing.T) {
	env := newTestEnv(t, 2)

	tests := []struct {
		name string
		body string
	}{
		{"missing email", `{"topic":"x","platform":"instagram"}`},
		{"bad email", `{"email":"nope","topic":"x","platform":"instagram"}`},
		{"missing topic", `{"email":"a@x.com","platform":"instagram"}`},
		{"bad platform", `{"email":"a@x.com","topic":"x","platform":"myspace"}`},
		{"too many variants", `{"email":"a@x.com","topic":"x","platform":"instagram","variants":11}`},
		{"bad image encoding", `{"email":"a@x.com","topic":"x","platform":"instagram","image_data":"not-base64!!!"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/captions", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// Nothing was charged for rejected requests.
	assert.Equal(t, 0, env.provider.GenerateCalls)
}

func TestHandleGenerateQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, 1)
	body := `{"email":"a@x.com","topic":"sale","platform":"twitter"}`

	rec := env.do(http.MethodPost, "/api/v1/captions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/captions", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment")
}

func TestHandleOptimize(t *testing.T) {
	env := newTestEnv(t, 2)

	rec := env.do(http.MethodPost, "/api/v1/captions/optimize",
		`{"email":"a@x.com","caption":"buy our coffee","platform":"linkedin"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"notes"`)
	assert.Equal(t, 1, env.provider.OptimizeCalls)
}

func TestHandleEntitlementStatus(t *testing.T) {
	env := newTestEnv(t, 10, "vip@x.com")

	rec := env.do(http.MethodGet, "/api/v1/entitlement?email=new@x.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remaining_free_uses":10`)

	// The query is read-only: no record was created.
	_, err := env.store.Get(context.Background(), "new@x.com")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	rec = env.do(http.MethodGet, "/api/v1/entitlement?email=vip@x.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_vip":true`)
	assert.Contains(t, rec.Body.String(), `"remaining_free_uses":"unlimited"`)

	rec = env.do(http.MethodGet, "/api/v1/entitlement", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateCheckout(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(http.MethodPost, "/api/v1/billing/checkout", `{"email":"a@x.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://checkout.stripe.test/cus_stub")
	assert.True(t, env.billing.checkedOut)

	// The resolved customer id is memoized for webhook correlation.
	record, err := env.store.Get(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_stub", record.StripeCustomerID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "forged"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookActivatesSubscription(t *testing.T) {
	env := newTestEnv(t, 1)
	env.billing.event = stripe.Event{
		ID:   "evt_1",
		Type: "checkout.session.completed",
		Data: &stripe.EventData{
			Raw: []byte(`{"customer":{"id":"cus_9"},"customer_details":{"email":"a@x.com"}}`),
		},
	}

	rec := env.do(http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "valid"})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := env.store.Get(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.True(t, record.Subscribed)
	assert.Equal(t, "cus_9", record.StripeCustomerID)
}

func TestWebhookCancellationRevokesEntitlement(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	_, err := env.store.Update(ctx, "a@x.com", func(r *domain.UsageRecord) {
		r.Subscribed = true
		r.StripeCustomerID = "cus_9"
	})
	require.NoError(t, err)

	env.billing.event = stripe.Event{
		ID:   "evt_2",
		Type: "customer.subscription.deleted",
		Data: &stripe.EventData{
			Raw: []byte(`{"id":"sub_1","customer":{"id":"cus_9"}}`),
		},
	}

	rec := env.do(http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "valid"})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := env.store.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, record.Subscribed)
	assert.Equal(t, 0, record.GenerationCount)
}

func TestWebhookDropsUnresolvableEvent(t *testing.T) {
	env := newTestEnv(t, 1)
	env.billing.event = stripe.Event{
		ID:   "evt_3",
		Type: "invoice.payment_failed",
		Data: &stripe.EventData{
			Raw: []byte(`{"customer":{"id":"cus_unknown"}}`),
		},
	}

	// Unresolvable events are acknowledged so Stripe stops retrying.
	rec := env.do(http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
