package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/store"
)

// fakeVerifier returns a fixed verification result and counts calls.
type fakeVerifier struct {
	mu     sync.Mutex
	result domain.VerificationResult
	calls  int
}

func (v *fakeVerifier) CheckSubscription(ctx context.Context, id domain.Identity) domain.VerificationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.result
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, freeLimit int, verifier *fakeVerifier, vips ...string) (*EntitlementGate, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	gate := NewEntitlementGate(st, verifier, domain.NewVIPSet(vips), freeLimit, time.Second, testLogger())
	return gate, st
}

func TestAuthorizeFreeTierExhaustion(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, 3, &fakeVerifier{result: domain.VerificationInactive})
	id := domain.Identity("a@x.com")

	for i := 0; i < 3; i++ {
		d, err := gate.Authorize(ctx, id)
		require.NoError(t, err)
		require.True(t, d.Allowed, "use %d should be allowed", i+1)
		assert.True(t, d.Metered)
		assert.Equal(t, 3-i-1, d.Remaining)
		require.NoError(t, gate.Commit(ctx, id))
	}

	d, err := gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyQuotaExceeded, d.Reason)
}

func TestAuthorizeVIPAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	// Verifier says inactive; VIP entitlement must win regardless.
	verifier := &fakeVerifier{result: domain.VerificationInactive}
	gate, st := newTestGate(t, 0, verifier, "vip@x.com")
	id := domain.Identity("vip@x.com")

	for i := 0; i < 5; i++ {
		d, err := gate.Authorize(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.VIP)
		assert.True(t, d.Unlimited)
		assert.False(t, d.Metered)
	}

	// VIP authorization short-circuits before verification.
	assert.Equal(t, 0, verifier.calls)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Subscribed)
	assert.Equal(t, 0, rec.GenerationCount)
}

func TestAuthorizeActiveVerificationGrantsUnlimited(t *testing.T) {
	ctx := context.Background()
	gate, st := newTestGate(t, 1, &fakeVerifier{result: domain.VerificationActive})
	id := domain.Identity("payer@x.com")

	for i := 0; i < 4; i++ {
		d, err := gate.Authorize(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Subscribed)
		assert.False(t, d.Metered)
	}

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Subscribed)
	require.NotNil(t, rec.LastVerifiedAt)
}

func TestAuthorizeUnknownPreservesSubscribedState(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{result: domain.VerificationActive}
	gate, _ := newTestGate(t, 0, verifier)
	id := domain.Identity("payer@x.com")

	d, err := gate.Authorize(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Provider outage: the last persisted state must keep serving.
	verifier.mu.Lock()
	verifier.result = domain.VerificationUnknown
	verifier.mu.Unlock()

	d, err = gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Subscribed)
}

func TestAuthorizeInactiveRevokesSubscribedState(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{result: domain.VerificationActive}
	gate, _ := newTestGate(t, 0, verifier)
	id := domain.Identity("lapsed@x.com")

	d, err := gate.Authorize(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	verifier.mu.Lock()
	verifier.result = domain.VerificationInactive
	verifier.mu.Unlock()

	d, err = gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyQuotaExceeded, d.Reason)
}

func TestReleaseDoesNotChargeQuota(t *testing.T) {
	ctx := context.Background()
	gate, st := newTestGate(t, 1, &fakeVerifier{result: domain.VerificationInactive})
	id := domain.Identity("a@x.com")

	d, err := gate.Authorize(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	gate.Release(id)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.GenerationCount)

	// The released reservation frees the slot for the next request.
	d, err = gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCommitWithoutAuthorizationFails(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, 5, &fakeVerifier{result: domain.VerificationUnknown})

	err := gate.Commit(ctx, "a@x.com")
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
}

func TestConcurrentAuthorizeNeverOversellsQuota(t *testing.T) {
	ctx := context.Background()
	const limit = 9
	const workers = 10
	gate, st := newTestGate(t, limit, &fakeVerifier{result: domain.VerificationUnknown})
	id := domain.Identity("burst@x.com")

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	var errs []error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := gate.Authorize(ctx, id)
			if err == nil && d.Allowed {
				err = gate.Commit(ctx, id)
				if err == nil {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, limit, allowed)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, limit, rec.GenerationCount)
}

func TestStatusDoesNotCreateRecords(t *testing.T) {
	ctx := context.Background()
	gate, st := newTestGate(t, 10, &fakeVerifier{result: domain.VerificationUnknown})
	id := domain.Identity("new@x.com")

	status, err := gate.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, status.IsSubscribed)
	assert.Equal(t, 10, status.RemainingFreeUses)

	_, err = st.Get(ctx, id)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestStatusReflectsUsageAndVIP(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, 10, &fakeVerifier{result: domain.VerificationUnknown}, "vip@x.com")
	id := domain.Identity("a@x.com")

	for i := 0; i < 3; i++ {
		d, err := gate.Authorize(ctx, id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, gate.Commit(ctx, id))
	}

	status, err := gate.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, status.RemainingFreeUses)
	assert.False(t, status.Unlimited)

	vipStatus, err := gate.Status(ctx, "vip@x.com")
	require.NoError(t, err)
	assert.True(t, vipStatus.IsVIP)
	assert.True(t, vipStatus.Unlimited)
}

// TestQuotaLifecycle walks a single identity through free usage, exhaustion,
// activation, unlimited usage, and cancellation back to a fresh free tier.
func TestQuotaLifecycle(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{result: domain.VerificationUnknown}
	gate, st := newTestGate(t, 10, verifier)
	events := NewBillingEventService(st, nil, nil, domain.VIPSet{}, testLogger())
	id := domain.Identity("a@x.com")

	for i := 0; i < 10; i++ {
		d, err := gate.Authorize(ctx, id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, gate.Commit(ctx, id))
	}

	d, err := gate.Authorize(ctx, id)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, events.Apply(ctx, domain.BillingEvent{
		Kind:     domain.BillingEventActivated,
		Identity: id,
	}))

	d, err = gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Subscribed)

	require.NoError(t, events.Apply(ctx, domain.BillingEvent{
		Kind:     domain.BillingEventCanceled,
		Identity: id,
	}))

	// Cancellation resets the free tier rather than leaving the old debt.
	d, err = gate.Authorize(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Metered)
	gate.Release(id)
}
