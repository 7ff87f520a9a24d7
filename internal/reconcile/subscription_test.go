package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
)

func seedProviderSubscription(f *testFixture, userID uuid.UUID, status string, periodEnd time.Time) *billing.Subscription {
	sub := &billing.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             status,
		PriceID:            "price_pro_monthly",
		ProductID:          "prod_pro",
		AmountCents:        2900,
		Currency:           "usd",
		Interval:           "month",
		CurrentPeriodStart: testClock.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
		LatestInvoiceID:    "inv_1",
		Metadata:           map[string]string{"user_id": userID.String()},
	}
	f.provider.Subscriptions[sub.ID] = sub
	return sub
}

func subscriptionEvent(eventType string) *domain.Event {
	return &domain.Event{
		ID:   "evt_" + eventType,
		Type: eventType,
		Object: map[string]any{
			"id": "sub_1",
		},
	}
}

func TestReconcileSubscription_CreatesRowFromProviderTruth(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	periodEnd := testClock.AddDate(0, 1, 0)
	seedProviderSubscription(f, userID, "active", periodEnd)

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.created"))
	require.Equal(t, StatusSuccess, outcome.Status)

	sub, err := f.subs.GetByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, userID, sub.UserID)
	assert.Equal(t, domain.SubscriptionKindPaid, sub.Kind)
	assert.Equal(t, "pro", sub.Tier)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "price_pro_monthly", sub.StripePriceID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, int64(2900), sub.AmountCents)
	assert.Equal(t, "usd", sub.Currency)
	assert.Equal(t, "month", sub.Interval)
	assert.Equal(t, "inv_1", sub.LatestInvoiceID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))
}

func TestReconcileSubscription_Idempotent(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	seedProviderSubscription(f, userID, "active", testClock.AddDate(0, 1, 0))

	// Same external id, delivered twice with distinct event ids.
	first := subscriptionEvent("customer.subscription.updated")
	first.ID = "evt_a"
	second := subscriptionEvent("customer.subscription.updated")
	second.ID = "evt_b"

	require.Equal(t, StatusSuccess, f.engine.Process(context.Background(), first).Status)
	require.Equal(t, StatusSuccess, f.engine.Process(context.Background(), second).Status)

	subs, err := f.subs.List(context.Background(), domain.SubscriptionFilter{})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].StripeSubscriptionID)
	assert.Equal(t, domain.SubscriptionStatusActive, subs[0].Status)
}

func TestReconcileSubscription_OrderIndependent(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	finalPeriodEnd := testClock.AddDate(0, 2, 0)

	// The provider always serves its current state, regardless of which
	// (possibly stale) event triggered the fetch.
	seedProviderSubscription(f, userID, "active", finalPeriodEnd)

	newer := subscriptionEvent("customer.subscription.updated")
	newer.ID = "evt_newer"
	stale := subscriptionEvent("customer.subscription.created")
	stale.ID = "evt_stale"

	require.Equal(t, StatusSuccess, f.engine.Process(context.Background(), newer).Status)
	require.Equal(t, StatusSuccess, f.engine.Process(context.Background(), stale).Status)

	sub, err := f.subs.GetByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(finalPeriodEnd),
		"stale event processed last must still converge on current provider state")

	subs, err := f.subs.List(context.Background(), domain.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestReconcileSubscription_PausesActiveFreeSubscription(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	seedProviderSubscription(f, userID, "active", testClock.AddDate(0, 1, 0))

	free := &domain.Subscription{
		UserID:             userID,
		Kind:               domain.SubscriptionKindFree,
		Tier:               "free",
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: testClock.AddDate(-1, 0, 0),
		CurrentPeriodEnd:   domain.FreePeriodEnd,
		UsageCount:         1,
	}
	require.NoError(t, f.subs.Create(context.Background(), free))

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.created"))
	require.Equal(t, StatusSuccess, outcome.Status)

	paused, err := f.subs.GetFreeByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPaused, paused.Status)

	active, err := f.subs.GetActiveByUserID(context.Background(), userID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionKindPaid, active.Kind)
}

func TestReconcileSubscription_DowngradeToFree(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	// Paid subscription previously reconciled, free subscription shelved
	// by the upgrade.
	free := &domain.Subscription{
		UserID:             userID,
		Kind:               domain.SubscriptionKindFree,
		Tier:               "free",
		Status:             domain.SubscriptionStatusPaused,
		CurrentPeriodStart: testClock.AddDate(-1, 0, 0),
		CurrentPeriodEnd:   domain.FreePeriodEnd,
		UsageCount:         1,
	}
	require.NoError(t, f.subs.Create(context.Background(), free))

	seedProviderSubscription(f, userID, "canceled", testClock)

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.deleted"))
	require.Equal(t, StatusSuccess, outcome.Status)

	// Exactly one active subscription remains, and it is the free one.
	subs, err := f.subs.List(context.Background(), domain.SubscriptionFilter{
		UserID: userID,
		Status: domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.SubscriptionKindFree, subs[0].Kind)
	assert.Equal(t, int32(2), subs[0].UsageCount)
	assert.True(t, subs[0].CurrentPeriodStart.Equal(testClock))
	assert.True(t, subs[0].CurrentPeriodEnd.Equal(domain.FreePeriodEnd))

	// The paid row is retained as history, not deleted.
	paid, err := f.subs.GetByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, paid.Status)
}

func TestReconcileSubscription_DowngradeCreatesFreeRowWhenNoneExists(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	seedProviderSubscription(f, userID, "canceled", testClock)

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.deleted"))
	require.Equal(t, StatusSuccess, outcome.Status)

	free, err := f.subs.GetFreeByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, free.Status)
	assert.Equal(t, int32(1), free.UsageCount)
	assert.Empty(t, free.StripeSubscriptionID)
}

func TestReconcileSubscription_ProviderNotFound(t *testing.T) {
	f := newFixture(t)

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.updated"))

	assert.Equal(t, StatusError, outcome.Status)
	assert.Equal(t, domain.EPROVIDER, domain.ErrorCode(outcome.Err))

	// No local row is fabricated.
	subs, err := f.subs.List(context.Background(), domain.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestReconcileSubscription_MissingUserMetadata(t *testing.T) {
	f := newFixture(t)
	sub := seedProviderSubscription(f, uuid.New(), "active", testClock.AddDate(0, 1, 0))
	sub.Metadata = nil

	outcome := f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.created"))

	assert.Equal(t, StatusError, outcome.Status)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(outcome.Err))
}

func TestReconcileSubscription_ConcurrentDeliveriesConverge(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	seedProviderSubscription(f, userID, "active", testClock.AddDate(0, 1, 0))

	const deliveries = 8
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Process(context.Background(), subscriptionEvent("customer.subscription.updated"))
		}()
	}
	wg.Wait()

	subs, err := f.subs.List(context.Background(), domain.SubscriptionFilter{Kind: domain.SubscriptionKindPaid})
	require.NoError(t, err)
	assert.Len(t, subs, 1, "concurrent deliveries for one external id must converge on a single row")
}

func TestSubscriptionStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		expected domain.SubscriptionStatus
	}{
		{"active", domain.SubscriptionStatusActive},
		{"trialing", domain.SubscriptionStatusActive},
		{"past_due", domain.SubscriptionStatusPastDue},
		{"unpaid", domain.SubscriptionStatusPastDue},
		{"canceled", domain.SubscriptionStatusCanceled},
		{"incomplete_expired", domain.SubscriptionStatusCanceled},
		{"paused", domain.SubscriptionStatusPaused},
		{"incomplete", domain.SubscriptionStatusIncomplete},
		{"something_new", domain.SubscriptionStatusIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			assert.Equal(t, tt.expected, domain.SubscriptionStatusFromProvider(tt.provider))
		})
	}
}
