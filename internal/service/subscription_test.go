package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/memory"
	"github.com/meridianhq/meridian/internal/tier"
)

type serviceFixture struct {
	svc      SubscriptionService
	provider *billing.MockProvider
	subs     *memory.SubscriptionRepository
	payments *memory.PaymentRepository
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	provider := billing.NewMockProvider()
	subs := memory.NewSubscriptionRepository()
	payments := memory.NewPaymentRepository()
	catalog := &tier.Catalog{
		ByPrice: map[string]string{"price_pro_monthly": "pro"},
	}

	return &serviceFixture{
		svc:      NewSubscriptionService(provider, subs, payments, catalog),
		provider: provider,
		subs:     subs,
		payments: payments,
	}
}

func upgradeParams(userID uuid.UUID) UpgradeParams {
	return UpgradeParams{
		UserID:          userID,
		Email:           "casey@example.com",
		Name:            "Casey",
		PriceID:         "price_pro_monthly",
		PaymentMethodID: "pm_card_visa",
	}
}

func TestUpgrade_CreatesCustomerAndSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	sub, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionKindPaid, sub.Kind)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "pro", sub.Tier)
	assert.True(t, strings.HasPrefix(sub.CustomerID, "cus_"))
	assert.True(t, strings.HasPrefix(sub.StripeSubscriptionID, "sub_"))

	stored, err := f.subs.GetByStripeID(ctx, sub.StripeSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, userID, stored.UserID)

	assert.Contains(t, f.provider.CallLog[1], "AttachPaymentMethod")
}

func TestUpgrade_RequiresPaymentMethod(t *testing.T) {
	f := newServiceFixture(t)

	params := upgradeParams(uuid.New())
	params.PaymentMethodID = ""

	_, err := f.svc.Upgrade(context.Background(), params)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestUpgrade_RejectsSecondPaidSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	_, err = f.svc.Upgrade(ctx, upgradeParams(userID))
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestUpgrade_PausesActiveFreeSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	free := &domain.Subscription{
		UserID:             userID,
		Kind:               domain.SubscriptionKindFree,
		Tier:               "free",
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: time.Now().UTC(),
		CurrentPeriodEnd:   domain.FreePeriodEnd,
		UsageCount:         1,
	}
	require.NoError(t, f.subs.Create(ctx, free))

	_, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	paused, err := f.subs.GetFreeByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPaused, paused.Status)
}

func TestUpgrade_ReusesRecordedCustomer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	free := &domain.Subscription{
		UserID:             userID,
		Kind:               domain.SubscriptionKindFree,
		Tier:               "free",
		Status:             domain.SubscriptionStatusPaused,
		CustomerID:         "cus_recorded",
		CurrentPeriodStart: time.Now().UTC(),
		CurrentPeriodEnd:   domain.FreePeriodEnd,
	}
	require.NoError(t, f.subs.Create(ctx, free))

	sub, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	assert.Equal(t, "cus_recorded", sub.CustomerID)
	for _, call := range f.provider.CallLog {
		assert.NotContains(t, call, "CreateCustomer")
	}
}

func TestCancel_AtPeriodEnd(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	sub, err := f.svc.Cancel(ctx, userID, false)
	require.NoError(t, err)

	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	next, err := f.svc.NextPaymentDate(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancel_Immediately(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	sub, err := f.svc.Cancel(ctx, userID, true)
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	assert.NotNil(t, sub.EndedAt)
}

func TestCancel_NoActiveSubscription(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Cancel(context.Background(), uuid.New(), false)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestNextPaymentDate_ActivePaid(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	sub, err := f.svc.Upgrade(ctx, upgradeParams(userID))
	require.NoError(t, err)

	next, err := f.svc.NextPaymentDate(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(sub.CurrentPeriodEnd))
}

func TestNextPaymentDate_NoPaidSubscription(t *testing.T) {
	f := newServiceFixture(t)

	next, err := f.svc.NextPaymentDate(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCreateStandalonePayment_TagsIntent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	intent, err := f.svc.CreateStandalonePayment(ctx, StandalonePaymentParams{
		UserID:      userID,
		Email:       "casey@example.com",
		AmountCents: 5000,
		Currency:    "usd",
		Description: "compute credits",
	})
	require.NoError(t, err)

	assert.Equal(t, "true", intent.Metadata["standalone"])
	assert.Equal(t, userID.String(), intent.Metadata["user_id"])
	assert.NotEmpty(t, intent.ClientSecret)
}

func TestCreateStandalonePayment_RejectsNonPositiveAmount(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateStandalonePayment(context.Background(), StandalonePaymentParams{
		UserID:      uuid.New(),
		AmountCents: 0,
		Currency:    "usd",
	})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
