package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/memory"
	"github.com/meridianhq/meridian/internal/reconcile"
	"github.com/meridianhq/meridian/internal/telemetry"
)

type handlerFixture struct {
	handler  *StripeHandler
	provider *billing.MockProvider
	subs     domain.SubscriptionRepository
	payments *memory.PaymentRepository
}

func newHandlerFixture(t *testing.T, failOnPersistence bool, subs domain.SubscriptionRepository) *handlerFixture {
	t.Helper()

	provider := billing.NewMockProvider()
	if subs == nil {
		subs = memory.NewSubscriptionRepository()
	}
	payments := memory.NewPaymentRepository()
	metrics := telemetry.NewMetrics("test", prometheus.NewRegistry())

	engine := reconcile.New(reconcile.Config{
		Provider:      provider,
		Subscriptions: subs,
		Payments:      payments,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
	})

	return &handlerFixture{
		handler: NewStripeHandler(Config{
			Provider:          provider,
			Engine:            engine,
			Metrics:           metrics,
			Logger:            zerolog.Nop(),
			FailOnPersistence: failOnPersistence,
		}),
		provider: provider,
		subs:     subs,
		payments: payments,
	}
}

func deliver(t *testing.T, h *StripeHandler, body string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Stripe-Signature", "t=1,v1=test")
	rec := httptest.NewRecorder()

	require.NoError(t, h.Handle(e.NewContext(req, rec)))
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func subscriptionEventBody(userID string) string {
	return `{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"metadata": {"user_id": "` + userID + `"}
		}}
	}`
}

func TestHandle_ReconcilesSubscriptionEvent(t *testing.T) {
	f := newHandlerFixture(t, false, nil)

	now := time.Now().UTC()
	f.provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             "active",
		PriceID:            "price_pro_monthly",
		AmountCents:        2900,
		Currency:           "usd",
		Interval:           "month",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           map[string]string{"user_id": "9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"},
	}

	rec := deliver(t, f.handler, subscriptionEventBody("9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Received)
	assert.Equal(t, reconcile.StatusSuccess, resp.Status)
	assert.Equal(t, "customer.subscription.created", resp.EventType)

	stored, err := f.subs.GetByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	f := newHandlerFixture(t, false, nil)
	f.provider.VerifyWebhookFunc = func(payload []byte, signature string) (*domain.Event, error) {
		return nil, billing.ErrInvalidWebhookSignature
	}

	rec := deliver(t, f.handler, `{"id":"evt_1","type":"customer.subscription.created"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.False(t, resp.Received)
	assert.Equal(t, "invalid_signature", resp.Status)
}

func TestHandle_AcknowledgesIgnoredEvent(t *testing.T) {
	f := newHandlerFixture(t, false, nil)

	rec := deliver(t, f.handler, `{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.StatusIgnored, decodeResponse(t, rec).Status)
}

// failingSubs wraps the in-memory repository and fails every upsert,
// standing in for a database outage.
type failingSubs struct {
	*memory.SubscriptionRepository
}

func (f *failingSubs) UpsertByStripeID(ctx context.Context, sub *domain.Subscription) error {
	return domain.Internal(context.DeadlineExceeded, "subscription.upsert", "database unavailable")
}

func TestHandle_PersistenceFailureAcknowledgedByDefault(t *testing.T) {
	f := newHandlerFixture(t, false, &failingSubs{memory.NewSubscriptionRepository()})

	now := time.Now().UTC()
	f.provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active",
		CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0),
		Metadata: map[string]string{"user_id": "9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"},
	}

	rec := deliver(t, f.handler, subscriptionEventBody("9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.StatusError, decodeResponse(t, rec).Status)
}

func TestHandle_PersistenceFailureReturns500WhenConfigured(t *testing.T) {
	f := newHandlerFixture(t, true, &failingSubs{memory.NewSubscriptionRepository()})

	now := time.Now().UTC()
	f.provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active",
		CurrentPeriodStart: now, CurrentPeriodEnd: now.AddDate(0, 1, 0),
		Metadata: map[string]string{"user_id": "9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"},
	}

	rec := deliver(t, f.handler, subscriptionEventBody("9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decodeResponse(t, rec).Received)
}

func TestHandle_ProviderFailureStillAcknowledged(t *testing.T) {
	// Provider lookup failures are terminal for the delivery; a retry
	// would hit the same missing object, so even the strict mode
	// acknowledges them.
	f := newHandlerFixture(t, true, nil)

	rec := deliver(t, f.handler, subscriptionEventBody("9f4b7a52-31c2-4f26-9d6a-6c1f6f6a2b10"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.StatusError, decodeResponse(t, rec).Status)
}
