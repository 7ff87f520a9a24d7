package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/memory"
	"github.com/meridianhq/meridian/internal/service"
	"github.com/meridianhq/meridian/internal/tier"
)

type apiFixture struct {
	echo     *echo.Echo
	payments *memory.PaymentRepository
	subs     *memory.SubscriptionRepository
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	provider := billing.NewMockProvider()
	subs := memory.NewSubscriptionRepository()
	payments := memory.NewPaymentRepository()
	svc := service.NewSubscriptionService(provider, subs, payments, &tier.Catalog{
		ByPrice: map[string]string{"price_pro_monthly": "pro"},
	})

	e := echo.New()
	NewSubscriptionHandler(svc, zerolog.Nop()).Register(e.Group("/api/v1"))

	return &apiFixture{echo: e, payments: payments, subs: subs}
}

func (f *apiFixture) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) upgrade(t *testing.T, userID uuid.UUID) {
	t.Helper()

	rec := f.request(http.MethodPost, "/api/v1/users/"+userID.String()+"/subscription",
		`{"email":"casey@example.com","price_id":"price_pro_monthly","payment_method_id":"pm_card_visa"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestGetSubscription_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(http.MethodGet, "/api/v1/users/"+uuid.NewString()+"/subscription", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSubscription_InvalidUserID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(http.MethodGet, "/api/v1/users/not-a-uuid/subscription", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpgradeAndGetSubscription(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.upgrade(t, userID)

	rec := f.request(http.MethodGet, "/api/v1/users/"+userID.String()+"/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, domain.SubscriptionKindPaid, sub.Kind)
	assert.Equal(t, "pro", sub.Tier)
}

func TestUpgrade_ConflictOnSecondSubscription(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.upgrade(t, userID)

	rec := f.request(http.MethodPost, "/api/v1/users/"+userID.String()+"/subscription",
		`{"email":"casey@example.com","price_id":"price_pro_monthly","payment_method_id":"pm_card_visa"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancel_ThenNextPaymentEmpty(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.upgrade(t, userID)

	rec := f.request(http.MethodDelete, "/api/v1/users/"+userID.String()+"/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(http.MethodGet, "/api/v1/users/"+userID.String()+"/next-payment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]*time.Time
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["next_payment_date"])
}

func TestNextPayment_ActiveSubscription(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	f.upgrade(t, userID)

	rec := f.request(http.MethodGet, "/api/v1/users/"+userID.String()+"/next-payment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]*time.Time
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body["next_payment_date"])
	assert.True(t, body["next_payment_date"].After(time.Now()))
}

func TestListPayments_FiltersByKind(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.payments.CreateOrUpdate(ctx, &domain.Payment{
		StripeInvoiceID: "inv_1",
		CustomerID:      "cus_1",
		AmountCents:     2900,
		Currency:        "usd",
		Status:          domain.PaymentStatusSucceeded,
		PeriodStart:     now,
		PeriodEnd:       now.AddDate(0, 1, 0),
	}))
	require.NoError(t, f.payments.CreateOrUpdate(ctx, &domain.Payment{
		StripePaymentIntentID: "pi_1",
		CustomerID:            "cus_1",
		AmountCents:           5000,
		Currency:              "usd",
		Status:                domain.PaymentStatusSucceeded,
		PeriodStart:           now,
		PeriodEnd:             now,
		Standalone:            true,
	}))

	rec := f.request(http.MethodGet, "/api/v1/payments?kind=standalone", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body paymentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Payments, 1)
	assert.Equal(t, "pi_1", body.Payments[0].StripePaymentIntentID)
	assert.Equal(t, int64(1), body.Total)
}

func TestListPayments_RejectsUnknownKind(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(http.MethodGet, "/api/v1/payments?kind=refund", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePayment_ReturnsClientSecret(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	rec := f.request(http.MethodPost, "/api/v1/users/"+userID.String()+"/payments",
		`{"email":"casey@example.com","amount_cents":5000,"currency":"usd","description":"compute credits"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["payment_intent_id"])
	assert.NotEmpty(t, body["client_secret"])
}

func TestCreatePayment_RejectsZeroAmount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(http.MethodPost, "/api/v1/users/"+uuid.NewString()+"/payments",
		`{"email":"casey@example.com","amount_cents":0,"currency":"usd"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
