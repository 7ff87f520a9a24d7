package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/domain"
)

// MockProvider is a mock billing provider for testing.
// Lookups are served from in-memory maps seeded by the test; per-method
// Func fields override the default behavior when set. Safe for
// concurrent use so tests can exercise parallel webhook deliveries.
type MockProvider struct {
	mu sync.Mutex

	// VerifyWebhookFunc allows customizing webhook verification behavior
	VerifyWebhookFunc func(payload []byte, signature string) (*domain.Event, error)

	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetInvoiceFunc allows customizing invoice retrieval behavior
	GetInvoiceFunc func(ctx context.Context, invoiceID string) (*Invoice, error)

	// GetPaymentIntentFunc allows customizing payment intent retrieval behavior
	GetPaymentIntentFunc func(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// GetChargeFunc allows customizing charge retrieval behavior
	GetChargeFunc func(ctx context.Context, chargeID string) (*Charge, error)

	// CreateCustomerFunc allows customizing customer creation behavior
	CreateCustomerFunc func(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// CreateSubscriptionFunc allows customizing subscription creation behavior
	CreateSubscriptionFunc func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing subscription cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)

	// CreatePaymentIntentFunc allows customizing payment intent creation behavior
	CreatePaymentIntentFunc func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// Subscriptions stores provider subscriptions keyed by id
	Subscriptions map[string]*Subscription

	// Invoices stores provider invoices keyed by id
	Invoices map[string]*Invoice

	// PaymentIntents stores provider payment intents keyed by id
	PaymentIntents map[string]*PaymentIntent

	// Charges stores provider charges keyed by id
	Charges map[string]*Charge

	// Customers stores created customers keyed by id
	Customers map[string]*Customer

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// record appends to the call log under the mutex.
func (m *MockProvider) record(call string) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, call)
	m.mu.Unlock()
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions:  make(map[string]*Subscription),
		Invoices:       make(map[string]*Invoice),
		PaymentIntents: make(map[string]*PaymentIntent),
		Charges:        make(map[string]*Charge),
		Customers:      make(map[string]*Customer),
		CallLog:        []string{},
	}
}

// VerifyWebhook parses the payload as a pre-verified event.
// The default behavior accepts any signature, so handler tests can post
// raw JSON event bodies.
func (m *MockProvider) VerifyWebhook(payload []byte, signature string) (*domain.Event, error) {
	m.record("VerifyWebhook")

	if m.VerifyWebhookFunc != nil {
		return m.VerifyWebhookFunc(payload, signature)
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object map[string]any `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, ErrInvalidWebhookSignature
	}
	return &domain.Event{
		ID:     envelope.ID,
		Type:   envelope.Type,
		Object: envelope.Data.Object,
	}, nil
}

// GetSubscription returns a stored subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.record(fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	m.mu.Lock()
	sub, exists := m.Subscriptions[subscriptionID]
	m.mu.Unlock()
	if !exists {
		return nil, &StripeError{Message: "no such subscription", Code: "resource_missing", HTTPStatus: 404, OriginalError: ErrNotFound}
	}
	return sub, nil
}

// GetInvoice returns a stored invoice.
func (m *MockProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	m.record(fmt.Sprintf("GetInvoice(%s)", invoiceID))

	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, invoiceID)
	}

	m.mu.Lock()
	inv, exists := m.Invoices[invoiceID]
	m.mu.Unlock()
	if !exists {
		return nil, &StripeError{Message: "no such invoice", Code: "resource_missing", HTTPStatus: 404, OriginalError: ErrNotFound}
	}
	return inv, nil
}

// GetPaymentIntent returns a stored payment intent.
func (m *MockProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	m.record(fmt.Sprintf("GetPaymentIntent(%s)", paymentIntentID))

	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, paymentIntentID)
	}

	m.mu.Lock()
	pi, exists := m.PaymentIntents[paymentIntentID]
	m.mu.Unlock()
	if !exists {
		return nil, &StripeError{Message: "no such payment_intent", Code: "resource_missing", HTTPStatus: 404, OriginalError: ErrNotFound}
	}
	return pi, nil
}

// GetCharge returns a stored charge.
func (m *MockProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	m.record(fmt.Sprintf("GetCharge(%s)", chargeID))

	if m.GetChargeFunc != nil {
		return m.GetChargeFunc(ctx, chargeID)
	}

	m.mu.Lock()
	ch, exists := m.Charges[chargeID]
	m.mu.Unlock()
	if !exists {
		return nil, &StripeError{Message: "no such charge", Code: "resource_missing", HTTPStatus: 404, OriginalError: ErrNotFound}
	}
	return ch, nil
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.record(fmt.Sprintf("CreateCustomer(%s)", params.Email))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	cust := &Customer{
		ID:    "cus_" + uuid.New().String()[:8],
		Email: params.Email,
		Name:  params.Name,
	}
	m.mu.Lock()
	m.Customers[cust.ID] = cust
	m.mu.Unlock()
	return cust, nil
}

// AttachPaymentMethod records the attach call.
func (m *MockProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	m.record(fmt.Sprintf("AttachPaymentMethod(%s, %s)", customerID, paymentMethodID))
	return nil
}

// CreateSubscription creates a mock active subscription with a
// month-long current period.
func (m *MockProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.record(fmt.Sprintf("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID))

	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                 "sub_" + uuid.New().String()[:8],
		CustomerID:         params.CustomerID,
		Status:             "active",
		PriceID:            params.PriceID,
		AmountCents:        2900,
		Currency:           "usd",
		Interval:           "month",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           params.Metadata,
	}
	m.mu.Lock()
	m.Subscriptions[sub.ID] = sub
	m.mu.Unlock()
	return sub, nil
}

// CancelSubscription cancels a stored subscription.
func (m *MockProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	m.record(fmt.Sprintf("CancelSubscription(%s, %t)", subscriptionID, atPeriodEnd))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, subscriptionID, atPeriodEnd)
	}

	m.mu.Lock()
	sub, exists := m.Subscriptions[subscriptionID]
	m.mu.Unlock()
	if !exists {
		return nil, &StripeError{Message: "no such subscription", Code: "resource_missing", HTTPStatus: 404, OriginalError: ErrNotFound}
	}

	now := time.Now().UTC()
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
		sub.CanceledAt = &now
		sub.EndedAt = &now
	}
	return sub, nil
}

// CreatePaymentIntent creates a mock payment intent awaiting confirmation.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.record(fmt.Sprintf("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency))

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}

	if params.AmountCents < 50 {
		return nil, ErrAmountTooSmall
	}

	pi := &PaymentIntent{
		ID:           "pi_" + uuid.New().String()[:8],
		CustomerID:   params.CustomerID,
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Status:       "requires_payment_method",
		ClientSecret: "pi_secret_" + uuid.New().String(),
		Metadata:     params.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	m.PaymentIntents[pi.ID] = pi
	m.mu.Unlock()
	return pi, nil
}
