// Package billing abstracts the payment provider behind a narrow
// interface. Reconciliation always re-fetches current provider state
// through this interface instead of trusting webhook payloads.
package billing

import (
	"context"
	"time"

	"github.com/meridianhq/meridian/internal/domain"
)

// Provider defines the interface for the payment provider.
// The production implementation talks to Stripe; tests use MockProvider.
type Provider interface {
	// VerifyWebhook checks the webhook signature against the raw payload
	// and returns the parsed event envelope. Returns
	// ErrInvalidWebhookSignature when verification fails.
	VerifyWebhook(payload []byte, signature string) (*domain.Event, error)

	// GetSubscription fetches the current state of a subscription.
	// Returns ErrNotFound when the provider no longer knows the id.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetInvoice fetches the current state of an invoice, expanded with
	// its payment intent and charge.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// GetPaymentIntent fetches the current state of a payment intent,
	// expanded with its latest charge.
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// GetCharge fetches a charge, including card details and receipt URL.
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)

	// CreateCustomer creates a customer record at the provider.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// AttachPaymentMethod attaches a payment method to a customer and
	// makes it the customer's invoice default.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// CreateSubscription creates a recurring subscription at the provider.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// CancelSubscription cancels a subscription, either at period end or
	// immediately. Returns the subscription's post-cancel state.
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)

	// CreatePaymentIntent creates a payment intent for a one-time charge.
	// Returns the intent with a client secret for confirmation.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)
}

// Customer is a provider-side customer record.
type Customer struct {
	ID    string
	Email string
	Name  string
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	Metadata        map[string]string
}

// CreatePaymentIntentParams contains parameters for a one-time charge.
type CreatePaymentIntentParams struct {
	CustomerID  string
	AmountCents int64

	// Currency code (ISO 4217), e.g. "usd".
	Currency string

	Description string

	// Metadata is attached verbatim; the webhook classifier keys off it.
	Metadata map[string]string
}

// Subscription is a snapshot of a provider subscription, normalized to
// local types. This is the authoritative state reconciliation stores.
type Subscription struct {
	ID         string
	CustomerID string

	// Status is the provider's status string (active, past_due,
	// canceled, incomplete, ...).
	Status string

	PriceID   string
	ProductID string

	AmountCents int64
	Currency    string

	// Interval is the recurring billing interval ("month", "year").
	Interval string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	BillingCycleAnchor *time.Time

	LatestInvoiceID        string
	DefaultPaymentMethodID string

	Metadata map[string]string
}

// Invoice is a snapshot of a provider invoice.
type Invoice struct {
	ID         string
	CustomerID string

	// SubscriptionID is empty for one-off invoices.
	SubscriptionID string

	PaymentIntentID string
	ChargeID        string

	// AmountCents is the amount paid when the invoice settled, otherwise
	// the amount due.
	AmountCents int64
	Currency    string

	// Status is the provider's invoice status (draft, open, paid,
	// uncollectible, void).
	Status string

	// PeriodStart/PeriodEnd come from the invoice's first line item.
	PeriodStart time.Time
	PeriodEnd   time.Time

	PaidAt *time.Time

	InvoicePDF       string
	HostedInvoiceURL string
}

// PaymentIntent is a snapshot of a provider payment intent.
type PaymentIntent struct {
	ID         string
	CustomerID string

	AmountCents int64
	Currency    string

	// Status is the provider's intent status (requires_payment_method,
	// processing, succeeded, canceled, ...).
	Status string

	LatestChargeID string

	// ClientSecret is only populated on creation, for frontend
	// confirmation.
	ClientSecret string

	Metadata  map[string]string
	CreatedAt time.Time
}

// Card holds the card details attached to a charge.
type Card struct {
	Brand    string
	Last4    string
	ExpMonth int32
	ExpYear  int32
}

// Charge is a snapshot of a provider charge.
type Charge struct {
	ID         string
	ReceiptURL string
	Card       Card
	CreatedAt  time.Time
}
