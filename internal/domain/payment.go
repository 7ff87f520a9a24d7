package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the local view of a charge's lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentStatusFromEventType maps a Stripe event type string to a local
// payment status by substring, matching Stripe's naming convention
// (invoice.payment_succeeded, payment_intent.payment_failed, ...).
// Unrecognized types map to pending.
func PaymentStatusFromEventType(eventType string) PaymentStatus {
	switch {
	case strings.Contains(eventType, "succeeded"), strings.Contains(eventType, "paid"):
		return PaymentStatusSucceeded
	case strings.Contains(eventType, "failed"):
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}

// Payment records one captured, failed or pending charge. Uniqueness is
// scoped by whichever Stripe id is present: invoice id for subscription
// invoices, payment-intent id for standalone payments. At least one of
// the two must be set.
type Payment struct {
	ID uuid.UUID

	// SubscriptionID is nil for standalone payments whose user has no
	// local subscription row.
	SubscriptionID *uuid.UUID

	CustomerID string
	LabID      *uuid.UUID

	StripeInvoiceID       string
	StripePaymentIntentID string
	StripeChargeID        string

	CardBrand    string
	CardLast4    string
	CardExpMonth int32
	CardExpYear  int32

	AmountCents int64
	Currency    string
	Status      PaymentStatus

	PeriodStart time.Time
	PeriodEnd   time.Time
	PaymentDate *time.Time

	ReceiptURL string
	InvoicePDF string

	Standalone bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentKind partitions list queries between the two payment flavors.
type PaymentKind string

const (
	PaymentKindAny          PaymentKind = ""
	PaymentKindStandalone   PaymentKind = "standalone"
	PaymentKindSubscription PaymentKind = "subscription"
)

// PaymentFilter narrows List queries. Zero values mean "no filter".
type PaymentFilter struct {
	CustomerID string
	StartDate  *time.Time
	EndDate    *time.Time
	CardLast4  string
	CardBrand  string
	Kind       PaymentKind

	Page     int
	PageSize int
}

// Offset returns the row offset implied by Page/PageSize.
func (f PaymentFilter) Offset() int {
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * f.Limit()
}

// Limit returns the page size, defaulting to 50.
func (f PaymentFilter) Limit() int {
	if f.PageSize <= 0 {
		return 50
	}
	return f.PageSize
}

// PaymentRepository is the persistence gateway for payment rows.
type PaymentRepository interface {
	// FindByInvoiceID returns the payment keyed by the given Stripe
	// invoice id, or ENOTFOUND.
	FindByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error)

	// FindByPaymentIntentID returns the payment keyed by the given
	// Stripe payment-intent id, or ENOTFOUND.
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*Payment, error)

	// CreateOrUpdate inserts the payment, or refreshes the existing row
	// sharing its external id. Concurrent calls for the same external id
	// converge on a single row. The stored row is loaded back into p.
	CreateOrUpdate(ctx context.Context, p *Payment) error

	// List returns payments matching the filter, newest payment first,
	// along with the total match count before pagination.
	List(ctx context.Context, filter PaymentFilter) ([]Payment, int64, error)
}
