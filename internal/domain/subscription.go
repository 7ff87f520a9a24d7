package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionKind discriminates the two subscription variants.
// Free subscriptions have no Stripe counterpart; paid subscriptions
// mirror a Stripe subscription object.
type SubscriptionKind string

const (
	SubscriptionKindFree SubscriptionKind = "free"
	SubscriptionKindPaid SubscriptionKind = "paid"
)

// SubscriptionStatus mirrors the Stripe subscription lifecycle, plus
// "paused" which is used locally for free subscriptions shelved by an
// upgrade.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPaused     SubscriptionStatus = "paused"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
)

// SubscriptionStatusFromProvider folds Stripe's status vocabulary into
// the local closed set. Trialing counts as active; unpaid as past_due.
func SubscriptionStatusFromProvider(status string) SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return SubscriptionStatusActive
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionStatusCanceled
	case "paused":
		return SubscriptionStatusPaused
	default:
		return SubscriptionStatusIncomplete
	}
}

// FreePeriodEnd is the sentinel period end for free subscriptions,
// which never expire.
var FreePeriodEnd = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Subscription is one row of the local subscription ledger. Both kinds
// share the same row shape; Stripe-derived columns are zero-valued for
// the free kind.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// LabID links the subscription to a workspace. Nil for
	// subscriptions created before a workspace exists.
	LabID *uuid.UUID

	Kind   SubscriptionKind
	Tier   string
	Status SubscriptionStatus

	// Stripe identifiers. StripeSubscriptionID is unique across all
	// rows when set; empty for free subscriptions.
	StripeSubscriptionID string
	StripePriceID        string
	CustomerID           string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	BillingCycleAnchor *time.Time

	LatestInvoiceID        string
	DefaultPaymentMethodID string

	AmountCents int64
	Currency    string
	Interval    string

	// UsageCount tracks how many times a free subscription has been
	// reactivated by a downgrade.
	UsageCount int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscription currently entitles the user.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// SubscriptionFilter narrows List queries. Zero values mean "no filter".
type SubscriptionFilter struct {
	UserID uuid.UUID
	Status SubscriptionStatus
	Kind   SubscriptionKind
}

// SubscriptionRepository is the persistence gateway for subscription rows.
// All methods operate within the caller's transaction/session semantics;
// implementations must scope uniqueness by StripeSubscriptionID.
type SubscriptionRepository interface {
	// GetByID returns the subscription with the given local id, or a
	// ENOTFOUND error.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// GetByStripeID returns the paid subscription carrying the given
	// Stripe subscription id, or ENOTFOUND.
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// GetActiveByUserID returns the user's most recently created active
	// subscription, optionally restricted to one kind (empty = any).
	GetActiveByUserID(ctx context.Context, userID uuid.UUID, kind SubscriptionKind) (*Subscription, error)

	// GetFreeByUserID returns the user's free subscription regardless of
	// status, or ENOTFOUND if the user never had one.
	GetFreeByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// List returns subscriptions matching the filter, newest first.
	List(ctx context.Context, filter SubscriptionFilter) ([]Subscription, error)

	// Create inserts a new row, assigning ID and timestamps.
	// Returns ECONFLICT when StripeSubscriptionID is already taken.
	Create(ctx context.Context, sub *Subscription) error

	// Update persists every mutable column of an existing row.
	Update(ctx context.Context, sub *Subscription) error

	// UpsertByStripeID inserts the row or, when another writer already
	// inserted one for the same StripeSubscriptionID, refreshes that row
	// in place. Concurrent calls for the same Stripe id converge on a
	// single row. The stored row is loaded back into sub.
	UpsertByStripeID(ctx context.Context, sub *Subscription) error
}
