package reconcile

import (
	"fmt"

	"github.com/meridianhq/meridian/internal/domain"
)

// Category partitions webhook event types into the three reconciliation
// paths, plus an explicit discard bucket.
type Category string

const (
	CategorySubscription      Category = "subscription"
	CategoryInvoicePayment    Category = "invoice_payment"
	CategoryStandalonePayment Category = "standalone_payment"
	CategoryIgnored           Category = "ignored"
)

// Event types with special handling in the reconcilers.
const (
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// metadataStandalone is the metadata marker that routes a payment_intent
// event to the standalone path. Intents without it belong to an invoice
// flow and are handled when their invoice event arrives.
const metadataStandalone = "standalone"

// catalog is the closed mapping from event type to category. Types not
// listed here are ignored; payment_intent entries are conditional on the
// standalone metadata marker (see Classify).
var catalog = map[string]Category{
	"customer.subscription.created":                CategorySubscription,
	"customer.subscription.updated":                CategorySubscription,
	"customer.subscription.deleted":                CategorySubscription,
	"customer.subscription.pending_update_applied": CategorySubscription,
	"customer.subscription.pending_update_expired": CategorySubscription,

	"invoice.payment_succeeded": CategoryInvoicePayment,
	"invoice.payment_failed":    CategoryInvoicePayment,
	"invoice.paid":              CategoryInvoicePayment,

	"payment_intent.succeeded":      CategoryStandalonePayment,
	"payment_intent.payment_failed": CategoryStandalonePayment,
	"payment_intent.canceled":       CategoryStandalonePayment,
}

// subscribedEventTypes is the list of event types the webhook endpoint
// is subscribed to in the Stripe dashboard. ValidateCatalog keeps the
// mapping table and this list from drifting apart.
var subscribedEventTypes = []string{
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"customer.subscription.pending_update_applied",
	"customer.subscription.pending_update_expired",
	"invoice.payment_succeeded",
	"invoice.payment_failed",
	"invoice.paid",
	"payment_intent.succeeded",
	"payment_intent.payment_failed",
	"payment_intent.canceled",
}

// Classify maps an event to its reconciliation category.
// payment_intent events only go standalone when the payload metadata
// carries standalone="true"; otherwise they are reclassified ignored.
func Classify(event *domain.Event) Category {
	category, ok := catalog[event.Type]
	if !ok {
		return CategoryIgnored
	}
	if category == CategoryStandalonePayment && event.Metadata()[metadataStandalone] != "true" {
		return CategoryIgnored
	}
	return category
}

// ValidateCatalog verifies that every subscribed event type has a
// mapping and every mapping is subscribed. Run at startup so an
// unhandled type fails loudly instead of silently falling through to
// ignored.
func ValidateCatalog() error {
	subscribed := make(map[string]bool, len(subscribedEventTypes))
	for _, t := range subscribedEventTypes {
		if subscribed[t] {
			return fmt.Errorf("event catalog: duplicate subscribed type %q", t)
		}
		subscribed[t] = true
		if _, ok := catalog[t]; !ok {
			return fmt.Errorf("event catalog: subscribed type %q has no category mapping", t)
		}
	}
	for t := range catalog {
		if !subscribed[t] {
			return fmt.Errorf("event catalog: mapped type %q is not in the subscribed list", t)
		}
	}
	return nil
}
