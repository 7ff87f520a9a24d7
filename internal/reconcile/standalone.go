package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/domain"
)

// reconcileStandalonePayment upserts a payment row keyed by the event's
// payment-intent id. Standalone payments have no billing period; both
// period bounds are stamped with the processing time.
func (e *Engine) reconcileStandalonePayment(ctx context.Context, logger zerolog.Logger, event *domain.Event) (*domain.Payment, error) {
	paymentIntentID := event.ObjectID()
	if paymentIntentID == "" {
		return nil, domain.Invalid("reconcile.standalone", "event object has no payment intent id")
	}

	customerID := event.String("customer")
	if customerID == "" {
		return nil, domain.Invalid("reconcile.standalone", "event has no customer id")
	}
	rawUserID := event.Metadata()["user_id"]
	if rawUserID == "" {
		return nil, domain.Invalid("reconcile.standalone", "event metadata has no user_id")
	}
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return nil, domain.Invalid("reconcile.standalone", "event metadata user_id is not a uuid")
	}

	payment, err := e.payments.FindByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		if !domain.IsCode(err, domain.ENOTFOUND) {
			return nil, domain.Internal(err, "reconcile.standalone", "payment lookup failed")
		}
		payment = &domain.Payment{StripePaymentIntentID: paymentIntentID}
	}

	payment.CustomerID = customerID
	payment.Standalone = true

	// Link to the user's active subscription when one exists.
	if sub, err := e.subs.GetActiveByUserID(ctx, userID, ""); err == nil {
		payment.SubscriptionID = &sub.ID
		payment.LabID = sub.LabID
	} else if !domain.IsCode(err, domain.ENOTFOUND) {
		logger.Warn().Err(err).Msg("active subscription lookup failed, payment recorded unlinked")
	}

	if amount, ok := event.Int64("amount"); ok && amount != 0 {
		payment.AmountCents = amount
	}
	if currency := event.String("currency"); currency != "" {
		payment.Currency = currency
	}

	if pi := e.enrichFromPaymentIntent(ctx, logger, payment, paymentIntentID); pi != nil {
		if payment.AmountCents == 0 {
			payment.AmountCents = pi.AmountCents
		}
		if payment.Currency == "" {
			payment.Currency = pi.Currency
		}
	}

	now := e.now().UTC()
	payment.PeriodStart = now
	payment.PeriodEnd = now

	payment.Status = domain.PaymentStatusFromEventType(event.Type)
	if payment.Status == domain.PaymentStatusSucceeded && payment.PaymentDate == nil {
		payment.PaymentDate = &now
	}

	if err := e.payments.CreateOrUpdate(ctx, payment); err != nil {
		return nil, domain.Internal(err, "reconcile.standalone", "failed to save payment")
	}
	if e.metrics != nil {
		e.metrics.PaymentsUpserted.WithLabelValues(string(payment.Status), "standalone").Inc()
	}
	return payment, nil
}
