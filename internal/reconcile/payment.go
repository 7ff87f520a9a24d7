package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
)

// reconcileInvoicePayment upserts the payment row keyed by the event's
// invoice id. Card, receipt and invoice-PDF enrichment is best-effort:
// a provider fetch failure downgrades to a warning and the row is still
// written with whatever was resolved.
func (e *Engine) reconcileInvoicePayment(ctx context.Context, logger zerolog.Logger, event *domain.Event) (*domain.Payment, error) {
	invoiceID := event.ObjectID()
	if invoiceID == "" {
		return nil, domain.Invalid("reconcile.payment", "event object has no invoice id")
	}

	payment, err := e.payments.FindByInvoiceID(ctx, invoiceID)
	if err != nil {
		if !domain.IsCode(err, domain.ENOTFOUND) {
			return nil, domain.Internal(err, "reconcile.payment", "payment lookup failed")
		}
		payment = &domain.Payment{StripeInvoiceID: invoiceID}
	}

	invoice, err := e.provider.GetInvoice(ctx, invoiceID)
	if err != nil {
		logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("invoice fetch failed, writing payment from payload only")
		invoice = nil
	}

	// Payload fields first, provider truth as fallback/enrichment.
	if customer := event.String("customer"); customer != "" {
		payment.CustomerID = customer
	} else if invoice != nil {
		payment.CustomerID = invoice.CustomerID
	}

	amount, ok := event.Int64("amount_paid")
	if !ok || amount == 0 {
		if fallback, exists := event.Int64("amount"); exists && fallback != 0 {
			amount = fallback
		} else if invoice != nil {
			amount = invoice.AmountCents
		}
	}
	payment.AmountCents = amount

	if currency := event.String("currency"); currency != "" {
		payment.Currency = currency
	} else if invoice != nil {
		payment.Currency = invoice.Currency
	}

	if pdf := event.String("invoice_pdf"); pdf != "" {
		payment.InvoicePDF = pdf
	} else if invoice != nil && invoice.InvoicePDF != "" {
		payment.InvoicePDF = invoice.InvoicePDF
	}

	if invoice != nil && !invoice.PeriodStart.IsZero() {
		payment.PeriodStart = invoice.PeriodStart
		payment.PeriodEnd = invoice.PeriodEnd
	}

	paymentIntentID := event.String("payment_intent")
	if paymentIntentID == "" && invoice != nil {
		paymentIntentID = invoice.PaymentIntentID
	}
	if paymentIntentID != "" {
		payment.StripePaymentIntentID = paymentIntentID
	}

	e.linkSubscription(ctx, logger, payment, event, invoice)
	e.enrichFromPaymentIntent(ctx, logger, payment, paymentIntentID)

	payment.Status = domain.PaymentStatusFromEventType(event.Type)
	payment.Standalone = false
	if payment.Status == domain.PaymentStatusSucceeded && payment.PaymentDate == nil {
		paidAt := e.now().UTC()
		if invoice != nil && invoice.PaidAt != nil {
			paidAt = *invoice.PaidAt
		}
		payment.PaymentDate = &paidAt
	}

	if err := e.payments.CreateOrUpdate(ctx, payment); err != nil {
		return nil, domain.Internal(err, "reconcile.payment", "failed to save payment")
	}
	if e.metrics != nil {
		e.metrics.PaymentsUpserted.WithLabelValues(string(payment.Status), "subscription").Inc()
	}
	return payment, nil
}

// linkSubscription sets the payment's subscription foreign key when a
// local row exists for the invoice's subscription. A missing local row
// is logged, not fatal: the payment is still recorded unlinked.
func (e *Engine) linkSubscription(ctx context.Context, logger zerolog.Logger, payment *domain.Payment, event *domain.Event, invoice *billing.Invoice) {
	stripeSubID := event.String("subscription")
	if stripeSubID == "" && invoice != nil {
		stripeSubID = invoice.SubscriptionID
	}
	if stripeSubID == "" {
		return
	}

	sub, err := e.subs.GetByStripeID(ctx, stripeSubID)
	if err != nil {
		logger.Warn().Err(err).
			Str("stripe_subscription_id", stripeSubID).
			Msg("no local subscription for invoice, payment recorded unlinked")
		return
	}
	payment.SubscriptionID = &sub.ID
	payment.LabID = sub.LabID
}

// enrichFromPaymentIntent fills charge id, receipt URL and card details
// off the payment intent's latest charge. Best-effort. Returns the
// fetched intent so callers can reuse its amount/currency.
func (e *Engine) enrichFromPaymentIntent(ctx context.Context, logger zerolog.Logger, payment *domain.Payment, paymentIntentID string) *billing.PaymentIntent {
	if paymentIntentID == "" {
		return nil
	}

	pi, err := e.provider.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		logger.Warn().Err(err).
			Str("payment_intent_id", paymentIntentID).
			Msg("payment intent fetch failed, card details unavailable")
		return nil
	}
	if payment.CustomerID == "" {
		payment.CustomerID = pi.CustomerID
	}
	if pi.LatestChargeID == "" {
		return pi
	}
	payment.StripeChargeID = pi.LatestChargeID

	charge, err := e.provider.GetCharge(ctx, pi.LatestChargeID)
	if err != nil {
		logger.Warn().Err(err).
			Str("charge_id", pi.LatestChargeID).
			Msg("charge fetch failed, card details unavailable")
		return pi
	}
	payment.ReceiptURL = charge.ReceiptURL
	payment.CardBrand = charge.Card.Brand
	payment.CardLast4 = charge.Card.Last4
	payment.CardExpMonth = charge.Card.ExpMonth
	payment.CardExpYear = charge.Card.ExpYear
	return pi
}
