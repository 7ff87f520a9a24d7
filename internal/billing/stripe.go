package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/meridianhq/meridian/internal/domain"
)

// StripeProvider implements Provider using the Stripe API.
// It owns its own client instance; no global key is set, so multiple
// providers with different keys can coexist in one process.
type StripeProvider struct {
	sc            *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe billing provider from config.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)

	return &StripeProvider{
		sc:            sc,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

// VerifyWebhook verifies the Stripe-Signature header against the raw
// payload and parses the event envelope.
func (s *StripeProvider) VerifyWebhook(payload []byte, signature string) (*domain.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, ErrInvalidWebhookSignature
	}

	object := map[string]any{}
	if len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return nil, domain.WrapError(err, domain.EINVALID, "stripe.verify_webhook", "malformed event object")
		}
	}

	return &domain.Event{
		ID:     event.ID,
		Type:   string(event.Type),
		Object: object,
	}, nil
}

// GetSubscription fetches the subscription with its price and product
// expanded, so one round trip yields everything reconciliation stores.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("items.data.price.product")
	params.AddExpand("latest_invoice")
	params.AddExpand("default_payment_method")

	sub, err := s.sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "get subscription")
	}
	return subscriptionFromStripe(sub), nil
}

// GetInvoice fetches the invoice with payment intent and charge expanded.
func (s *StripeProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	params := &stripe.InvoiceParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("payment_intent")
	params.AddExpand("charge")
	params.AddExpand("subscription")

	inv, err := s.sc.Invoices.Get(invoiceID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "get invoice")
	}
	return invoiceFromStripe(inv), nil
}

// GetPaymentIntent fetches the payment intent with its latest charge expanded.
func (s *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("latest_charge")

	pi, err := s.sc.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "get payment intent")
	}
	return paymentIntentFromStripe(pi), nil
}

// GetCharge fetches a charge for card details and receipt URL.
func (s *StripeProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	params := &stripe.ChargeParams{
		Params: stripe.Params{Context: ctx},
	}

	ch, err := s.sc.Charges.Get(chargeID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "get charge")
	}
	return chargeFromStripe(ch), nil
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, p CreateCustomerParams) (*Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(p.Email),
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	if len(p.Metadata) > 0 {
		params.Metadata = p.Metadata
	}

	cust, err := s.sc.Customers.New(params)
	if err != nil {
		return nil, wrapStripeErr(err, "create customer")
	}
	return &Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name}, nil
}

// AttachPaymentMethod attaches the method and sets it as the customer's
// invoice default.
func (s *StripeProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	attachParams := &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	if _, err := s.sc.PaymentMethods.Attach(paymentMethodID, attachParams); err != nil {
		return wrapStripeErr(err, "attach payment method")
	}

	custParams := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	if _, err := s.sc.Customers.Update(customerID, custParams); err != nil {
		return wrapStripeErr(err, "set default payment method")
	}
	return nil
}

// CreateSubscription creates a recurring subscription.
func (s *StripeProvider) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceID)},
		},
	}
	if p.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(p.PaymentMethodID)
	}
	if len(p.Metadata) > 0 {
		params.Metadata = p.Metadata
	}
	params.AddExpand("items.data.price.product")
	params.AddExpand("latest_invoice")

	sub, err := s.sc.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeErr(err, "create subscription")
	}
	return subscriptionFromStripe(sub), nil
}

// CancelSubscription cancels a subscription. With atPeriodEnd the
// subscription stays active until the current period closes; otherwise
// it is canceled immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			Params:            stripe.Params{Context: ctx},
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		sub, err := s.sc.Subscriptions.Update(subscriptionID, params)
		if err != nil {
			return nil, wrapStripeErr(err, "cancel subscription at period end")
		}
		return subscriptionFromStripe(sub), nil
	}

	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	sub, err := s.sc.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "cancel subscription")
	}
	return subscriptionFromStripe(sub), nil
}

// CreatePaymentIntent creates a one-time payment intent.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, p CreatePaymentIntentParams) (*PaymentIntent, error) {
	if p.AmountCents < 50 {
		return nil, ErrAmountTooSmall
	}

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	if len(p.Metadata) > 0 {
		params.Metadata = p.Metadata
	}

	pi, err := s.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeErr(err, "create payment intent")
	}
	return paymentIntentFromStripe(pi), nil
}

func subscriptionFromStripe(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         unixPtr(sub.CanceledAt),
		EndedAt:            unixPtr(sub.EndedAt),
		BillingCycleAnchor: unixPtr(sub.BillingCycleAnchor),
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceID = sub.LatestInvoice.ID
	}
	if sub.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethodID = sub.DefaultPaymentMethod.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		if price != nil {
			out.PriceID = price.ID
			out.AmountCents = price.UnitAmount
			out.Currency = string(price.Currency)
			if price.Recurring != nil {
				out.Interval = string(price.Recurring.Interval)
			}
			if price.Product != nil {
				out.ProductID = price.Product.ID
			}
		}
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:               inv.ID,
		Currency:         string(inv.Currency),
		Status:           string(inv.Status),
		InvoicePDF:       inv.InvoicePDF,
		HostedInvoiceURL: inv.HostedInvoiceURL,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.Charge != nil {
		out.ChargeID = inv.Charge.ID
	}
	out.AmountCents = inv.AmountPaid
	if out.AmountCents == 0 {
		out.AmountCents = inv.AmountDue
	}
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
		out.PeriodStart = time.Unix(inv.Lines.Data[0].Period.Start, 0).UTC()
		out.PeriodEnd = time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixPtr(inv.StatusTransitions.PaidAt)
	}
	return out
}

func paymentIntentFromStripe(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
		CreatedAt:    time.Unix(pi.Created, 0).UTC(),
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		out.LatestChargeID = pi.LatestCharge.ID
	}
	return out
}

func chargeFromStripe(ch *stripe.Charge) *Charge {
	out := &Charge{
		ID:         ch.ID,
		ReceiptURL: ch.ReceiptURL,
		CreatedAt:  time.Unix(ch.Created, 0).UTC(),
	}
	if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
		card := ch.PaymentMethodDetails.Card
		out.Card = Card{
			Brand:    string(card.Brand),
			Last4:    card.Last4,
			ExpMonth: int32(card.ExpMonth),
			ExpYear:  int32(card.ExpYear),
		}
	}
	return out
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// wrapStripeErr converts a Stripe SDK error into a StripeError, folding
// resource_missing into ErrNotFound so callers can branch on it.
func wrapStripeErr(err error, operation string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		wrapped := &StripeError{
			Message:       operation + " failed: " + stripeErr.Msg,
			Code:          string(stripeErr.Code),
			DeclineCode:   string(stripeErr.DeclineCode),
			HTTPStatus:    stripeErr.HTTPStatusCode,
			RequestID:     stripeErr.RequestID,
			OriginalError: err,
		}
		if wrapped.IsNotFound() {
			wrapped.OriginalError = ErrNotFound
		}
		return wrapped
	}
	return &StripeError{
		Message:       operation + " failed",
		OriginalError: err,
	}
}
