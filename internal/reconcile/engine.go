// Package reconcile keeps the local subscription/payment ledger
// eventually consistent with Stripe. Every path re-fetches current
// provider state instead of applying webhook payloads as deltas; this is
// what makes at-least-once, out-of-order delivery safe.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/publisher"
	"github.com/meridianhq/meridian/internal/telemetry"
	"github.com/meridianhq/meridian/internal/tier"
)

// Status values reported back to the webhook handler.
const (
	StatusSuccess = "success"
	StatusIgnored = "ignored"
	StatusError   = "error"
)

// Outcome is the structured result of processing one event. The webhook
// response is derived from it; it is also what gets logged and published.
type Outcome struct {
	Status    string   `json:"status"`
	Category  Category `json:"category"`
	EventID   string   `json:"event_id"`
	EventType string   `json:"event_type"`

	// Detail is a short human-readable note (e.g. why an event was
	// ignored).
	Detail string `json:"detail,omitempty"`

	// Err is the reconciliation failure, if any. Never serialized; the
	// handler maps it through domain.ErrorCode.
	Err error `json:"-"`
}

// Engine dispatches classified events to the three reconcilers. One
// Engine is shared by all webhook deliveries; it holds no per-event
// state.
type Engine struct {
	provider billing.Provider
	subs     domain.SubscriptionRepository
	payments domain.PaymentRepository
	tiers    tier.Resolver
	pub      publisher.Publisher
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	// now is injectable for tests that pin the standalone payment
	// period stamp.
	now func() time.Time
}

// Config collects the Engine's dependencies.
type Config struct {
	Provider      billing.Provider
	Subscriptions domain.SubscriptionRepository
	Payments      domain.PaymentRepository
	Tiers         tier.Resolver
	Publisher     publisher.Publisher
	Metrics       *telemetry.Metrics
	Logger        zerolog.Logger

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// New creates an Engine. Provider and both repositories are required;
// Tiers defaults to the static catalog fallback and Publisher to a noop.
func New(cfg Config) *Engine {
	e := &Engine{
		provider: cfg.Provider,
		subs:     cfg.Subscriptions,
		payments: cfg.Payments,
		tiers:    cfg.Tiers,
		pub:      cfg.Publisher,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if e.tiers == nil {
		e.tiers = &tier.Catalog{}
	}
	if e.pub == nil {
		e.pub = publisher.Noop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Process classifies and reconciles one verified event. It never
// panics and never returns an error directly; failures are folded into
// the Outcome so the caller can decide the acknowledgment strategy.
func (e *Engine) Process(ctx context.Context, event *domain.Event) Outcome {
	start := time.Now()
	category := Classify(event)

	outcome := Outcome{
		Status:    StatusSuccess,
		Category:  category,
		EventID:   event.ID,
		EventType: event.Type,
	}

	logger := e.logger.With().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("category", string(category)).
		Logger()

	switch category {
	case CategoryIgnored:
		outcome.Status = StatusIgnored
		outcome.Detail = "event type not handled"
		e.metrics.Ignored(event.Type)
		logger.Info().Msg("event ignored")

	case CategorySubscription:
		sub, err := e.reconcileSubscription(ctx, logger, event)
		if err != nil {
			outcome.Status = StatusError
			outcome.Err = err
			break
		}
		e.publish(ctx, logger, publisher.SubjectSubscriptionReconciled, subscriptionMessage(event, sub))

	case CategoryInvoicePayment:
		payment, err := e.reconcileInvoicePayment(ctx, logger, event)
		if err != nil {
			outcome.Status = StatusError
			outcome.Err = err
			break
		}
		e.publish(ctx, logger, publisher.SubjectPaymentReconciled, paymentMessage(event, payment))

	case CategoryStandalonePayment:
		payment, err := e.reconcileStandalonePayment(ctx, logger, event)
		if err != nil {
			outcome.Status = StatusError
			outcome.Err = err
			break
		}
		e.publish(ctx, logger, publisher.SubjectPaymentReconciled, paymentMessage(event, payment))
	}

	switch outcome.Status {
	case StatusSuccess:
		if category != CategoryIgnored {
			e.metrics.Processed(string(category), event.Type)
			logger.Info().Msg("event reconciled")
		}
	case StatusError:
		e.metrics.Failed(string(category), domain.ErrorCode(outcome.Err))
		logger.Error().
			Err(outcome.Err).
			Str("error_code", domain.ErrorCode(outcome.Err)).
			Msg("reconciliation failed, event acknowledged for manual replay")
	}
	e.metrics.ObserveWebhook(string(category), start)

	return outcome
}

func (e *Engine) publish(ctx context.Context, logger zerolog.Logger, subject string, msg any) {
	if err := e.pub.Publish(ctx, subject, msg); err != nil {
		logger.Warn().Err(err).Str("subject", subject).Msg("outcome publish failed")
	}
}

func subscriptionMessage(event *domain.Event, sub *domain.Subscription) map[string]any {
	return map[string]any{
		"event_id":               event.ID,
		"event_type":             event.Type,
		"subscription_id":        sub.ID.String(),
		"user_id":                sub.UserID.String(),
		"stripe_subscription_id": sub.StripeSubscriptionID,
		"kind":                   sub.Kind,
		"status":                 sub.Status,
	}
}

func paymentMessage(event *domain.Event, p *domain.Payment) map[string]any {
	msg := map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
		"payment_id": p.ID.String(),
		"status":     p.Status,
		"standalone": p.Standalone,
		"amount":     p.AmountCents,
		"currency":   p.Currency,
	}
	if p.SubscriptionID != nil {
		msg["subscription_id"] = p.SubscriptionID.String()
	}
	return msg
}
