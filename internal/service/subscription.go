// Package service holds the business operations exposed over the API.
// State written here is provisional: the webhook reconciler re-fetches
// provider truth and converges the same rows, so a crash between a
// provider call and the local write heals on the next event.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/tier"
)

var (
	ErrAlreadySubscribed    = domain.Errorf(domain.ECONFLICT, "", "An active paid subscription already exists")
	ErrNoActiveSubscription = domain.Errorf(domain.ENOTFOUND, "", "No active subscription")
	ErrMissingPaymentMethod = domain.Errorf(domain.EINVALID, "", "A payment method is required")
)

// metadataStandalone marks payment intents created outside any
// subscription, so webhook classification can tell them apart from
// invoice-attached intents.
const metadataStandalone = "standalone"

// SubscriptionService drives the customer-facing billing operations.
type SubscriptionService interface {
	// Upgrade starts a paid subscription for the user, creating the
	// Stripe customer on first use.
	Upgrade(ctx context.Context, params UpgradeParams) (*domain.Subscription, error)

	// Cancel cancels the user's active paid subscription, at period end
	// by default.
	Cancel(ctx context.Context, userID uuid.UUID, immediately bool) (*domain.Subscription, error)

	// GetActive returns the user's current active subscription of any
	// kind, or ENOTFOUND.
	GetActive(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)

	// NextPaymentDate returns when the user's paid subscription renews,
	// or nil for free or cancelling subscriptions.
	NextPaymentDate(ctx context.Context, userID uuid.UUID) (*time.Time, error)

	// ListPayments returns the payment history matching the filter,
	// with the total match count.
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int64, error)

	// CreateStandalonePayment initiates a one-off payment intent tagged
	// so the webhook pipeline records it outside any subscription.
	CreateStandalonePayment(ctx context.Context, params StandalonePaymentParams) (*billing.PaymentIntent, error)
}

// UpgradeParams identifies the user and the price to subscribe to.
type UpgradeParams struct {
	UserID          uuid.UUID
	LabID           *uuid.UUID
	Email           string
	Name            string
	PriceID         string
	PaymentMethodID string
}

// StandalonePaymentParams describes a one-off charge.
type StandalonePaymentParams struct {
	UserID      uuid.UUID
	LabID       *uuid.UUID
	Email       string
	Name        string
	AmountCents int64
	Currency    string
	Description string
}

type subscriptionService struct {
	provider billing.Provider
	subs     domain.SubscriptionRepository
	payments domain.PaymentRepository
	tiers    tier.Resolver
}

// NewSubscriptionService creates a new SubscriptionService instance.
func NewSubscriptionService(
	provider billing.Provider,
	subs domain.SubscriptionRepository,
	payments domain.PaymentRepository,
	tiers tier.Resolver,
) SubscriptionService {
	if tiers == nil {
		tiers = &tier.Catalog{}
	}
	return &subscriptionService{
		provider: provider,
		subs:     subs,
		payments: payments,
		tiers:    tiers,
	}
}

func (s *subscriptionService) Upgrade(ctx context.Context, params UpgradeParams) (*domain.Subscription, error) {
	const op = "subscription.upgrade"

	if params.PaymentMethodID == "" {
		return nil, ErrMissingPaymentMethod
	}
	if params.PriceID == "" {
		return nil, domain.Invalid(op, "price id is required")
	}

	existing, err := s.subs.GetActiveByUserID(ctx, params.UserID, domain.SubscriptionKindPaid)
	if err != nil && domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, params.UserID, params.Email, params.Name)
	if err != nil {
		return nil, err
	}

	if err := s.provider.AttachPaymentMethod(ctx, customerID, params.PaymentMethodID); err != nil {
		return nil, domain.Provider(err, op, "failed to attach payment method")
	}

	metadata := map[string]string{"user_id": params.UserID.String()}
	if params.LabID != nil {
		metadata["lab_id"] = params.LabID.String()
	}

	provSub, err := s.provider.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		CustomerID:      customerID,
		PriceID:         params.PriceID,
		PaymentMethodID: params.PaymentMethodID,
		Metadata:        metadata,
	})
	if err != nil {
		return nil, domain.Provider(err, op, "failed to create subscription")
	}

	sub := s.subscriptionFromProvider(params.UserID, params.LabID, provSub)
	if err := s.subs.UpsertByStripeID(ctx, sub); err != nil {
		return nil, err
	}

	if sub.IsActive() {
		s.pauseFreeSubscription(ctx, params.UserID)
	}
	return sub, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, userID uuid.UUID, immediately bool) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	sub, err := s.subs.GetActiveByUserID(ctx, userID, domain.SubscriptionKindPaid)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	provSub, err := s.provider.CancelSubscription(ctx, sub.StripeSubscriptionID, !immediately)
	if err != nil {
		return nil, domain.Provider(err, op, "failed to cancel subscription")
	}

	sub.Status = domain.SubscriptionStatusFromProvider(provSub.Status)
	sub.CancelAtPeriodEnd = provSub.CancelAtPeriodEnd
	sub.CanceledAt = provSub.CanceledAt
	sub.EndedAt = provSub.EndedAt
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *subscriptionService) GetActive(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return s.subs.GetActiveByUserID(ctx, userID, "")
}

func (s *subscriptionService) NextPaymentDate(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	sub, err := s.subs.GetActiveByUserID(ctx, userID, domain.SubscriptionKindPaid)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			return nil, nil
		}
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		return nil, nil
	}
	next := sub.CurrentPeriodEnd
	return &next, nil
}

func (s *subscriptionService) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int64, error) {
	return s.payments.List(ctx, filter)
}

func (s *subscriptionService) CreateStandalonePayment(ctx context.Context, params StandalonePaymentParams) (*billing.PaymentIntent, error) {
	const op = "payment.create_standalone"

	if params.AmountCents <= 0 {
		return nil, domain.Invalid(op, "amount must be positive")
	}

	customerID, err := s.ensureCustomer(ctx, params.UserID, params.Email, params.Name)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"user_id":          params.UserID.String(),
		metadataStandalone: "true",
	}
	if params.LabID != nil {
		metadata["lab_id"] = params.LabID.String()
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, billing.CreatePaymentIntentParams{
		CustomerID:  customerID,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		Description: params.Description,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, domain.Provider(err, op, "failed to create payment intent")
	}
	return intent, nil
}

// ensureCustomer reuses the customer id already recorded on any of the
// user's subscription rows, creating a Stripe customer only on first
// contact.
func (s *subscriptionService) ensureCustomer(ctx context.Context, userID uuid.UUID, email, name string) (string, error) {
	const op = "subscription.ensure_customer"

	subs, err := s.subs.List(ctx, domain.SubscriptionFilter{UserID: userID})
	if err != nil {
		return "", err
	}
	for _, sub := range subs {
		if sub.CustomerID != "" {
			return sub.CustomerID, nil
		}
	}

	customer, err := s.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
		Email:    email,
		Name:     name,
		Metadata: map[string]string{"user_id": userID.String()},
	})
	if err != nil {
		return "", domain.Provider(err, op, "failed to create customer")
	}
	return customer.ID, nil
}

// pauseFreeSubscription shelves the user's free subscription once a
// paid one is live. Failures are ignored; the webhook reconciler
// repeats the pause on the subscription.created event.
func (s *subscriptionService) pauseFreeSubscription(ctx context.Context, userID uuid.UUID) {
	free, err := s.subs.GetFreeByUserID(ctx, userID)
	if err != nil || free.Status != domain.SubscriptionStatusActive {
		return
	}
	free.Status = domain.SubscriptionStatusPaused
	_ = s.subs.Update(ctx, free)
}

func (s *subscriptionService) subscriptionFromProvider(userID uuid.UUID, labID *uuid.UUID, provSub *billing.Subscription) *domain.Subscription {
	return &domain.Subscription{
		UserID:                 userID,
		LabID:                  labID,
		Kind:                   domain.SubscriptionKindPaid,
		Tier:                   s.tiers.Resolve(provSub.ProductID, provSub.PriceID),
		Status:                 domain.SubscriptionStatusFromProvider(provSub.Status),
		StripeSubscriptionID:   provSub.ID,
		StripePriceID:          provSub.PriceID,
		CustomerID:             provSub.CustomerID,
		CurrentPeriodStart:     provSub.CurrentPeriodStart,
		CurrentPeriodEnd:       provSub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      provSub.CancelAtPeriodEnd,
		CanceledAt:             provSub.CanceledAt,
		EndedAt:                provSub.EndedAt,
		BillingCycleAnchor:     provSub.BillingCycleAnchor,
		LatestInvoiceID:        provSub.LatestInvoiceID,
		DefaultPaymentMethodID: provSub.DefaultPaymentMethodID,
		AmountCents:            provSub.AmountCents,
		Currency:               provSub.Currency,
		Interval:               provSub.Interval,
	}
}
