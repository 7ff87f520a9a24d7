package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/tier"
)

// reconcileSubscription is the single writer of subscription rows. It
// re-fetches the provider's current subscription state and overwrites
// the local row keyed by the external id, so replays and stale events
// converge on the same final state.
func (e *Engine) reconcileSubscription(ctx context.Context, logger zerolog.Logger, event *domain.Event) (*domain.Subscription, error) {
	stripeID := event.ObjectID()
	if stripeID == "" {
		return nil, domain.Invalid("reconcile.subscription", "event object has no subscription id")
	}

	provSub, err := e.provider.GetSubscription(ctx, stripeID)
	if err != nil {
		return nil, domain.Provider(err, "reconcile.subscription", "subscription lookup failed")
	}

	existing, err := e.subs.GetByStripeID(ctx, stripeID)
	if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, domain.Internal(err, "reconcile.subscription", "subscription lookup failed")
	}

	userID, labID, err := resolveOwner(existing, provSub.Metadata)
	if err != nil {
		return nil, err
	}

	sub := &domain.Subscription{
		UserID:                 userID,
		LabID:                  labID,
		Kind:                   domain.SubscriptionKindPaid,
		Tier:                   e.tiers.Resolve(provSub.ProductID, provSub.PriceID),
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
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		sub.UsageCount = existing.UsageCount
	}

	if err := e.subs.UpsertByStripeID(ctx, sub); err != nil {
		return nil, domain.Internal(err, "reconcile.subscription", "failed to save subscription")
	}
	if e.metrics != nil {
		e.metrics.SubscriptionsUpserted.WithLabelValues(string(sub.Status)).Inc()
	}

	if sub.IsActive() {
		e.pauseFreeSubscription(ctx, logger, userID)
	}

	if event.Type == EventSubscriptionDeleted {
		if err := e.downgradeToFree(ctx, logger, userID, labID); err != nil {
			return nil, err
		}
	}

	return sub, nil
}

// pauseFreeSubscription shelves the user's active free subscription when
// a paid one goes active, keeping exactly one active subscription per
// user. Best-effort: a user without a free row is fine.
func (e *Engine) pauseFreeSubscription(ctx context.Context, logger zerolog.Logger, userID uuid.UUID) {
	free, err := e.subs.GetFreeByUserID(ctx, userID)
	if err != nil {
		if !domain.IsCode(err, domain.ENOTFOUND) {
			logger.Warn().Err(err).Msg("free subscription lookup failed")
		}
		return
	}
	if free.Status != domain.SubscriptionStatusActive {
		return
	}

	free.Status = domain.SubscriptionStatusPaused
	if err := e.subs.Update(ctx, free); err != nil {
		logger.Warn().Err(err).Msg("failed to pause free subscription")
		return
	}
	if e.metrics != nil {
		e.metrics.FreeSubscriptionsPaused.Inc()
	}
	logger.Info().Str("user_id", userID.String()).Msg("free subscription paused")
}

// downgradeToFree creates or reactivates the user's free subscription
// after their paid one is deleted, so the user is never left with zero
// active subscriptions.
func (e *Engine) downgradeToFree(ctx context.Context, logger zerolog.Logger, userID uuid.UUID, labID *uuid.UUID) error {
	now := e.now().UTC()

	free, err := e.subs.GetFreeByUserID(ctx, userID)
	switch {
	case err == nil:
		free.Status = domain.SubscriptionStatusActive
		free.UsageCount++
		free.CurrentPeriodStart = now
		free.CurrentPeriodEnd = domain.FreePeriodEnd
		if err := e.subs.Update(ctx, free); err != nil {
			return domain.Internal(err, "reconcile.downgrade", "failed to reactivate free subscription")
		}

	case domain.IsCode(err, domain.ENOTFOUND):
		free = &domain.Subscription{
			UserID:             userID,
			LabID:              labID,
			Kind:               domain.SubscriptionKindFree,
			Tier:               tier.Free,
			Status:             domain.SubscriptionStatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   domain.FreePeriodEnd,
			UsageCount:         1,
		}
		if err := e.subs.Create(ctx, free); err != nil {
			return domain.Internal(err, "reconcile.downgrade", "failed to create free subscription")
		}

	default:
		return domain.Internal(err, "reconcile.downgrade", "free subscription lookup failed")
	}

	if e.metrics != nil {
		e.metrics.DowngradesToFree.Inc()
	}
	logger.Info().Str("user_id", userID.String()).Msg("user downgraded to free")
	return nil
}

// resolveOwner determines which user a subscription belongs to: the
// existing local row wins, falling back to the user_id the service put
// in the subscription's metadata at creation time.
func resolveOwner(existing *domain.Subscription, metadata map[string]string) (uuid.UUID, *uuid.UUID, error) {
	if existing != nil {
		return existing.UserID, existing.LabID, nil
	}

	raw, ok := metadata["user_id"]
	if !ok || raw == "" {
		return uuid.Nil, nil, domain.Invalid("reconcile.subscription", "subscription has no local row and no user_id metadata")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, nil, domain.Invalid("reconcile.subscription", "subscription user_id metadata is not a uuid")
	}

	var labID *uuid.UUID
	if rawLab, ok := metadata["lab_id"]; ok && rawLab != "" {
		if id, err := uuid.Parse(rawLab); err == nil {
			labID = &id
		}
	}
	return userID, labID, nil
}
