package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/meridian/internal/domain"
)

const subscriptionColumns = `
	id, user_id, lab_id, kind, tier, status,
	stripe_subscription_id, stripe_price_id, customer_id,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, ended_at, billing_cycle_anchor,
	latest_invoice_id, default_payment_method_id,
	amount_cents, currency, billing_interval, usage_count,
	created_at, updated_at`

// SubscriptionRepository implements domain.SubscriptionRepository over a
// pgx pool.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("subscription.get", "subscription", id.String())
	}
	if err != nil {
		return nil, domain.Internal(err, "subscription.get", "failed to load subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("subscription.get_by_stripe_id", "subscription", stripeSubscriptionID)
	}
	if err != nil {
		return nil, domain.Internal(err, "subscription.get_by_stripe_id", "failed to load subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) GetActiveByUserID(ctx context.Context, userID uuid.UUID, kind domain.SubscriptionKind) (*domain.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status = 'active' AND ($2 = '' OR kind = $2)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, string(kind))

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("subscription.get_active", "active subscription", userID.String())
	}
	if err != nil {
		return nil, domain.Internal(err, "subscription.get_active", "failed to load subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) GetFreeByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND kind = 'free'
		 LIMIT 1`,
		userID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("subscription.get_free", "free subscription", userID.String())
	}
	if err != nil {
		return nil, domain.Internal(err, "subscription.get_free", "failed to load subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC`

	var userArg pgtype.UUID
	if filter.UserID != uuid.Nil {
		userArg = pgtype.UUID{Bytes: filter.UserID, Valid: true}
	}

	rows, err := r.pool.Query(ctx, query, userArg, string(filter.Status), string(filter.Kind))
	if err != nil {
		return nil, domain.Internal(err, "subscription.list", "failed to list subscriptions")
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.Internal(err, "subscription.list", "failed to scan subscription")
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "subscription.list", "failed to list subscriptions")
	}
	return out, nil
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (
			user_id, lab_id, kind, tier, status,
			stripe_subscription_id, stripe_price_id, customer_id,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, ended_at, billing_cycle_anchor,
			latest_invoice_id, default_payment_method_id,
			amount_cents, currency, billing_interval, usage_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		) RETURNING id, created_at, updated_at`,
		sub.UserID, sub.LabID, string(sub.Kind), sub.Tier, string(sub.Status),
		nullText(sub.StripeSubscriptionID), sub.StripePriceID, sub.CustomerID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		nullTime(sub.CanceledAt), nullTime(sub.EndedAt), nullTime(sub.BillingCycleAnchor),
		sub.LatestInvoiceID, sub.DefaultPaymentMethodID,
		sub.AmountCents, sub.Currency, sub.Interval, sub.UsageCount,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict("subscription.create", "stripe subscription id already recorded")
		}
		return domain.Internal(err, "subscription.create", "failed to create subscription")
	}
	return nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	err := r.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
			lab_id = $2, tier = $3, status = $4,
			stripe_price_id = $5, customer_id = $6,
			current_period_start = $7, current_period_end = $8,
			cancel_at_period_end = $9, canceled_at = $10, ended_at = $11,
			billing_cycle_anchor = $12, latest_invoice_id = $13,
			default_payment_method_id = $14, amount_cents = $15,
			currency = $16, billing_interval = $17, usage_count = $18,
			updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		sub.ID, sub.LabID, sub.Tier, string(sub.Status),
		sub.StripePriceID, sub.CustomerID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, nullTime(sub.CanceledAt), nullTime(sub.EndedAt),
		nullTime(sub.BillingCycleAnchor), sub.LatestInvoiceID,
		sub.DefaultPaymentMethodID, sub.AmountCents,
		sub.Currency, sub.Interval, sub.UsageCount,
	).Scan(&sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound("subscription.update", "subscription", sub.ID.String())
	}
	if err != nil {
		return domain.Internal(err, "subscription.update", "failed to update subscription")
	}
	return nil
}

// UpsertByStripeID inserts the row or refreshes the one already holding
// the same external id. The partial unique index arbitrates concurrent
// inserts; whichever write lands second becomes the DO UPDATE branch.
// Row identity (id, created_at, usage_count) survives the update.
func (r *SubscriptionRepository) UpsertByStripeID(ctx context.Context, sub *domain.Subscription) error {
	if sub.StripeSubscriptionID == "" {
		return r.Create(ctx, sub)
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (
			user_id, lab_id, kind, tier, status,
			stripe_subscription_id, stripe_price_id, customer_id,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, ended_at, billing_cycle_anchor,
			latest_invoice_id, default_payment_method_id,
			amount_cents, currency, billing_interval, usage_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		ON CONFLICT (stripe_subscription_id) WHERE stripe_subscription_id IS NOT NULL
		DO UPDATE SET
			lab_id = EXCLUDED.lab_id,
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			stripe_price_id = EXCLUDED.stripe_price_id,
			customer_id = EXCLUDED.customer_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			ended_at = EXCLUDED.ended_at,
			billing_cycle_anchor = EXCLUDED.billing_cycle_anchor,
			latest_invoice_id = EXCLUDED.latest_invoice_id,
			default_payment_method_id = EXCLUDED.default_payment_method_id,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			updated_at = now()
		RETURNING id, user_id, usage_count, created_at, updated_at`,
		sub.UserID, sub.LabID, string(sub.Kind), sub.Tier, string(sub.Status),
		nullText(sub.StripeSubscriptionID), sub.StripePriceID, sub.CustomerID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		nullTime(sub.CanceledAt), nullTime(sub.EndedAt), nullTime(sub.BillingCycleAnchor),
		sub.LatestInvoiceID, sub.DefaultPaymentMethodID,
		sub.AmountCents, sub.Currency, sub.Interval, sub.UsageCount,
	).Scan(&sub.ID, &sub.UserID, &sub.UsageCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return domain.Internal(err, "subscription.upsert", "failed to upsert subscription")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		stripeID pgtype.Text
		canceled pgtype.Timestamptz
		ended    pgtype.Timestamptz
		anchor   pgtype.Timestamptz
		kind     string
		status   string
	)

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.LabID, &kind, &sub.Tier, &status,
		&stripeID, &sub.StripePriceID, &sub.CustomerID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&canceled, &ended, &anchor,
		&sub.LatestInvoiceID, &sub.DefaultPaymentMethodID,
		&sub.AmountCents, &sub.Currency, &sub.Interval, &sub.UsageCount,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Kind = domain.SubscriptionKind(kind)
	sub.Status = domain.SubscriptionStatus(status)
	sub.StripeSubscriptionID = textOrEmpty(stripeID)
	sub.CanceledAt = timePtr(canceled)
	sub.EndedAt = timePtr(ended)
	sub.BillingCycleAnchor = timePtr(anchor)
	return &sub, nil
}

// isUniqueViolation reports whether err is Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
