package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/meridian/internal/domain"
)

const paymentColumns = `
	id, subscription_id, customer_id, lab_id,
	stripe_invoice_id, stripe_payment_intent_id, stripe_charge_id,
	card_brand, card_last4, card_exp_month, card_exp_year,
	amount_cents, currency, status,
	period_start, period_end, payment_date,
	receipt_url, invoice_pdf, standalone,
	created_at, updated_at`

// PaymentRepository implements domain.PaymentRepository over a pgx pool.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+paymentColumns+` FROM subscription_payments WHERE stripe_invoice_id = $1`,
		invoiceID)

	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("payment.find_by_invoice", "payment", invoiceID)
	}
	if err != nil {
		return nil, domain.Internal(err, "payment.find_by_invoice", "failed to load payment")
	}
	return p, nil
}

func (r *PaymentRepository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT`+paymentColumns+` FROM subscription_payments WHERE stripe_payment_intent_id = $1`,
		paymentIntentID)

	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("payment.find_by_payment_intent", "payment", paymentIntentID)
	}
	if err != nil {
		return nil, domain.Internal(err, "payment.find_by_payment_intent", "failed to load payment")
	}
	return p, nil
}

// CreateOrUpdate upserts keyed by whichever external id the payment
// carries. The two partial unique indexes make concurrent deliveries of
// the same invoice or payment intent converge on one row.
func (r *PaymentRepository) CreateOrUpdate(ctx context.Context, p *domain.Payment) error {
	var conflict string
	switch {
	case p.StripeInvoiceID != "":
		conflict = `ON CONFLICT (stripe_invoice_id) WHERE stripe_invoice_id IS NOT NULL`
	case p.StripePaymentIntentID != "":
		conflict = `ON CONFLICT (stripe_payment_intent_id) WHERE stripe_payment_intent_id IS NOT NULL`
	default:
		return domain.Invalid("payment.upsert", "payment carries no external id")
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO subscription_payments (
			subscription_id, customer_id, lab_id,
			stripe_invoice_id, stripe_payment_intent_id, stripe_charge_id,
			card_brand, card_last4, card_exp_month, card_exp_year,
			amount_cents, currency, status,
			period_start, period_end, payment_date,
			receipt_url, invoice_pdf, standalone
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		`+conflict+`
		DO UPDATE SET
			subscription_id = COALESCE(EXCLUDED.subscription_id, subscription_payments.subscription_id),
			customer_id = EXCLUDED.customer_id,
			lab_id = COALESCE(EXCLUDED.lab_id, subscription_payments.lab_id),
			stripe_payment_intent_id = COALESCE(EXCLUDED.stripe_payment_intent_id, subscription_payments.stripe_payment_intent_id),
			stripe_charge_id = EXCLUDED.stripe_charge_id,
			card_brand = EXCLUDED.card_brand,
			card_last4 = EXCLUDED.card_last4,
			card_exp_month = EXCLUDED.card_exp_month,
			card_exp_year = EXCLUDED.card_exp_year,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			payment_date = EXCLUDED.payment_date,
			receipt_url = EXCLUDED.receipt_url,
			invoice_pdf = EXCLUDED.invoice_pdf,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		p.SubscriptionID, p.CustomerID, p.LabID,
		nullText(p.StripeInvoiceID), nullText(p.StripePaymentIntentID), p.StripeChargeID,
		p.CardBrand, p.CardLast4, p.CardExpMonth, p.CardExpYear,
		p.AmountCents, p.Currency, string(p.Status),
		p.PeriodStart, p.PeriodEnd, nullTime(p.PaymentDate),
		p.ReceiptURL, p.InvoicePDF, p.Standalone,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Internal(err, "payment.upsert", "failed to upsert payment")
	}
	return nil
}

func (r *PaymentRepository) List(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int64, error) {
	where, args := paymentWhere(filter)

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM subscription_payments`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, domain.Internal(err, "payment.list", "failed to count payments")
	}

	query := fmt.Sprintf(`SELECT%s FROM subscription_payments%s
		ORDER BY COALESCE(payment_date, created_at) DESC
		LIMIT $%d OFFSET $%d`,
		paymentColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit(), filter.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, domain.Internal(err, "payment.list", "failed to list payments")
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, domain.Internal(err, "payment.list", "failed to scan payment")
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.Internal(err, "payment.list", "failed to list payments")
	}
	return out, total, nil
}

func paymentWhere(filter domain.PaymentFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.StartDate != nil {
		add("payment_date >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("payment_date <= $%d", *filter.EndDate)
	}
	if filter.CardLast4 != "" {
		add("card_last4 = $%d", filter.CardLast4)
	}
	if filter.CardBrand != "" {
		add("card_brand = $%d", filter.CardBrand)
	}
	switch filter.Kind {
	case domain.PaymentKindStandalone:
		clauses = append(clauses, "standalone")
	case domain.PaymentKindSubscription:
		clauses = append(clauses, "NOT standalone")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p           domain.Payment
		invoiceID   pgtype.Text
		intentID    pgtype.Text
		periodStart pgtype.Timestamptz
		periodEnd   pgtype.Timestamptz
		paidAt      pgtype.Timestamptz
		status      string
	)

	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.CustomerID, &p.LabID,
		&invoiceID, &intentID, &p.StripeChargeID,
		&p.CardBrand, &p.CardLast4, &p.CardExpMonth, &p.CardExpYear,
		&p.AmountCents, &p.Currency, &status,
		&periodStart, &periodEnd, &paidAt,
		&p.ReceiptURL, &p.InvoicePDF, &p.Standalone,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.PaymentStatus(status)
	p.StripeInvoiceID = textOrEmpty(invoiceID)
	p.StripePaymentIntentID = textOrEmpty(intentID)
	p.PeriodStart = periodStart.Time
	p.PeriodEnd = periodEnd.Time
	p.PaymentDate = timePtr(paidAt)
	return &p, nil
}
