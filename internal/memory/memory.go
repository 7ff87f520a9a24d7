// Package memory provides in-memory repository implementations backing
// unit tests and local development without a database. Uniqueness rules
// match the postgres implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/domain"
)

// SubscriptionRepository is a mutex-guarded in-memory implementation of
// domain.SubscriptionRepository.
type SubscriptionRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Subscription
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{rows: make(map[uuid.UUID]*domain.Subscription)}
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, domain.NotFound("subscription.get", "subscription", id.String())
	}
	return copySub(row), nil
}

func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.findByStripeID(stripeSubscriptionID)
	if row == nil {
		return nil, domain.NotFound("subscription.get_by_stripe_id", "subscription", stripeSubscriptionID)
	}
	return copySub(row), nil
}

func (r *SubscriptionRepository) GetActiveByUserID(ctx context.Context, userID uuid.UUID, kind domain.SubscriptionKind) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *domain.Subscription
	for _, row := range r.rows {
		if row.UserID != userID || row.Status != domain.SubscriptionStatusActive {
			continue
		}
		if kind != "" && row.Kind != kind {
			continue
		}
		if newest == nil || row.CreatedAt.After(newest.CreatedAt) {
			newest = row
		}
	}
	if newest == nil {
		return nil, domain.NotFound("subscription.get_active", "active subscription", userID.String())
	}
	return copySub(newest), nil
}

func (r *SubscriptionRepository) GetFreeByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.UserID == userID && row.Kind == domain.SubscriptionKindFree {
			return copySub(row), nil
		}
	}
	return nil, domain.NotFound("subscription.get_free", "free subscription", userID.String())
}

func (r *SubscriptionRepository) List(ctx context.Context, filter domain.SubscriptionFilter) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Subscription
	for _, row := range r.rows {
		if filter.UserID != uuid.Nil && row.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && row.Kind != filter.Kind {
			continue
		}
		out = append(out, *copySub(row))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.StripeSubscriptionID != "" && r.findByStripeID(sub.StripeSubscriptionID) != nil {
		return domain.Conflict("subscription.create", "stripe subscription id already recorded")
	}
	r.insert(sub)
	return nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[sub.ID]; !ok {
		return domain.NotFound("subscription.update", "subscription", sub.ID.String())
	}
	sub.UpdatedAt = time.Now().UTC()
	r.rows[sub.ID] = copySub(sub)
	return nil
}

func (r *SubscriptionRepository) UpsertByStripeID(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.StripeSubscriptionID == "" {
		r.insert(sub)
		return nil
	}

	existing := r.findByStripeID(sub.StripeSubscriptionID)
	if existing == nil {
		r.insert(sub)
		return nil
	}

	// Converge onto the existing row: keep its identity, refresh the rest.
	sub.ID = existing.ID
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	r.rows[sub.ID] = copySub(sub)
	return nil
}

func (r *SubscriptionRepository) insert(sub *domain.Subscription) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.rows[sub.ID] = copySub(sub)
}

func (r *SubscriptionRepository) findByStripeID(stripeID string) *domain.Subscription {
	if stripeID == "" {
		return nil
	}
	for _, row := range r.rows {
		if row.StripeSubscriptionID == stripeID {
			return row
		}
	}
	return nil
}

func copySub(s *domain.Subscription) *domain.Subscription {
	c := *s
	return &c
}

// PaymentRepository is a mutex-guarded in-memory implementation of
// domain.PaymentRepository.
type PaymentRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Payment
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{rows: make(map[uuid.UUID]*domain.Payment)}
}

func (r *PaymentRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if invoiceID != "" && row.StripeInvoiceID == invoiceID {
			return copyPayment(row), nil
		}
	}
	return nil, domain.NotFound("payment.find_by_invoice", "payment", invoiceID)
}

func (r *PaymentRepository) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if paymentIntentID != "" && row.StripePaymentIntentID == paymentIntentID {
			return copyPayment(row), nil
		}
	}
	return nil, domain.NotFound("payment.find_by_payment_intent", "payment", paymentIntentID)
}

func (r *PaymentRepository) CreateOrUpdate(ctx context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.findByExternalID(p)
	now := time.Now().UTC()
	if existing != nil {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = now
		r.rows[p.ID] = copyPayment(p)
		return nil
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.rows[p.ID] = copyPayment(p)
	return nil
}

func (r *PaymentRepository) List(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Payment
	for _, row := range r.rows {
		if filter.CustomerID != "" && row.CustomerID != filter.CustomerID {
			continue
		}
		if filter.CardLast4 != "" && row.CardLast4 != filter.CardLast4 {
			continue
		}
		if filter.CardBrand != "" && row.CardBrand != filter.CardBrand {
			continue
		}
		switch filter.Kind {
		case domain.PaymentKindStandalone:
			if !row.Standalone {
				continue
			}
		case domain.PaymentKindSubscription:
			if row.Standalone {
				continue
			}
		}
		if filter.StartDate != nil && row.PaymentDate != nil && row.PaymentDate.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && row.PaymentDate != nil && row.PaymentDate.After(*filter.EndDate) {
			continue
		}
		matched = append(matched, *copyPayment(row))
	}
	sort.Slice(matched, func(i, j int) bool {
		return paymentSortTime(matched[i]).After(paymentSortTime(matched[j]))
	})

	total := int64(len(matched))
	offset := filter.Offset()
	if offset >= len(matched) {
		return []domain.Payment{}, total, nil
	}
	end := offset + filter.Limit()
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (r *PaymentRepository) findByExternalID(p *domain.Payment) *domain.Payment {
	for _, row := range r.rows {
		if p.StripeInvoiceID != "" && row.StripeInvoiceID == p.StripeInvoiceID {
			return row
		}
		if p.StripeInvoiceID == "" && p.StripePaymentIntentID != "" &&
			row.StripePaymentIntentID == p.StripePaymentIntentID {
			return row
		}
	}
	return nil
}

func paymentSortTime(p domain.Payment) time.Time {
	if p.PaymentDate != nil {
		return *p.PaymentDate
	}
	return p.CreatedAt
}

func copyPayment(p *domain.Payment) *domain.Payment {
	c := *p
	return &c
}
