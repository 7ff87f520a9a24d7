// Package api exposes the read and management endpoints backing the
// billing dashboard.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/handler"
	"github.com/meridianhq/meridian/internal/service"
)

// SubscriptionHandler serves subscription and payment endpoints.
type SubscriptionHandler struct {
	svc    service.SubscriptionService
	logger zerolog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(svc service.SubscriptionService, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, logger: logger}
}

// Register mounts the handler's routes on g.
func (h *SubscriptionHandler) Register(g *echo.Group) {
	g.GET("/users/:user_id/subscription", h.GetSubscription)
	g.POST("/users/:user_id/subscription", h.Upgrade)
	g.DELETE("/users/:user_id/subscription", h.Cancel)
	g.GET("/users/:user_id/next-payment", h.NextPayment)
	g.GET("/payments", h.ListPayments)
	g.POST("/users/:user_id/payments", h.CreatePayment)
}

type upgradeRequest struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	PriceID         string `json:"price_id"`
	PaymentMethodID string `json:"payment_method_id"`
	LabID           string `json:"lab_id"`
}

type paymentRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	LabID       string `json:"lab_id"`
}

// GetSubscription handles GET /users/:user_id/subscription.
func (h *SubscriptionHandler) GetSubscription(c echo.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	sub, err := h.svc.GetActive(c.Request().Context(), userID)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

// Upgrade handles POST /users/:user_id/subscription.
func (h *SubscriptionHandler) Upgrade(c echo.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	var req upgradeRequest
	if err := c.Bind(&req); err != nil {
		return handler.ErrorResponse(c, domain.Invalid("subscription.upgrade", "malformed request body"))
	}

	labID, err := optionalUUID(req.LabID, "subscription.upgrade")
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	sub, err := h.svc.Upgrade(c.Request().Context(), service.UpgradeParams{
		UserID:          userID,
		LabID:           labID,
		Email:           req.Email,
		Name:            req.Name,
		PriceID:         req.PriceID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("upgrade failed")
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

// Cancel handles DELETE /users/:user_id/subscription. The immediately
// query flag skips the period-end grace.
func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	immediately := c.QueryParam("immediately") == "true"
	sub, err := h.svc.Cancel(c.Request().Context(), userID, immediately)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

// NextPayment handles GET /users/:user_id/next-payment.
func (h *SubscriptionHandler) NextPayment(c echo.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	next, err := h.svc.NextPaymentDate(c.Request().Context(), userID)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]*time.Time{"next_payment_date": next})
}

type paymentListResponse struct {
	Payments []domain.Payment `json:"payments"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// ListPayments handles GET /payments with query filters.
func (h *SubscriptionHandler) ListPayments(c echo.Context) error {
	filter, err := paymentFilter(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	payments, total, err := h.svc.ListPayments(c.Request().Context(), filter)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}
	if payments == nil {
		payments = []domain.Payment{}
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	return c.JSON(http.StatusOK, paymentListResponse{
		Payments: payments,
		Total:    total,
		Page:     page,
		PageSize: filter.Limit(),
	})
}

// CreatePayment handles POST /users/:user_id/payments, initiating a
// standalone payment intent.
func (h *SubscriptionHandler) CreatePayment(c echo.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return handler.ErrorResponse(c, domain.Invalid("payment.create_standalone", "malformed request body"))
	}

	labID, err := optionalUUID(req.LabID, "payment.create_standalone")
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	intent, err := h.svc.CreateStandalonePayment(c.Request().Context(), service.StandalonePaymentParams{
		UserID:      userID,
		LabID:       labID,
		Email:       req.Email,
		Name:        req.Name,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		return handler.ErrorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"payment_intent_id": intent.ID,
		"client_secret":     intent.ClientSecret,
	})
}

func pathUserID(c echo.Context) (uuid.UUID, error) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return uuid.Nil, domain.Invalid("api.user_id", "user id must be a UUID")
	}
	return userID, nil
}

func optionalUUID(raw, op string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.Invalid(op, "lab id must be a UUID")
	}
	return &id, nil
}

func paymentFilter(c echo.Context) (domain.PaymentFilter, error) {
	filter := domain.PaymentFilter{
		CustomerID: c.QueryParam("customer_id"),
		CardLast4:  c.QueryParam("card_last4"),
		CardBrand:  c.QueryParam("card_brand"),
	}

	switch kind := c.QueryParam("kind"); kind {
	case "", string(domain.PaymentKindStandalone), string(domain.PaymentKindSubscription):
		filter.Kind = domain.PaymentKind(kind)
	default:
		return filter, domain.Invalid("payment.list", "kind must be standalone or subscription")
	}

	for name, dst := range map[string]**time.Time{
		"start_date": &filter.StartDate,
		"end_date":   &filter.EndDate,
	} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, domain.Invalid("payment.list", name+" must be RFC 3339")
		}
		*dst = &ts
	}

	if raw := c.QueryParam("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return filter, domain.Invalid("payment.list", "page must be an integer")
		}
		filter.Page = page
	}
	if raw := c.QueryParam("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return filter, domain.Invalid("payment.list", "page_size must be an integer")
		}
		filter.PageSize = size
	}
	return filter, nil
}
