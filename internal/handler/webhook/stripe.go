// Package webhook receives and acknowledges Stripe event deliveries.
package webhook

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/reconcile"
	"github.com/meridianhq/meridian/internal/telemetry"
)

// maxBodyBytes caps webhook payloads; Stripe's own limit is 64KB.
const maxBodyBytes = 64 * 1024

// StripeHandler verifies webhook deliveries and feeds them to the
// reconciliation engine.
type StripeHandler struct {
	provider billing.Provider
	engine   *reconcile.Engine
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	// failOnPersistence switches the acknowledgment strategy for
	// reconciliation failures: when true the handler returns 500 so
	// Stripe redelivers, when false it acknowledges with 200 and
	// leaves replay to the operator.
	failOnPersistence bool
}

// Config bundles the handler's collaborators.
type Config struct {
	Provider          billing.Provider
	Engine            *reconcile.Engine
	Metrics           *telemetry.Metrics
	Logger            zerolog.Logger
	FailOnPersistence bool
}

// NewStripeHandler creates a new Stripe webhook handler.
func NewStripeHandler(cfg Config) *StripeHandler {
	return &StripeHandler{
		provider:          cfg.Provider,
		engine:            cfg.Engine,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		failOnPersistence: cfg.FailOnPersistence,
	}
}

// Response is the acknowledgment body returned to Stripe.
type Response struct {
	Received  bool   `json:"received"`
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// Handle processes POST /webhooks/stripe.
func (h *StripeHandler) Handle(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("webhook body read failed")
		return c.JSON(http.StatusBadRequest, Response{Status: "invalid_body"})
	}

	signature := req.Header.Get("Stripe-Signature")
	event, err := h.provider.VerifyWebhook(payload, signature)
	if err != nil {
		h.metrics.WebhookRejected.Inc()
		h.logger.Warn().Err(err).Msg("webhook signature verification failed")
		return c.JSON(http.StatusBadRequest, Response{Status: "invalid_signature"})
	}
	h.metrics.WebhookReceived.WithLabelValues(event.Type).Inc()

	outcome := h.engine.Process(req.Context(), event)

	if outcome.Status == reconcile.StatusError {
		if h.failOnPersistence && domain.ErrorCode(outcome.Err) == domain.EINTERNAL {
			// Not acknowledged; Stripe redelivers with backoff.
			return c.JSON(http.StatusInternalServerError, Response{
				Status:    outcome.Status,
				EventID:   outcome.EventID,
				EventType: outcome.EventType,
			})
		}
	}

	return c.JSON(http.StatusOK, Response{
		Received:  true,
		Status:    outcome.Status,
		EventID:   outcome.EventID,
		EventType: outcome.EventType,
	})
}
