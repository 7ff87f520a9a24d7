package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the Stripe API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrNotFound is returned when the provider does not know the requested id.
	ErrNotFound = errors.New("billing: resource not found")

	// ErrAmountTooSmall is returned when a payment amount is below Stripe's minimum.
	ErrAmountTooSmall = errors.New("billing: amount too small (minimum $0.50 USD)")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g. "resource_missing")
	DeclineCode   string // Card decline reason (if applicable)
	HTTPStatus    int    // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from the Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if error is due to card decline.
func (e *StripeError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsNotFound returns true if the error indicates a missing resource.
func (e *StripeError) IsNotFound() bool {
	return e.Code == "resource_missing" || e.HTTPStatus == 404
}
