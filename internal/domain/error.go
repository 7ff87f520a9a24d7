package domain

import (
	"errors"
	"fmt"
)

// Application error codes.
// These map to HTTP status codes and classify webhook processing outcomes.
const (
	ECONFLICT     = "conflict"     // 409 - Uniqueness violation (duplicate external id)
	EINTERNAL     = "internal"     // 500 - Internal/persistence error (hide details)
	EINVALID      = "invalid"      // 400 - Validation error (bad input, missing metadata)
	ENOTFOUND     = "not_found"    // 404 - Resource not found
	EUNAUTHORIZED = "unauthorized" // 401 - Signature verification failure
	EPROVIDER     = "provider"     // 502 - Stripe lookup failed or object missing upstream
)

// Error represents an application error with a code and message.
// It implements the error interface and supports error wrapping.
type Error struct {
	// Code is a machine-readable error code (e.g. EINVALID, ENOTFOUND).
	Code string

	// Message is a human-readable error message safe to show to operators.
	Message string

	// Op is the operation where the error occurred (e.g. "reconcile.subscription").
	// Used for debugging and logging.
	Op string

	// Err is the underlying error, if any. Used for error wrapping.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the error code from an error.
// Returns EINTERNAL for non-domain errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return EINTERNAL
}

// ErrorMessage extracts an operator-facing message from an error.
// For internal errors, returns a generic message to avoid leaking details.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred."
		}
		return e.Message
	}

	return "An internal error occurred."
}

// ErrorOp extracts the operation from an error (for logging).
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}

	return ""
}

// Errorf creates a new domain error with a formatted message.
// Example: domain.Errorf(domain.EINVALID, "reconcile.standalone", "missing metadata key %q", key)
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with a domain error code and operation.
// Preserves the underlying error for logging while providing structure.
// Returns nil if err is nil.
func WrapError(err error, code, op, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// IsCode returns true if err has the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// NotFound creates a not found error for a resource.
// Example: domain.NotFound("subscription.get", "subscription", stripeID)
func NotFound(op, resource, identifier string) error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s not found: %s", resource, identifier),
	}
}

// Unauthorized creates an unauthorized error.
// Example: domain.Unauthorized("webhook.verify", "invalid signature")
func Unauthorized(op, message string) error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Invalid creates a validation error for a single issue.
// Example: domain.Invalid("reconcile.standalone", "event metadata has no user_id")
func Invalid(op, message string) error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
// Example: domain.Conflict("subscription.create", "stripe subscription id already recorded")
func Conflict(op, message string) error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error (wraps underlying error).
// The message shown externally will be generic; the underlying error is for logging.
// Example: domain.Internal(err, "payments.upsert", "failed to save payment")
func Internal(err error, op, message string) error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Provider creates a provider error for failed or empty Stripe lookups.
// The underlying Stripe error is preserved for logging.
// Example: domain.Provider(err, "stripe.get_subscription", "subscription not found in stripe")
func Provider(err error, op, message string) error {
	return &Error{
		Code:    EPROVIDER,
		Op:      op,
		Message: message,
		Err:     err,
	}
}
