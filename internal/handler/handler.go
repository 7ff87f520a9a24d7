// Package handler holds shared HTTP plumbing for the API and webhook
// endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meridianhq/meridian/internal/domain"
)

// ErrorBody is the JSON error envelope returned by every endpoint.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.EPROVIDER:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse writes err as a JSON error envelope. Internal error
// details never reach the response body; domain.ErrorMessage already
// folds them into a generic message.
func ErrorResponse(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	return c.JSON(ErrorCodeToHTTPStatus(code), ErrorBody{
		Error: ErrorDetail{
			Code:    code,
			Message: domain.ErrorMessage(err),
		},
	})
}
