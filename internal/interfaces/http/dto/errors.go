package dto

import (
	"net/http"

	"github.com/erp/invoicesync/internal/domain/shared"
)

// Error codes produced by the HTTP layer itself. Domain codes live in
// the shared package and pass through unchanged.
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeRouteNotFound   = "ROUTE_NOT_FOUND"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	// Workflow preconditions
	shared.CodeMissingParameters: http.StatusBadRequest,
	shared.CodeInvalidInput:      http.StatusBadRequest,
	shared.CodeNoConnections:     http.StatusPreconditionFailed,
	shared.CodeInvoiceExists:     http.StatusConflict,

	// Credentials and authorization flow
	shared.CodeAuthRequired:       http.StatusUnauthorized,
	shared.CodeUnauthorized:       http.StatusUnauthorized,
	shared.CodeAuthExchangeFailed: http.StatusBadRequest,
	shared.CodeInvalidState:       http.StatusBadRequest,
	shared.CodeConfigurationError: http.StatusInternalServerError,

	// Upstream provider failures
	shared.CodeProviderValidation:  http.StatusUnprocessableEntity,
	shared.CodeProviderPermission:  http.StatusForbidden,
	shared.CodeProviderNotFound:    http.StatusNotFound,
	shared.CodeProviderUnavailable: http.StatusBadGateway,
	shared.CodeWriteBackFailed:     http.StatusBadGateway,

	shared.CodeNotFound:             http.StatusNotFound,
	shared.CodeStorageError:         http.StatusInternalServerError,
	shared.CodeReconciliationFailed: http.StatusInternalServerError,
	shared.CodeInternalError:        http.StatusInternalServerError,

	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeRateLimited:     http.StatusTooManyRequests,
	ErrCodeRouteNotFound:   http.StatusNotFound,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Unknown codes map to 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
