package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes surfaced to callers of the sync service
const (
	CodeMissingParameters    = "MISSING_PARAMETERS"
	CodeNoConnections        = "NO_CONNECTIONS"
	CodeInvoiceExists        = "INVOICE_EXISTS"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAuthExchangeFailed   = "AUTH_EXCHANGE_FAILED"
	CodeInvalidState         = "INVALID_STATE"
	CodeConfigurationError   = "CONFIGURATION_ERROR"
	CodeProviderValidation   = "PROVIDER_VALIDATION"
	CodeProviderPermission   = "PROVIDER_PERMISSION"
	CodeProviderNotFound     = "PROVIDER_NOT_FOUND"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeStorageError         = "STORAGE_ERROR"
	CodeWriteBackFailed      = "WRITE_BACK_FAILED"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeReconciliationFailed = "RECONCILIATION_FAILED"
)

// ErrInvalidInput is returned for malformed caller input
var ErrInvalidInput = NewDomainError(CodeInvalidInput, "Invalid input provided")
