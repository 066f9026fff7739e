package integration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/erp/invoicesync/internal/domain/shared"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

var (
	// Token lifecycle errors
	ErrConfiguration   = errors.New("integration: provider not configured")
	ErrAuthExchange    = errors.New("integration: authorization code exchange failed")
	ErrRefresh         = errors.New("integration: token refresh failed")
	ErrMissingVerifier = errors.New("integration: PKCE code verifier missing")
	ErrNoCredentials   = errors.New("integration: no stored credentials")
	ErrInvalidState    = errors.New("integration: invalid authorization state")
	ErrUnknownService  = errors.New("integration: unknown service")

	// Provider call errors
	ErrAuth        = errors.New("integration: provider rejected credentials")
	ErrValidation  = errors.New("integration: provider rejected request")
	ErrPermission  = errors.New("integration: provider denied access")
	ErrNotFound    = errors.New("integration: provider object not found")
	ErrServer      = errors.New("integration: provider server error")
	ErrNetwork     = errors.New("integration: provider unreachable")
	ErrRateLimited = errors.New("integration: provider rate limited")

	// Workflow errors
	ErrAlreadySynced           = errors.New("integration: source record already synced")
	ErrNoConnections           = errors.New("integration: crm and accounting connections required")
	ErrMissingParameters       = errors.New("integration: missing parameters")
	ErrWriteBack               = errors.New("integration: invoice created but write-back failed")
	ErrInvalidStatusTransition = errors.New("integration: invalid sync status transition")
	ErrInvoiceAlreadyAttached  = errors.New("integration: target invoice already attached")
	ErrSyncLinkNotFound        = errors.New("integration: sync link not found")
	ErrRunInProgress           = errors.New("integration: reconciliation already running for pair")

	// Storage errors
	ErrStorage = errors.New("integration: credential storage failure")
)

// ---------------------------------------------------------------------------
// Token lifecycle error types
// ---------------------------------------------------------------------------

// ConfigurationError reports missing client settings for a provider
type ConfigurationError struct {
	Service ServiceType
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s missing %s", ErrConfiguration, e.Service, strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// AuthExchangeError carries the provider's rejection of an authorization code
type AuthExchangeError struct {
	Service     ServiceType
	Code        string
	Description string
	Err         error
}

func (e *AuthExchangeError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrAuthExchange, e.Service)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

func (e *AuthExchangeError) Unwrap() []error { return unwrapKind(ErrAuthExchange, e.Err) }

// RefreshError reports a rejected refresh grant. An invalid_grant code means the
// user has to authorize again.
type RefreshError struct {
	Service     ServiceType
	InstanceKey string
	Code        string
	Description string
	Err         error
}

func (e *RefreshError) Error() string {
	msg := fmt.Sprintf("%s: %s/%s", ErrRefresh, e.Service, e.InstanceKey)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

func (e *RefreshError) Unwrap() []error { return unwrapKind(ErrRefresh, e.Err) }

// RequiresReauthorization reports whether the stored grant is dead
func (e *RefreshError) RequiresReauthorization() bool {
	return e.Code == "invalid_grant"
}

// MissingVerifierError is returned when a PKCE exchange has no code verifier
type MissingVerifierError struct {
	Service ServiceType
}

func (e *MissingVerifierError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingVerifier, e.Service)
}

func (e *MissingVerifierError) Unwrap() error { return ErrMissingVerifier }

// NoCredentialsError is returned when no token is stored for an instance
type NoCredentialsError struct {
	Service     ServiceType
	InstanceKey string
}

func (e *NoCredentialsError) Error() string {
	return fmt.Sprintf("%s: %s/%s", ErrNoCredentials, e.Service, e.InstanceKey)
}

func (e *NoCredentialsError) Unwrap() error { return ErrNoCredentials }

// StorageError wraps a credential store failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return unwrapKind(ErrStorage, e.Err) }

// ---------------------------------------------------------------------------
// Workflow error types
// ---------------------------------------------------------------------------

// AlreadySyncedError is returned when a source record already has, or is
// currently getting, a target invoice.
type AlreadySyncedError struct {
	SourceRecordID  string
	TargetInvoiceID string
	InFlight        bool
}

func (e *AlreadySyncedError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("%s: %s (creation in progress)", ErrAlreadySynced, e.SourceRecordID)
	}
	return fmt.Sprintf("%s: %s -> invoice %s", ErrAlreadySynced, e.SourceRecordID, e.TargetInvoiceID)
}

func (e *AlreadySyncedError) Unwrap() error { return ErrAlreadySynced }

// WriteBackError is returned when the invoice exists in the accounting system
// but the CRM record could not be updated to point at it.
type WriteBackError struct {
	SourceRecordID  string
	TargetInvoiceID string
	Err             error
}

func (e *WriteBackError) Error() string {
	return fmt.Sprintf("%s: %s -> invoice %s: %v", ErrWriteBack, e.SourceRecordID, e.TargetInvoiceID, e.Err)
}

func (e *WriteBackError) Unwrap() []error { return unwrapKind(ErrWriteBack, e.Err) }

// ---------------------------------------------------------------------------
// Provider errors
// ---------------------------------------------------------------------------

// ProviderError is a categorized failure from a CRM or accounting API call.
// Kind is one of ErrAuth, ErrValidation, ErrPermission, ErrNotFound,
// ErrServer, ErrNetwork or ErrRateLimited.
type ProviderError struct {
	Kind       error
	Service    ServiceType
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Fields     []string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Operation != "" {
		b.WriteString(": ")
		b.WriteString(e.Operation)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error { return unwrapKind(e.Kind, e.Err) }

func unwrapKind(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}

// IsTransient reports whether an error is worth retrying on a later run
func IsTransient(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

// ---------------------------------------------------------------------------
// Domain error mapping
// ---------------------------------------------------------------------------

// ToDomainError translates integration errors into the codes exposed to
// callers. Unknown errors become INTERNAL_ERROR.
func ToDomainError(err error) *shared.DomainError {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de
	}

	code := shared.CodeInternalError
	switch {
	case errors.Is(err, ErrMissingParameters):
		code = shared.CodeMissingParameters
	case errors.Is(err, ErrNoConnections):
		code = shared.CodeNoConnections
	case errors.Is(err, ErrAlreadySynced):
		code = shared.CodeInvoiceExists
	case errors.Is(err, ErrWriteBack):
		code = shared.CodeWriteBackFailed
	case errors.Is(err, ErrNoCredentials), errors.Is(err, ErrRefresh), errors.Is(err, ErrAuth):
		code = shared.CodeAuthRequired
	case errors.Is(err, ErrAuthExchange), errors.Is(err, ErrMissingVerifier):
		code = shared.CodeAuthExchangeFailed
	case errors.Is(err, ErrInvalidState):
		code = shared.CodeInvalidState
	case errors.Is(err, ErrConfiguration):
		code = shared.CodeConfigurationError
	case errors.Is(err, ErrUnknownService):
		code = shared.CodeInvalidInput
	case errors.Is(err, ErrValidation):
		code = shared.CodeProviderValidation
	case errors.Is(err, ErrPermission):
		code = shared.CodeProviderPermission
	case errors.Is(err, ErrNotFound):
		code = shared.CodeProviderNotFound
	case errors.Is(err, ErrSyncLinkNotFound):
		code = shared.CodeNotFound
	case IsTransient(err):
		code = shared.CodeProviderUnavailable
	case errors.Is(err, ErrStorage):
		code = shared.CodeStorageError
	}
	return shared.NewDomainError(code, err.Error())
}
