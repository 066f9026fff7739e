package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchKinds(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"configuration", &ConfigurationError{Service: ServiceCRM, Missing: []string{"client_id"}}, ErrConfiguration},
		{"auth exchange", &AuthExchangeError{Service: ServiceCRM, Code: "invalid_grant"}, ErrAuthExchange},
		{"refresh", &RefreshError{Service: ServiceAccounting, Code: "invalid_grant", Err: cause}, ErrRefresh},
		{"missing verifier", &MissingVerifierError{Service: ServiceCRM}, ErrMissingVerifier},
		{"no credentials", &NoCredentialsError{Service: ServiceCRM, InstanceKey: "x"}, ErrNoCredentials},
		{"storage", &StorageError{Op: "load", Err: cause}, ErrStorage},
		{"already synced", &AlreadySyncedError{SourceRecordID: "OPP-1", TargetInvoiceID: "9"}, ErrAlreadySynced},
		{"write back", &WriteBackError{SourceRecordID: "OPP-1", Err: cause}, ErrWriteBack},
		{"provider", &ProviderError{Kind: ErrPermission, StatusCode: 403}, ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
		})
	}
}

func TestProviderError_KeepsCause(t *testing.T) {
	err := &ProviderError{Kind: ErrNetwork, Operation: "GET invoice", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "GET invoice")

	var pe *ProviderError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &pe))
	assert.Equal(t, ErrNetwork, pe.Kind)
}

func TestRefreshError_RequiresReauthorization(t *testing.T) {
	assert.True(t, (&RefreshError{Code: "invalid_grant"}).RequiresReauthorization())
	assert.False(t, (&RefreshError{Code: "temporarily_unavailable"}).RequiresReauthorization())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ProviderError{Kind: ErrServer}))
	assert.True(t, IsTransient(&ProviderError{Kind: ErrNetwork}))
	assert.True(t, IsTransient(&ProviderError{Kind: ErrRateLimited}))
	assert.False(t, IsTransient(&ProviderError{Kind: ErrValidation}))
	assert.False(t, IsTransient(errors.New("other")))
}

func TestToDomainError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"missing parameters", ErrMissingParameters, shared.CodeMissingParameters},
		{"no connections", fmt.Errorf("check: %w", ErrNoConnections), shared.CodeNoConnections},
		{"already synced", &AlreadySyncedError{SourceRecordID: "OPP-1"}, shared.CodeInvoiceExists},
		{"refresh", &RefreshError{Code: "invalid_grant"}, shared.CodeAuthRequired},
		{"no credentials", &NoCredentialsError{}, shared.CodeAuthRequired},
		{"exchange", &AuthExchangeError{}, shared.CodeAuthExchangeFailed},
		{"missing verifier", &MissingVerifierError{}, shared.CodeAuthExchangeFailed},
		{"state", ErrInvalidState, shared.CodeInvalidState},
		{"validation", &ProviderError{Kind: ErrValidation}, shared.CodeProviderValidation},
		{"not found", &ProviderError{Kind: ErrNotFound}, shared.CodeProviderNotFound},
		{"server", &ProviderError{Kind: ErrServer}, shared.CodeProviderUnavailable},
		{"storage", &StorageError{Op: "load", Err: errors.New("x")}, shared.CodeStorageError},
		{"write back", &WriteBackError{Err: errors.New("x")}, shared.CodeWriteBackFailed},
		{"unknown", errors.New("x"), shared.CodeInternalError},
		{"domain error passthrough", shared.ErrInvalidInput, shared.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ToDomainError(tt.err).Code)
		})
	}
	assert.Nil(t, ToDomainError(nil))
}
