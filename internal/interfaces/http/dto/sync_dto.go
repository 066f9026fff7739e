package dto

import (
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateInvoiceRequest is the body of POST /api/v1/invoices.
// Empty identifiers are reported by the workflow as MISSING_PARAMETERS.
type CreateInvoiceRequest struct {
	SourceRecordID     string `json:"sourceRecordId" binding:"omitempty,max=64"`
	CRMInstance        string `json:"crmInstance" binding:"omitempty,max=255"`
	AccountingInstance string `json:"accountingInstance" binding:"omitempty,max=64"`
}

// RunReconciliationRequest is the body of POST /api/v1/reconciliation/run
type RunReconciliationRequest struct {
	CRMInstance        string `json:"crmInstance" binding:"omitempty,max=255"`
	AccountingInstance string `json:"accountingInstance" binding:"omitempty,max=64"`
}

// HistoryQuery bounds list endpoints
type HistoryQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// SyncLinkResponse is the API view of a SyncLink
type SyncLinkResponse struct {
	ID                  uuid.UUID              `json:"id"`
	SourceRecordID      string                 `json:"sourceRecordId"`
	TargetInvoiceID     string                 `json:"targetInvoiceId,omitempty"`
	TargetInvoiceNumber string                 `json:"targetInvoiceNumber,omitempty"`
	CustomerRef         string                 `json:"customerRef,omitempty"`
	TotalAmount         decimal.Decimal        `json:"totalAmount"`
	CRMInstance         string                 `json:"crmInstance"`
	AccountingInstance  string                 `json:"accountingInstance"`
	Status              integration.SyncStatus `json:"status"`
	PaymentDate         *time.Time             `json:"paymentDate,omitempty"`
	PaymentReference    string                 `json:"paymentReference,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// ToSyncLinkResponse converts a domain SyncLink
func ToSyncLinkResponse(link *integration.SyncLink) SyncLinkResponse {
	return SyncLinkResponse{
		ID:                  link.ID,
		SourceRecordID:      link.SourceRecordID,
		TargetInvoiceID:     link.TargetInvoiceID,
		TargetInvoiceNumber: link.TargetInvoiceNumber,
		CustomerRef:         link.CustomerRef,
		TotalAmount:         link.TotalAmount,
		CRMInstance:         link.CRMInstance,
		AccountingInstance:  link.AccountingInstance,
		Status:              link.Status,
		PaymentDate:         link.PaymentDate,
		PaymentReference:    link.PaymentReference,
		CreatedAt:           link.CreatedAt,
		UpdatedAt:           link.UpdatedAt,
	}
}

// AuthorizationCompletedResponse is returned by the OAuth callback.
// Tokens are never echoed.
type AuthorizationCompletedResponse struct {
	Service     integration.ServiceType `json:"service"`
	InstanceKey string                  `json:"instanceKey"`
	InstanceURL string                  `json:"instanceUrl,omitempty"`
	ExpiresAt   time.Time               `json:"expiresAt"`
}

// ToAuthorizationCompletedResponse converts a stored token record
func ToAuthorizationCompletedResponse(rec *integration.TokenRecord) AuthorizationCompletedResponse {
	return AuthorizationCompletedResponse{
		Service:     rec.Service,
		InstanceKey: rec.InstanceKey,
		InstanceURL: rec.InstanceURL,
		ExpiresAt:   rec.ExpiresAt,
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime"`
}
