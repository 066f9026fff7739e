package models

import (
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/google/uuid"
)

// ReconciliationRunModel stores one ReconciliationRunRecord. Rows are only inserted.
type ReconciliationRunModel struct {
	ID                 uuid.UUID                `gorm:"type:uuid;primary_key"`
	Timestamp          time.Time                `gorm:"column:started_at;not null;index:idx_reconciliation_runs_started_at"`
	CRMInstance        string                   `gorm:"type:varchar(255);not null"`
	AccountingInstance string                   `gorm:"type:varchar(64);not null"`
	Trigger            integration.RunTrigger   `gorm:"type:varchar(20);not null"`
	Status             integration.RunStatus    `gorm:"type:varchar(20);not null;index:idx_reconciliation_runs_status"`
	InvoicesProcessed  int                      `gorm:"not null"`
	PaidInvoicesFound  int                      `gorm:"not null"`
	InvoicesUpdated    int                      `gorm:"not null"`
	FailedItems        []integration.FailedItem `gorm:"type:text;serializer:json"`
	Error              string                   `gorm:"type:text"`
	DurationMs         int64                    `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ReconciliationRunModel) TableName() string {
	return "reconciliation_runs"
}

// ToDomain converts the persistence model to a run record
func (m *ReconciliationRunModel) ToDomain() integration.ReconciliationRunRecord {
	return integration.ReconciliationRunRecord{
		ID:                 m.ID,
		Timestamp:          m.Timestamp,
		CRMInstance:        m.CRMInstance,
		AccountingInstance: m.AccountingInstance,
		Trigger:            m.Trigger,
		Status:             m.Status,
		InvoicesProcessed:  m.InvoicesProcessed,
		PaidInvoicesFound:  m.PaidInvoicesFound,
		InvoicesUpdated:    m.InvoicesUpdated,
		FailedItems:        m.FailedItems,
		Error:              m.Error,
		Duration:           time.Duration(m.DurationMs) * time.Millisecond,
	}
}

// FromDomain populates the persistence model from a run record
func (m *ReconciliationRunModel) FromDomain(r *integration.ReconciliationRunRecord) {
	m.ID = r.ID
	m.Timestamp = r.Timestamp
	m.CRMInstance = r.CRMInstance
	m.AccountingInstance = r.AccountingInstance
	m.Trigger = r.Trigger
	m.Status = r.Status
	m.InvoicesProcessed = r.InvoicesProcessed
	m.PaidInvoicesFound = r.PaidInvoicesFound
	m.InvoicesUpdated = r.InvoicesUpdated
	m.FailedItems = r.FailedItems
	m.Error = r.Error
	m.DurationMs = r.Duration.Milliseconds()
}
