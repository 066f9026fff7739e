package models

import (
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/shopspring/decimal"
)

// SyncLinkModel is the persistence model for the SyncLink domain entity.
type SyncLinkModel struct {
	BaseModel
	SourceRecordID      string                 `gorm:"type:varchar(64);not null;uniqueIndex:idx_sync_links_source_record"`
	TargetInvoiceID     *string                `gorm:"type:varchar(64);index:idx_sync_links_target_invoice"`
	TargetInvoiceNumber string                 `gorm:"type:varchar(64)"`
	CustomerRef         string                 `gorm:"type:varchar(64)"`
	TotalAmount         decimal.Decimal        `gorm:"type:decimal(18,2);not null"`
	CRMInstance         string                 `gorm:"type:varchar(255);not null"`
	AccountingInstance  string                 `gorm:"type:varchar(64);not null"`
	Status              integration.SyncStatus `gorm:"type:varchar(20);not null;index:idx_sync_links_status"`
	PaymentDate         *time.Time
	PaymentReference    string `gorm:"type:varchar(100)"`
}

// TableName returns the table name for GORM
func (SyncLinkModel) TableName() string {
	return "sync_links"
}

// ToDomain converts the persistence model to a domain SyncLink entity.
func (m *SyncLinkModel) ToDomain() *integration.SyncLink {
	link := &integration.SyncLink{
		BaseEntity:          m.BaseModel.ToDomain(),
		SourceRecordID:      m.SourceRecordID,
		TargetInvoiceNumber: m.TargetInvoiceNumber,
		CustomerRef:         m.CustomerRef,
		TotalAmount:         m.TotalAmount,
		CRMInstance:         m.CRMInstance,
		AccountingInstance:  m.AccountingInstance,
		Status:              m.Status,
		PaymentDate:         m.PaymentDate,
		PaymentReference:    m.PaymentReference,
	}
	if m.TargetInvoiceID != nil {
		link.TargetInvoiceID = *m.TargetInvoiceID
	}
	return link
}

// FromDomain populates the persistence model from a domain SyncLink entity.
func (m *SyncLinkModel) FromDomain(link *integration.SyncLink) {
	m.FromDomainBaseEntity(link.BaseEntity)
	m.SourceRecordID = link.SourceRecordID
	m.TargetInvoiceID = nil
	if link.TargetInvoiceID != "" {
		id := link.TargetInvoiceID
		m.TargetInvoiceID = &id
	}
	m.TargetInvoiceNumber = link.TargetInvoiceNumber
	m.CustomerRef = link.CustomerRef
	m.TotalAmount = link.TotalAmount
	m.CRMInstance = link.CRMInstance
	m.AccountingInstance = link.AccountingInstance
	m.Status = link.Status
	m.PaymentDate = link.PaymentDate
	m.PaymentReference = link.PaymentReference
}
