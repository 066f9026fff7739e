package integration

import (
	"context"
	"strings"
	"time"

	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// SyncStatus represents where an invoice is in its lifecycle
// ---------------------------------------------------------------------------

// SyncStatus represents where an invoice is in its lifecycle
type SyncStatus string

const (
	// SyncStatusCreated indicates the invoice exists in the accounting system
	SyncStatusCreated SyncStatus = "Created"
	// SyncStatusSent indicates the invoice was emailed to the customer
	SyncStatusSent SyncStatus = "Sent"
	// SyncStatusViewed indicates the customer opened the invoice
	SyncStatusViewed SyncStatus = "Viewed"
	// SyncStatusPaid indicates the invoice balance was settled. Terminal.
	SyncStatusPaid SyncStatus = "Paid"
)

var syncStatusRank = map[SyncStatus]int{
	SyncStatusCreated: 1,
	SyncStatusSent:    2,
	SyncStatusViewed:  3,
	SyncStatusPaid:    4,
}

// IsValid returns true if the status is valid
func (s SyncStatus) IsValid() bool {
	_, ok := syncStatusRank[s]
	return ok
}

// String returns the string representation of SyncStatus
func (s SyncStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusPaid
}

// CanTransitionTo returns true if moving to next goes strictly forward
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	from, ok := syncStatusRank[s]
	if !ok {
		return false
	}
	to, ok := syncStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ParseSyncStatus maps a CRM status value onto SyncStatus. Values the CRM uses
// before an invoice exists (Draft, empty) map to Created.
func ParseSyncStatus(s string) SyncStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return SyncStatusSent
	case "viewed":
		return SyncStatusViewed
	case "paid":
		return SyncStatusPaid
	default:
		return SyncStatusCreated
	}
}

// ---------------------------------------------------------------------------
// SyncLink
// ---------------------------------------------------------------------------

// SyncLink maps one CRM source record to at most one accounting invoice
type SyncLink struct {
	shared.BaseEntity
	SourceRecordID      string
	TargetInvoiceID     string
	TargetInvoiceNumber string
	CustomerRef         string
	TotalAmount         decimal.Decimal
	CRMInstance         string
	AccountingInstance  string
	Status              SyncStatus
	PaymentDate         *time.Time
	PaymentReference    string
}

// NewSyncLink creates a link for a source record with no invoice yet
func NewSyncLink(sourceRecordID, crmInstance, accountingInstance string) (*SyncLink, error) {
	if strings.TrimSpace(sourceRecordID) == "" {
		return nil, ErrMissingParameters
	}
	return &SyncLink{
		BaseEntity:         shared.NewBaseEntity(),
		SourceRecordID:     sourceRecordID,
		CRMInstance:        crmInstance,
		AccountingInstance: accountingInstance,
		Status:             SyncStatusCreated,
	}, nil
}

// HasInvoice returns true once a target invoice is attached
func (l *SyncLink) HasInvoice() bool {
	return l.TargetInvoiceID != ""
}

// IsPaid returns true when the link reached the terminal state
func (l *SyncLink) IsPaid() bool {
	return l.Status == SyncStatusPaid
}

// AttachInvoice sets the target invoice. It may only happen once per link.
func (l *SyncLink) AttachInvoice(invoiceID, invoiceNumber, customerRef string, total decimal.Decimal) error {
	if invoiceID == "" {
		return ErrMissingParameters
	}
	if l.HasInvoice() {
		return ErrInvoiceAlreadyAttached
	}
	l.TargetInvoiceID = invoiceID
	l.TargetInvoiceNumber = invoiceNumber
	l.CustomerRef = customerRef
	l.TotalAmount = total
	l.Status = SyncStatusCreated
	l.Touch(time.Now())
	return nil
}

// Advance moves the link forward to next
func (l *SyncLink) Advance(next SyncStatus) error {
	if !l.Status.CanTransitionTo(next) {
		return ErrInvalidStatusTransition
	}
	l.Status = next
	l.Touch(time.Now())
	return nil
}

// MarkPaid moves the link to Paid and records the settlement details
func (l *SyncLink) MarkPaid(paymentDate time.Time, reference string) error {
	if err := l.Advance(SyncStatusPaid); err != nil {
		return err
	}
	d := paymentDate
	l.PaymentDate = &d
	l.PaymentReference = reference
	return nil
}

// SyncLinkRepository persists SyncLinks. SourceRecordID is unique.
type SyncLinkRepository interface {
	// FindBySourceRecordID returns ErrSyncLinkNotFound when absent
	FindBySourceRecordID(ctx context.Context, sourceRecordID string) (*SyncLink, error)
	// Save inserts or updates the link
	Save(ctx context.Context, link *SyncLink) error
	// CountByStatus returns the number of links per status
	CountByStatus(ctx context.Context) (map[SyncStatus]int64, error)
}
