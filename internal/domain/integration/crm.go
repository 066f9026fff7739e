package integration

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// CRM record shapes
// ---------------------------------------------------------------------------

// Address is a postal address as held by either system
type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// IsEmpty returns true if no address line is set
func (a Address) IsEmpty() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.PostalCode == "" && a.Country == ""
}

// Account is the CRM customer a source record bills to
type Account struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	BillingAddress Address
}

// SourceLineItem is one billable line on a CRM source record.
// AccountingItemRef is the accounting catalog item when the CRM product
// carries one.
type SourceLineItem struct {
	ID                string
	Description       string
	ProductName       string
	Quantity          decimal.Decimal
	UnitPrice         decimal.Decimal
	Total             decimal.Decimal
	AccountingItemRef string
}

// SourceRecord is a CRM sales record that should become one invoice
type SourceRecord struct {
	ID                  string
	Name                string
	Amount              decimal.Decimal
	Status              string
	OpportunityID       string
	TargetInvoiceID     string
	TargetInvoiceNumber string
	Account             Account
	LineItems           []SourceLineItem
}

// UnsettledRecord is a CRM record that has an invoice but is not yet marked paid
type UnsettledRecord struct {
	SourceRecordID  string
	TargetInvoiceID string
	Status          SyncStatus
	OpportunityID   string
}

// InvoiceLink is what the CRM record shows about its invoice
type InvoiceLink struct {
	InvoiceID     string
	InvoiceNumber string
	SyncedAt      time.Time
}

// PaymentUpdate is the settlement written back to the CRM
type PaymentUpdate struct {
	PaymentDate time.Time
	Reference   string
	Method      string
	Amount      decimal.Decimal
}

// ---------------------------------------------------------------------------
// CRMClient port
// ---------------------------------------------------------------------------

// CRMClient talks to one CRM instance. Every call resolves a fresh access
// token first; failures are returned as *ProviderError.
type CRMClient interface {
	// Query runs a SOQL-style query and returns every matching record
	Query(ctx context.Context, query string) ([]map[string]any, error)
	// Retrieve fetches one object by type and id
	Retrieve(ctx context.Context, objectType, id string) (map[string]any, error)
	// Update patches fields on one object
	Update(ctx context.Context, objectType, id string, fields map[string]any) error

	// GetSourceRecord loads a source record with its account and line items
	GetSourceRecord(ctx context.Context, id string) (*SourceRecord, error)
	// ListUnsettled returns records with an invoice that are not yet paid
	ListUnsettled(ctx context.Context, limit int) ([]UnsettledRecord, error)
	// RecordInvoiceLink writes the target invoice onto the source record
	RecordInvoiceLink(ctx context.Context, sourceRecordID string, link InvoiceLink) error
	// MarkPaid sets the record to paid with payment details in one update call
	MarkPaid(ctx context.Context, record UnsettledRecord, payment PaymentUpdate) error
}
