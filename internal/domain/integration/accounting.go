package integration

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Accounting shapes
// ---------------------------------------------------------------------------

// CustomerData is what the accounting system needs to find or create a customer
type CustomerData struct {
	DisplayName    string
	Email          string
	Phone          string
	BillingAddress Address
}

// InvoiceLine is one line on an accounting invoice
type InvoiceLine struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
	ItemRef     string
}

// InvoiceData is the request to create an invoice
type InvoiceData struct {
	CustomerRef    string
	DocNumber      string
	TxnDate        time.Time
	DueDate        time.Time
	Lines          []InvoiceLine
	CustomerMemo   string
	PrivateNote    string
	BillingAddress Address
	BillEmail      string
}

// Total returns the sum of line amounts
func (d InvoiceData) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range d.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// InvoiceResult is the created (or found) invoice
type InvoiceResult struct {
	ID          string
	DocNumber   string
	TotalAmount decimal.Decimal
}

// InvoiceStatus is the current balance of an invoice
type InvoiceStatus struct {
	ID          string
	DocNumber   string
	Balance     decimal.Decimal
	TotalAmount decimal.Decimal
}

// IsPaid returns true when the balance is settled on a non-zero invoice.
// A zero-total invoice is never considered paid.
func (s InvoiceStatus) IsPaid() bool {
	return s.Balance.IsZero() && s.TotalAmount.IsPositive()
}

// PaymentRecord is a payment applied to an invoice
type PaymentRecord struct {
	ID            string
	Date          time.Time
	Amount        decimal.Decimal
	Method        string
	ReferenceNum  string
	LinkedInvoice string
}

// LatestPayment returns the most recent payment, or false when there is none
func LatestPayment(payments []PaymentRecord) (PaymentRecord, bool) {
	if len(payments) == 0 {
		return PaymentRecord{}, false
	}
	latest := payments[0]
	for _, p := range payments[1:] {
		if p.Date.After(latest.Date) {
			latest = p
		}
	}
	return latest, true
}

// SourceMarkerPrefix tags an invoice's private note with the CRM record it was
// created for, so an invoice orphaned by a failed write-back can be found again.
const SourceMarkerPrefix = "SF_OPP:"

// SourceMarker returns the private note marker for a CRM record
func SourceMarker(sourceRecordID string) string {
	return SourceMarkerPrefix + sourceRecordID
}

// HasSourceMarker reports whether note carries the marker of sourceRecordID as
// a whole token. The marker of "OPP-10" is not found in "SF_OPP:OPP-100".
func HasSourceMarker(note, sourceRecordID string) bool {
	if sourceRecordID == "" {
		return false
	}
	marker := SourceMarker(sourceRecordID)
	for from := 0; from < len(note); {
		i := strings.Index(note[from:], marker)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(marker)
		if (start == 0 || !isRecordIDByte(note[start-1])) && (end == len(note) || !isRecordIDByte(note[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isRecordIDByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	return b == '_' || b == '-'
}

// ---------------------------------------------------------------------------
// AccountingClient port
// ---------------------------------------------------------------------------

// AccountingClient talks to one accounting company (realm). Failures are
// returned as *ProviderError.
type AccountingClient interface {
	// FindOrCreateCustomer matches on exact display name and returns the customer id
	FindOrCreateCustomer(ctx context.Context, data CustomerData) (string, error)
	CreateInvoice(ctx context.Context, data InvoiceData) (*InvoiceResult, error)
	GetInvoice(ctx context.Context, id string) (*InvoiceStatus, error)
	QueryPayments(ctx context.Context, invoiceID string) ([]PaymentRecord, error)

	// ResolveItemRef returns the catalog item used for lines without a product mapping
	ResolveItemRef(ctx context.Context, name string) (string, error)
	// FindInvoiceBySourceMarker returns an invoice tagged with the source record
	// id, or nil when none exists
	FindInvoiceBySourceMarker(ctx context.Context, sourceRecordID string) (*InvoiceResult, error)
}

// ---------------------------------------------------------------------------
// ClientFactory port
// ---------------------------------------------------------------------------

// ClientFactory builds clients bound to one connected instance
type ClientFactory interface {
	CRM(instanceKey string) CRMClient
	Accounting(instanceKey string) AccountingClient
}

// ConnectionChecker reports which instances have stored credentials
type ConnectionChecker interface {
	Instances(ctx context.Context, service ServiceType) ([]string, error)
}
