package accounting

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ref is the {value, name} reference object used throughout the API
type ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type emailAddr struct {
	Address string `json:"Address"`
}

type phoneNumber struct {
	FreeFormNumber string `json:"FreeFormNumber"`
}

type physicalAddress struct {
	Line1                  string `json:"Line1,omitempty"`
	City                   string `json:"City,omitempty"`
	CountrySubDivisionCode string `json:"CountrySubDivisionCode,omitempty"`
	PostalCode             string `json:"PostalCode,omitempty"`
	Country                string `json:"Country,omitempty"`
}

type memo struct {
	Value string `json:"value"`
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

type customer struct {
	ID               string           `json:"Id,omitempty"`
	DisplayName      string           `json:"DisplayName"`
	CompanyName      string           `json:"CompanyName,omitempty"`
	Active           *bool            `json:"Active,omitempty"`
	PrimaryEmailAddr *emailAddr       `json:"PrimaryEmailAddr,omitempty"`
	PrimaryPhone     *phoneNumber     `json:"PrimaryPhone,omitempty"`
	BillAddr         *physicalAddress `json:"BillAddr,omitempty"`
}

type item struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Type   string `json:"Type"`
	Active bool   `json:"Active"`
}

type salesItemLineDetail struct {
	ItemRef   ref         `json:"ItemRef"`
	Qty       json.Number `json:"Qty"`
	UnitPrice json.Number `json:"UnitPrice"`
}

type invoiceLine struct {
	DetailType          string               `json:"DetailType"`
	Amount              json.Number          `json:"Amount"`
	Description         string               `json:"Description,omitempty"`
	SalesItemLineDetail *salesItemLineDetail `json:"SalesItemLineDetail,omitempty"`
}

// invoiceRequest is the create payload. Amounts are sent as JSON numbers.
type invoiceRequest struct {
	CustomerRef  ref              `json:"CustomerRef"`
	DocNumber    string           `json:"DocNumber,omitempty"`
	TxnDate      string           `json:"TxnDate,omitempty"`
	DueDate      string           `json:"DueDate,omitempty"`
	Line         []invoiceLine    `json:"Line"`
	CustomerMemo *memo            `json:"CustomerMemo,omitempty"`
	PrivateNote  string           `json:"PrivateNote,omitempty"`
	BillAddr     *physicalAddress `json:"BillAddr,omitempty"`
	BillEmail    *emailAddr       `json:"BillEmail,omitempty"`
}

type linkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

type invoice struct {
	ID          string          `json:"Id"`
	DocNumber   string          `json:"DocNumber"`
	TotalAmt    decimal.Decimal `json:"TotalAmt"`
	Balance     decimal.Decimal `json:"Balance"`
	PrivateNote string          `json:"PrivateNote"`
	LinkedTxn   []linkedTxn     `json:"LinkedTxn"`
}

type paymentLine struct {
	Amount    decimal.Decimal `json:"Amount"`
	LinkedTxn []linkedTxn     `json:"LinkedTxn"`
}

type payment struct {
	ID               string          `json:"Id"`
	TxnDate          string          `json:"TxnDate"`
	TotalAmt         decimal.Decimal `json:"TotalAmt"`
	PaymentRefNum    string          `json:"PaymentRefNum"`
	PaymentMethodRef *ref            `json:"PaymentMethodRef"`
	Line             []paymentLine   `json:"Line"`
}

// ---------------------------------------------------------------------------
// Envelopes
// ---------------------------------------------------------------------------

type queryResponse struct {
	QueryResponse struct {
		Customer      []customer `json:"Customer"`
		Item          []item     `json:"Item"`
		Invoice       []invoice  `json:"Invoice"`
		StartPosition int        `json:"startPosition"`
		MaxResults    int        `json:"maxResults"`
	} `json:"QueryResponse"`
}

type customerEnvelope struct {
	Customer customer `json:"Customer"`
}

type invoiceEnvelope struct {
	Invoice invoice `json:"Invoice"`
}

type paymentEnvelope struct {
	Payment payment `json:"Payment"`
}

type faultError struct {
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
	Code    string `json:"code"`
	Element string `json:"element"`
}

type fault struct {
	Error []faultError `json:"Error"`
	Type  string       `json:"type"`
}

// faultEnvelope matches both {"Fault": {...}} and the lower-case variant
// returned by the auth gateway.
type faultEnvelope struct {
	Fault      *fault `json:"Fault"`
	FaultLower *fault `json:"fault"`
}

func (e faultEnvelope) get() *fault {
	if e.Fault != nil {
		return e.Fault
	}
	return e.FaultLower
}
