package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// maxResponseSize is the maximum allowed response size from the accounting API (10MB)
const maxResponseSize = 10 * 1024 * 1024

const (
	defaultMinorVersion = "65"
	dateLayout          = "2006-01-02"
	markerCandidates    = 100
)

var numericIDPattern = regexp.MustCompile(`^[0-9]{1,32}$`)

// TokenSource resolves access tokens for a connected realm
type TokenSource interface {
	Token(ctx context.Context, service integration.ServiceType, instanceKey string) (*integration.TokenRecord, error)
	ForceRefresh(ctx context.Context, service integration.ServiceType, instanceKey, staleAccessToken string) (*integration.TokenRecord, error)
}

// Option configures a QuickBooksAdapter
type Option func(*QuickBooksAdapter)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(a *QuickBooksAdapter) { a.httpClient = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *QuickBooksAdapter) { a.logger = l }
}

// WithItemCache shares a resolved-item cache between adapters of one realm
func WithItemCache(c *ItemCache) Option {
	return func(a *QuickBooksAdapter) { a.items = c }
}

// ItemCache remembers fallback item ids per realm and name
type ItemCache struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewItemCache creates an empty cache
func NewItemCache() *ItemCache {
	return &ItemCache{items: make(map[string]string)}
}

func (c *ItemCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *ItemCache) put(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = id
}

// QuickBooksAdapter implements integration.AccountingClient for one company
// (realm) over the QuickBooks Online v3 API.
type QuickBooksAdapter struct {
	tokens       TokenSource
	realmID      string
	baseURL      string
	minorVersion string
	httpClient   *http.Client
	logger       *zap.Logger
	items        *ItemCache
}

// NewQuickBooksAdapter creates an adapter bound to realmID
func NewQuickBooksAdapter(tokens TokenSource, realmID string, cfg config.AccountingConfig, opts ...Option) *QuickBooksAdapter {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	minor := cfg.MinorVersion
	if minor == "" {
		minor = defaultMinorVersion
	}
	a := &QuickBooksAdapter{
		tokens:       tokens,
		realmID:      realmID,
		baseURL:      cfg.AccountingBaseURL(),
		minorVersion: minor,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.items == nil {
		a.items = NewItemCache()
	}
	a.logger = a.logger.With(zap.String("realm_id", realmID))
	return a
}

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

// FindOrCreateCustomer returns the customer whose display name matches
// exactly. When none does, a customer with the same primary email is used;
// otherwise a new customer is created.
func (a *QuickBooksAdapter) FindOrCreateCustomer(ctx context.Context, data integration.CustomerData) (string, error) {
	name := NormalizeName(data.DisplayName)
	if name == "" {
		return "", fmt.Errorf("%w: customer display name", integration.ErrMissingParameters)
	}

	byName, err := a.query(ctx, "find customer", fmt.Sprintf(
		"SELECT Id, DisplayName, PrimaryEmailAddr FROM Customer WHERE DisplayName = '%s'", escapeQuery(name)))
	if err != nil {
		return "", err
	}
	for _, c := range byName.QueryResponse.Customer {
		if NormalizeName(c.DisplayName) == name {
			a.logger.Debug("Customer matched by name", zap.String("customer_id", c.ID))
			return c.ID, nil
		}
	}

	if email := strings.TrimSpace(data.Email); email != "" {
		byEmail, err := a.query(ctx, "find customer", fmt.Sprintf(
			"SELECT Id, DisplayName, PrimaryEmailAddr FROM Customer WHERE PrimaryEmailAddr = '%s'", escapeQuery(email)))
		if err != nil {
			return "", err
		}
		if cs := byEmail.QueryResponse.Customer; len(cs) > 0 {
			a.logger.Info("Customer matched by email",
				zap.String("customer_id", cs[0].ID),
				zap.String("display_name", cs[0].DisplayName),
			)
			return cs[0].ID, nil
		}
	}

	req := customer{DisplayName: name, CompanyName: name}
	if data.Email != "" {
		req.PrimaryEmailAddr = &emailAddr{Address: strings.TrimSpace(data.Email)}
	}
	if data.Phone != "" {
		req.PrimaryPhone = &phoneNumber{FreeFormNumber: data.Phone}
	}
	req.BillAddr = toAddress(data.BillingAddress)

	var created customerEnvelope
	if err := a.do(ctx, "create customer", http.MethodPost, "customer", nil, req, &created); err != nil {
		return "", err
	}
	a.logger.Info("Customer created", zap.String("customer_id", created.Customer.ID))
	return created.Customer.ID, nil
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

// CreateInvoice creates an invoice with sales item lines
func (a *QuickBooksAdapter) CreateInvoice(ctx context.Context, data integration.InvoiceData) (*integration.InvoiceResult, error) {
	if data.CustomerRef == "" || len(data.Lines) == 0 {
		return nil, fmt.Errorf("%w: invoice requires customer and lines", integration.ErrMissingParameters)
	}

	req := invoiceRequest{
		CustomerRef: ref{Value: data.CustomerRef},
		DocNumber:   data.DocNumber,
		PrivateNote: data.PrivateNote,
		BillAddr:    toAddress(data.BillingAddress),
	}
	if !data.TxnDate.IsZero() {
		req.TxnDate = data.TxnDate.Format(dateLayout)
	}
	if !data.DueDate.IsZero() {
		req.DueDate = data.DueDate.Format(dateLayout)
	}
	if data.CustomerMemo != "" {
		req.CustomerMemo = &memo{Value: data.CustomerMemo}
	}
	if data.BillEmail != "" {
		req.BillEmail = &emailAddr{Address: data.BillEmail}
	}
	for _, l := range data.Lines {
		req.Line = append(req.Line, invoiceLine{
			DetailType:  "SalesItemLineDetail",
			Amount:      number(l.Amount),
			Description: l.Description,
			SalesItemLineDetail: &salesItemLineDetail{
				ItemRef:   ref{Value: l.ItemRef},
				Qty:       number(l.Quantity),
				UnitPrice: number(l.UnitPrice),
			},
		})
	}

	var created invoiceEnvelope
	if err := a.do(ctx, "create invoice", http.MethodPost, "invoice", nil, req, &created); err != nil {
		return nil, err
	}
	return &integration.InvoiceResult{
		ID:          created.Invoice.ID,
		DocNumber:   created.Invoice.DocNumber,
		TotalAmount: created.Invoice.TotalAmt,
	}, nil
}

// GetInvoice returns the balance and total of an invoice
func (a *QuickBooksAdapter) GetInvoice(ctx context.Context, id string) (*integration.InvoiceStatus, error) {
	inv, err := a.getInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return &integration.InvoiceStatus{
		ID:          inv.ID,
		DocNumber:   inv.DocNumber,
		Balance:     inv.Balance,
		TotalAmount: inv.TotalAmt,
	}, nil
}

func (a *QuickBooksAdapter) getInvoice(ctx context.Context, id string) (*invoice, error) {
	if err := validateNumericID(id); err != nil {
		return nil, err
	}
	var env invoiceEnvelope
	if err := a.do(ctx, "get invoice", http.MethodGet, "invoice/"+id, nil, nil, &env); err != nil {
		return nil, err
	}
	return &env.Invoice, nil
}

// FindInvoiceBySourceMarker looks for an invoice whose private note carries
// the source record marker. It returns nil when there is none. LIKE also
// returns notes of records whose id extends sourceRecordID, so every
// candidate is checked for the exact marker.
func (a *QuickBooksAdapter) FindInvoiceBySourceMarker(ctx context.Context, sourceRecordID string) (*integration.InvoiceResult, error) {
	marker := integration.SourceMarker(sourceRecordID)
	res, err := a.query(ctx, "find invoice", fmt.Sprintf(
		"SELECT * FROM Invoice WHERE PrivateNote LIKE '%%%s%%' MAXRESULTS %d", escapeQuery(marker), markerCandidates))
	if err != nil {
		return nil, err
	}
	for _, inv := range res.QueryResponse.Invoice {
		if integration.HasSourceMarker(inv.PrivateNote, sourceRecordID) {
			return &integration.InvoiceResult{ID: inv.ID, DocNumber: inv.DocNumber, TotalAmount: inv.TotalAmt}, nil
		}
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

// QueryPayments returns the payments linked to an invoice. The amount of each
// record is the part of the payment applied to this invoice.
func (a *QuickBooksAdapter) QueryPayments(ctx context.Context, invoiceID string) ([]integration.PaymentRecord, error) {
	inv, err := a.getInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	var out []integration.PaymentRecord
	for _, txn := range inv.LinkedTxn {
		if txn.TxnType != "Payment" || validateNumericID(txn.TxnID) != nil {
			continue
		}
		var env paymentEnvelope
		if err := a.do(ctx, "get payment", http.MethodGet, "payment/"+txn.TxnID, nil, nil, &env); err != nil {
			return nil, err
		}
		out = append(out, toPaymentRecord(env.Payment, invoiceID))
	}
	return out, nil
}

func toPaymentRecord(p payment, invoiceID string) integration.PaymentRecord {
	rec := integration.PaymentRecord{
		ID:            p.ID,
		Amount:        p.TotalAmt,
		ReferenceNum:  p.PaymentRefNum,
		LinkedInvoice: invoiceID,
	}
	if d, err := time.Parse(dateLayout, p.TxnDate); err == nil {
		rec.Date = d
	}
	if p.PaymentMethodRef != nil {
		rec.Method = p.PaymentMethodRef.Name
	}

	applied := decimal.Zero
	for _, l := range p.Line {
		for _, t := range l.LinkedTxn {
			if t.TxnType == "Invoice" && t.TxnID == invoiceID {
				applied = applied.Add(l.Amount)
			}
		}
	}
	if applied.IsPositive() {
		rec.Amount = applied
	}
	return rec
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

// ResolveItemRef returns the active Service item called name, else the first
// active Service item, else the first active item. Results are cached.
func (a *QuickBooksAdapter) ResolveItemRef(ctx context.Context, name string) (string, error) {
	key := a.realmID + "|" + strings.ToLower(name)
	if id, ok := a.items.get(key); ok {
		return id, nil
	}

	res, err := a.query(ctx, "resolve item", "SELECT Id, Name, Type, Active FROM Item WHERE Type = 'Service' AND Active = true")
	if err != nil {
		return "", err
	}
	services := res.QueryResponse.Item

	var id string
	for _, it := range services {
		if strings.EqualFold(it.Name, name) {
			id = it.ID
			break
		}
	}
	if id == "" && len(services) > 0 {
		id = services[0].ID
	}
	if id == "" {
		active, err := a.query(ctx, "resolve item", "SELECT Id, Name, Type, Active FROM Item WHERE Active = true MAXRESULTS 1")
		if err != nil {
			return "", err
		}
		if len(active.QueryResponse.Item) > 0 {
			id = active.QueryResponse.Item[0].ID
		}
	}
	if id == "" {
		return "", &integration.ProviderError{
			Kind:      integration.ErrNotFound,
			Service:   integration.ServiceAccounting,
			Operation: "resolve item",
			Message:   "no active item available for invoice lines",
		}
	}

	a.items.put(key, id)
	a.logger.Debug("Fallback item resolved", zap.String("item", name), zap.String("item_id", id))
	return id, nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (a *QuickBooksAdapter) query(ctx context.Context, op, q string) (*queryResponse, error) {
	var res queryResponse
	if err := a.do(ctx, op, http.MethodGet, "query", url.Values{"query": {q}}, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// do sends one request with the current access token. A 401 forces a token
// refresh and the request is retried once.
func (a *QuickBooksAdapter) do(ctx context.Context, op, method, path string, params url.Values, in, out any) error {
	if err := validateNumericID(a.realmID); err != nil {
		return err
	}
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("accounting: encode %s request: %w", op, err)
		}
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("minorversion", a.minorVersion)
	target := a.baseURL + "/" + a.realmID + "/" + path + "?" + q.Encode()

	tok, err := a.tokens.Token(ctx, integration.ServiceAccounting, a.realmID)
	if err != nil {
		return err
	}
	status, body, err := a.send(ctx, op, method, target, tok.AccessToken, payload)
	if err == nil && status == http.StatusUnauthorized {
		a.logger.Info("Accounting API rejected access token, forcing refresh", zap.String("operation", op))
		tok, err = a.tokens.ForceRefresh(ctx, integration.ServiceAccounting, a.realmID, tok.AccessToken)
		if err != nil {
			return err
		}
		status, body, err = a.send(ctx, op, method, target, tok.AccessToken, payload)
	}
	if err != nil {
		return err
	}

	if status >= 400 {
		return a.apiError(op, status, body)
	}
	// Some query failures come back as 200 with a Fault body
	var fe faultEnvelope
	if json.Unmarshal(body, &fe) == nil {
		if f := fe.get(); f != nil && len(f.Error) > 0 {
			return a.apiError(op, http.StatusBadRequest, body)
		}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &integration.ProviderError{
			Kind:       integration.ErrServer,
			Service:    integration.ServiceAccounting,
			Operation:  op,
			StatusCode: status,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	return nil
}

func (a *QuickBooksAdapter) send(ctx context.Context, op, method, target, accessToken string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("accounting: failed to create request: %w", err)
	}
	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = "qb-" + uuid.NewString()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Request-Id", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, &integration.ProviderError{
			Kind:      integration.ErrNetwork,
			Service:   integration.ServiceAccounting,
			Operation: op,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, &integration.ProviderError{
			Kind:       integration.ErrNetwork,
			Service:    integration.ServiceAccounting,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read response: %w", err),
		}
	}

	logger.Enrich(ctx, a.logger).Debug("Accounting API call",
		zap.String("operation", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("request_id_header", requestID),
		zap.String("intuit_tid", resp.Header.Get("intuit_tid")),
	)
	return resp.StatusCode, body, nil
}

func (a *QuickBooksAdapter) apiError(op string, status int, body []byte) error {
	pe := &integration.ProviderError{
		Service:    integration.ServiceAccounting,
		Operation:  op,
		StatusCode: status,
	}
	var faultType string
	var fe faultEnvelope
	if json.Unmarshal(body, &fe) == nil {
		if f := fe.get(); f != nil {
			faultType = f.Type
			if len(f.Error) > 0 {
				pe.Code = f.Error[0].Code
				pe.Message = f.Error[0].Message
				if d := f.Error[0].Detail; d != "" && d != pe.Message {
					pe.Message = strings.TrimSpace(pe.Message + ": " + d)
				}
				if el := f.Error[0].Element; el != "" {
					pe.Fields = []string{el}
				}
			}
		}
	}
	pe.Kind = classify(status, faultType)

	a.logger.Warn("Accounting API error",
		zap.String("operation", op),
		zap.Int("status", status),
		zap.String("fault_type", faultType),
		zap.String("error_code", pe.Code),
		zap.String("message", pe.Message),
	)
	return pe
}

// classify maps an HTTP status and fault type onto an error kind
func classify(status int, faultType string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return integration.ErrRateLimited
	case status >= 500:
		return integration.ErrServer
	case status == http.StatusUnauthorized || strings.EqualFold(faultType, "AuthenticationFault"):
		return integration.ErrAuth
	case status == http.StatusForbidden || strings.EqualFold(faultType, "AuthorizationFault"):
		return integration.ErrPermission
	case status == http.StatusNotFound:
		return integration.ErrNotFound
	default:
		return integration.ErrValidation
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// NormalizeName trims a display name and puts it in Unicode NFC so names
// typed on different systems compare equal.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// validateNumericID validates that an id contains only digits
func validateNumericID(id string) error {
	if !numericIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid accounting id %q", integration.ErrMissingParameters, id)
	}
	return nil
}

// escapeQuery escapes a value for a single-quoted query literal
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func toAddress(a integration.Address) *physicalAddress {
	if a.IsEmpty() {
		return nil
	}
	return &physicalAddress{
		Line1:                  a.Street,
		City:                   a.City,
		CountrySubDivisionCode: a.State,
		PostalCode:             a.PostalCode,
		Country:                a.Country,
	}
}

var _ integration.AccountingClient = (*QuickBooksAdapter)(nil)
