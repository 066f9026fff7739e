package crm

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
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxResponseSize is the maximum allowed response size from the CRM API (10MB)
const maxResponseSize = 10 * 1024 * 1024

const (
	defaultAPIVersion = "v56.0"

	// Line item and product fields of the managed package
	lineDescriptionField = "invgen__Description__c"
	lineQuantityField    = "invgen__Quantity__c"
	lineUnitPriceField   = "invgen__Unit_Price__c"
	lineTotalField       = "invgen__Total_Price__c"
	lineProductRelation  = "invgen__Product__r"

	accountEmailField = "Email__c"

	syncStatusSynced   = "Synced"
	opportunityClosed  = "Closed Won"
	opportunityObject  = "Opportunity"
	accountObject      = "Account"
	paymentDateLayout  = "2006-01-02"
	compositeBatchPath = "composite/sobjects"
)

// recordIDPattern bounds ids interpolated into SOQL
var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TokenSource resolves access tokens for a connected instance
type TokenSource interface {
	Token(ctx context.Context, service integration.ServiceType, instanceKey string) (*integration.TokenRecord, error)
	ForceRefresh(ctx context.Context, service integration.ServiceType, instanceKey, staleAccessToken string) (*integration.TokenRecord, error)
}

// Option configures a SalesforceAdapter
type Option func(*SalesforceAdapter)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(a *SalesforceAdapter) { a.httpClient = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *SalesforceAdapter) { a.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(a *SalesforceAdapter) { a.now = now }
}

// SalesforceAdapter implements integration.CRMClient for one CRM instance
// over the Salesforce REST API.
type SalesforceAdapter struct {
	tokens      TokenSource
	instanceKey string
	apiVersion  string
	fields      config.CRMFieldConfig
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

// NewSalesforceAdapter creates an adapter bound to instanceKey (the instance URL)
func NewSalesforceAdapter(tokens TokenSource, instanceKey string, cfg config.CRMConfig, opts ...Option) *SalesforceAdapter {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	a := &SalesforceAdapter{
		tokens:      tokens,
		instanceKey: instanceKey,
		apiVersion:  version,
		fields:      cfg.Fields,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("crm_instance", instanceKey))
	return a
}

// InstanceKey returns the instance this adapter is bound to
func (a *SalesforceAdapter) InstanceKey() string {
	return a.instanceKey
}

// ---------------------------------------------------------------------------
// Generic REST operations
// ---------------------------------------------------------------------------

// Query runs soql and follows nextRecordsUrl until every page is read
func (a *SalesforceAdapter) Query(ctx context.Context, soql string) ([]map[string]any, error) {
	var records []map[string]any
	path := "query/?q=" + url.QueryEscape(soql)
	for path != "" {
		var page queryResponse
		if err := a.do(ctx, "query", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		if page.Done {
			break
		}
		path = page.NextRecordsURL
	}
	return records, nil
}

// Retrieve fetches one object
func (a *SalesforceAdapter) Retrieve(ctx context.Context, objectType, id string) (map[string]any, error) {
	if err := validateRecordID(id); err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := a.do(ctx, "retrieve "+objectType, http.MethodGet, "sobjects/"+objectType+"/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update patches fields on one object
func (a *SalesforceAdapter) Update(ctx context.Context, objectType, id string, fields map[string]any) error {
	if err := validateRecordID(id); err != nil {
		return err
	}
	return a.do(ctx, "update "+objectType, http.MethodPatch, "sobjects/"+objectType+"/"+id, fields, nil)
}

// ---------------------------------------------------------------------------
// Sync operations
// ---------------------------------------------------------------------------

// GetSourceRecord loads the source record, its account and its line items
func (a *SalesforceAdapter) GetSourceRecord(ctx context.Context, id string) (*integration.SourceRecord, error) {
	f := a.fields
	raw, err := a.Retrieve(ctx, f.SourceObject, id)
	if err != nil {
		return nil, err
	}

	rec := &integration.SourceRecord{
		ID:                  stringField(raw, "Id"),
		Name:                stringField(raw, "Name"),
		Amount:              decimalField(raw, f.AmountField),
		Status:              stringField(raw, f.StatusField),
		OpportunityID:       stringField(raw, f.OpportunityField),
		TargetInvoiceID:     stringField(raw, f.InvoiceIDField),
		TargetInvoiceNumber: stringField(raw, f.InvoiceNumberField),
	}
	if rec.ID == "" {
		rec.ID = id
	}

	if accountID := stringField(raw, f.AccountField); accountID != "" {
		acct, err := a.Retrieve(ctx, accountObject, accountID)
		if err != nil {
			return nil, err
		}
		rec.Account = integration.Account{
			ID:    accountID,
			Name:  stringField(acct, "Name"),
			Email: strings.TrimSpace(stringField(acct, accountEmailField)),
			Phone: stringField(acct, "Phone"),
			BillingAddress: integration.Address{
				Street:     stringField(acct, "BillingStreet"),
				City:       stringField(acct, "BillingCity"),
				State:      stringField(acct, "BillingState"),
				PostalCode: stringField(acct, "BillingPostalCode"),
				Country:    stringField(acct, "BillingCountry"),
			},
		}
	}

	soql := fmt.Sprintf(
		"SELECT Id, Name, %s, %s, %s, %s, %s.Name, %s.%s FROM %s WHERE %s = '%s' ORDER BY Name",
		lineDescriptionField, lineQuantityField, lineUnitPriceField, lineTotalField,
		lineProductRelation, lineProductRelation, f.ProductItemRefField,
		f.LineItemObject, f.LineItemParentField, escapeSOQL(id),
	)
	lines, err := a.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		product, _ := l[lineProductRelation].(map[string]any)
		rec.LineItems = append(rec.LineItems, integration.SourceLineItem{
			ID:                stringField(l, "Id"),
			Description:       firstNonEmpty(stringField(l, lineDescriptionField), stringField(l, "Name")),
			ProductName:       stringField(product, "Name"),
			Quantity:          decimalField(l, lineQuantityField),
			UnitPrice:         decimalField(l, lineUnitPriceField),
			Total:             decimalField(l, lineTotalField),
			AccountingItemRef: stringField(product, f.ProductItemRefField),
		})
	}

	a.logger.Debug("Source record loaded",
		zap.String("source_record_id", rec.ID),
		zap.String("account", rec.Account.Name),
		zap.Int("line_items", len(rec.LineItems)),
	)
	return rec, nil
}

// ListUnsettled returns records with an invoice that are not marked paid,
// oldest modification first.
func (a *SalesforceAdapter) ListUnsettled(ctx context.Context, limit int) ([]integration.UnsettledRecord, error) {
	f := a.fields
	if limit <= 0 {
		limit = 200
	}
	soql := fmt.Sprintf(
		"SELECT Id, %s, %s, %s FROM %s WHERE %s != '%s' AND %s != null ORDER BY LastModifiedDate ASC LIMIT %d",
		f.InvoiceIDField, f.StatusField, f.OpportunityField,
		f.SourceObject,
		f.StatusField, integration.SyncStatusPaid, f.InvoiceIDField,
		limit,
	)
	rows, err := a.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	out := make([]integration.UnsettledRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, integration.UnsettledRecord{
			SourceRecordID:  stringField(r, "Id"),
			TargetInvoiceID: stringField(r, f.InvoiceIDField),
			Status:          integration.ParseSyncStatus(stringField(r, f.StatusField)),
			OpportunityID:   stringField(r, f.OpportunityField),
		})
	}
	return out, nil
}

// RecordInvoiceLink writes the invoice id and number onto the source record
func (a *SalesforceAdapter) RecordInvoiceLink(ctx context.Context, sourceRecordID string, link integration.InvoiceLink) error {
	f := a.fields
	syncedAt := link.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = a.now()
	}
	return a.Update(ctx, f.SourceObject, sourceRecordID, map[string]any{
		f.InvoiceIDField:     link.InvoiceID,
		f.InvoiceNumberField: link.InvoiceNumber,
		f.SyncStatusField:    syncStatusSynced,
		f.LastSyncField:      syncedAt.UTC().Format(time.RFC3339),
	})
}

// MarkPaid sets the record to Paid with the payment details and closes the
// related opportunity in a single all-or-none composite update.
func (a *SalesforceAdapter) MarkPaid(ctx context.Context, record integration.UnsettledRecord, payment integration.PaymentUpdate) error {
	f := a.fields
	if err := validateRecordID(record.SourceRecordID); err != nil {
		return err
	}

	fields := map[string]any{
		f.StatusField:           integration.SyncStatusPaid.String(),
		f.PaymentDateField:      payment.PaymentDate.Format(paymentDateLayout),
		f.PaymentReferenceField: payment.Reference,
	}
	if !payment.Amount.IsZero() {
		fields[f.PaymentAmountField] = payment.Amount.InexactFloat64()
	}
	req := compositeRequest{
		AllOrNone: true,
		Records:   []map[string]any{compositeRecord(f.SourceObject, record.SourceRecordID, fields)},
	}
	if record.OpportunityID != "" {
		if err := validateRecordID(record.OpportunityID); err != nil {
			return err
		}
		req.Records = append(req.Records, compositeRecord(opportunityObject, record.OpportunityID, map[string]any{
			"StageName": opportunityClosed,
		}))
	}

	var results []compositeResult
	if err := a.do(ctx, "mark paid", http.MethodPatch, compositeBatchPath, req, &results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Success {
			continue
		}
		pe := &integration.ProviderError{
			Kind:      integration.ErrValidation,
			Service:   integration.ServiceCRM,
			Operation: "mark paid",
		}
		if len(r.Errors) > 0 {
			pe.Code = r.Errors[0].StatusCode
			pe.Message = r.Errors[0].Message
			pe.Fields = r.Errors[0].Fields
			pe.Kind = classify(0, pe.Code)
		}
		return pe
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// do sends one request with the current access token. A 401 forces a token
// refresh and the request is retried once.
func (a *SalesforceAdapter) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("crm: encode %s request: %w", op, err)
		}
	}

	tok, err := a.tokens.Token(ctx, integration.ServiceCRM, a.instanceKey)
	if err != nil {
		return err
	}

	status, body, err := a.send(ctx, op, method, a.endpoint(tok, path), tok.AccessToken, payload)
	if err == nil && status == http.StatusUnauthorized {
		a.logger.Info("CRM rejected access token, forcing refresh", zap.String("operation", op))
		tok, err = a.tokens.ForceRefresh(ctx, integration.ServiceCRM, a.instanceKey, tok.AccessToken)
		if err != nil {
			return err
		}
		status, body, err = a.send(ctx, op, method, a.endpoint(tok, path), tok.AccessToken, payload)
	}
	if err != nil {
		return err
	}

	if status >= 400 {
		return a.apiError(op, status, body)
	}
	if out == nil || status == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &integration.ProviderError{
			Kind:       integration.ErrServer,
			Service:    integration.ServiceCRM,
			Operation:  op,
			StatusCode: status,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	return nil
}

func (a *SalesforceAdapter) send(ctx context.Context, op, method, target, accessToken string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("crm: failed to create request: %w", err)
	}
	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = "sf-" + uuid.NewString()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := a.now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, &integration.ProviderError{
			Kind:      integration.ErrNetwork,
			Service:   integration.ServiceCRM,
			Operation: op,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, &integration.ProviderError{
			Kind:       integration.ErrNetwork,
			Service:    integration.ServiceCRM,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read response: %w", err),
		}
	}

	logger.Enrich(ctx, a.logger).Debug("CRM API call",
		zap.String("operation", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("x_request_id", requestID),
	)
	return resp.StatusCode, body, nil
}

func (a *SalesforceAdapter) endpoint(tok *integration.TokenRecord, path string) string {
	base := tok.InstanceURL
	if base == "" {
		base = a.instanceKey
	}
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(path, "/") {
		// nextRecordsUrl is already rooted at the instance
		return base + path
	}
	return base + "/services/data/" + a.apiVersion + "/" + path
}

func (a *SalesforceAdapter) apiError(op string, status int, body []byte) error {
	e := parseErrorBody(body)
	pe := &integration.ProviderError{
		Kind:       classify(status, e.ErrorCode),
		Service:    integration.ServiceCRM,
		Operation:  op,
		StatusCode: status,
		Code:       e.ErrorCode,
		Message:    e.Message,
		Fields:     e.Fields,
	}
	a.logger.Warn("CRM API error",
		zap.String("operation", op),
		zap.Int("status", status),
		zap.String("error_code", e.ErrorCode),
		zap.String("message", e.Message),
		zap.Strings("fields", e.Fields),
	)
	return pe
}

// classify maps an HTTP status and API error code onto an error kind
func classify(status int, code string) error {
	switch {
	case status == http.StatusTooManyRequests || code == "REQUEST_LIMIT_EXCEEDED":
		return integration.ErrRateLimited
	case status >= 500:
		return integration.ErrServer
	case status == http.StatusUnauthorized || code == "INVALID_SESSION_ID" || code == "invalid_grant":
		return integration.ErrAuth
	case status == http.StatusForbidden || strings.HasPrefix(code, "INSUFFICIENT_ACCESS"):
		return integration.ErrPermission
	case status == http.StatusNotFound || code == "NOT_FOUND" || code == "ENTITY_IS_DELETED":
		return integration.ErrNotFound
	default:
		return integration.ErrValidation
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validateRecordID(id string) error {
	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid record id %q", integration.ErrMissingParameters, id)
	}
	return nil
}

// escapeSOQL escapes a value for a single-quoted SOQL literal
func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func decimalField(m map[string]any, key string) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	switch v := m[key].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ integration.CRMClient = (*SalesforceAdapter)(nil)
