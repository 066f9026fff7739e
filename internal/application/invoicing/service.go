// Package invoicing turns a CRM source record into exactly one accounting
// invoice and links the two.
package invoicing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const docNumberSourceChars = 8

// Config holds invoice creation settings
type Config struct {
	DocNumberPrefix       string
	DueDays               int
	FallbackItemName      string
	AdoptOrphanedInvoices bool
	ClaimTTL              time.Duration
}

// DefaultConfig returns the default invoice creation settings
func DefaultConfig() Config {
	return Config{
		DocNumberPrefix:       "SF-",
		DueDays:               30,
		FallbackItemName:      "Services",
		AdoptOrphanedInvoices: true,
		ClaimTTL:              24 * time.Hour,
	}
}

// CreateInvoiceCommand identifies the record to invoice and the pair of
// connected instances to use
type CreateInvoiceCommand struct {
	SourceRecordID     string
	CRMInstance        string
	AccountingInstance string
}

// CreateInvoiceResult describes the invoice now linked to the source record.
// Adopted is true when an earlier orphaned invoice was linked instead of
// creating a new one.
type CreateInvoiceResult struct {
	SourceRecordID string          `json:"sourceRecordId"`
	InvoiceID      string          `json:"invoiceId"`
	InvoiceNumber  string          `json:"invoiceNumber"`
	CustomerRef    string          `json:"customerRef"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Adopted        bool            `json:"adopted"`
}

// Service runs the invoice creation workflow
type Service struct {
	clients     integration.ClientFactory
	connections integration.ConnectionChecker
	links       integration.SyncLinkRepository
	claims      shared.IdempotencyStore
	metrics     *telemetry.SyncMetrics
	logger      *zap.Logger
	config      Config
	now         func() time.Time
}

// NewService creates the workflow. claims may be nil, in which case
// concurrent creations for one record are only caught by the SyncLink guard.
func NewService(
	clients integration.ClientFactory,
	connections integration.ConnectionChecker,
	links integration.SyncLinkRepository,
	claims shared.IdempotencyStore,
	cfg Config,
	logger *zap.Logger,
) *Service {
	def := DefaultConfig()
	if cfg.DocNumberPrefix == "" {
		cfg.DocNumberPrefix = def.DocNumberPrefix
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = def.DueDays
	}
	if cfg.FallbackItemName == "" {
		cfg.FallbackItemName = def.FallbackItemName
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		clients:     clients,
		connections: connections,
		links:       links,
		claims:      claims,
		logger:      logger,
		config:      cfg,
		now:         time.Now,
	}
}

// WithMetrics records creation outcomes on m
func (s *Service) WithMetrics(m *telemetry.SyncMetrics) *Service {
	s.metrics = m
	return s
}

// WithClock overrides the clock used for invoice dates
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ClaimKey is the idempotency key held while an invoice is created for a record
func ClaimKey(sourceRecordID string) string {
	return "invoice:create:" + sourceRecordID
}

// CreateInvoice creates the accounting invoice for one CRM record, or returns
// *integration.AlreadySyncedError when the record already has one.
func (s *Service) CreateInvoice(ctx context.Context, cmd CreateInvoiceCommand) (result *CreateInvoiceResult, err error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "invoice", "create")
	defer span.End()

	cmd.SourceRecordID = strings.TrimSpace(cmd.SourceRecordID)
	cmd.CRMInstance = strings.TrimSpace(cmd.CRMInstance)
	cmd.AccountingInstance = strings.TrimSpace(cmd.AccountingInstance)

	telemetry.SetAttributes(span,
		telemetry.SpanAttrSourceRecordID, cmd.SourceRecordID,
		telemetry.SpanAttrCRMInstance, cmd.CRMInstance,
		telemetry.SpanAttrAccountingInstance, cmd.AccountingInstance,
	)
	log := s.logger.With(zap.String("source_record_id", cmd.SourceRecordID))

	defer func() {
		adopted := result != nil && result.Adopted
		amount := decimal.Zero
		if result != nil {
			amount = result.TotalAmount
		}
		s.metrics.RecordInvoiceCreated(ctx, telemetry.InvoiceOutcome(adopted, err), amount)
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	if cmd.SourceRecordID == "" || cmd.CRMInstance == "" || cmd.AccountingInstance == "" {
		return nil, fmt.Errorf("%w: sourceRecordId, crmInstance and accountingInstance are required",
			integration.ErrMissingParameters)
	}
	if err := s.checkConnections(ctx, cmd); err != nil {
		return nil, err
	}

	link, err := s.existingLink(ctx, cmd.SourceRecordID)
	if err != nil {
		return nil, err
	}
	if link != nil && link.HasInvoice() {
		return nil, &integration.AlreadySyncedError{
			SourceRecordID:  cmd.SourceRecordID,
			TargetInvoiceID: link.TargetInvoiceID,
		}
	}

	crm := s.clients.CRM(cmd.CRMInstance)
	acct := s.clients.Accounting(cmd.AccountingInstance)

	record, err := crm.GetSourceRecord(ctx, cmd.SourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("load source record: %w", err)
	}
	if record.TargetInvoiceID != "" {
		return nil, &integration.AlreadySyncedError{
			SourceRecordID:  cmd.SourceRecordID,
			TargetInvoiceID: record.TargetInvoiceID,
		}
	}

	release, err := s.claim(ctx, cmd.SourceRecordID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	customerRef, err := acct.FindOrCreateCustomer(ctx, customerData(record))
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrCustomerRef, customerRef)

	lines, err := s.mapLines(ctx, acct, record)
	if err != nil {
		return nil, err
	}
	data := s.invoiceData(record, customerRef, lines)
	telemetry.SetAttributes(span,
		telemetry.SpanAttrLineCount, len(lines),
		telemetry.SpanAttrAmount, data.Total().StringFixed(2),
	)

	invoice, adopted, err := s.createOrAdopt(ctx, acct, cmd.SourceRecordID, data)
	if err != nil {
		return nil, err
	}
	total := invoice.TotalAmount
	if total.IsZero() {
		total = data.Total()
	}
	result = &CreateInvoiceResult{
		SourceRecordID: cmd.SourceRecordID,
		InvoiceID:      invoice.ID,
		InvoiceNumber:  invoice.DocNumber,
		CustomerRef:    customerRef,
		TotalAmount:    total,
		Adopted:        adopted,
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrInvoiceID, invoice.ID,
		telemetry.SpanAttrInvoiceNumber, invoice.DocNumber,
	)

	if link == nil {
		if link, err = integration.NewSyncLink(cmd.SourceRecordID, cmd.CRMInstance, cmd.AccountingInstance); err != nil {
			return nil, err
		}
	}
	if err = link.AttachInvoice(invoice.ID, invoice.DocNumber, customerRef, total); err != nil {
		return nil, err
	}
	if err = s.links.Save(ctx, link); err != nil {
		log.Error("Invoice created but sync link could not be saved",
			zap.String("invoice_id", invoice.ID),
			zap.String("invoice_number", invoice.DocNumber),
			zap.Error(err),
		)
		return nil, fmt.Errorf("save sync link for invoice %s: %w", invoice.ID, err)
	}

	writeBack := integration.InvoiceLink{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.DocNumber,
		SyncedAt:      s.now().UTC(),
	}
	if wbErr := crm.RecordInvoiceLink(ctx, cmd.SourceRecordID, writeBack); wbErr != nil {
		log.Error("Invoice created but CRM write-back failed",
			zap.String("invoice_id", invoice.ID),
			zap.String("invoice_number", invoice.DocNumber),
			zap.Error(wbErr),
		)
		err = &integration.WriteBackError{
			SourceRecordID:  cmd.SourceRecordID,
			TargetInvoiceID: invoice.ID,
			Err:             wbErr,
		}
		return result, err
	}

	log.Info("Invoice synced",
		zap.String("invoice_id", invoice.ID),
		zap.String("invoice_number", invoice.DocNumber),
		zap.String("total", total.StringFixed(2)),
		zap.Bool("adopted", adopted),
	)
	return result, nil
}

// GetSyncLink returns the link recorded for a source record
func (s *Service) GetSyncLink(ctx context.Context, sourceRecordID string) (*integration.SyncLink, error) {
	sourceRecordID = strings.TrimSpace(sourceRecordID)
	if sourceRecordID == "" {
		return nil, integration.ErrMissingParameters
	}
	return s.links.FindBySourceRecordID(ctx, sourceRecordID)
}

func (s *Service) checkConnections(ctx context.Context, cmd CreateInvoiceCommand) error {
	for _, want := range []struct {
		service  integration.ServiceType
		instance string
	}{
		{integration.ServiceCRM, cmd.CRMInstance},
		{integration.ServiceAccounting, cmd.AccountingInstance},
	} {
		instances, err := s.connections.Instances(ctx, want.service)
		if err != nil {
			return err
		}
		if !slices.Contains(instances, want.instance) {
			return fmt.Errorf("%w: %s instance %q is not connected", integration.ErrNoConnections, want.service, want.instance)
		}
	}
	return nil
}

func (s *Service) existingLink(ctx context.Context, sourceRecordID string) (*integration.SyncLink, error) {
	link, err := s.links.FindBySourceRecordID(ctx, sourceRecordID)
	if errors.Is(err, integration.ErrSyncLinkNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync link: %w", err)
	}
	return link, nil
}

// claim takes the creation claim for a record. The returned func drops it.
func (s *Service) claim(ctx context.Context, sourceRecordID string) (func(), error) {
	if s.claims == nil {
		return func() {}, nil
	}
	key := ClaimKey(sourceRecordID)
	claimed, err := s.claims.MarkProcessed(ctx, key, s.config.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		// the holder may have finished in the meantime
		if link, lerr := s.existingLink(ctx, sourceRecordID); lerr == nil && link != nil && link.HasInvoice() {
			return nil, &integration.AlreadySyncedError{SourceRecordID: sourceRecordID, TargetInvoiceID: link.TargetInvoiceID}
		}
		return nil, &integration.AlreadySyncedError{SourceRecordID: sourceRecordID, InFlight: true}
	}
	return func() {
		if err := s.claims.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("Failed to release invoice claim", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *Service) createOrAdopt(
	ctx context.Context,
	acct integration.AccountingClient,
	sourceRecordID string,
	data integration.InvoiceData,
) (*integration.InvoiceResult, bool, error) {
	if s.config.AdoptOrphanedInvoices {
		orphan, err := acct.FindInvoiceBySourceMarker(ctx, sourceRecordID)
		if err != nil {
			return nil, false, fmt.Errorf("look up orphaned invoice: %w", err)
		}
		if orphan != nil {
			s.logger.Warn("Adopting invoice left by an earlier failed write-back",
				zap.String("source_record_id", sourceRecordID),
				zap.String("invoice_id", orphan.ID),
			)
			return orphan, true, nil
		}
	}

	invoice, err := acct.CreateInvoice(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("create invoice: %w", err)
	}
	return invoice, false, nil
}

// mapLines converts CRM line items to invoice lines. A record without lines
// becomes a single line for its total.
func (s *Service) mapLines(ctx context.Context, acct integration.AccountingClient, record *integration.SourceRecord) ([]integration.InvoiceLine, error) {
	var fallback string
	fallbackRef := func() (string, error) {
		if fallback != "" {
			return fallback, nil
		}
		ref, err := acct.ResolveItemRef(ctx, s.config.FallbackItemName)
		if err != nil {
			return "", fmt.Errorf("resolve item %q: %w", s.config.FallbackItemName, err)
		}
		fallback = ref
		return ref, nil
	}

	if len(record.LineItems) == 0 {
		ref, err := fallbackRef()
		if err != nil {
			return nil, err
		}
		return []integration.InvoiceLine{{
			Description: record.Name,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   record.Amount,
			Amount:      record.Amount,
			ItemRef:     ref,
		}}, nil
	}

	lines := make([]integration.InvoiceLine, 0, len(record.LineItems))
	for _, item := range record.LineItems {
		qty := item.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		amount := item.Total
		if amount.IsZero() {
			amount = qty.Mul(item.UnitPrice)
		}
		ref := item.AccountingItemRef
		if ref == "" {
			var err error
			if ref, err = fallbackRef(); err != nil {
				return nil, err
			}
		}
		desc := item.Description
		if desc == "" {
			desc = item.ProductName
		}
		lines = append(lines, integration.InvoiceLine{
			Description: desc,
			Quantity:    qty,
			UnitPrice:   item.UnitPrice,
			Amount:      amount.Round(2),
			ItemRef:     ref,
		})
	}
	return lines, nil
}

func (s *Service) invoiceData(record *integration.SourceRecord, customerRef string, lines []integration.InvoiceLine) integration.InvoiceData {
	today := s.now().UTC().Truncate(24 * time.Hour)
	return integration.InvoiceData{
		CustomerRef:    customerRef,
		DocNumber:      DocNumber(s.config.DocNumberPrefix, record.ID),
		TxnDate:        today,
		DueDate:        today.AddDate(0, 0, s.config.DueDays),
		Lines:          lines,
		CustomerMemo:   "Invoice for " + record.Name,
		PrivateNote:    integration.SourceMarker(record.ID),
		BillingAddress: record.Account.BillingAddress,
		BillEmail:      record.Account.Email,
	}
}

// DocNumber builds the invoice document number from the first eight
// characters of the source record id.
func DocNumber(prefix, sourceRecordID string) string {
	id := []rune(sourceRecordID)
	if len(id) > docNumberSourceChars {
		id = id[:docNumberSourceChars]
	}
	return prefix + string(id)
}

func customerData(record *integration.SourceRecord) integration.CustomerData {
	name := record.Account.Name
	if name == "" {
		name = record.Name
	}
	return integration.CustomerData{
		DisplayName:    name,
		Email:          record.Account.Email,
		Phone:          record.Account.Phone,
		BillingAddress: record.Account.BillingAddress,
	}
}
