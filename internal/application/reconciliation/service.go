// Package reconciliation checks unsettled CRM records against their
// accounting invoices and writes settled payments back to the CRM.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// RunGuard prevents two runs for the same pair from overlapping.
// TryAcquire never blocks; acquired is false while another run holds key.
type RunGuard interface {
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// Config tunes a reconciliation run
type Config struct {
	PageSize    int
	Concurrency int
	ItemTimeout time.Duration
}

// DefaultConfig returns the default run settings
func DefaultConfig() Config {
	return Config{
		PageSize:    200,
		Concurrency: 5,
		ItemTimeout: 30 * time.Second,
	}
}

// RunRequest selects the pair to reconcile
type RunRequest struct {
	CRMInstance        string
	AccountingInstance string
	Trigger            integration.RunTrigger
}

// Service runs reconciliation for one (CRM, accounting) pair at a time
type Service struct {
	clients     integration.ClientFactory
	connections integration.ConnectionChecker
	links       integration.SyncLinkRepository
	runs        integration.RunRecordRepository
	archive     integration.RunArchive
	guard       RunGuard
	metrics     *telemetry.SyncMetrics
	logger      *zap.Logger
	config      Config
	now         func() time.Time
}

// NewService creates a reconciliation service
func NewService(
	clients integration.ClientFactory,
	connections integration.ConnectionChecker,
	links integration.SyncLinkRepository,
	runs integration.RunRecordRepository,
	guard RunGuard,
	cfg Config,
	logger *zap.Logger,
) *Service {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		clients:     clients,
		connections: connections,
		links:       links,
		runs:        runs,
		guard:       guard,
		logger:      logger,
		config:      cfg,
		now:         time.Now,
	}
}

// WithArchive copies every finished run record to archive
func (s *Service) WithArchive(archive integration.RunArchive) *Service {
	s.archive = archive
	return s
}

// WithMetrics records run outcomes on m
func (s *Service) WithMetrics(m *telemetry.SyncMetrics) *Service {
	s.metrics = m
	return s
}

// WithClock overrides the clock used when a paid invoice has no payment
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// itemResult is the outcome of one candidate
type itemResult struct {
	paid    bool
	updated bool
}

// Run reconciles one pair. Every call that gets past parameter validation
// returns a run record, including skipped and aborted runs.
func (s *Service) Run(ctx context.Context, req RunRequest) (*integration.ReconciliationRunRecord, error) {
	req.CRMInstance = strings.TrimSpace(req.CRMInstance)
	req.AccountingInstance = strings.TrimSpace(req.AccountingInstance)
	if req.CRMInstance == "" || req.AccountingInstance == "" {
		return nil, fmt.Errorf("%w: crmInstance and accountingInstance are required", integration.ErrMissingParameters)
	}
	if req.Trigger == "" {
		req.Trigger = integration.RunTriggerManual
	}

	rec := integration.NewReconciliationRunRecord(req.CRMInstance, req.AccountingInstance, req.Trigger)

	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "run")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrCRMInstance, req.CRMInstance,
		telemetry.SpanAttrAccountingInstance, req.AccountingInstance,
		telemetry.SpanAttrTrigger, string(req.Trigger),
	)
	ctx, log := logger.WithRunID(ctx, s.logger.With(
		zap.String("crm_instance", req.CRMInstance),
		zap.String("accounting_instance", req.AccountingInstance),
		zap.String("trigger", string(req.Trigger)),
	), rec.ID.String())

	release, acquired, err := s.guard.TryAcquire(ctx, integration.PairKey(req.CRMInstance, req.AccountingInstance))
	if err != nil {
		rec.Abort(err)
		telemetry.RecordError(span, err)
		return rec, errors.Join(fmt.Errorf("acquire run guard: %w", err), s.finish(ctx, log, rec))
	}
	if !acquired {
		log.Info("Reconciliation already running for pair, skipping")
		rec.Skip()
		telemetry.AddEvent(span, "run_skipped")
		return rec, s.finish(ctx, log, rec)
	}
	defer release()

	if err := s.checkConnections(ctx, req); err != nil {
		log.Warn("Reconciliation aborted", zap.Error(err))
		rec.Abort(err)
		telemetry.RecordError(span, err)
		return rec, errors.Join(err, s.finish(ctx, log, rec))
	}

	crm := s.clients.CRM(req.CRMInstance)
	acct := s.clients.Accounting(req.AccountingInstance)

	candidates, err := crm.ListUnsettled(ctx, s.config.PageSize)
	if err != nil {
		err = fmt.Errorf("list unsettled records: %w", err)
		log.Error("Reconciliation aborted", zap.Error(err))
		rec.Abort(err)
		telemetry.RecordError(span, err)
		return rec, errors.Join(err, s.finish(ctx, log, rec))
	}
	log.Info("Reconciliation started", zap.Int("candidates", len(candidates)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.Concurrency)
	for _, cand := range candidates {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
			defer cancel()

			res, err := s.reconcileItem(itemCtx, crm, acct, req, cand)

			mu.Lock()
			defer mu.Unlock()
			rec.InvoicesProcessed++
			if res.paid {
				rec.PaidInvoicesFound++
			}
			if res.updated {
				rec.InvoicesUpdated++
			}
			if err != nil {
				rec.RecordFailure(cand.SourceRecordID, cand.TargetInvoiceID, err)
				log.Warn("Failed to reconcile record",
					zap.String("source_record_id", cand.SourceRecordID),
					zap.String("invoice_id", cand.TargetInvoiceID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	rec.Complete()
	telemetry.SetAttributes(span, telemetry.SpanAttrRunStatus, rec.Status.String())
	return rec, s.finish(ctx, log, rec)
}

// History returns the most recent run records, newest first
func (s *Service) History(ctx context.Context, limit int) ([]integration.ReconciliationRunRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return s.runs.Recent(ctx, limit)
}

func (s *Service) checkConnections(ctx context.Context, req RunRequest) error {
	for service, instance := range map[integration.ServiceType]string{
		integration.ServiceCRM:        req.CRMInstance,
		integration.ServiceAccounting: req.AccountingInstance,
	} {
		instances, err := s.connections.Instances(ctx, service)
		if err != nil {
			return err
		}
		if !slices.Contains(instances, instance) {
			return fmt.Errorf("%w: %s instance %q is not connected", integration.ErrNoConnections, service, instance)
		}
	}
	return nil
}

func (s *Service) reconcileItem(
	ctx context.Context,
	crm integration.CRMClient,
	acct integration.AccountingClient,
	req RunRequest,
	cand integration.UnsettledRecord,
) (itemResult, error) {
	if cand.TargetInvoiceID == "" {
		return itemResult{}, fmt.Errorf("%w: record has no target invoice", integration.ErrMissingParameters)
	}

	link, err := s.links.FindBySourceRecordID(ctx, cand.SourceRecordID)
	switch {
	case errors.Is(err, integration.ErrSyncLinkNotFound):
		link = nil
	case err != nil:
		return itemResult{}, fmt.Errorf("load sync link: %w", err)
	}
	// Paid is terminal
	if cand.Status.IsTerminal() || (link != nil && link.IsPaid()) {
		return itemResult{}, nil
	}

	invoice, err := acct.GetInvoice(ctx, cand.TargetInvoiceID)
	if err != nil {
		return itemResult{}, fmt.Errorf("get invoice: %w", err)
	}
	if !invoice.IsPaid() {
		return itemResult{}, nil
	}

	payments, err := acct.QueryPayments(ctx, cand.TargetInvoiceID)
	if err != nil {
		return itemResult{paid: true}, fmt.Errorf("query payments: %w", err)
	}
	update := paymentUpdate(payments, invoice, s.now())

	if err := crm.MarkPaid(ctx, cand, update); err != nil {
		return itemResult{paid: true}, fmt.Errorf("mark paid: %w", err)
	}

	if link == nil {
		if link, err = linkFromCRM(cand, invoice, req); err != nil {
			return itemResult{paid: true}, err
		}
	}
	if err := link.MarkPaid(update.PaymentDate, update.Reference); err != nil {
		return itemResult{paid: true}, err
	}
	if err := s.links.Save(ctx, link); err != nil {
		return itemResult{paid: true}, fmt.Errorf("save sync link: %w", err)
	}
	return itemResult{paid: true, updated: true}, nil
}

// paymentUpdate builds the CRM payment fields from the latest payment. A
// paid invoice without a recorded payment, or whose payment carries no
// usable date, is dated today.
func paymentUpdate(payments []integration.PaymentRecord, invoice *integration.InvoiceStatus, now time.Time) integration.PaymentUpdate {
	today := now.UTC().Truncate(24 * time.Hour)
	latest, ok := integration.LatestPayment(payments)
	if !ok {
		return integration.PaymentUpdate{
			PaymentDate: today,
			Amount:      invoice.TotalAmount,
		}
	}
	date := latest.Date
	if date.IsZero() {
		date = today
	}
	ref := latest.ReferenceNum
	if ref == "" {
		ref = latest.ID
	}
	amount := latest.Amount
	if amount.IsZero() {
		amount = invoice.TotalAmount
	}
	return integration.PaymentUpdate{
		PaymentDate: date,
		Reference:   ref,
		Method:      latest.Method,
		Amount:      amount,
	}
}

// linkFromCRM builds a local link for a record invoiced before this
// service kept its own mapping.
func linkFromCRM(cand integration.UnsettledRecord, invoice *integration.InvoiceStatus, req RunRequest) (*integration.SyncLink, error) {
	link, err := integration.NewSyncLink(cand.SourceRecordID, req.CRMInstance, req.AccountingInstance)
	if err != nil {
		return nil, err
	}
	if err := link.AttachInvoice(cand.TargetInvoiceID, invoice.DocNumber, "", invoice.TotalAmount); err != nil {
		return nil, err
	}
	if cand.Status.IsValid() {
		link.Status = cand.Status
	}
	return link, nil
}

// finish persists the record. Archive failures are logged only.
// RecordAborted stores a FAILED record for a run that could not start because
// no pair could be resolved. The record names no instances.
func (s *Service) RecordAborted(ctx context.Context, trigger integration.RunTrigger, cause error) (*integration.ReconciliationRunRecord, error) {
	rec := integration.NewReconciliationRunRecord("", "", trigger)
	rec.Abort(cause)
	ctx, log := logger.WithRunID(ctx, s.logger.With(zap.String("trigger", string(trigger))), rec.ID.String())
	log.Warn("Reconciliation aborted before a pair was resolved", zap.Error(cause))
	return rec, s.finish(ctx, log, rec)
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, rec *integration.ReconciliationRunRecord) error {
	ctx = context.WithoutCancel(ctx)
	s.metrics.RecordReconciliationRun(ctx, rec)

	log.Info("Reconciliation finished",
		zap.String("status", rec.Status.String()),
		zap.Int("processed", rec.InvoicesProcessed),
		zap.Int("paid_found", rec.PaidInvoicesFound),
		zap.Int("updated", rec.InvoicesUpdated),
		zap.Int("failed", rec.Failed()),
		zap.Duration("duration", rec.Duration),
	)

	if s.archive != nil {
		if err := s.archive.Archive(ctx, rec); err != nil {
			log.Warn("Failed to archive run record", zap.Error(err))
		}
	}
	if err := s.runs.Append(ctx, rec); err != nil {
		log.Error("Failed to store run record", zap.Error(err))
		return fmt.Errorf("%w: append run record: %v", integration.ErrStorage, err)
	}
	return nil
}
