package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Invoice creation outcomes
const (
	OutcomeCreated       = "created"
	OutcomeAdopted       = "adopted"
	OutcomeAlreadySynced = "already_synced"
	OutcomeWriteBack     = "write_back_failed"
	OutcomeFailed        = "failed"
)

// SyncMetrics holds the instruments for token refreshes, invoice creation
// and reconciliation runs. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	logger *zap.Logger

	tokenRefreshes       metric.Int64Counter
	invoicesCreated      metric.Int64Counter
	invoiceAmountCents   metric.Int64Counter
	runs                 metric.Int64Counter
	runInvoicesProcessed metric.Int64Counter
	runInvoicesUpdated   metric.Int64Counter
	runItemFailures      metric.Int64Counter
	runDuration          metric.Float64Histogram
	linksByStatus        metric.Int64Gauge
}

// NewSyncMetrics creates the instruments on meter.
func NewSyncMetrics(meter metric.Meter, logger *zap.Logger) (*SyncMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SyncMetrics{logger: logger}
	counters := []struct {
		dst              *metric.Int64Counter
		name, desc, unit string
	}{
		{&m.tokenRefreshes, "invoicesync_token_refresh_total", "Token refresh attempts by service and outcome", "{refreshes}"},
		{&m.invoicesCreated, "invoicesync_invoice_created_total", "Invoice creation requests by outcome", "{invoices}"},
		{&m.invoiceAmountCents, "invoicesync_invoice_amount_total", "Total amount of created invoices in cents", "{cents}"},
		{&m.runs, "invoicesync_reconciliation_runs_total", "Reconciliation runs by status and trigger", "{runs}"},
		{&m.runInvoicesProcessed, "invoicesync_reconciliation_invoices_processed_total", "Invoices checked by reconciliation", "{invoices}"},
		{&m.runInvoicesUpdated, "invoicesync_reconciliation_invoices_updated_total", "Invoices marked paid in the CRM", "{invoices}"},
		{&m.runItemFailures, "invoicesync_reconciliation_item_failures_total", "Reconciliation candidates that failed", "{invoices}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.runDuration, err = meter.Float64Histogram("invoicesync_reconciliation_run_duration_seconds",
		metric.WithDescription("Reconciliation run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(RunDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}

	m.linksByStatus, err = meter.Int64Gauge("invoicesync_sync_links",
		metric.WithDescription("Sync links by status"),
		metric.WithUnit("{links}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create link gauge: %w", err)
	}

	return m, nil
}

// RecordTokenRefresh counts one refresh attempt. It satisfies oauth.RefreshObserver.
func (m *SyncMetrics) RecordTokenRefresh(ctx context.Context, service string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(AttrService.String(service), AttrOutcome.String(outcome)))
}

// RecordInvoiceCreated counts one creation request. amount is only added for
// created and adopted invoices.
func (m *SyncMetrics) RecordInvoiceCreated(ctx context.Context, outcome string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.invoicesCreated.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	if outcome == OutcomeCreated || outcome == OutcomeAdopted {
		m.invoiceAmountCents.Add(ctx, amount.Shift(2).IntPart())
	}
}

// RecordReconciliationRun records the counters of a finished run record.
func (m *SyncMetrics) RecordReconciliationRun(ctx context.Context, rec *integration.ReconciliationRunRecord) {
	if m == nil || rec == nil {
		return
	}
	status := AttrRunStatus.String(rec.Status.String())
	m.runs.Add(ctx, 1, metric.WithAttributes(status, AttrTrigger.String(string(rec.Trigger))))
	m.runDuration.Record(ctx, rec.Duration.Seconds(), metric.WithAttributes(status))
	if rec.Skipped() {
		return
	}
	m.runInvoicesProcessed.Add(ctx, int64(rec.InvoicesProcessed))
	m.runInvoicesUpdated.Add(ctx, int64(rec.InvoicesUpdated))
	m.runItemFailures.Add(ctx, int64(rec.Failed()))
}

// RecordLinkCounts publishes the current number of sync links per status.
func (m *SyncMetrics) RecordLinkCounts(ctx context.Context, counts map[integration.SyncStatus]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.linksByStatus.Record(ctx, n, metric.WithAttributes(AttrLinkStatus.String(status.String())))
	}
}

// InvoiceOutcome maps a creation error onto an outcome label.
func InvoiceOutcome(adopted bool, err error) string {
	switch {
	case err == nil && adopted:
		return OutcomeAdopted
	case err == nil:
		return OutcomeCreated
	case errors.Is(err, integration.ErrAlreadySynced):
		return OutcomeAlreadySynced
	case errors.Is(err, integration.ErrWriteBack):
		return OutcomeWriteBack
	default:
		return OutcomeFailed
	}
}

// LinkCounter reports sync link counts per status
type LinkCounter interface {
	CountByStatus(ctx context.Context) (map[integration.SyncStatus]int64, error)
}

// StartLinkCountCollection publishes link counts every interval until ctx is done.
func (m *SyncMetrics) StartLinkCountCollection(ctx context.Context, links LinkCounter, interval time.Duration) {
	if m == nil || links == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			counts, err := links.CountByStatus(ctx)
			if err != nil {
				m.logger.Warn("Failed to count sync links", zap.Error(err))
			} else {
				m.RecordLinkCounts(ctx, counts)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewSyncMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
