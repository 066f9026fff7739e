package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func TestNewSyncMetrics_NilMeter(t *testing.T) {
	m, err := telemetry.NewSyncMetrics(nil, nil)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, telemetry.ErrMeterNil)
}

func TestSyncMetrics_NilReceiver(t *testing.T) {
	var m *telemetry.SyncMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordTokenRefresh(ctx, "crm", nil)
		m.RecordInvoiceCreated(ctx, telemetry.OutcomeCreated, decimal.NewFromInt(10))
		m.RecordReconciliationRun(ctx, integration.NewReconciliationRunRecord("a", "b", integration.RunTriggerManual))
		m.RecordLinkCounts(ctx, map[integration.SyncStatus]int64{integration.SyncStatusPaid: 1})
		m.StartLinkCountCollection(ctx, nil, time.Second)
	})
}

func TestSyncMetrics_TokenRefresh(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := telemetry.NewSyncMetrics(provider.Meter("test"), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordTokenRefresh(ctx, "crm", nil)
	m.RecordTokenRefresh(ctx, "crm", nil)
	m.RecordTokenRefresh(ctx, "accounting", errors.New("invalid_grant"))

	refreshes := collect(t, reader)["invoicesync_token_refresh_total"]
	assert.Equal(t, int64(2), sumValue(t, refreshes,
		telemetry.AttrOutcome.String("success"), telemetry.AttrService.String("crm")))
	assert.Equal(t, int64(1), sumValue(t, refreshes,
		telemetry.AttrOutcome.String("failure"), telemetry.AttrService.String("accounting")))
}

func TestSyncMetrics_InvoiceCreated(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := telemetry.NewSyncMetrics(provider.Meter("test"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordInvoiceCreated(ctx, telemetry.OutcomeCreated, decimal.RequireFromString("100.00"))
	m.RecordInvoiceCreated(ctx, telemetry.OutcomeAdopted, decimal.RequireFromString("19.99"))
	m.RecordInvoiceCreated(ctx, telemetry.OutcomeAlreadySynced, decimal.RequireFromString("500"))

	got := collect(t, reader)
	assert.Equal(t, int64(3), sumValue(t, got["invoicesync_invoice_created_total"]))
	assert.Equal(t, int64(1), sumValue(t, got["invoicesync_invoice_created_total"],
		telemetry.AttrOutcome.String(telemetry.OutcomeAlreadySynced)))
	assert.Equal(t, int64(11999), sumValue(t, got["invoicesync_invoice_amount_total"]))
}

func TestSyncMetrics_ReconciliationRun(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := telemetry.NewSyncMetrics(provider.Meter("test"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	run := integration.NewReconciliationRunRecord("sf-prod", "qb-1", integration.RunTriggerScheduled)
	run.InvoicesProcessed = 3
	run.PaidInvoicesFound = 2
	run.InvoicesUpdated = 1
	run.RecordFailure("OPP-9", "77", errors.New("timeout"))
	run.Complete()
	m.RecordReconciliationRun(ctx, run)

	skipped := integration.NewReconciliationRunRecord("sf-prod", "qb-1", integration.RunTriggerManual)
	skipped.Skip()
	m.RecordReconciliationRun(ctx, skipped)

	got := collect(t, reader)
	runs := got["invoicesync_reconciliation_runs_total"]
	assert.Equal(t, int64(1), sumValue(t, runs,
		telemetry.AttrRunStatus.String("PARTIAL"), telemetry.AttrTrigger.String("SCHEDULED")))
	assert.Equal(t, int64(1), sumValue(t, runs,
		telemetry.AttrRunStatus.String("SKIPPED"), telemetry.AttrTrigger.String("MANUAL")))
	assert.Equal(t, int64(3), sumValue(t, got["invoicesync_reconciliation_invoices_processed_total"]))
	assert.Equal(t, int64(1), sumValue(t, got["invoicesync_reconciliation_invoices_updated_total"]))
	assert.Equal(t, int64(1), sumValue(t, got["invoicesync_reconciliation_item_failures_total"]))

	hist, ok := got["invoicesync_reconciliation_run_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

type stubLinkCounter struct {
	mu     sync.Mutex
	calls  int
	counts map[integration.SyncStatus]int64
	err    error
}

func (s *stubLinkCounter) CountByStatus(context.Context) (map[integration.SyncStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.counts, s.err
}

func (s *stubLinkCounter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSyncMetrics_LinkCountCollection(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := telemetry.NewSyncMetrics(provider.Meter("test"), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	links := &stubLinkCounter{counts: map[integration.SyncStatus]int64{
		integration.SyncStatusCreated: 4,
		integration.SyncStatusPaid:    9,
	}}
	m.StartLinkCountCollection(ctx, links, time.Hour)

	values := make(map[string]int64)
	require.Eventually(t, func() bool {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return false
		}
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				gauge, ok := metric.Data.(metricdata.Gauge[int64])
				if !ok || metric.Name != "invoicesync_sync_links" {
					continue
				}
				for _, dp := range gauge.DataPoints {
					v, _ := dp.Attributes.Value(telemetry.AttrLinkStatus)
					values[v.AsString()] = dp.Value
				}
			}
		}
		return len(values) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, links.Calls())
	assert.Equal(t, int64(4), values[integration.SyncStatusCreated.String()])
	assert.Equal(t, int64(9), values[integration.SyncStatusPaid.String()])
}

func TestInvoiceOutcome(t *testing.T) {
	tests := []struct {
		adopted bool
		err     error
		want    string
	}{
		{false, nil, telemetry.OutcomeCreated},
		{true, nil, telemetry.OutcomeAdopted},
		{false, &integration.AlreadySyncedError{SourceRecordID: "OPP-1", TargetInvoiceID: "1"}, telemetry.OutcomeAlreadySynced},
		{false, &integration.WriteBackError{SourceRecordID: "OPP-1", TargetInvoiceID: "1", Err: errors.New("boom")}, telemetry.OutcomeWriteBack},
		{false, fmt.Errorf("wrapped: %w", errors.New("boom")), telemetry.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, telemetry.InvoiceOutcome(tt.adopted, tt.err))
		})
	}
}
