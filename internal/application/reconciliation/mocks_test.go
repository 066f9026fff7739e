package reconciliation

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/stretchr/testify/mock"
)

// MockCRMClient is a mock implementation of integration.CRMClient
type MockCRMClient struct {
	mock.Mock
}

func (m *MockCRMClient) Query(ctx context.Context, query string) ([]map[string]any, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]any), args.Error(1)
}

func (m *MockCRMClient) Retrieve(ctx context.Context, objectType, id string) (map[string]any, error) {
	args := m.Called(ctx, objectType, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockCRMClient) Update(ctx context.Context, objectType, id string, fields map[string]any) error {
	args := m.Called(ctx, objectType, id, fields)
	return args.Error(0)
}

func (m *MockCRMClient) GetSourceRecord(ctx context.Context, id string) (*integration.SourceRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.SourceRecord), args.Error(1)
}

func (m *MockCRMClient) ListUnsettled(ctx context.Context, limit int) ([]integration.UnsettledRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integration.UnsettledRecord), args.Error(1)
}

func (m *MockCRMClient) RecordInvoiceLink(ctx context.Context, sourceRecordID string, link integration.InvoiceLink) error {
	args := m.Called(ctx, sourceRecordID, link)
	return args.Error(0)
}

func (m *MockCRMClient) MarkPaid(ctx context.Context, record integration.UnsettledRecord, payment integration.PaymentUpdate) error {
	args := m.Called(ctx, record, payment)
	return args.Error(0)
}

// MockAccountingClient is a mock implementation of integration.AccountingClient
type MockAccountingClient struct {
	mock.Mock
}

func (m *MockAccountingClient) FindOrCreateCustomer(ctx context.Context, data integration.CustomerData) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

func (m *MockAccountingClient) CreateInvoice(ctx context.Context, data integration.InvoiceData) (*integration.InvoiceResult, error) {
	args := m.Called(ctx, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.InvoiceResult), args.Error(1)
}

func (m *MockAccountingClient) GetInvoice(ctx context.Context, id string) (*integration.InvoiceStatus, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.InvoiceStatus), args.Error(1)
}

func (m *MockAccountingClient) QueryPayments(ctx context.Context, invoiceID string) ([]integration.PaymentRecord, error) {
	args := m.Called(ctx, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integration.PaymentRecord), args.Error(1)
}

func (m *MockAccountingClient) ResolveItemRef(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *MockAccountingClient) FindInvoiceBySourceMarker(ctx context.Context, sourceRecordID string) (*integration.InvoiceResult, error) {
	args := m.Called(ctx, sourceRecordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.InvoiceResult), args.Error(1)
}

// stubFactory hands out the same clients for every instance
type stubFactory struct {
	crm  integration.CRMClient
	acct integration.AccountingClient
}

func (f *stubFactory) CRM(string) integration.CRMClient               { return f.crm }
func (f *stubFactory) Accounting(string) integration.AccountingClient { return f.acct }

// stubConnections reports a fixed set of connected instances
type stubConnections map[integration.ServiceType][]string

func (c stubConnections) Instances(_ context.Context, service integration.ServiceType) ([]string, error) {
	return c[service], nil
}

// memoryLinkRepo is an in-memory integration.SyncLinkRepository
type memoryLinkRepo struct {
	mu      sync.Mutex
	links   map[string]integration.SyncLink
	saveErr error
	saves   int
}

func newMemoryLinkRepo() *memoryLinkRepo {
	return &memoryLinkRepo{links: make(map[string]integration.SyncLink)}
}

func (r *memoryLinkRepo) FindBySourceRecordID(_ context.Context, id string) (*integration.SyncLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	if !ok {
		return nil, integration.ErrSyncLinkNotFound
	}
	return &l, nil
}

func (r *memoryLinkRepo) Save(_ context.Context, link *integration.SyncLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.links[link.SourceRecordID] = *link
	return nil
}

func (r *memoryLinkRepo) CountByStatus(context.Context) (map[integration.SyncStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[integration.SyncStatus]int64)
	for _, l := range r.links {
		out[l.Status]++
	}
	return out, nil
}

func (r *memoryLinkRepo) get(id string) (integration.SyncLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	return l, ok
}

// memoryRunRepo is an in-memory integration.RunRecordRepository
type memoryRunRepo struct {
	mu        sync.Mutex
	records   []integration.ReconciliationRunRecord
	appendErr error
}

func (r *memoryRunRepo) Append(_ context.Context, rec *integration.ReconciliationRunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.records = append(r.records, *rec)
	return nil
}

func (r *memoryRunRepo) Recent(_ context.Context, limit int) ([]integration.ReconciliationRunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRunRepo) all() []integration.ReconciliationRunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// MockRunArchive is a mock implementation of integration.RunArchive
type MockRunArchive struct {
	mock.Mock
}

func (m *MockRunArchive) Archive(ctx context.Context, rec *integration.ReconciliationRunRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
