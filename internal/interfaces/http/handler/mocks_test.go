package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/invoicesync/internal/application/invoicing"
	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/oauth"
	"github.com/erp/invoicesync/internal/infrastructure/scheduler"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockInvoiceService is a mock implementation of InvoiceService
type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) CreateInvoice(ctx context.Context, cmd invoicing.CreateInvoiceCommand) (*invoicing.CreateInvoiceResult, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoicing.CreateInvoiceResult), args.Error(1)
}

func (m *MockInvoiceService) GetSyncLink(ctx context.Context, sourceRecordID string) (*integration.SyncLink, error) {
	args := m.Called(ctx, sourceRecordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.SyncLink), args.Error(1)
}

// MockReconciliationTrigger is a mock implementation of ReconciliationTrigger
type MockReconciliationTrigger struct {
	mock.Mock
}

func (m *MockReconciliationTrigger) TriggerNow(ctx context.Context, pair scheduler.Pair) (*integration.ReconciliationRunRecord, error) {
	args := m.Called(ctx, pair)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.ReconciliationRunRecord), args.Error(1)
}

func (m *MockReconciliationTrigger) Status() scheduler.SchedulerStatus {
	args := m.Called()
	return args.Get(0).(scheduler.SchedulerStatus)
}

func (m *MockReconciliationTrigger) History(limit int) []*scheduler.ReconciliationJob {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*scheduler.ReconciliationJob)
}

// MockRunHistory is a mock implementation of RunHistory
type MockRunHistory struct {
	mock.Mock
}

func (m *MockRunHistory) History(ctx context.Context, limit int) ([]integration.ReconciliationRunRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integration.ReconciliationRunRecord), args.Error(1)
}

// MockAuthorizer is a mock implementation of Authorizer
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) BuildAuthorizationURL(ctx context.Context, service integration.ServiceType) (*oauth.AuthorizationRequest, error) {
	args := m.Called(ctx, service)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth.AuthorizationRequest), args.Error(1)
}

func (m *MockAuthorizer) ExchangeCode(ctx context.Context, req oauth.ExchangeRequest) (*integration.TokenRecord, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.TokenRecord), args.Error(1)
}

func (m *MockAuthorizer) Connections(ctx context.Context) ([]oauth.ConnectionStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]oauth.ConnectionStatus), args.Error(1)
}

func (m *MockAuthorizer) Revoke(ctx context.Context, service integration.ServiceType, instanceKey string) error {
	args := m.Called(ctx, service, instanceKey)
	return args.Error(0)
}

// newTestRouter builds a gin engine with the request id middleware and
// lets the caller register routes
func newTestRouter(register func(r *gin.Engine)) *gin.Engine {
	r := gin.New()
	r.UseRawPath = true
	r.Use(middleware.RequestID())
	register(r)
	return r
}

func doRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// decodeResponse unmarshals the envelope and re-decodes Data into out
func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, out any) dto.Response {
	t.Helper()

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *dto.ErrorInfo  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return dto.Response{Success: raw.Success, Error: raw.Error}
}
