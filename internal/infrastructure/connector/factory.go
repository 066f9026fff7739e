// Package connector builds CRM and accounting clients bound to one connected
// instance. Clients share the token manager and HTTP clients of the factory.
package connector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/accounting"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/erp/invoicesync/internal/infrastructure/crm"
	"go.uber.org/zap"
)

// TokenSource resolves and force-refreshes access tokens
type TokenSource interface {
	Token(ctx context.Context, service integration.ServiceType, instanceKey string) (*integration.TokenRecord, error)
	ForceRefresh(ctx context.Context, service integration.ServiceType, instanceKey, staleAccessToken string) (*integration.TokenRecord, error)
}

// Factory implements integration.ClientFactory
type Factory struct {
	tokens         TokenSource
	crmCfg         config.CRMConfig
	accountingCfg  config.AccountingConfig
	crmHTTP        *http.Client
	accountingHTTP *http.Client
	logger         *zap.Logger

	mu         sync.Mutex
	itemCaches map[string]*accounting.ItemCache
}

// NewFactory creates a client factory
func NewFactory(tokens TokenSource, crmCfg config.CRMConfig, accountingCfg config.AccountingConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		tokens:         tokens,
		crmCfg:         crmCfg,
		accountingCfg:  accountingCfg,
		crmHTTP:        &http.Client{Timeout: timeoutOrDefault(crmCfg.HTTPTimeout)},
		accountingHTTP: &http.Client{Timeout: timeoutOrDefault(accountingCfg.HTTPTimeout)},
		logger:         logger,
		itemCaches:     make(map[string]*accounting.ItemCache),
	}
}

// WithTransport replaces the transport of both HTTP clients (tracing, tests)
func (f *Factory) WithTransport(rt http.RoundTripper) *Factory {
	f.crmHTTP.Transport = rt
	f.accountingHTTP.Transport = rt
	return f
}

// CRM returns a client for the CRM instance
func (f *Factory) CRM(instanceKey string) integration.CRMClient {
	return crm.NewSalesforceAdapter(f.tokens, instanceKey, f.crmCfg,
		crm.WithHTTPClient(f.crmHTTP),
		crm.WithLogger(f.logger.Named("crm")),
	)
}

// Accounting returns a client for the accounting realm. Resolved fallback
// items are cached per realm across clients.
func (f *Factory) Accounting(instanceKey string) integration.AccountingClient {
	return accounting.NewQuickBooksAdapter(f.tokens, instanceKey, f.accountingCfg,
		accounting.WithHTTPClient(f.accountingHTTP),
		accounting.WithLogger(f.logger.Named("accounting")),
		accounting.WithItemCache(f.itemCache(instanceKey)),
	)
}

func (f *Factory) itemCache(realmID string) *accounting.ItemCache {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.itemCaches[realmID]
	if !ok {
		c = accounting.NewItemCache()
		f.itemCaches[realmID] = c
	}
	return c
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

var _ integration.ClientFactory = (*Factory)(nil)
