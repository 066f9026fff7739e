package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/credential"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// RefreshObserver is notified of every refresh attempt
type RefreshObserver interface {
	RecordTokenRefresh(ctx context.Context, service string, err error)
}

// AuthorizationRequest is the redirect target for starting an authorization
type AuthorizationRequest struct {
	Service      integration.ServiceType
	URL          string
	State        string
	CodeVerifier string
}

// ExchangeRequest carries the callback parameters of an authorization
type ExchangeRequest struct {
	Service integration.ServiceType
	Code    string
	State   string
	// CodeVerifier overrides the verifier stored at authorization time
	CodeVerifier string
	// InstanceHint is the accounting realm id, or a CRM instance URL override
	InstanceHint string
}

// ConnectionStatus describes one stored credential
type ConnectionStatus struct {
	Service         integration.ServiceType `json:"service"`
	InstanceKey     string                  `json:"instanceKey"`
	InstanceURL     string                  `json:"instanceUrl,omitempty"`
	ExpiresAt       time.Time               `json:"expiresAt"`
	Expired         bool                    `json:"expired"`
	HasRefreshToken bool                    `json:"hasRefreshToken"`
}

// Manager owns the token lifecycle for both services: authorization,
// code exchange, transparent refresh and revocation.
//
// Refreshes for one (service, instance) pair are serialized by a keyed lock.
// Read-modify-write of the whole credential state is serialized by stateMu so
// that concurrent writes for different pairs do not overwrite each other.
type Manager struct {
	store         integration.CredentialStore
	providers     map[integration.ServiceType]ProviderConfig
	states        *StateSigner
	pending       PendingStore
	locker        *credential.KeyedLocker
	httpClient    *http.Client
	refreshBuffer time.Duration
	stateTTL      time.Duration
	now           func() time.Time
	logger        *zap.Logger
	observer      RefreshObserver

	stateMu sync.Mutex
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRefreshBuffer sets how long before expiry a token is refreshed
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshBuffer = d }
}

// WithStateTTL sets how long a pending authorization stays valid
func WithStateTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.stateTTL = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithRefreshObserver registers a refresh observer (metrics)
func WithRefreshObserver(o RefreshObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a token manager
func NewManager(
	store integration.CredentialStore,
	providers map[integration.ServiceType]ProviderConfig,
	states *StateSigner,
	pending PendingStore,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		store:         store,
		providers:     providers,
		states:        states,
		pending:       pending,
		locker:        credential.NewKeyedLocker(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		refreshBuffer: 60 * time.Second,
		stateTTL:      10 * time.Minute,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// BuildAuthorizationURL creates the provider redirect URL. For PKCE providers a
// fresh verifier is generated and kept until the callback.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, service integration.ServiceType) (*AuthorizationRequest, error) {
	p, err := m.provider(service)
	if err != nil {
		return nil, err
	}

	state, nonce, err := m.states.Issue(service)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	var verifier string
	if p.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	pending := PendingAuthorization{
		Nonce:        nonce,
		Service:      service,
		CodeVerifier: verifier,
		CreatedAt:    m.now(),
	}
	if err := m.pending.Put(ctx, pending, m.stateTTL); err != nil {
		return nil, err
	}

	return &AuthorizationRequest{
		Service:      service,
		URL:          p.oauth2Config().AuthCodeURL(state, opts...),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// ExchangeCode completes an authorization and stores the resulting tokens
func (m *Manager) ExchangeCode(ctx context.Context, req ExchangeRequest) (*integration.TokenRecord, error) {
	p, err := m.provider(req.Service)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code", integration.ErrMissingParameters)
	}
	if req.Service == integration.ServiceAccounting && req.InstanceHint == "" {
		return nil, fmt.Errorf("%w: realmId", integration.ErrMissingParameters)
	}

	claims, err := m.states.Verify(req.State, req.Service)
	if err != nil {
		return nil, err
	}
	pending, err := m.pending.Take(ctx, claims.Nonce())
	switch {
	case errors.Is(err, ErrPendingNotFound):
		// Without PKCE a missing entry means the state was replayed.
		if !p.UsePKCE {
			return nil, fmt.Errorf("%w: authorization already completed or expired", integration.ErrInvalidState)
		}
		if req.CodeVerifier == "" {
			return nil, &integration.MissingVerifierError{Service: req.Service}
		}
	case err != nil:
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if p.UsePKCE {
		verifier := req.CodeVerifier
		if verifier == "" && pending != nil {
			verifier = pending.CodeVerifier
		}
		if verifier == "" {
			return nil, &integration.MissingVerifierError{Service: req.Service}
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := p.oauth2Config().Exchange(m.clientContext(ctx), req.Code, opts...)
	if err != nil {
		exchangeErr := &integration.AuthExchangeError{Service: req.Service, Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			exchangeErr.Code = re.ErrorCode
			exchangeErr.Description = re.ErrorDescription
		}
		return nil, exchangeErr
	}

	instanceKey := req.InstanceHint
	if instanceKey == "" {
		instanceKey = extraString(tok, "instance_url")
	}
	if instanceKey == "" {
		return nil, &integration.AuthExchangeError{
			Service:     req.Service,
			Description: "token response carries no instance_url",
		}
	}

	rec := m.recordFromToken(p, req.Service, instanceKey, tok, nil)

	unlock := m.locker.Lock(req.Service, instanceKey)
	defer unlock()
	if err := m.put(ctx, rec); err != nil {
		return nil, err
	}

	logger.Enrich(ctx, m.logger).Info("authorization completed",
		zap.String("service", req.Service.String()),
		zap.String("instance", instanceKey),
		zap.Time("expires_at", rec.ExpiresAt),
		zap.Bool("pkce", p.UsePKCE),
	)
	return &rec, nil
}

// ---------------------------------------------------------------------------
// Access tokens
// ---------------------------------------------------------------------------

// GetAccessToken returns a usable access token, refreshing it first when it
// expires within the refresh buffer.
func (m *Manager) GetAccessToken(ctx context.Context, service integration.ServiceType, instanceKey string) (string, error) {
	rec, err := m.Token(ctx, service, instanceKey)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Token is GetAccessToken returning the whole record
func (m *Manager) Token(ctx context.Context, service integration.ServiceType, instanceKey string) (*integration.TokenRecord, error) {
	rec, err := m.lookup(ctx, service, instanceKey)
	if err != nil {
		return nil, err
	}
	if !rec.Expired(m.now(), m.refreshBuffer) {
		return &rec, nil
	}
	return m.refresh(ctx, service, instanceKey, "")
}

// ForceRefresh refreshes after the provider rejected staleAccessToken. When
// another caller already replaced that token the newer one is returned
// without a second refresh.
func (m *Manager) ForceRefresh(ctx context.Context, service integration.ServiceType, instanceKey, staleAccessToken string) (*integration.TokenRecord, error) {
	return m.refresh(ctx, service, instanceKey, staleAccessToken)
}

func (m *Manager) refresh(ctx context.Context, service integration.ServiceType, instanceKey, stale string) (*integration.TokenRecord, error) {
	p, err := m.provider(service)
	if err != nil {
		return nil, err
	}

	unlock := m.locker.Lock(service, instanceKey)
	defer unlock()

	// another caller may have refreshed while we waited for the lock
	rec, err := m.lookup(ctx, service, instanceKey)
	if err != nil {
		return nil, err
	}
	if stale == "" && !rec.Expired(m.now(), m.refreshBuffer) {
		return &rec, nil
	}
	if stale != "" && rec.AccessToken != stale {
		return &rec, nil
	}

	if !rec.CanRefresh() {
		err := &integration.RefreshError{
			Service:     service,
			InstanceKey: instanceKey,
			Code:        "invalid_grant",
			Description: "no refresh token stored",
		}
		m.observeRefresh(ctx, service, err)
		return nil, err
	}

	src := p.oauth2Config().TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		err = m.refreshFailure(service, instanceKey, err)
		m.observeRefresh(ctx, service, err)
		var rerr *integration.RefreshError
		logger.Enrich(ctx, m.logger).Warn("token refresh failed",
			zap.String("service", service.String()),
			zap.String("instance", instanceKey),
			zap.Bool("reauthorization_required", errors.As(err, &rerr) && rerr.RequiresReauthorization()),
			zap.Error(err),
		)
		return nil, err
	}

	updated := m.recordFromToken(p, service, instanceKey, tok, &rec)
	if err := m.put(ctx, updated); err != nil {
		m.observeRefresh(ctx, service, err)
		return nil, err
	}
	m.observeRefresh(ctx, service, nil)

	logger.Enrich(ctx, m.logger).Info("token refreshed",
		zap.String("service", service.String()),
		zap.String("instance", instanceKey),
		zap.String("access_token", logger.RedactToken(updated.AccessToken)),
		zap.Time("expires_at", updated.ExpiresAt),
		zap.Bool("refresh_token_rotated", tok.RefreshToken != "" && tok.RefreshToken != rec.RefreshToken),
	)
	return &updated, nil
}

// refreshFailure classifies a failed refresh grant. A provider rejection is
// terminal; transport failures and provider outages are retryable.
func (m *Manager) refreshFailure(service integration.ServiceType, instanceKey string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return &integration.ProviderError{
				Kind:       integration.ErrServer,
				Service:    service,
				Operation:  "refresh token",
				StatusCode: re.Response.StatusCode,
				Err:        err,
			}
		}
		return &integration.RefreshError{
			Service:     service,
			InstanceKey: instanceKey,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Err:         err,
		}
	}
	return &integration.ProviderError{
		Kind:      integration.ErrNetwork,
		Service:   service,
		Operation: "refresh token",
		Err:       err,
	}
}

// ---------------------------------------------------------------------------
// Revocation and status
// ---------------------------------------------------------------------------

// Revoke asks the provider to revoke the grant and deletes the stored record.
// The provider call is best effort.
func (m *Manager) Revoke(ctx context.Context, service integration.ServiceType, instanceKey string) error {
	p, ok := m.providers[service]
	if !ok {
		return integration.ErrUnknownService
	}

	unlock := m.locker.Lock(service, instanceKey)
	defer unlock()

	rec, err := m.lookup(ctx, service, instanceKey)
	if err != nil {
		return err
	}

	if p.RevokeURL != "" {
		token := rec.RefreshToken
		if token == "" {
			token = rec.AccessToken
		}
		if err := m.revokeAtProvider(ctx, p, token); err != nil {
			logger.Enrich(ctx, m.logger).Warn("provider revoke failed, deleting local credentials anyway",
				zap.String("service", service.String()),
				zap.String("instance", instanceKey),
				zap.Error(err),
			)
		}
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	state.Delete(service, instanceKey)
	if err := m.store.Save(ctx, state); err != nil {
		return err
	}

	logger.Enrich(ctx, m.logger).Info("credentials revoked",
		zap.String("service", service.String()),
		zap.String("instance", instanceKey),
	)
	return nil
}

func (m *Manager) revokeAtProvider(ctx context.Context, p ProviderConfig, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.AuthStyle == oauth2.AuthStyleInHeader {
		req.SetBasicAuth(url.QueryEscape(p.ClientID), url.QueryEscape(p.ClientSecret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Connections lists every stored credential
func (m *Manager) Connections(ctx context.Context) ([]ConnectionStatus, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []ConnectionStatus
	for _, service := range integration.AllServices {
		for _, key := range state.Instances(service) {
			rec, _ := state.Get(service, key)
			out = append(out, ConnectionStatus{
				Service:         service,
				InstanceKey:     key,
				InstanceURL:     rec.InstanceURL,
				ExpiresAt:       rec.ExpiresAt,
				Expired:         rec.Expired(now, 0),
				HasRefreshToken: rec.CanRefresh(),
			})
		}
	}
	return out, nil
}

// Instances returns the connected instance keys of a service, sorted
func (m *Manager) Instances(ctx context.Context, service integration.ServiceType) ([]string, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return state.Instances(service), nil
}

// Ensure Manager implements ConnectionChecker
var _ integration.ConnectionChecker = (*Manager)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) provider(service integration.ServiceType) (ProviderConfig, error) {
	p, ok := m.providers[service]
	if !ok {
		return ProviderConfig{}, integration.ErrUnknownService
	}
	if err := p.Validate(service); err != nil {
		return ProviderConfig{}, err
	}
	return p, nil
}

func (m *Manager) lookup(ctx context.Context, service integration.ServiceType, instanceKey string) (integration.TokenRecord, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return integration.TokenRecord{}, err
	}
	rec, ok := state.Get(service, instanceKey)
	if !ok || rec.AccessToken == "" {
		return integration.TokenRecord{}, &integration.NoCredentialsError{Service: service, InstanceKey: instanceKey}
	}
	return rec, nil
}

func (m *Manager) put(ctx context.Context, rec integration.TokenRecord) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	state.Put(rec)
	return m.store.Save(ctx, state)
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) observeRefresh(ctx context.Context, service integration.ServiceType, err error) {
	if m.observer != nil {
		m.observer.RecordTokenRefresh(ctx, service.String(), err)
	}
}

// recordFromToken builds the stored record. A refresh response without a new
// refresh token keeps the previous one.
func (m *Manager) recordFromToken(p ProviderConfig, service integration.ServiceType, instanceKey string, tok *oauth2.Token, prev *integration.TokenRecord) integration.TokenRecord {
	now := m.now()
	rec := integration.TokenRecord{
		Service:      service,
		InstanceKey:  instanceKey,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		InstanceURL:  extraString(tok, "instance_url"),
		Scope:        extraString(tok, "scope"),
		ExpiresAt:    tok.Expiry,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(p.tokenTTL())
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		if rec.RefreshToken == "" {
			rec.RefreshToken = prev.RefreshToken
		}
		if rec.InstanceURL == "" {
			rec.InstanceURL = prev.InstanceURL
		}
		if rec.Scope == "" {
			rec.Scope = prev.Scope
		}
	}
	if rec.InstanceURL == "" && service == integration.ServiceCRM {
		rec.InstanceURL = instanceKey
	}
	return rec
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}
