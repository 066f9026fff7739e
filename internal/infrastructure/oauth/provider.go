package oauth

import (
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"golang.org/x/oauth2"
)

// defaultTokenTTL is assumed when a token response carries no expires_in
const defaultTokenTTL = 2 * time.Hour

// ProviderConfig is the OAuth client registration for one service
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	RedirectURL  string
	Scopes       []string
	UsePKCE      bool
	// AuthStyle selects how client credentials reach the token endpoint
	AuthStyle oauth2.AuthStyle
	// DefaultTokenTTL applies when the provider omits expires_in
	DefaultTokenTTL time.Duration
}

// Validate reports missing client settings
func (p ProviderConfig) Validate(service integration.ServiceType) error {
	var missing []string
	if p.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if p.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if p.RedirectURL == "" {
		missing = append(missing, "redirect_url")
	}
	if p.AuthURL == "" {
		missing = append(missing, "auth_url")
	}
	if p.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if len(missing) > 0 {
		return &integration.ConfigurationError{Service: service, Missing: missing}
	}
	return nil
}

func (p ProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: p.AuthStyle,
		},
		RedirectURL: p.RedirectURL,
		Scopes:      p.Scopes,
	}
}

func (p ProviderConfig) tokenTTL() time.Duration {
	if p.DefaultTokenTTL > 0 {
		return p.DefaultTokenTTL
	}
	return defaultTokenTTL
}

// ProvidersFromConfig maps the configured client registrations onto services.
// The accounting token endpoint expects HTTP Basic client authentication; the
// CRM endpoint takes credentials as form parameters.
func ProvidersFromConfig(cfg config.OAuthConfig) map[integration.ServiceType]ProviderConfig {
	return map[integration.ServiceType]ProviderConfig{
		integration.ServiceCRM:        fromConfig(cfg.CRM, oauth2.AuthStyleInParams),
		integration.ServiceAccounting: fromConfig(cfg.Accounting, oauth2.AuthStyleInHeader),
	}
}

func fromConfig(c config.OAuthProviderConfig, style oauth2.AuthStyle) ProviderConfig {
	return ProviderConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      c.AuthURL,
		TokenURL:     c.TokenURL,
		RevokeURL:    c.RevokeURL,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		UsePKCE:      c.UsePKCE,
		AuthStyle:    style,
	}
}
