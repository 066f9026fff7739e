package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "invoicesync", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "3000", cfg.App.Port)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, "file", cfg.Credentials.Backend)
		assert.Equal(t, "data/tokens.json", cfg.Credentials.FilePath)
		assert.Equal(t, 60*time.Second, cfg.OAuth.RefreshBuffer)
		assert.Equal(t, 30*time.Second, cfg.OAuth.HTTPTimeout)
		assert.True(t, cfg.OAuth.CRM.UsePKCE)
		assert.False(t, cfg.OAuth.Accounting.UsePKCE)
		assert.Equal(t, []string{"api", "refresh_token"}, cfg.OAuth.CRM.Scopes)
		assert.Equal(t, "v56.0", cfg.CRM.APIVersion)
		assert.Equal(t, "invgen__Invoice__c", cfg.CRM.Fields.SourceObject)
		assert.Equal(t, "SF-", cfg.Invoicing.DocNumberPrefix)
		assert.Equal(t, 30, cfg.Invoicing.DueDays)
		assert.Equal(t, "Services", cfg.Invoicing.FallbackItemName)
		assert.True(t, cfg.Invoicing.AdoptOrphanedInvoices)
		assert.Equal(t, 30*time.Second, cfg.Reconciliation.ItemTimeout)
		assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
		assert.True(t, cfg.Scheduler.Enabled)
		assert.Equal(t, "none", cfg.Archive.Backend)
	})

	t.Run("loads values from environment variables with SYNC prefix", func(t *testing.T) {
		t.Setenv("SYNC_APP_PORT", "9000")
		t.Setenv("SYNC_DATABASE_DRIVER", "sqlite")
		t.Setenv("SYNC_OAUTH_CRM_CLIENT_ID", "crm-client")
		t.Setenv("SYNC_OAUTH_REFRESH_BUFFER", "2m")
		t.Setenv("SYNC_INVOICING_ADOPT_ORPHANED_INVOICES", "false")
		t.Setenv("SYNC_SCHEDULER_PAIRS", "https://acme.my.salesforce.com=9130")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "crm-client", cfg.OAuth.CRM.ClientID)
		assert.Equal(t, 2*time.Minute, cfg.OAuth.RefreshBuffer)
		assert.False(t, cfg.Invoicing.AdoptOrphanedInvoices)
		assert.Equal(t, []string{"https://acme.my.salesforce.com=9130"}, cfg.Scheduler.Pairs)
	})

	t.Run("rejects unknown database driver", func(t *testing.T) {
		t.Setenv("SYNC_DATABASE_DRIVER", "mysql")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.driver")
	})

	t.Run("redis backends require redis.enabled", func(t *testing.T) {
		t.Setenv("SYNC_RECONCILIATION_GUARD_BACKEND", "redis")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires redis.enabled")
	})

	t.Run("s3 archive requires bucket", func(t *testing.T) {
		t.Setenv("SYNC_ARCHIVE_BACKEND", "s3")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "archive.s3.bucket")
	})

	t.Run("validates MaxIdleConns cannot exceed MaxOpenConns", func(t *testing.T) {
		t.Setenv("SYNC_DATABASE_MAX_OPEN_CONNS", "2")
		t.Setenv("SYNC_DATABASE_MAX_IDLE_CONNS", "5")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})
}

func TestLoad_ProductionValidation(t *testing.T) {
	setValidProductionBase := func(t *testing.T) {
		t.Setenv("SYNC_APP_ENV", "production")
		t.Setenv("SYNC_CREDENTIALS_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
		t.Setenv("SYNC_OAUTH_STATE_SECRET", "this-is-a-very-secure-state-secret-32chars")
		t.Setenv("SYNC_HTTP_API_KEY", "api-key")
		t.Setenv("SYNC_DATABASE_SSLMODE", "require")
	}

	t.Run("passes validation with valid production config", func(t *testing.T) {
		setValidProductionBase(t)

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.IsProduction())
	})

	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"requires encryption key", "SYNC_CREDENTIALS_ENCRYPTION_KEY", "", "credentials.encryption_key is required"},
		{"requires long state secret", "SYNC_OAUTH_STATE_SECRET", "short", "oauth.state_secret must be at least 32 characters"},
		{"requires api key", "SYNC_HTTP_API_KEY", "", "http.api_key is required"},
		{"requires ssl", "SYNC_DATABASE_SSLMODE", "disable", "database.sslmode cannot be 'disable'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidProductionBase(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePair(t *testing.T) {
	crm, acct, err := ParsePair("https://acme.my.salesforce.com = 9130")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.my.salesforce.com", crm)
	assert.Equal(t, "9130", acct)

	for _, bad := range []string{"", "only-crm", "=9130", "crm="} {
		_, _, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}

func TestAccountingBaseURL(t *testing.T) {
	assert.Equal(t, "https://sandbox-quickbooks.api.intuit.com/v3/company", AccountingConfig{Environment: "sandbox"}.AccountingBaseURL())
	assert.Equal(t, "https://quickbooks.api.intuit.com/v3/company", AccountingConfig{Environment: "production"}.AccountingBaseURL())
	assert.Equal(t, "http://localhost:8080/v3/company", AccountingConfig{BaseURL: "http://localhost:8080/v3/company/"}.AccountingBaseURL())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{User: "sync", Password: "p@ss word", Host: "db", Port: 5432, DBName: "invoicesync", SSLMode: "require"}
	assert.Equal(t, "postgres://sync:p%40ss%20word@db:5432/invoicesync?sslmode=require", d.DSN())
}
