package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App            AppConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Log            LogConfig
	HTTP           HTTPConfig
	Credentials    CredentialsConfig
	OAuth          OAuthConfig
	CRM            CRMConfig
	Accounting     AccountingConfig
	Invoicing      InvoicingConfig
	Reconciliation ReconciliationConfig
	Scheduler      SchedulerConfig
	Archive        ArchiveConfig
	Telemetry      TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	MigrateOnStart  bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	APIKey         string // required in X-API-Key for /api routes when set
	TrustedProxies []string
	RateLimit      int // requests per client per RateWindow, 0 disables
	RateWindow     time.Duration
}

// CredentialsConfig selects and configures the credential store
type CredentialsConfig struct {
	Backend       string // file, database, redis
	FilePath      string
	EncryptionKey string // 64 hex chars or a passphrase
	RedisKey      string
}

// OAuthProviderConfig holds the client registration for one provider
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	RedirectURL  string
	Scopes       []string
	UsePKCE      bool
}

// OAuthConfig holds token lifecycle settings
type OAuthConfig struct {
	StateSecret    string
	StateTTL       time.Duration
	RefreshBuffer  time.Duration
	HTTPTimeout    time.Duration
	PendingBackend string // memory, redis
	CRM            OAuthProviderConfig
	Accounting     OAuthProviderConfig
}

// CRMFieldConfig names the CRM objects and fields the adapter reads and writes
type CRMFieldConfig struct {
	SourceObject          string
	AccountField          string
	AmountField           string
	StatusField           string
	InvoiceIDField        string
	InvoiceNumberField    string
	SyncStatusField       string
	LastSyncField         string
	PaymentDateField      string
	PaymentReferenceField string
	PaymentAmountField    string
	OpportunityField      string
	LineItemObject        string
	LineItemParentField   string
	ProductItemRefField   string
}

// CRMConfig holds CRM adapter settings
type CRMConfig struct {
	APIVersion  string
	HTTPTimeout time.Duration
	Fields      CRMFieldConfig
}

// AccountingConfig holds accounting adapter settings
type AccountingConfig struct {
	Environment  string // sandbox, production
	BaseURL      string // overrides Environment when set
	MinorVersion string
	HTTPTimeout  time.Duration
}

// InvoicingConfig holds invoice creation workflow settings
type InvoicingConfig struct {
	DocNumberPrefix       string
	DueDays               int
	FallbackItemName      string
	AdoptOrphanedInvoices bool
	ClaimTTL              time.Duration
	ClaimBackend          string // memory, redis
}

// ReconciliationConfig holds reconciliation run settings
type ReconciliationConfig struct {
	PageSize     int
	Concurrency  int
	ItemTimeout  time.Duration
	GuardBackend string // local, redis
	GuardTTL     time.Duration
}

// SchedulerConfig holds reconciliation scheduler settings
type SchedulerConfig struct {
	Enabled    bool
	Interval   time.Duration
	RunTimeout time.Duration
	RunOnStart bool
	Pairs      []string // "crmInstance=accountingInstance"
}

// S3Config holds S3-compatible object storage settings
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	UsePathStyle bool
	Prefix       string
}

// ArchiveConfig selects where run records are archived
type ArchiveConfig struct {
	Backend  string // none, file, s3
	FilePath string
	S3       S3Config
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool
	LogsEnabled       bool
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SYNC_ prefix (e.g., SYNC_OAUTH_CRM_CLIENT_SECRET)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true must be registered so an explicit false wins
	v.SetDefault("invoicing.adopt_orphaned_invoices", true)
	v.SetDefault("oauth.crm.use_pkce", true)
	v.SetDefault("scheduler.enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			MigrateOnStart:  v.GetBool("database.migrate_on_start"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			APIKey:         v.GetString("http.api_key"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
			RateLimit:      v.GetInt("http.rate_limit"),
			RateWindow:     v.GetDuration("http.rate_window"),
		},
		Credentials: CredentialsConfig{
			Backend:       v.GetString("credentials.backend"),
			FilePath:      v.GetString("credentials.file_path"),
			EncryptionKey: v.GetString("credentials.encryption_key"),
			RedisKey:      v.GetString("credentials.redis_key"),
		},
		OAuth: OAuthConfig{
			StateSecret:    v.GetString("oauth.state_secret"),
			StateTTL:       v.GetDuration("oauth.state_ttl"),
			RefreshBuffer:  v.GetDuration("oauth.refresh_buffer"),
			HTTPTimeout:    v.GetDuration("oauth.http_timeout"),
			PendingBackend: v.GetString("oauth.pending_backend"),
			CRM:            loadProvider(v, "oauth.crm"),
			Accounting:     loadProvider(v, "oauth.accounting"),
		},
		CRM: CRMConfig{
			APIVersion:  v.GetString("crm.api_version"),
			HTTPTimeout: v.GetDuration("crm.http_timeout"),
			Fields: CRMFieldConfig{
				SourceObject:          v.GetString("crm.fields.source_object"),
				AccountField:          v.GetString("crm.fields.account_field"),
				AmountField:           v.GetString("crm.fields.amount_field"),
				StatusField:           v.GetString("crm.fields.status_field"),
				InvoiceIDField:        v.GetString("crm.fields.invoice_id_field"),
				InvoiceNumberField:    v.GetString("crm.fields.invoice_number_field"),
				SyncStatusField:       v.GetString("crm.fields.sync_status_field"),
				LastSyncField:         v.GetString("crm.fields.last_sync_field"),
				PaymentDateField:      v.GetString("crm.fields.payment_date_field"),
				PaymentReferenceField: v.GetString("crm.fields.payment_reference_field"),
				PaymentAmountField:    v.GetString("crm.fields.payment_amount_field"),
				OpportunityField:      v.GetString("crm.fields.opportunity_field"),
				LineItemObject:        v.GetString("crm.fields.line_item_object"),
				LineItemParentField:   v.GetString("crm.fields.line_item_parent_field"),
				ProductItemRefField:   v.GetString("crm.fields.product_item_ref_field"),
			},
		},
		Accounting: AccountingConfig{
			Environment:  v.GetString("accounting.environment"),
			BaseURL:      v.GetString("accounting.base_url"),
			MinorVersion: v.GetString("accounting.minor_version"),
			HTTPTimeout:  v.GetDuration("accounting.http_timeout"),
		},
		Invoicing: InvoicingConfig{
			DocNumberPrefix:       v.GetString("invoicing.doc_number_prefix"),
			DueDays:               v.GetInt("invoicing.due_days"),
			FallbackItemName:      v.GetString("invoicing.fallback_item_name"),
			AdoptOrphanedInvoices: v.GetBool("invoicing.adopt_orphaned_invoices"),
			ClaimTTL:              v.GetDuration("invoicing.claim_ttl"),
			ClaimBackend:          v.GetString("invoicing.claim_backend"),
		},
		Reconciliation: ReconciliationConfig{
			PageSize:     v.GetInt("reconciliation.page_size"),
			Concurrency:  v.GetInt("reconciliation.concurrency"),
			ItemTimeout:  v.GetDuration("reconciliation.item_timeout"),
			GuardBackend: v.GetString("reconciliation.guard_backend"),
			GuardTTL:     v.GetDuration("reconciliation.guard_ttl"),
		},
		Scheduler: SchedulerConfig{
			Enabled:    v.GetBool("scheduler.enabled"),
			Interval:   v.GetDuration("scheduler.interval"),
			RunTimeout: v.GetDuration("scheduler.run_timeout"),
			RunOnStart: v.GetBool("scheduler.run_on_start"),
			Pairs:      v.GetStringSlice("scheduler.pairs"),
		},
		Archive: ArchiveConfig{
			Backend:  v.GetString("archive.backend"),
			FilePath: v.GetString("archive.file_path"),
			S3: S3Config{
				Endpoint:     v.GetString("archive.s3.endpoint"),
				Region:       v.GetString("archive.s3.region"),
				Bucket:       v.GetString("archive.s3.bucket"),
				AccessKey:    v.GetString("archive.s3.access_key"),
				SecretKey:    v.GetString("archive.s3.secret_key"),
				UseSSL:       v.GetBool("archive.s3.use_ssl"),
				UsePathStyle: v.GetBool("archive.s3.use_path_style"),
				Prefix:       v.GetString("archive.s3.prefix"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadProvider(v *viper.Viper, prefix string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     v.GetString(prefix + ".client_id"),
		ClientSecret: v.GetString(prefix + ".client_secret"),
		AuthURL:      v.GetString(prefix + ".auth_url"),
		TokenURL:     v.GetString(prefix + ".token_url"),
		RevokeURL:    v.GetString(prefix + ".revoke_url"),
		RedirectURL:  v.GetString(prefix + ".redirect_url"),
		Scopes:       v.GetStringSlice(prefix + ".scopes"),
		UsePKCE:      v.GetBool(prefix + ".use_pkce"),
	}
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "invoicesync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "3000"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "invoicesync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/invoicesync.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.RateWindow == 0 {
		cfg.HTTP.RateWindow = time.Minute
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}

	if cfg.Credentials.Backend == "" {
		cfg.Credentials.Backend = "file"
	}
	if cfg.Credentials.FilePath == "" {
		cfg.Credentials.FilePath = "data/tokens.json"
	}
	if cfg.Credentials.RedisKey == "" {
		cfg.Credentials.RedisKey = "invoicesync:credentials"
	}

	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = 10 * time.Minute
	}
	if cfg.OAuth.RefreshBuffer == 0 {
		cfg.OAuth.RefreshBuffer = 60 * time.Second
	}
	if cfg.OAuth.HTTPTimeout == 0 {
		cfg.OAuth.HTTPTimeout = 30 * time.Second
	}
	if cfg.OAuth.PendingBackend == "" {
		cfg.OAuth.PendingBackend = "memory"
	}
	applyProviderDefaults(&cfg.OAuth.CRM, OAuthProviderConfig{
		AuthURL:   "https://login.salesforce.com/services/oauth2/authorize",
		TokenURL:  "https://login.salesforce.com/services/oauth2/token",
		RevokeURL: "https://login.salesforce.com/services/oauth2/revoke",
		Scopes:    []string{"api", "refresh_token"},
	})
	applyProviderDefaults(&cfg.OAuth.Accounting, OAuthProviderConfig{
		AuthURL:   "https://appcenter.intuit.com/connect/oauth2",
		TokenURL:  "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
		RevokeURL: "https://developer.api.intuit.com/v2/oauth2/tokens/revoke",
		Scopes:    []string{"com.intuit.quickbooks.accounting"},
	})

	if cfg.CRM.APIVersion == "" {
		cfg.CRM.APIVersion = "v56.0"
	}
	if cfg.CRM.HTTPTimeout == 0 {
		cfg.CRM.HTTPTimeout = 30 * time.Second
	}
	applyFieldDefaults(&cfg.CRM.Fields)

	if cfg.Accounting.Environment == "" {
		cfg.Accounting.Environment = "sandbox"
	}
	if cfg.Accounting.MinorVersion == "" {
		cfg.Accounting.MinorVersion = "65"
	}
	if cfg.Accounting.HTTPTimeout == 0 {
		cfg.Accounting.HTTPTimeout = 30 * time.Second
	}

	if cfg.Invoicing.DocNumberPrefix == "" {
		cfg.Invoicing.DocNumberPrefix = "SF-"
	}
	if cfg.Invoicing.DueDays == 0 {
		cfg.Invoicing.DueDays = 30
	}
	if cfg.Invoicing.FallbackItemName == "" {
		cfg.Invoicing.FallbackItemName = "Services"
	}
	if cfg.Invoicing.ClaimTTL == 0 {
		cfg.Invoicing.ClaimTTL = 24 * time.Hour
	}
	if cfg.Invoicing.ClaimBackend == "" {
		cfg.Invoicing.ClaimBackend = "memory"
	}

	if cfg.Reconciliation.PageSize == 0 {
		cfg.Reconciliation.PageSize = 200
	}
	if cfg.Reconciliation.Concurrency == 0 {
		cfg.Reconciliation.Concurrency = 5
	}
	if cfg.Reconciliation.ItemTimeout == 0 {
		cfg.Reconciliation.ItemTimeout = 30 * time.Second
	}
	if cfg.Reconciliation.GuardBackend == "" {
		cfg.Reconciliation.GuardBackend = "local"
	}
	if cfg.Reconciliation.GuardTTL == 0 {
		cfg.Reconciliation.GuardTTL = 30 * time.Minute
	}

	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Hour
	}
	if cfg.Scheduler.RunTimeout == 0 {
		cfg.Scheduler.RunTimeout = 15 * time.Minute
	}

	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "none"
	}
	if cfg.Archive.FilePath == "" {
		cfg.Archive.FilePath = "data/reconciliation-runs.jsonl"
	}
	if cfg.Archive.S3.Region == "" {
		cfg.Archive.S3.Region = "us-east-1"
	}
	if cfg.Archive.S3.Prefix == "" {
		cfg.Archive.S3.Prefix = "reconciliation-runs/"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "invoicesync"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

func applyProviderDefaults(p *OAuthProviderConfig, d OAuthProviderConfig) {
	if p.AuthURL == "" {
		p.AuthURL = d.AuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = d.TokenURL
	}
	if p.RevokeURL == "" {
		p.RevokeURL = d.RevokeURL
	}
	if len(p.Scopes) == 0 {
		p.Scopes = d.Scopes
	}
}

func applyFieldDefaults(f *CRMFieldConfig) {
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	set(&f.SourceObject, "invgen__Invoice__c")
	set(&f.AccountField, "invgen__Account__c")
	set(&f.AmountField, "invgen__Total_Amount__c")
	set(&f.StatusField, "invgen__Status__c")
	set(&f.InvoiceIDField, "invgen__QB_Invoice_ID__c")
	set(&f.InvoiceNumberField, "invgen__QB_Invoice_Number__c")
	set(&f.SyncStatusField, "invgen__QB_Sync_Status__c")
	set(&f.LastSyncField, "invgen__Last_QB_Sync__c")
	set(&f.PaymentDateField, "invgen__Payment_Date__c")
	set(&f.PaymentReferenceField, "invgen__Payment_Reference__c")
	set(&f.PaymentAmountField, "invgen__Payment_Amount__c")
	set(&f.OpportunityField, "invgen__Opportunity__c")
	set(&f.LineItemObject, "invgen__Invoice_Line_Item__c")
	set(&f.LineItemParentField, "invgen__Invoice__c")
	set(&f.ProductItemRefField, "QB_Item_ID__c")
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Credentials.Backend {
	case "file", "database":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("credentials.backend=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("credentials.backend must be file, database or redis, got %q", c.Credentials.Backend)
	}
	for name, backend := range map[string]string{
		"oauth.pending_backend":        c.OAuth.PendingBackend,
		"invoicing.claim_backend":      c.Invoicing.ClaimBackend,
		"reconciliation.guard_backend": c.Reconciliation.GuardBackend,
	} {
		if backend == "redis" && !c.Redis.Enabled {
			return fmt.Errorf("%s=redis requires redis.enabled", name)
		}
	}
	switch c.Archive.Backend {
	case "none", "file":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive.backend=s3")
		}
	default:
		return fmt.Errorf("archive.backend must be none, file or s3, got %q", c.Archive.Backend)
	}

	if c.OAuth.RefreshBuffer < 0 {
		return fmt.Errorf("oauth.refresh_buffer cannot be negative")
	}
	if c.Reconciliation.Concurrency < 1 {
		return fmt.Errorf("reconciliation.concurrency must be positive")
	}
	if c.Invoicing.DueDays < 0 {
		return fmt.Errorf("invoicing.due_days cannot be negative")
	}
	for _, pair := range c.Scheduler.Pairs {
		if _, _, err := ParsePair(pair); err != nil {
			return err
		}
	}

	if c.App.Env == "production" {
		if c.Credentials.EncryptionKey == "" {
			return fmt.Errorf("credentials.encryption_key is required in production")
		}
		if len(c.OAuth.StateSecret) < 32 {
			return fmt.Errorf("oauth.state_secret must be at least 32 characters in production")
		}
		if c.HTTP.APIKey == "" {
			return fmt.Errorf("http.api_key is required in production")
		}
		if c.Database.Driver == "postgres" && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// ParsePair splits a "crmInstance=accountingInstance" scheduler pair. The CRM
// instance is usually a URL, so '=' is the separator.
func ParsePair(s string) (crmInstance, accountingInstance string, err error) {
	crmInstance, accountingInstance, ok := strings.Cut(s, "=")
	crmInstance = strings.TrimSpace(crmInstance)
	accountingInstance = strings.TrimSpace(accountingInstance)
	if !ok || crmInstance == "" || accountingInstance == "" {
		return "", "", fmt.Errorf("scheduler.pairs entry %q must be crmInstance=accountingInstance", s)
	}
	return crmInstance, accountingInstance, nil
}

// IsProduction reports whether the app runs in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AccountingBaseURL returns the company API base URL for the configured environment
func (a AccountingConfig) AccountingBaseURL() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	if a.Environment == "production" {
		return "https://quickbooks.api.intuit.com/v3/company"
	}
	return "https://sandbox-quickbooks.api.intuit.com/v3/company"
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
