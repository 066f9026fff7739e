package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/invoicesync/internal/application/invoicing"
	"github.com/erp/invoicesync/internal/application/reconciliation"
	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/cache"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/erp/invoicesync/internal/infrastructure/connector"
	"github.com/erp/invoicesync/internal/infrastructure/credential"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/infrastructure/migration"
	"github.com/erp/invoicesync/internal/infrastructure/oauth"
	"github.com/erp/invoicesync/internal/infrastructure/persistence"
	"github.com/erp/invoicesync/internal/infrastructure/scheduler"
	"github.com/erp/invoicesync/internal/infrastructure/storage"
	"github.com/erp/invoicesync/internal/infrastructure/telemetry"
	"github.com/erp/invoicesync/internal/interfaces/http/handler"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/erp/invoicesync/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//	@title			Invoice Sync API
//	@version		1.0
//	@description	Creates accounting invoices from CRM records and reconciles their payment status back to the CRM.

//	@BasePath	/api/v1

//	@securityDefinitions.apikey	APIKeyAuth
//	@in							header
//	@name						X-API-Key

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := &logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: logger.ISO8601Millis,
	}
	bootLog, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx := context.Background()
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = cfg.App.Name
	}

	// Telemetry comes up under the boot logger so that the final logger
	// can tee into the OTEL log pipeline.
	providers, err := telemetry.Setup(ctx, telemetry.Options{
		Exporter: telemetry.Exporter{
			Endpoint:    cfg.Telemetry.CollectorEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: serviceName,
		},
		Traces:        cfg.Telemetry.Enabled,
		SamplingRatio: cfg.Telemetry.SamplingRatio,
		Metrics:       cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled,
		Logs:          cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
	}, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		_ = providers.Shutdown(context.Background())
	}()

	log, err := logger.New(logCfg, providers.LogCore(serviceName, logger.ParseLevel(cfg.Log.Level)))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting invoice sync",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	var syncMetrics *telemetry.SyncMetrics
	if meter := providers.Meter("invoicesync"); meter != nil {
		if syncMetrics, err = telemetry.NewSyncMetrics(meter, log); err != nil {
			log.Fatal("Failed to create sync metrics", zap.Error(err))
		}
	}

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level), cfg.Telemetry.DBSlowQueryThresh)
	db, err := persistence.Open(&cfg.Database, persistence.WithGormLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected", zap.String("driver", db.Driver))

	if cfg.Telemetry.DBTraceEnabled && providers.TracesEnabled() {
		plugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:         true,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
			DBSystem:        telemetry.DBSystemFor(db.Driver),
		}, log)
		if err := plugin.Register(db.DB); err != nil {
			log.Fatal("Failed to register database tracing", zap.Error(err))
		}
	}

	if cfg.Database.MigrateOnStart {
		if err := migrateUp(db, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// Redis is optional; every Redis-backed component has a local fallback
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() {
			_ = redisClient.Close()
		}()
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	// Credentials and token lifecycle
	store, err := newCredentialStore(cfg.Credentials, db.DB, redisClient, log)
	if err != nil {
		log.Fatal("Failed to initialize credential store", zap.Error(err))
	}
	states, err := oauth.NewStateSigner(cfg.OAuth.StateSecret, cfg.OAuth.StateTTL)
	if err != nil {
		log.Fatal("Failed to initialize OAuth state signer", zap.Error(err))
	}
	pending, err := newPendingStore(cfg.OAuth.PendingBackend, redisClient)
	if err != nil {
		log.Fatal("Failed to initialize OAuth pending store", zap.Error(err))
	}
	tokens := oauth.NewManager(store, oauth.ProvidersFromConfig(cfg.OAuth), states, pending,
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.OAuth.HTTPTimeout}),
		oauth.WithRefreshBuffer(cfg.OAuth.RefreshBuffer),
		oauth.WithStateTTL(cfg.OAuth.StateTTL),
		oauth.WithRefreshObserver(syncMetrics),
		oauth.WithLogger(log.Named("oauth")),
	)

	clients := connector.NewFactory(tokens, cfg.CRM, cfg.Accounting, log.Named("connector"))

	// Repositories, claims and guards
	links := persistence.NewGormSyncLinkRepository(db.DB)
	runs := persistence.NewGormRunRecordRepository(db.DB)

	cacheFactory := cache.NewFactory(redisClient, log)
	claims, err := cacheFactory.ClaimStore(cfg.Invoicing.ClaimBackend)
	if err != nil {
		log.Fatal("Failed to initialize creation claims", zap.Error(err))
	}
	guard, err := cacheFactory.RunGuard(cfg.Reconciliation.GuardBackend, cfg.Reconciliation.GuardTTL)
	if err != nil {
		log.Fatal("Failed to initialize run guard", zap.Error(err))
	}
	archive, err := storage.NewRunArchive(ctx, cfg.Archive, log)
	if err != nil {
		log.Fatal("Failed to initialize run archive", zap.Error(err))
	}

	// Application services
	invoices := invoicing.NewService(clients, tokens, links, claims, invoicing.Config{
		DocNumberPrefix:       cfg.Invoicing.DocNumberPrefix,
		DueDays:               cfg.Invoicing.DueDays,
		FallbackItemName:      cfg.Invoicing.FallbackItemName,
		AdoptOrphanedInvoices: cfg.Invoicing.AdoptOrphanedInvoices,
		ClaimTTL:              cfg.Invoicing.ClaimTTL,
	}, log.Named("invoicing")).WithMetrics(syncMetrics)

	reconciler := reconciliation.NewService(clients, tokens, links, runs, guard, reconciliation.Config{
		PageSize:    cfg.Reconciliation.PageSize,
		Concurrency: cfg.Reconciliation.Concurrency,
		ItemTimeout: cfg.Reconciliation.ItemTimeout,
	}, log.Named("reconciliation")).WithArchive(archive).WithMetrics(syncMetrics)

	// Scheduler
	pairs := make([]scheduler.Pair, 0, len(cfg.Scheduler.Pairs))
	for _, p := range cfg.Scheduler.Pairs {
		crmInstance, accountingInstance, err := config.ParsePair(p)
		if err != nil {
			log.Fatal("Invalid scheduler pair", zap.Error(err))
		}
		pairs = append(pairs, scheduler.Pair{CRMInstance: crmInstance, AccountingInstance: accountingInstance})
	}
	runner := scheduler.RunnerFunc(func(ctx context.Context, pair scheduler.Pair, trigger integration.RunTrigger) (*integration.ReconciliationRunRecord, error) {
		return reconciler.Run(ctx, reconciliation.RunRequest{
			CRMInstance:        pair.CRMInstance,
			AccountingInstance: pair.AccountingInstance,
			Trigger:            trigger,
		})
	})
	reconciliationScheduler, err := scheduler.NewReconciliationScheduler(scheduler.ReconciliationSchedulerConfig{
		Enabled:    cfg.Scheduler.Enabled,
		Interval:   cfg.Scheduler.Interval,
		RunTimeout: cfg.Scheduler.RunTimeout,
		RunOnStart: cfg.Scheduler.RunOnStart,
		Pairs:      pairs,
	}, runner, tokens, log.Named("scheduler"))
	if err != nil {
		log.Fatal("Failed to create reconciliation scheduler", zap.Error(err))
	}
	reconciliationScheduler.WithAbortRecorder(reconciler)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if err := reconciliationScheduler.Start(bgCtx); err != nil {
		log.Fatal("Failed to start reconciliation scheduler", zap.Error(err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.RunTimeout)
		defer cancel()
		if err := reconciliationScheduler.Stop(stopCtx); err != nil {
			log.Error("Error stopping reconciliation scheduler", zap.Error(err))
		}
	}()
	syncMetrics.StartLinkCountCollection(bgCtx, links, 5*time.Minute)

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateWindow)
		go limiter.Run(bgCtx)
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimit),
			zap.Duration("window", cfg.HTTP.RateWindow),
		)
	}
	if cfg.HTTP.APIKey == "" {
		log.Warn("http.api_key is not set; /api routes are unauthenticated")
	}

	checks := map[string]handler.HealthCheck{
		"database": db.HealthCheck,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	engine := router.NewEngine(router.EngineConfig{
		APIKey:         cfg.HTTP.APIKey,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		RateLimiter:    limiter,
		Tracing: middleware.TracingConfig{
			ServiceName: serviceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		Meter: providers.Meter("http.server"),
	}, router.Handlers{
		Invoices:       handler.NewInvoiceHandler(invoices),
		Reconciliation: handler.NewReconciliationHandler(reconciliationScheduler, reconciler),
		OAuth:          handler.NewOAuthHandler(tokens),
		System:         handler.NewSystemHandler(checks),
	}, log)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

func migrateUp(db *persistence.Database, log *zap.Logger) error {
	m, err := migration.New(db.SQL(), db.Driver, log)
	if err != nil {
		return err
	}
	return m.Up()
}

// newCredentialStore selects the credential backend ("file", "database" or "redis")
func newCredentialStore(cfg config.CredentialsConfig, db *gorm.DB, client *redis.Client, log *zap.Logger) (integration.CredentialStore, error) {
	var cipher *credential.Cipher
	if cfg.EncryptionKey != "" {
		c, err := credential.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = c
	} else {
		log.Warn("credentials.encryption_key is not set; tokens are stored unencrypted")
	}

	storeLog := log.Named("credential")
	switch cfg.Backend {
	case "", "file":
		return credential.NewFileStore(cfg.FilePath, cipher, storeLog), nil
	case "database":
		return credential.NewGormStore(db, cipher, storeLog), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("credential backend redis requires redis.enabled")
		}
		return credential.NewRedisStore(client, cfg.RedisKey, cipher, storeLog), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}

// newPendingStore selects where PKCE verifiers wait for the callback
func newPendingStore(backend string, client *redis.Client) (oauth.PendingStore, error) {
	switch backend {
	case "", "memory":
		return oauth.NewMemoryPendingStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("oauth pending backend redis requires redis.enabled")
		}
		return oauth.NewRedisPendingStore(client), nil
	default:
		return nil, fmt.Errorf("unknown oauth pending backend %q", backend)
	}
}
