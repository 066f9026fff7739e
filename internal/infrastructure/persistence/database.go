package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erp/invoicesync/internal/infrastructure/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSQLitePath = "invoicesync.db"

// Database is an open gorm handle together with the driver it was opened
// with. Repositories take Database.DB; migrations take Database.SQL().
type Database struct {
	DB     *gorm.DB
	Driver string
	sql    *sql.DB
}

// OpenOption adjusts the gorm configuration before the connection opens
type OpenOption func(*gorm.Config)

// WithGormLogger routes gorm's query log through l
func WithGormLogger(l gormlogger.Interface) OpenOption {
	return func(c *gorm.Config) {
		c.Logger = l
	}
}

// Open connects to the configured database, sizes the pool and verifies the
// connection. SQLite is limited to a single open connection.
func Open(cfg *config.DatabaseConfig, opts ...OpenOption) (*Database, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	dialector, err := dialectorFor(driver, cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            driver == "postgres",
	}
	for _, opt := range opts {
		opt(gormCfg)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	configurePool(sqlDB, driver, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	return &Database{DB: db, Driver: driver, sql: sqlDB}, nil
}

func dialectorFor(driver string, cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func configurePool(sqlDB *sql.DB, driver string, cfg *config.DatabaseConfig) {
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)
	}
}

// SQL returns the pooled connection underneath the gorm handle
func (d *Database) SQL() *sql.DB {
	return d.sql
}

// HealthCheck pings the database; it backs the "database" entry of /health
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close releases the pool
func (d *Database) Close() error {
	return d.sql.Close()
}
