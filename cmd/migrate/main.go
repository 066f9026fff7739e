// Command migrate manages the sync service schema: it applies the embedded
// migrations and scaffolds, lists and verifies migration files on disk.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/infrastructure/migration"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// fileCommand works on the migrations directory only
type fileCommand func(dir string, args []string, log *zap.Logger) error

// schemaCommand runs against the configured database
type schemaCommand func(m *migration.Migrator, args []string, log *zap.Logger) error

var fileCommands = map[string]fileCommand{
	"create": createFiles,
	"list":   listFiles,
	"verify": verifyFiles,
}

var schemaCommands = map[string]schemaCommand{
	"up":   func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Up() },
	"down": func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Down() },
	"step": func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		n, err := intArg(args, "step <n>")
		if err != nil {
			return err
		}
		return m.Steps(n)
	},
	"goto": func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := intArg(args, "goto <version>")
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("version must not be negative")
		}
		return m.GoTo(uint(v))
	},
	"force": func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := intArg(args, "force <version>")
		if err != nil {
			return err
		}
		return m.Force(v)
	},
	"version": showVersion,
	"drop": func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		if !slices.Contains(args, "-confirm") && !slices.Contains(args, "--confirm") {
			return errors.New("drop needs -confirm")
		}
		return m.Drop()
	},
}

func main() {
	dir := flag.String("dir", "migrations", "Migrations root holding postgres/ and sqlite/")
	fromDisk := flag.Bool("from-disk", false, "Apply migrations from -dir instead of the embedded copy")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	name, rest := args[0], args[1:]

	log, err := logger.New(&logger.Config{Level: *logLevel, Format: "console", TimeFormat: "2006-01-02 15:04:05"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if cmd, ok := fileCommands[name]; ok {
		if err := cmd(*dir, rest, log); err != nil {
			log.Fatal("Command failed", zap.String("command", name), zap.Error(err))
		}
		return
	}

	cmd, ok := schemaCommands[name]
	if !ok {
		log.Error("Unknown command", zap.String("command", name))
		printUsage()
		os.Exit(2)
	}

	m, err := openMigrator(*dir, *fromDisk, log)
	if err != nil {
		log.Fatal("Failed to prepare migrations", zap.Error(err))
	}
	defer m.Close()

	log.Info("Running schema command",
		zap.String("command", name),
		zap.String("driver", m.Driver()),
		zap.Bool("from_disk", *fromDisk),
	)
	if err := cmd(m, rest, log); err != nil {
		log.Fatal("Command failed", zap.String("command", name), zap.Error(err))
	}
}

func openMigrator(dir string, fromDisk bool, log *zap.Logger) (*migration.Migrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = migration.DriverPostgres
	}

	db, err := openDatabase(&cfg.Database, driver)
	if err != nil {
		return nil, err
	}

	var m *migration.Migrator
	if fromDisk {
		m, err = migration.NewWithSource(db, driver, os.DirFS(dir), log)
	} else {
		m, err = migration.New(db, driver, log)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// openDatabase uses database/sql directly; golang-migrate takes a *sql.DB
// and the CLI has no use for gorm.
func openDatabase(cfg *config.DatabaseConfig, driver string) (*sql.DB, error) {
	var dsn, sqlDriver string
	switch driver {
	case migration.DriverPostgres:
		sqlDriver, dsn = "postgres", cfg.DSN()
	case migration.DriverSQLite:
		sqlDriver, dsn = "sqlite3", cfg.SQLitePath
		if dsn == "" {
			dsn = "invoicesync.db"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func intArg(args []string, usage string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("usage: migrate %s", usage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", args[0])
	}
	return n, nil
}

func showVersion(m *migration.Migrator, _ []string, log *zap.Logger) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		log.Info("No migrations applied")
		return nil
	}
	log.Info("Current schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func createFiles(dir string, args []string, log *zap.Logger) error {
	if len(args) == 0 {
		return errors.New("usage: migrate create <name> [description]")
	}
	description := ""
	if len(args) > 1 {
		description = args[1]
	}
	files, err := migration.CreateMigration(dir, args[0], description)
	if err != nil {
		return err
	}
	for _, mf := range files {
		log.Info("Migration created",
			zap.String("driver", mf.Driver),
			zap.String("version", mf.Version),
			zap.String("up_file", mf.UpPath),
			zap.String("down_file", mf.DownPath),
		)
	}
	return nil
}

func listFiles(dir string, _ []string, _ *zap.Logger) error {
	for _, driver := range migration.Drivers {
		list, err := migration.ListMigrations(os.DirFS(dir), driver)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d)\n", driver, len(list))
		for _, m := range list {
			suffix := ""
			if !m.HasDown {
				suffix = "  [no down file]"
			}
			fmt.Printf("  - %s%s\n", m.BaseName(), suffix)
		}
	}
	return nil
}

func verifyFiles(dir string, _ []string, log *zap.Logger) error {
	if err := migration.Verify(os.DirFS(dir)); err != nil {
		return err
	}
	log.Info("Migrations are consistent", zap.String("dir", dir))
	return nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Invoice Sync Database Migration Tool

Usage:
  migrate [flags] <command> [arguments]

Schema commands (use the SYNC_DATABASE_* settings):
  up                    Apply all pending migrations
  down                  Roll back all migrations
  step <n>              Apply n migrations (positive=up, negative=down)
  goto <version>        Migrate to a specific version
  version               Show current migration version
  force <version>       Mark a version applied and clear the dirty flag
  drop -confirm         Drop every table in the database

File commands (work on -dir only):
  create <name> [desc]  Create the next migration for every driver
  list                  List migrations per driver
  verify                Check that every driver has the same versions

Flags:
`)
	flag.PrintDefaults()
}
