package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Drivers lists the dialect directories every migration must exist in
var Drivers = []string{DriverPostgres, DriverSQLite}

const migrationUpTemplate = `-- Migration: {{.Name}}
-- Created: {{.Timestamp}}
-- Description: {{.Description}}

-- Write your UP migration SQL for {{.Driver}} here

`

const migrationDownTemplate = `-- Migration: {{.Name}} (Rollback)
-- Created: {{.Timestamp}}
-- Description: Rollback for {{.Description}}

-- Write your DOWN migration SQL for {{.Driver}} here

`

var (
	upTmpl   = template.Must(template.New("up").Parse(migrationUpTemplate))
	downTmpl = template.Must(template.New("down").Parse(migrationDownTemplate))
)

// MigrationFile is one up/down pair for one driver
type MigrationFile struct {
	Version     string
	Name        string
	Description string
	Timestamp   string
	Driver      string
	UpPath      string
	DownPath    string
}

// Migration is a versioned entry found in a driver directory
type Migration struct {
	Version uint
	Name    string
	HasDown bool
}

// BaseName returns the file stem shared by the up and down files
func (m Migration) BaseName() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

// CreateMigration scaffolds the next sequential version in every driver
// directory under root. Nothing is left behind if any file fails.
func CreateMigration(root, name, description string) ([]*MigrationFile, error) {
	slug := sanitizeName(name)
	if slug == "" {
		return nil, errors.New("migration name must contain letters or digits")
	}

	next, err := nextVersion(os.DirFS(root))
	if err != nil {
		return nil, err
	}
	version := fmt.Sprintf("%06d", next)
	timestamp := time.Now().Format(time.RFC3339)

	var created []*MigrationFile
	cleanup := func() {
		for _, mf := range created {
			_ = os.Remove(mf.UpPath)
			_ = os.Remove(mf.DownPath)
		}
	}

	for _, driver := range Drivers {
		dir := filepath.Join(root, driver)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create migrations directory: %w", err)
		}

		base := version + "_" + slug
		mf := &MigrationFile{
			Version:     version,
			Name:        name,
			Description: description,
			Timestamp:   timestamp,
			Driver:      driver,
			UpPath:      filepath.Join(dir, base+".up.sql"),
			DownPath:    filepath.Join(dir, base+".down.sql"),
		}

		if err := writeMigrationFile(mf.UpPath, upTmpl, mf); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create up migration: %w", err)
		}
		if err := writeMigrationFile(mf.DownPath, downTmpl, mf); err != nil {
			_ = os.Remove(mf.UpPath)
			cleanup()
			return nil, fmt.Errorf("failed to create down migration: %w", err)
		}
		created = append(created, mf)
	}

	return created, nil
}

func writeMigrationFile(path string, tmpl *template.Template, data *MigrationFile) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

// nextVersion is one past the highest version in any driver directory
func nextVersion(fsys fs.FS) (uint, error) {
	var highest uint
	for _, driver := range Drivers {
		list, err := ListMigrations(fsys, driver)
		if err != nil {
			return 0, err
		}
		if n := len(list); n > 0 && list[n-1].Version > highest {
			highest = list[n-1].Version
		}
	}
	return highest + 1, nil
}

// sanitizeName converts a migration name to a safe file name format
func sanitizeName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(c)
		case c == ' ' || c == '-' || c == '_':
			pendingSep = true
		}
	}
	return b.String()
}

// ListMigrations returns the migrations in fsys/<driver>, ordered by version.
// A missing directory yields an empty list.
func ListMigrations(fsys fs.FS, driver string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, driver)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Migration{}, nil
		}
		return nil, fmt.Errorf("failed to read %s migrations: %w", driver, err)
	}

	byVersion := make(map[uint]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem, direction, ok := splitMigrationName(entry.Name())
		if !ok {
			continue
		}
		rawVersion, title, ok := strings.Cut(stem, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(rawVersion, 10, 32)
		if err != nil {
			continue
		}

		m, exists := byVersion[uint(version)]
		if !exists {
			m = &Migration{Version: uint(version), Name: title}
			byVersion[uint(version)] = m
		}
		if direction == "down" {
			m.HasDown = true
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return out, nil
}

func splitMigrationName(file string) (stem, direction string, ok bool) {
	for _, dir := range []string{"up", "down"} {
		if s, found := strings.CutSuffix(file, "."+dir+".sql"); found {
			return s, dir, true
		}
	}
	return "", "", false
}

// Verify checks that every driver directory carries the same versions and
// that each version has a down file.
func Verify(fsys fs.FS) error {
	var reference []Migration
	var errs []error
	for i, driver := range Drivers {
		list, err := ListMigrations(fsys, driver)
		if err != nil {
			return err
		}
		for _, m := range list {
			if !m.HasDown {
				errs = append(errs, fmt.Errorf("%s/%s has no down migration", driver, m.BaseName()))
			}
		}
		if i == 0 {
			reference = list
			continue
		}
		if !slices.EqualFunc(reference, list, func(a, b Migration) bool { return a.Version == b.Version && a.Name == b.Name }) {
			errs = append(errs, fmt.Errorf("%s migrations differ from %s", driver, Drivers[0]))
		}
	}
	return errors.Join(errs...)
}
