package migration

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add sync links", "add_sync_links"},
		{"Add-Sync-Links", "add_sync_links"},
		{"ADD_SYNC_LINKS", "add_sync_links"},
		{"add__sync__links", "add_sync_links"},
		{"Add Runs 123", "add_runs_123"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"trailing_", "trailing"},
		{"_leading", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreateMigration(t *testing.T) {
	root := t.TempDir()

	files, err := CreateMigration(root, "add payment method", "Store the payment method on sync links")
	require.NoError(t, err)
	require.Len(t, files, len(Drivers))

	for i, mf := range files {
		assert.Equal(t, Drivers[i], mf.Driver)
		assert.Equal(t, "000001", mf.Version)
		assert.Equal(t, filepath.Join(root, mf.Driver, "000001_add_payment_method.up.sql"), mf.UpPath)
		assert.Equal(t, filepath.Join(root, mf.Driver, "000001_add_payment_method.down.sql"), mf.DownPath)

		up, err := os.ReadFile(mf.UpPath)
		require.NoError(t, err)
		assert.Contains(t, string(up), "Store the payment method on sync links")
		assert.Contains(t, string(up), "UP migration SQL for "+mf.Driver)

		down, err := os.ReadFile(mf.DownPath)
		require.NoError(t, err)
		assert.Contains(t, string(down), "Rollback")
	}

	require.NoError(t, Verify(os.DirFS(root)))
}

func TestCreateMigration_ContinuesSequence(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, DriverPostgres), 0o755))
	for _, f := range []string{"000004_existing.up.sql", "000004_existing.down.sql"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, DriverPostgres, f), []byte("--"), 0o644))
	}

	files, err := CreateMigration(root, "next", "")
	require.NoError(t, err)
	assert.Equal(t, "000005", files[0].Version)

	list, err := ListMigrations(os.DirFS(root), DriverSQLite)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint(5), list[0].Version)
}

func TestCreateMigration_RejectsEmptyName(t *testing.T) {
	root := t.TempDir()

	_, err := CreateMigration(root, "!!!", "")
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateMigration_DoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	sqliteDir := filepath.Join(root, DriverSQLite)
	require.NoError(t, os.MkdirAll(sqliteDir, 0o755))
	// A directory where the sqlite up file should go makes that write fail
	require.NoError(t, os.Mkdir(filepath.Join(sqliteDir, "000001_clash.up.sql"), 0o755))

	_, err := CreateMigration(root, "clash", "")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, DriverPostgres, "000001_clash.up.sql"))
	assert.True(t, os.IsNotExist(statErr), "postgres files are rolled back")
}

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"postgres/000002_create_sync_links.up.sql":   {},
		"postgres/000002_create_sync_links.down.sql": {},
		"postgres/000001_create_oauth_tokens.up.sql": {},
		"postgres/000010_no_down.up.sql":             {},
		"postgres/README.md":                         {},
		"postgres/notaversion_x.up.sql":              {},
		"postgres/nested/000003_skip.up.sql":         {},
	}

	list, err := ListMigrations(fsys, DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Version: 1, Name: "create_oauth_tokens"},
		{Version: 2, Name: "create_sync_links", HasDown: true},
		{Version: 10, Name: "no_down"},
	}, list)
}

func TestListMigrations_MissingDirectory(t *testing.T) {
	list, err := ListMigrations(fstest.MapFS{}, DriverSQLite)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVerify(t *testing.T) {
	pair := func(fsys fstest.MapFS, driver, base string) {
		fsys[driver+"/"+base+".up.sql"] = &fstest.MapFile{}
		fsys[driver+"/"+base+".down.sql"] = &fstest.MapFile{}
	}

	t.Run("consistent", func(t *testing.T) {
		fsys := fstest.MapFS{}
		pair(fsys, DriverPostgres, "000001_init")
		pair(fsys, DriverSQLite, "000001_init")
		assert.NoError(t, Verify(fsys))
	})

	t.Run("driver missing a version", func(t *testing.T) {
		fsys := fstest.MapFS{}
		pair(fsys, DriverPostgres, "000001_init")
		pair(fsys, DriverPostgres, "000002_more")
		pair(fsys, DriverSQLite, "000001_init")
		assert.ErrorContains(t, Verify(fsys), "sqlite migrations differ from postgres")
	})

	t.Run("missing down file", func(t *testing.T) {
		fsys := fstest.MapFS{
			"postgres/000001_init.up.sql": {},
			"sqlite/000001_init.up.sql":   {},
		}
		err := Verify(fsys)
		assert.ErrorContains(t, err, "postgres/000001_init has no down migration")
		assert.ErrorContains(t, err, "sqlite/000001_init has no down migration")
	})
}
