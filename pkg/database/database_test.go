package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./chunkrelay.db", cfg.DatabasePath)
	assert.Contains(t, cfg.DSN(), "_foreign_keys=off")
}

func TestConfig_DSNCarriesPragmas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "dsn.db")

	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var synchronous, cacheSize int
	var mode string
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.NoError(t, db.QueryRow("PRAGMA cache_size").Scan(&cacheSize))
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, 1, synchronous, "NORMAL")
	assert.Equal(t, -16000, cacheSize)
	assert.Equal(t, "wal", mode)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMigrationManager_ApplyEmbedded(t *testing.T) {
	db := openTestDB(t)
	mm := NewEmbeddedMigrationManager(db)

	require.NoError(t, mm.ApplyMigrations())

	versions, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)

	require.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrationManager_Idempotent(t *testing.T) {
	db := openTestDB(t)
	mm := NewEmbeddedMigrationManager(db)

	require.NoError(t, mm.ApplyMigrations())
	require.NoError(t, mm.ApplyMigrations())

	versions, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestMigrationManager_OrderAndFailure(t *testing.T) {
	db := openTestDB(t)
	files := fstest.MapFS{
		"m/002_second.sql": {Data: []byte("CREATE TABLE b (id INTEGER REFERENCES a(id));")},
		"m/001_first.sql":  {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"m/003_broken.sql": {Data: []byte("CREATE TABLE")},
		"m/README.md":      {Data: []byte("ignored")},
	}
	mm := NewMigrationManager(db, files, "m")

	err := mm.ApplyMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "003")

	versions, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	v := NewSchemaValidator(db)

	assert.Error(t, v.ValidateTablesExist())
	assert.Error(t, v.Validate())
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE schema_migrations (version TEXT PRIMARY KEY);
		CREATE TABLE sessions (session_id TEXT PRIMARY KEY, user_id TEXT, created_at DATETIME, is_complete INTEGER);
		CREATE TABLE chunks (id INTEGER PRIMARY KEY, session_id TEXT, url TEXT, index_num INTEGER, filename TEXT);
	`)
	require.NoError(t, err)

	v := NewSchemaValidator(db)
	require.NoError(t, v.ValidateTablesExist())

	err = v.ValidateTableStructure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created_at")
}

func TestApplySQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplySQLiteOptimizations(db))

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
