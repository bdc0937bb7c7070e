package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration
type Config struct {
	DatabasePath string        `json:"database_path"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns the database configuration used by the relay.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./chunkrelay.db",
		WriteTimeout: 30 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

// DSN builds the go-sqlite3 connection string. Foreign keys stay declared but
// unenforced: the store records chunks without checking their session.
// Per-connection pragmas the driver accepts ride in the DSN so any
// connection the pool opens gets them.
func (c *Config) DSN() string {
	return "file:" + c.DatabasePath +
		"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-16000&_foreign_keys=off"
}

// sqliteOptimizations is applied once after opening. temp_store has no DSN
// key, so the handle is pinned to one connection that is never recycled.
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -16000;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
`

// ApplySQLiteOptimizations applies performance pragmas to the database handle.
func ApplySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
