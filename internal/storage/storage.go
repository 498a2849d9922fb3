// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "custody.db"

// ErrDuplicate is returned when an insert violates a uniqueness constraint
// that the caller must know about (wallet creation).
var ErrDuplicate = errors.New("storage: duplicate record")

// Storage provides persistent storage for the custody daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- One keypair per (owner, asset). The private key is stored encrypted.
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		asset TEXT NOT NULL,
		address TEXT NOT NULL,
		public_key TEXT NOT NULL,
		address_type TEXT NOT NULL,
		encrypted_key BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(owner, asset)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_owner ON wallets(owner);
	CREATE INDEX IF NOT EXISTS idx_wallets_address ON wallets(lower(address));

	-- Canonical transactions. contract is '' for the native asset so the
	-- (hash, contract) key also covers native rows.
	CREATE TABLE IF NOT EXISTS transactions (
		hash TEXT NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		from_addr TEXT NOT NULL DEFAULT '',
		to_addr TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL DEFAULT '0',
		block_number TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '',
		fee_price TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (hash, contract)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(lower(from_addr));
	CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(lower(to_addr));
	CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);

	-- Broadcast transactions awaiting their follow-up persistence step.
	CREATE TABLE IF NOT EXISTS pending_transactions (
		hash TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		asset TEXT NOT NULL,
		family TEXT NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		value TEXT NOT NULL,
		fee TEXT NOT NULL DEFAULT '',
		fee_price TEXT NOT NULL DEFAULT '',
		nonce INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		submitted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_transactions(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE pending_transactions ADD COLUMN last_error TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
