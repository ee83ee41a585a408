package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS rank_updates (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		rank_name TEXT NOT NULL,
		purchase_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		applied_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_rank_updates_status ON rank_updates(status, created_at);
	CREATE TABLE IF NOT EXISTS purchases (
		purchase_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);`},
	insertUpdate: `
		INSERT INTO rank_updates (id, username, rank_name, purchase_id, status, message, created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(purchase_id) DO NOTHING`,
	upsertPurchase: `
		INSERT INTO purchases (purchase_id, status, message, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(purchase_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at`,
}

// NewSQLiteLedger opens (and creates) a SQLite ledger at dbPath, e.g. "./data/ranksync.db".
func NewSQLiteLedger(dbPath string) (*SQLLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ledger, err := newSQLLedger(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}
