package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS rank_updates (
		id VARCHAR(36) PRIMARY KEY,
		username VARCHAR(64) NOT NULL,
		rank_name VARCHAR(64) NOT NULL,
		purchase_id VARCHAR(128) NOT NULL,
		status VARCHAR(16) NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		applied_at DATETIME(6) NULL,
		UNIQUE KEY uq_rank_updates_purchase (purchase_id),
		KEY idx_rank_updates_status (status, created_at)
	)`, `
	CREATE TABLE IF NOT EXISTS purchases (
		purchase_id VARCHAR(128) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		message TEXT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`},
	// A no-op update on duplicate reports zero affected rows, which Insert reads as "not created".
	insertUpdate: `
		INSERT INTO rank_updates (id, username, rank_name, purchase_id, status, message, created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE purchase_id = purchase_id`,
	upsertPurchase: `
		INSERT INTO purchases (purchase_id, status, message, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			message = VALUES(message),
			updated_at = VALUES(updated_at)`,
}

// NewMySQLLedger connects to MySQL. The DSN is parsed so parseTime is always enabled.
func NewMySQLLedger(dsn string) (*SQLLedger, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.Loc = time.UTC
	mcfg.MultiStatements = false

	db, err := sql.Open("mysql", mcfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	ledger, err := newSQLLedger(db, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}
