package repository

import (
	"fmt"

	"ranksync/internal/config"
)

// Open builds the ledger selected by cfg.Type.
func Open(cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Type {
	case "mongodb", "mongo":
		return NewMongoLedger(cfg.DSN, cfg.Database)
	case "postgres", "postgresql":
		return NewPostgresLedger(cfg.DSN)
	case "mysql":
		return NewMySQLLedger(cfg.DSN)
	case "supabase":
		return NewSupabaseLedger(cfg.URL, cfg.Key), nil
	case "sqlite", "":
		return NewSQLiteLedger(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger type %q", cfg.Type)
	}
}
