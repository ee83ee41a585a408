package repository

import "ranksync/internal/config"

func configFor(typ, dsn string) config.LedgerConfig {
	return config.LedgerConfig{Type: typ, DSN: dsn}
}
