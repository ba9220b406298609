package steps

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config selects and configures a ledger backend.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	CreateSchema    bool
}

// NewLedger opens the configured ledger. An empty driver selects memory.
func NewLedger(ctx context.Context, cfg Config) (Ledger, error) {
	dbCfg := DefaultDBConfig()
	if cfg.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		dbCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	dbCfg.CreateSchema = cfg.CreateSchema

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryLedger(), nil
	case DriverPostgres:
		l, err := OpenPostgres(ctx, cfg.DSN, dbCfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DriverSQLite:
		l, err := OpenSQLite(ctx, cfg.DSN, dbCfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
