package store

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/relaize/internal/config"
)

// OpenRelational migrates and opens the relational store selected by
// cfg.Driver. The returned func releases the connection.
func OpenRelational(ctx context.Context, cfg config.DatabaseConfig) (Store, func(), error) {
	if err := RunMigrations(cfg.Driver, cfg.URL); err != nil {
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(pool), pool.Close, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteStore(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
