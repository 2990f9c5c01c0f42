package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// RunMigrations applies every pending up migration for driver ("postgres"
// or "sqlite") against url. For sqlite, url is a file path.
func RunMigrations(driver, url string) error {
	dir, dbURL, err := migrationTarget(driver, url)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrationTarget(driver, url string) (dir, dbURL string, err error) {
	switch driver {
	case "postgres":
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if strings.HasPrefix(url, prefix) {
				return "migrations/postgres", "pgx5://" + strings.TrimPrefix(url, prefix), nil
			}
		}
		return "", "", fmt.Errorf("unsupported postgres URL %q", url)
	case "sqlite":
		return "migrations/sqlite", "sqlite3://" + strings.TrimPrefix(url, "sqlite3://"), nil
	}
	return "", "", fmt.Errorf("unsupported database driver %q", driver)
}
