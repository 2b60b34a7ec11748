package identitydb

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies all pending migrations under migrationsPath
// (a directory of versioned *.up.sql / *.down.sql files) to dbURL.
func RunMigrations(dbURL, migrationsPath string) error {
	if migrationsPath == "" {
		migrationsPath = "internal/identitydb/migrations"
	}
	m, err := migrate.New("file://"+migrationsPath, dbURL)
	if err != nil {
		return fmt.Errorf("identitydb: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("identitydb: migrate up: %w", err)
	}
	return nil
}
