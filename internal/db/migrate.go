package db

import (
	"embed"
	"fmt"

	"github.com/livinlefevreloca/tether/tools/migrator"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies any pending embedded migrations
func (db *DB) Migrate() error {
	if err := migrator.RunMigrations(db.DB, migrationFS, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version
func (db *DB) SchemaVersion() (int, error) {
	return migrator.GetCurrentVersion(db.DB)
}

// PendingMigrations lists embedded migrations not yet applied
func (db *DB) PendingMigrations() ([]migrator.Migration, error) {
	return migrator.Pending(db.DB, migrationFS, "migrations")
}
