package postgres

import (
	"embed"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	// Schema holds the session table and the migration version table.
	Schema = "planauth"
	// MigrationsTable is the golang-migrate version table inside Schema.
	MigrationsTable = "schema_migrations"
	// MigrationsDir is the directory inside Migrations holding the schema files.
	MigrationsDir = "migrations"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsSource opens the embedded schema files for golang-migrate.
func MigrationsSource() (source.Driver, error) {
	return iofs.New(Migrations, MigrationsDir)
}
