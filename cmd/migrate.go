package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/porthorian/planauth/pkg/storage/postgres"
)

const embeddedMigrationsSource = "embedded://pkg/storage/postgres/migrations"

type migrateOptions struct {
	databaseURL    string
	migrationsPath string
}

// migrator is a golang-migrate runner bound to the session schema.
type migrator struct {
	runner *migrate.Migrate
	db     *sql.DB
	source string
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	mo := &migrateOptions{}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres session storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := migrateCmd.PersistentFlags()
	flags.StringVar(&mo.databaseURL, "database-url", "", "Postgres connection URL. Defaults to PLANAUTH_MIGRATE_DATABASE_URL, then storage.postgres.dsn.")
	flags.StringVar(&mo.migrationsPath, "migrations-path", "", "Path or source URL for migration files. Defaults to the migrations embedded in the binary.")

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up [steps]",
			Short: "Apply pending migrations",
			Args:  cobra.MaximumNArgs(1),
			RunE: withMigrator(opts, mo, func(cmd *cobra.Command, m *migrator, args []string) error {
				steps, limited, err := parseMigrationStepsArg(args)
				if err != nil {
					return err
				}
				if !limited {
					if err := m.runner.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("apply migrations: %w", err)
					}
					return m.report(cmd, "Schema is up to date")
				}

				applied, err := stepOutcome(steps, m.runner.Steps(steps))
				if err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				return m.report(cmd, fmt.Sprintf("Applied %d of %d step(s)", applied, steps))
			}),
		},
		&cobra.Command{
			Use:   "down <steps>",
			Short: "Roll back migrations by step count",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(opts, mo, func(cmd *cobra.Command, m *migrator, args []string) error {
				steps, _, err := parseMigrationStepsArg(args)
				if err != nil {
					return err
				}
				rolledBack, err := stepOutcome(steps, m.runner.Steps(-steps))
				if err != nil {
					return fmt.Errorf("roll back migrations: %w", err)
				}
				return m.report(cmd, fmt.Sprintf("Rolled back %d of %d step(s)", rolledBack, steps))
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the migration version without running migrations (-1 for none)",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(opts, mo, func(cmd *cobra.Command, m *migrator, args []string) error {
				version, err := parseForceVersionArg(args[0])
				if err != nil {
					return err
				}
				if err := m.runner.Force(version); err != nil {
					return fmt.Errorf("force migration version: %w", err)
				}
				return m.report(cmd, "Forced")
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(opts, mo, func(cmd *cobra.Command, m *migrator, args []string) error {
				return m.report(cmd, "Current")
			}),
		},
	)

	return migrateCmd
}

func withMigrator(opts *rootOptions, mo *migrateOptions, run func(cmd *cobra.Command, m *migrator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := opts.resolveConfig(cmd)
		if err != nil {
			return err
		}
		databaseURL, err := resolveDatabaseURL(mo.databaseURL, cfg)
		if err != nil {
			return err
		}

		m, err := openMigrator(contextOf(cmd), databaseURL, resolveMigrationsSource(mo.migrationsPath))
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil {
				cmd.PrintErrf("warning: failed to close migration runner cleanly: %v\n", closeErr)
			}
		}()
		return run(cmd, m, args)
	}
}

// openMigrator ensures the session schema exists and binds golang-migrate to
// its version table.
func openMigrator(ctx context.Context, databaseURL, sourceURL string) (*migrator, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(postgres.Schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema %q: %w", postgres.Schema, err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		SchemaName:      postgres.Schema,
		MigrationsTable: postgres.MigrationsTable,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bind migration table: %w", err)
	}

	var runner *migrate.Migrate
	if sourceURL == embeddedMigrationsSource {
		src, srcErr := postgres.MigrationsSource()
		if srcErr != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("open embedded migrations: %w", srcErr)
		}
		runner, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	} else {
		runner, err = migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	}
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("create migrate runner: %w", err)
	}

	return &migrator{runner: runner, db: db, source: sourceURL}, nil
}

func (m *migrator) report(cmd *cobra.Command, action string) error {
	version, dirty, err := m.runner.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		cmd.Printf("%s: no migrations applied (%s)\n", action, m.source)
		return nil
	case err != nil:
		return fmt.Errorf("read migration version: %w", err)
	}

	state := ""
	if dirty {
		state = ", dirty"
	}
	cmd.Printf("%s: version %d%s (%s)\n", action, version, state, m.source)
	return nil
}

func (m *migrator) Close() error {
	sourceErr, databaseErr := m.runner.Close()
	// The driver usually closes db already; sql.DB.Close is idempotent.
	return errors.Join(sourceErr, databaseErr, m.db.Close())
}

// resolveDatabaseURL picks the flag, then PLANAUTH_MIGRATE_DATABASE_URL, then
// the configured Postgres DSN (which PLANAUTH_POSTGRES_DSN already overrides).
func resolveDatabaseURL(flagValue string, cfg *cliConfig) (string, error) {
	for _, candidate := range []string{flagValue, lookupEnv("PLANAUTH_MIGRATE_DATABASE_URL"), cfg.Storage.Postgres.DSN} {
		if value := strings.TrimSpace(candidate); value != "" {
			return value, nil
		}
	}
	return "", errors.New("missing database URL: set --database-url, PLANAUTH_MIGRATE_DATABASE_URL or storage.postgres.dsn")
}

func resolveMigrationsSource(flagValue string) string {
	pathOrURL := strings.TrimSpace(flagValue)
	if pathOrURL == "" {
		pathOrURL = lookupEnv("PLANAUTH_MIGRATE_MIGRATIONS_PATH")
	}
	switch {
	case pathOrURL == "":
		return embeddedMigrationsSource
	case strings.Contains(pathOrURL, "://"):
		return pathOrURL
	}

	if abs, err := filepath.Abs(pathOrURL); err == nil {
		pathOrURL = abs
	}
	return "file://" + filepath.ToSlash(pathOrURL)
}

// stepOutcome turns the result of Steps into the number of steps that ran.
// Reaching the first or last migration early is not an error.
func stepOutcome(requested int, err error) (int, error) {
	var short migrate.ErrShortLimit
	switch {
	case err == nil:
		return requested, nil
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, os.ErrNotExist):
		return 0, nil
	case errors.As(err, &short):
		return requested - int(short.Short), nil
	}
	return 0, err
}

func parseMigrationStepsArg(args []string) (int, bool, error) {
	if len(args) == 0 {
		return 0, false, nil
	}
	steps, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || steps <= 0 {
		return 0, false, fmt.Errorf("invalid migration steps %q: expected a positive integer", args[0])
	}
	return steps, true, nil
}

func parseForceVersionArg(arg string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || version < -1 {
		return 0, fmt.Errorf("invalid force version %q: expected an integer >= -1", arg)
	}
	return version, nil
}

func lookupEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
