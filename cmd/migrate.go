package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/pirelay/relay/internal/config"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("RELAY_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// Default: ./migrations next to the executable.
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// databaseURL builds the golang-migrate URL for the configured backend and
// returns the driver so the matching DDL dialect gets picked.
func databaseURL() (driver, url string, err error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	driver, dsn := cfg.DSN()
	switch driver {
	case "postgres":
		if dsn == "" {
			return "", "", errors.New("RELAY_POSTGRES_DSN environment variable is not set")
		}
		return driver, dsn, nil
	default:
		return driver, "sqlite://" + dsn, nil
	}
}

func newMigrator() (*migrate.Migrate, error) {
	driver, url, err := databaseURL()
	if err != nil {
		return nil, err
	}
	// DDL dialects differ, so migrations live in per-driver subdirectories.
	src := "file://" + filepath.Join(resolveMigrationsDir(), driver)
	m, err := migrate.New(src, url)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())

	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("database is up to date")
					return nil
				}
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Steps(-1); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("nothing to roll back")
					return nil
				}
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Println("rolled back one migration")
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			version, dirty, err := m.Version()
			if err != nil {
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Println("no migrations applied")
					return nil
				}
				return fmt.Errorf("migrate version: %w", err)
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Printf("version %d (%s)\n", version, state)
			return nil
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force-set the migration version (repair a dirty state)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			m, err := newMigrator()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Force(version); err != nil {
				return fmt.Errorf("migrate force: %w", err)
			}
			fmt.Printf("forced version %d\n", version)
			return nil
		},
	}
}
