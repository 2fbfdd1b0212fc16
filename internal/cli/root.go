// Package cli implements the sqlwatch command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	databaseURL   string
	migrationsDir string
)

// NewRootCmd builds the sqlwatch root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlwatch",
		Short: "Watch a directory for SQL script folders and execute them",
		Long: `sqlwatch monitors a directory for newly created subfolders, executes
every .sql file found inside an arrived folder against PostgreSQL (one
transaction per file), and logs the result of each file.

Connection settings come from flags or the DATABASE_URL / SQLWATCH_*
environment variables.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&databaseURL, "database-url", "d", "",
		"Database URL (default: DATABASE_URL env)")
	cmd.PersistentFlags().StringVarP(&migrationsDir, "migrations-dir", "m", "./migrations",
		"Migrations directory")

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newApplyCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newDBCmd())

	return cmd
}

// getDatabaseURL resolves the connection URL from the flag or the
// DATABASE_URL environment variable.
func getDatabaseURL() string {
	if databaseURL != "" {
		return databaseURL
	}
	return os.Getenv("DATABASE_URL")
}

func getMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	return "./migrations"
}
