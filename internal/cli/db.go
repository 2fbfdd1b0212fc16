package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasefe/sqlwatch/pkg/db"
)

var adminURL string

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database setup and management commands",
		Long:  "Commands for managing the target database lifecycle: create and drop",
	}

	cmd.PersistentFlags().StringVar(&adminURL, "admin-url", "",
		"Admin database URL for superuser operations (default: same credentials against the postgres database)")

	cmd.AddCommand(newDBCreateCmd())
	cmd.AddCommand(newDBDropCmd())

	return cmd
}

func newDBCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the database",
		Long:  "Create the database specified in DATABASE_URL if it does not exist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbURL := getDatabaseURL()
			if dbURL == "" {
				return fmt.Errorf("database URL required (use -d flag or DATABASE_URL env)")
			}

			cfg, err := db.ParseDatabaseURL(dbURL)
			if err != nil {
				return err
			}

			m := db.New()

			if err := m.Create(context.Background(), dbURL, adminURL); err != nil {
				return err
			}

			fmt.Printf("Database '%s' created successfully.\n", cfg.Database)
			return nil
		},
	}
}

func newDBDropCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop the database",
		Long:  "Drop the database specified in DATABASE_URL. This is a destructive operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbURL := getDatabaseURL()
			if dbURL == "" {
				return fmt.Errorf("database URL required (use -d flag or DATABASE_URL env)")
			}

			cfg, err := db.ParseDatabaseURL(dbURL)
			if err != nil {
				return err
			}

			if !force {
				if !confirmAction(fmt.Sprintf("Drop database '%s'?", cfg.Database)) {
					fmt.Println("Aborted.")
					return nil
				}
			}

			m := db.New()

			if err := m.Drop(context.Background(), dbURL, adminURL); err != nil {
				return err
			}

			fmt.Printf("Database '%s' dropped successfully.\n", cfg.Database)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	return cmd
}

func confirmAction(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
