package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the storage schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create the schema and tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := backend.Initialize(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Schema %q is up to date\n", cfg.Database.Schema)
			return nil
		},
	})

	return cmd
}
