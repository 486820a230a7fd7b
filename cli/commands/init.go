package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratumhq/stratum/cli/config"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stratum.yaml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(cwd) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", config.ConfigFileName)
			}

			if err := config.DefaultConfig().Save(cwd); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", config.ConfigFileName)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}
