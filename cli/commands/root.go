// Package commands provides the CLI command implementations for stratum.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratumhq/stratum"
	"github.com/stratumhq/stratum/backends"
	"github.com/stratumhq/stratum/backends/memory"
	"github.com/stratumhq/stratum/backends/postgres"
	"github.com/stratumhq/stratum/cli/config"
)

// Version information (set at build time).
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	verbose    bool
)

// NewRootCommand creates the root command for the stratum CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratum",
		Short: "Event-sourced aggregate store",
		Long: `Stratum is an event-sourced aggregate store with CQRS read models.

Commands operate on the store configured in stratum.yaml (see 'stratum init').`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./stratum.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewProjectionsCommand())
	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewRelayCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stratum %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// newLogger builds the CLI logger. *slog.Logger satisfies stratum.Logger.
func newLogger() stratum.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file named by --config, or stratum.yaml in the
// working directory.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, fmt.Errorf("no %s found (run 'stratum init' first): %w", config.ConfigFileName, err)
	}
	return cfg, nil
}

// openBackend opens the configured storage backend. The caller closes it.
func openBackend(cfg *config.Config) (backends.EventStoreBackend, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid config: %s", problems[0])
	}

	switch cfg.Database.Driver {
	case "postgres":
		opts := []postgres.Option{}
		if cfg.Database.Schema != "" {
			opts = append(opts, postgres.WithSchema(cfg.Database.Schema))
		}
		return postgres.New(cfg.Database.URL, opts...)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// checkpointBackend narrows a storage backend to its checkpoint store. The
// postgres backend implements both; the memory driver needs a separate store,
// which is only useful within one process.
func checkpointBackend(backend backends.EventStoreBackend) (backends.CheckpointBackend, error) {
	if cp, ok := backend.(backends.CheckpointBackend); ok {
		return cp, nil
	}
	return nil, fmt.Errorf("driver does not persist checkpoints")
}
