// stratum is the command-line interface for the stratum event store.
//
// Usage:
//
//	stratum <command> [flags]
//
// Commands:
//
//	init         Write a default stratum.yaml
//	migrate      Manage the storage schema
//	projections  Inspect and manage projection checkpoints
//	stream       Inspect aggregate event streams
//	relay        Forward committed events to Kafka
//	version      Show version information
//
// Examples:
//
//	# Create the database schema
//	stratum migrate up
//
//	# Show projection lag
//	stratum projections list
//
//	# Print an aggregate's events
//	stratum stream inspect order-1
//
//	# Run the Kafka relay
//	stratum relay run
package main

import (
	"os"

	"github.com/stratumhq/stratum/cli/commands"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
