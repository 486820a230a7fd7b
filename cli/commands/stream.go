package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewStreamCommand creates the stream command.
func NewStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect aggregate event streams",
	}

	var fromSequence int64
	var limit int

	inspect := &cobra.Command{
		Use:   "inspect <aggregate-id>",
		Short: "Print an aggregate's events in sequence order",
		Args:  cobra.ExactArgs(1),
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

			version, exists, err := backend.Version(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("aggregate %q not found", args[0])
			}

			events, err := backend.Read(cmd.Context(), args[0], fromSequence, limit)
			if err != nil {
				return err
			}

			fmt.Printf("Aggregate %s (version %d)\n\n", args[0], version)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tPOSITION\tOCCURRED\tPAYLOAD")
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
					ev.SequenceNumber, ev.Type, ev.GlobalPosition,
					ev.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), ev.Payload)
			}
			return w.Flush()
		},
	}
	inspect.Flags().Int64Var(&fromSequence, "from", 1, "First sequence number to print")
	inspect.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (0 for all)")
	cmd.AddCommand(inspect)

	cmd.AddCommand(&cobra.Command{
		Use:   "head",
		Short: "Print the global position of the most recent event",
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

			head, err := backend.Head(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(head)
			return nil
		},
	})

	return cmd
}
