package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewProjectionsCommand creates the projections command.
func NewProjectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projections",
		Short: "Inspect and manage projection checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projection checkpoints and their lag behind the head",
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

			checkpoints, err := checkpointBackend(backend)
			if err != nil {
				return err
			}

			all, err := checkpoints.All(cmd.Context())
			if err != nil {
				return err
			}
			head, err := backend.Head(cmd.Context())
			if err != nil {
				return err
			}

			if len(all) == 0 {
				fmt.Println("No checkpoints found")
				return nil
			}

			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCHECKPOINT\tHEAD\tLAG")
			for _, name := range names {
				pos := all[name]
				lag := uint64(0)
				if head > pos {
					lag = head - pos
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, pos, head, lag)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <name>",
		Short: "Delete a projection's checkpoint so it rebuilds from the start",
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

			checkpoints, err := checkpointBackend(backend)
			if err != nil {
				return err
			}

			if err := checkpoints.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("Checkpoint %q deleted; the projection will catch up from position 0\n", args[0])
			return nil
		},
	})

	return cmd
}
