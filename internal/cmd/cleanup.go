package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/eventstore"
	"pulse/internal/ingest"
)

func newCleanupCmd(g *globals) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stored preferences",
		Long: `Delete the preferences file so the next start uses the defaults. With
--events the recorded event history is removed as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := g.store()
			m, err := ingest.New(store, ingest.WithLogger(g.logger))
			if err != nil {
				// Unparseable preferences are cleared without a Manager.
				g.logger.Warn("preferences unreadable, clearing directly", zap.Error(err))
				if err := store.Clear(); err != nil {
					return err
				}
			} else {
				defer m.Close()
				if err := m.Cleanup(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", store.Path)

			if events {
				if err := eventstore.Remove(config.Dir()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "removed event history")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "Also remove events.jsonl")

	return cmd
}
