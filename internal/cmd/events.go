package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pulse/internal/config"
	"pulse/internal/eventstore"
)

func newEventsCmd(g *globals) *cobra.Command {
	var (
		asJSON bool
		follow bool
		last   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded telemetry events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.Dir()
			out := cmd.OutOrStdout()

			records, err := eventstore.ReadFile(dir)
			switch {
			case os.IsNotExist(err) && !follow:
				fmt.Fprintln(cmd.ErrOrStderr(), "no events recorded yet")
				return nil
			case err != nil && !os.IsNotExist(err):
				return err
			}
			if last > 0 && len(records) > last {
				records = records[len(records)-last:]
			}
			for _, rec := range records {
				if err := printRecord(out, rec, asJSON); err != nil {
					return err
				}
			}
			if !follow {
				return nil
			}

			es, err := eventstore.Open(dir)
			if err != nil {
				return err
			}
			defer es.Close()
			ch, err := es.Tail(cmd.Context())
			if err != nil {
				return err
			}
			for rec := range ch {
				if err := printRecord(out, rec, asJSON); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events")
	cmd.Flags().IntVarP(&last, "last", "n", 0, "Only show the last N recorded events")

	return cmd
}

func printRecord(w io.Writer, rec eventstore.Record, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, formatRecord(rec))
	return err
}

func formatRecord(rec eventstore.Record) string {
	parts := []string{
		rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
		rec.Source.String(),
		rec.Path,
	}
	if rec.ToolCall != "" {
		parts = append(parts, "tool="+rec.ToolCall)
	}
	if rec.Tokens != nil {
		parts = append(parts, fmt.Sprintf("tokens=%d", *rec.Tokens))
	}
	return strings.Join(parts, "  ")
}
