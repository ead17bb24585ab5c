package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pulse/internal/status"
	"pulse/internal/version"
)

func newResetCmd(g *globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the session token count of a running listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := postSessionReset(addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session reset (last reported tokens=%d)\n", snap.TokenCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "status-addr", status.DefaultAddr, "Status endpoint of the running `pulse serve`")

	return cmd
}

func postSessionReset(addr string) (status.Snapshot, error) {
	var snap status.Snapshot

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/session/reset", nil)
	if err != nil {
		return snap, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return snap, fmt.Errorf("contact pulse at %s (is `pulse serve` running?): %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("reset failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}
