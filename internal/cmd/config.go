package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pulse/internal/config"
	"pulse/internal/ingest"
	"pulse/internal/logging"
)

var configKeys = []string{"port", "enabled", "session-reset", "log-level"}

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change preferences",
		Long: `Without a subcommand, print the effective preferences (stored values with
PULSE_* environment overrides applied).

Changes are written to the preferences file and take effect the next time
the listener starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.preferences()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal preferences: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", g.store().Path, data)
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "get <key>",
			Short:     "Print one preference",
			Args:      cobra.ExactArgs(1),
			ValidArgs: configKeys,
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := g.preferences()
				if err != nil {
					return err
				}
				v, err := getPreference(p, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:       "set <key> <value>",
			Short:     "Change one preference",
			Args:      cobra.ExactArgs(2),
			ValidArgs: configKeys,
			RunE: func(cmd *cobra.Command, args []string) error {
				store := g.store()
				p, err := store.Load()
				if err != nil {
					return err
				}
				if p, err = setPreference(p, args[0], args[1]); err != nil {
					return err
				}
				return store.Save(p)
			},
		},
	)

	return cmd
}

func getPreference(p config.Preferences, key string) (string, error) {
	switch key {
	case "port":
		return strconv.Itoa(int(p.Port)), nil
	case "enabled":
		return strconv.FormatBool(p.Enabled), nil
	case "session-reset":
		return p.SessionReset, nil
	case "log-level":
		return p.LogLevel, nil
	default:
		return "", unknownKey(key)
	}
}

func setPreference(p config.Preferences, key, value string) (config.Preferences, error) {
	switch key {
	case "port":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return p, fmt.Errorf("port %q: %w", value, err)
		}
		if n == 0 {
			return p, config.ErrInvalidPort
		}
		p.Port = uint16(n)
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return p, fmt.Errorf("enabled %q: %w", value, err)
		}
		p.Enabled = b
	case "session-reset":
		if value != "" {
			if _, err := ingest.ParseResetRule(value); err != nil {
				return p, fmt.Errorf("session-reset %q: %w", value, err)
			}
		}
		p.SessionReset = value
	case "log-level":
		if _, err := logging.ParseLevel(value); err != nil {
			return p, err
		}
		p.LogLevel = value
	default:
		return p, unknownKey(key)
	}
	return p, nil
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(configKeys, ", "))
}
