package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/logging"
)

// globals carries the persistent flags and the logger built from them.
type globals struct {
	configPath string
	logLevel   string
	devLog     bool

	logger *zap.Logger
}

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	g := &globals{logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Local telemetry listener for coding agents",
		Long: `pulse listens for OpenTelemetry exports from coding agents (Claude Code,
Codex, OpenCode) on a local port and tracks whether an agent is active, which
tool it is calling and how many tokens it has used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "help", "completion":
				return nil
			}
			return g.initLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			g.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Preferences file (default $PULSE_DIR/config.yaml or ~/.pulse/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from preferences, else info)")
	rootCmd.PersistentFlags().BoolVar(&g.devLog, "dev", false, "Human-readable console logging")

	rootCmd.AddCommand(
		newServeCmd(g),
		newRunCmd(g),
		newConfigCmd(g),
		newResetCmd(g),
		newCleanupCmd(g),
		newEventsCmd(g),
		newVersionCmd(),
	)

	return rootCmd
}

func (g *globals) store() *config.FileStore {
	return config.NewFileStore(g.configPath)
}

// preferences returns the stored preferences with PULSE_* overrides.
func (g *globals) preferences() (config.Preferences, error) {
	p, err := g.store().Load()
	if err != nil {
		return p, err
	}
	return config.ApplyEnv(p)
}

func (g *globals) loggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if g.devLog {
		cfg = logging.DevelopmentConfig()
	}
	level := g.logLevel
	if level == "" {
		if p, err := g.preferences(); err == nil {
			level = p.LogLevel
		}
	}
	if level != "" {
		cfg.Level = level
	}
	return cfg
}

func (g *globals) initLogger() error {
	logger, err := logging.New(g.loggingConfig())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	g.logger = logger
	return nil
}
