package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/eventstore"
	"pulse/internal/ingest"
	"pulse/internal/launch"
	"pulse/internal/logging"
)

type runOptions struct {
	command string
	port    uint16
	serve   bool
}

func newRunCmd(g *globals) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [--cmd <string>] [--port <port>] [--serve] [-- <command> [args...]]",
		Short: "Launch an agent with telemetry pointed at pulse",
		Long: `Start an agent in a pseudo-terminal with its OpenTelemetry exporter
configured to send to pulse.

claude gets CLAUDE_CODE_ENABLE_TELEMETRY and the OTEL_* exporter variables,
codex gets -c otel overrides, anything else gets the standard OTEL_*
variables. The port defaults to the configured listener port.

With --serve a listener is started inside this process for the lifetime of
the agent; logs then go to pulse.log in the pulse directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if opts.command != "" {
				if len(args) > 0 {
					return errors.New("use either --cmd or a command after --, not both")
				}
				split, err := launch.SplitCommand(opts.command)
				if err != nil {
					return err
				}
				argv = split
			}
			if len(argv) == 0 {
				return errors.New("command is required (e.g. pulse run -- claude)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd, g, opts, argv)
		},
	}

	cmd.Flags().StringVar(&opts.command, "cmd", "", "Agent command line as a single shell-quoted string")
	cmd.Flags().Uint16Var(&opts.port, "port", 0, "Listener port to export to (default from preferences)")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "Run a listener in this process while the agent runs")

	return cmd
}

func runAgent(ctx context.Context, cmd *cobra.Command, g *globals, opts runOptions, argv []string) error {
	prefs, err := g.preferences()
	if err != nil {
		return err
	}
	if opts.port != 0 {
		prefs.Port = opts.port
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var m *ingest.Manager
	if opts.serve {
		m, err = startEmbedded(ctx, g, prefs)
		if err != nil {
			return err
		}
		defer m.Close()
	}

	c, at, err := launch.Command(argv, int(prefs.Port), os.Environ())
	if err != nil {
		return err
	}
	g.logger.Info("launching agent",
		zap.String("agent_type", at.Name()),
		zap.String("command", argv[0]),
		zap.Uint16("port", prefs.Port))

	stdin, ok := cmd.InOrStdin().(*os.File)
	if !ok {
		stdin = os.Stdin
	}
	code, err := launch.Run(ctx, c, stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	if m != nil {
		st := m.State()
		fmt.Fprintf(cmd.ErrOrStderr(), "pulse: %s used %d tokens this session\n", st.Source.DisplayName(), st.SessionTokens)
	}
	if code != 0 {
		return &ExitCodeError{Code: code}
	}
	return nil
}

// startEmbedded runs a Manager on prefs.Port for the duration of ctx.
// Logging goes to a file because the agent owns the terminal.
func startEmbedded(ctx context.Context, g *globals, prefs config.Preferences) (*ingest.Manager, error) {
	cfg := g.loggingConfig()
	cfg.Development = false
	cfg.OutputPaths = []string{filepath.Join(config.Dir(), "pulse.log")}
	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create pulse dir: %w", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	es, err := eventstore.Open(config.Dir())
	if err != nil {
		return nil, err
	}

	port := prefs.Port
	m, err := ingest.New(g.store(),
		ingest.WithLogger(logger),
		ingest.WithEventWriter(es.Append),
		ingest.WithOverrides(func(p config.Preferences) (config.Preferences, error) {
			p, err := config.ApplyEnv(p)
			p.Port = port
			p.Enabled = true
			return p, err
		}))
	if err != nil {
		es.Close()
		return nil, err
	}
	go func() {
		m.Run(ctx)
		es.Close()
	}()
	if err := m.StartServer(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}
