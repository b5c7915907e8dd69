// Package main provides the entry point for the torctl CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/config"
	"github.com/nao1215/torctl/internal/log"
	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/report"
)

// NewRootCmd creates the root command for torctl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torctl",
		Short: "Launch and control a Tor daemon",
		Long: `torctl launches a Tor daemon, waits for it to bootstrap and drives it over
the control port: new identities, exit country restrictions, bridges and
per-site circuit isolation.

By default torctl starts its own daemon. Set autoStart: false in the
configuration file (or pass --attach to run) to control a daemon that is
already running.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: .torctl.yaml, then $XDG_CONFIG_HOME/torctl/config.yaml)")
	cmd.PersistentFlags().String("format", string(report.FormatText),
		"Output format: text, markdown or json")
	cmd.PersistentFlags().Int("socks-port", 0, "SOCKS port (overrides the configuration file)")
	cmd.PersistentFlags().Int("control-port", 0, "Control port (overrides the configuration file)")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewNewnymCmd())
	cmd.AddCommand(NewCircuitsCmd())
	cmd.AddCommand(NewExitCmd())
	cmd.AddCommand(NewCountriesCmd())
	cmd.AddCommand(NewBridgesCmd())
	cmd.AddCommand(NewOnionCmd())
	cmd.AddCommand(NewIsolationCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getStringFlag returns a string flag of the command or its parents, or ""
// when the command runs without the root (as in tests).
func getStringFlag(cmd *cobra.Command, name string) string {
	if cmd.Flags().Lookup(name) == nil {
		return ""
	}
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return ""
	}
	return v
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	if cmd.Flags().Lookup("verbose") == nil {
		return false
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return false
	}
	return verbose
}

// getFormat returns the --format value.
func getFormat(cmd *cobra.Command) report.Format {
	return report.Format(getStringFlag(cmd, "format"))
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(getStringFlag(cmd, "config"))
	if err != nil {
		return nil, err
	}
	cfg.Verbose = getVerboseFlag(cmd)

	for name, dst := range map[string]*int{
		"socks-port":   &cfg.SocksPort,
		"control-port": &cfg.ControlPort,
	} {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if *dst, err = cmd.Flags().GetInt(name); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogger creates the redacting logger on stderr.
func setupLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	logger := log.NewSecureLogger(cmd.ErrOrStderr(), cfg.Verbose)
	slog.SetDefault(logger)
	return logger
}

// newManager builds a manager from the validated configuration.
func newManager(cmd *cobra.Command, cfg *config.Config) (*manager.Manager, *slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	logger := setupLogger(cmd, cfg)
	return manager.New(cfg.ManagerOptions(logger)), logger, nil
}

// attachManager attaches to the daemon behind the configured control port
// and waits until it has bootstrapped. The caller must call the returned
// release function, which closes the control connection and leaves the
// daemon running.
func attachManager(ctx context.Context, cmd *cobra.Command) (*manager.Manager, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg.AutoStart = false

	m, _, err := newManager(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod)
		defer cancel()
		m.Stop(stopCtx)
	}
	if r := m.Start(ctx); !r.Success {
		release()
		return nil, nil, resultError("attach to tor", r)
	}
	return m, release, nil
}

// resultError converts a failed result into an error.
func resultError(op string, r manager.Result) error {
	if r.Success {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("%s: %w", op, r.Err)
	}
	return fmt.Errorf("%s: %s", op, r.Message)
}
