package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/config"
	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start Tor and keep it running until interrupted",
		Long: `Run starts a Tor daemon (or attaches to a running one), applies the
configured exit policy, bridges and isolation mode, and prints every event
until it receives SIGINT or SIGTERM. A daemon started by torctl is stopped on
exit; an attached daemon keeps running.

Examples:
  # Start Tor with the configuration file settings
  torctl run

  # Exit through Germany or the Netherlands only
  torctl run --exit de,nl

  # Use the built-in obfs4 bridges
  torctl run --transport obfs4 --builtin-bridges

  # Control a daemon that is already running
  torctl run --attach --control-port 9151`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().BoolP("attach", "a", false,
		"Attach to a running daemon instead of starting one")
	cmd.Flags().StringSlice("exit", nil, "Allowed exit countries (ISO 3166-1 alpha-2)")
	cmd.Flags().StringSlice("exclude-exit", nil, "Excluded exit countries")
	cmd.Flags().StringSlice("entry", nil, "Allowed entry (guard) countries")
	cmd.Flags().StringP("transport", "t", "",
		"Pluggable transport: vanilla, obfs4, snowflake, meek_lite or webtunnel")
	cmd.Flags().StringArray("bridge", nil, "Bridge line (repeatable)")
	cmd.Flags().Bool("builtin-bridges", false, "Use the built-in bridges of the transport")
	cmd.Flags().StringP("isolation", "i", "",
		"Circuit isolation mode: none, per_tab, per_domain or per_session")
	cmd.Flags().BoolP("journal", "j", false, "Record events in the SQLite journal")

	return cmd
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	useBuiltin, err := applyRunFlags(cmd, cfg)
	if err != nil {
		return err
	}

	m, logger, err := newManager(cmd, cfg)
	if err != nil {
		return err
	}

	// Set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runManager(ctx, cmd.OutOrStdout(), m, cfg, useBuiltin, logger)
}

// applyRunFlags copies the run flags over the configuration. It reports
// whether the built-in bridges were requested.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) (bool, error) {
	flags := cmd.Flags()

	attach, err := flags.GetBool("attach")
	if err != nil {
		return false, err
	}
	if attach {
		cfg.AutoStart = false
	}

	for name, dst := range map[string]*[]string{
		"exit":         &cfg.ExitCountries,
		"exclude-exit": &cfg.ExcludeExitCountries,
		"entry":        &cfg.EntryCountries,
	} {
		if !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetStringSlice(name); err != nil {
			return false, err
		}
	}

	if flags.Changed("transport") {
		if cfg.Transport, err = flags.GetString("transport"); err != nil {
			return false, err
		}
	}
	if flags.Changed("bridge") {
		bridges, err := flags.GetStringArray("bridge")
		if err != nil {
			return false, err
		}
		cfg.Bridges = append(cfg.Bridges, bridges...)
	}
	if flags.Changed("isolation") {
		if cfg.IsolationMode, err = flags.GetString("isolation"); err != nil {
			return false, err
		}
	}
	if flags.Changed("journal") {
		if cfg.Journal, err = flags.GetBool("journal"); err != nil {
			return false, err
		}
	}
	return flags.GetBool("builtin-bridges")
}

// applySettings stores the configured policy, bridges and isolation mode on
// a manager that has not been started yet.
func applySettings(ctx context.Context, m *manager.Manager, cfg *config.Config, useBuiltin bool) error {
	if len(cfg.ExitCountries) > 0 {
		if err := resultError("set exit countries", m.SetExitCountries(ctx, cfg.ExitCountries...)); err != nil {
			return err
		}
	}
	if len(cfg.ExcludeExitCountries) > 0 {
		r := m.ExcludeExitCountries(ctx, cfg.ExcludeExitCountries...)
		if err := resultError("exclude exit countries", r.Result); err != nil {
			return err
		}
		if len(r.Dropped) > 0 {
			slog.Warn("ignoring unknown exit countries", "codes", r.Dropped)
		}
	}
	if len(cfg.EntryCountries) > 0 {
		if err := resultError("set entry countries", m.SetEntryCountries(ctx, cfg.EntryCountries...)); err != nil {
			return err
		}
	}

	if err := resultError("set transport", m.SetTransport(cfg.Transport)); err != nil {
		return err
	}
	if useBuiltin {
		if err := resultError("use built-in bridges", m.UseBuiltinBridges(cfg.Transport).Result); err != nil {
			return err
		}
	}
	for _, line := range cfg.Bridges {
		if err := resultError("add bridge", m.AddBridge(line).Result); err != nil {
			return err
		}
	}

	return resultError("set isolation mode", m.SetIsolationMode(ctx, cfg.IsolationMode).Result)
}

// runManager starts the manager, prints events to out and blocks until ctx
// is done or the daemon goes away.
func runManager(ctx context.Context, out io.Writer, m *manager.Manager, cfg *config.Config, useBuiltin bool, logger *slog.Logger) error {
	if err := applySettings(ctx, m, cfg, useBuiltin); err != nil {
		return err
	}

	if cfg.Journal {
		j, err := journal.Open(cfg.JournalPath(), journal.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		m.Subscribe(manager.EventAll, j.Handler(logger))
		logger.Info("recording events", "journal_path", j.Path())
	}

	m.Subscribe(manager.EventAll, func(ev manager.Event) {
		fmt.Fprintf(out, "%s  %s\n", ev.Time.Local().Format("15:04:05"), ev.Summary())
	})

	disconnected := make(chan string, 1)
	m.Subscribe(manager.EventDisconnected, func(ev manager.Event) {
		select {
		case disconnected <- ev.Reason:
		default:
		}
	})

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
		defer cancel()
		if r := m.Stop(stopCtx); !r.Success {
			logger.Error("failed to stop tor", "error", r.Err)
		}
	}()

	if !cfg.AutoStart {
		fmt.Fprintf(out, "Attaching to Tor at %s:%d...\n", cfg.ControlHost, cfg.ControlPort)
	} else {
		fmt.Fprintln(out, "Starting Tor...")
		fmt.Fprintf(out, "This may take up to %s while Tor bootstraps.\n\n", cfg.StartupTimeout)
	}

	if r := m.Start(ctx); !r.Success {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return resultError("start tor", r)
	}

	fmt.Fprintf(out, "\nSOCKS proxy: %s\n", m.Proxy().Rules())
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping...")
		return nil
	case reason := <-disconnected:
		return fmt.Errorf("tor disconnected: %s", reason)
	}
}
