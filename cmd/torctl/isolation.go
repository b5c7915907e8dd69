package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/tor"
)

// NewIsolationCmd creates the isolation command.
func NewIsolationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "isolation <key>...",
		Short: "Show which SOCKS port each isolation key is bound to",
		Long: `Isolation binds each key (a tab ID, a URL or a session name) to a SOCKS
port of the isolation pool, the way "torctl run --isolation" does, and prints
the resulting proxy for each key in order. Keys are bound round-robin; when
the pool is exhausted the cursor wraps and the oldest binding is reused.

In per_domain mode URLs are reduced to their host, so two pages of the same
site share a port.

Examples:
  torctl isolation --mode per_domain https://a.example/ https://b.example/x https://a.example/y
  torctl isolation --mode per_tab 1 2 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIsolationCmd,
	}

	cmd.Flags().StringP("mode", "m", string(tor.IsolationPerDomain),
		"Isolation mode: none, per_tab, per_domain or per_session")

	return cmd
}

// runIsolationCmd executes the isolation command.
func runIsolationCmd(cmd *cobra.Command, args []string) error {
	mode, err := cmd.Flags().GetString("mode")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.IsolationMode = mode

	m, _, err := newManager(cmd, cfg)
	if err != nil {
		return err
	}
	// Not connected, so this only selects the mode.
	if err := resultError("set isolation mode", m.SetIsolationMode(cmd.Context(), mode).Result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, key := range args {
		r := m.ProxyFor(key)
		if err := resultError("isolation port", r.Result); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s\n", key, r.Rules)
	}
	return nil
}
