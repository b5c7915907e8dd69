package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/tor"
)

// NewBridgesCmd creates the bridges command.
func NewBridgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridges [transport]",
		Short: "Print the built-in bridge lines of a transport",
		Long: `Bridges prints the built-in bridge lines of a pluggable transport
(obfs4 by default). No bridge distribution service is contacted.

Use the lines with "torctl run --bridge" or in the bridges list of the
configuration file, or pass "torctl run --builtin-bridges".

Examples:
  torctl bridges
  torctl bridges snowflake`,
		Args: cobra.MaximumNArgs(1),
		RunE: runBridgesCmd,
	}
}

// runBridgesCmd executes the bridges command.
func runBridgesCmd(cmd *cobra.Command, args []string) error {
	transport := string(tor.TransportObfs4)
	if len(args) == 1 {
		transport = args[0]
	}

	m := manager.New(manager.DefaultOptions())
	r := m.FetchBuiltinBridges(transport)
	if r.Err != nil {
		return fmt.Errorf("built-in bridges: %w", r.Err)
	}
	if len(r.BuiltinBridges) == 0 {
		return fmt.Errorf("built-in bridges: %s", r.Message)
	}

	for _, line := range r.BuiltinBridges {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
