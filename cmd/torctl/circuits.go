package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/report"
	"github.com/nao1215/torctl/internal/tor"
)

// NewCircuitsCmd creates the circuits command.
func NewCircuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "List the circuits of the running daemon",
		Long: `Circuits prints the daemon's circuit-status: ID, status, relay path and
purpose. Use --built to show only circuits that are ready for traffic.`,
		Args: cobra.NoArgs,
		RunE: runCircuitsCmd,
	}

	cmd.Flags().BoolP("built", "b", false, "Only show BUILT circuits")

	return cmd
}

// runCircuitsCmd executes the circuits command.
func runCircuitsCmd(cmd *cobra.Command, _ []string) error {
	builtOnly, err := cmd.Flags().GetBool("built")
	if err != nil {
		return err
	}

	m, release, err := attachManager(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer release()

	r := m.CircuitInfo(cmd.Context())
	if err := resultError("list circuits", r.Result); err != nil {
		return err
	}

	circuits := r.Circuits
	if builtOnly {
		circuits = filterCircuits(circuits, "BUILT")
	}

	if getFormat(cmd) == report.FormatJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(circuits)
	}
	writeCircuits(cmd.OutOrStdout(), circuits)
	return nil
}

// filterCircuits keeps the circuits with the given status.
func filterCircuits(circuits []tor.Circuit, status string) []tor.Circuit {
	out := make([]tor.Circuit, 0, len(circuits))
	for _, c := range circuits {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// writeCircuits prints one circuit per line.
func writeCircuits(w io.Writer, circuits []tor.Circuit) {
	if len(circuits) == 0 {
		fmt.Fprintln(w, "No circuits.")
		return
	}
	for _, c := range circuits {
		names := make([]string, 0, c.NodeCount())
		for _, relay := range c.Relays() {
			if relay.Nickname != "" {
				names = append(names, relay.Nickname)
			} else {
				names = append(names, "$"+relay.Fingerprint)
			}
		}
		fmt.Fprintf(w, "%-5s %-9s %-20s %s\n", c.ID, c.Status, c.Purpose, strings.Join(names, " > "))
	}
}
