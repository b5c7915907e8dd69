package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewNewnymCmd creates the newnym command.
func NewNewnymCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "newnym",
		Short: "Request a new identity (new circuits)",
		Long: `Newnym sends SIGNAL NEWNYM to the running daemon so that new connections
use fresh circuits. With lookupExitAddress: true in the configuration file the
new exit address and country are looked up through the SOCKS port.

Tor rate-limits NEWNYM; a request within ten seconds of the previous one is
delayed by the daemon, not rejected.`,
		Args: cobra.NoArgs,
		RunE: runNewnymCmd,
	}
}

// runNewnymCmd executes the newnym command.
func runNewnymCmd(cmd *cobra.Command, _ []string) error {
	m, release, err := attachManager(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer release()

	r := m.NewIdentity(cmd.Context())
	if err := resultError("new identity", r.Result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "New identity requested.")
	if r.Identity.ExitIP != "" {
		fmt.Fprintf(out, "Exit address: %s", r.Identity.ExitIP)
		if r.Identity.ExitCountry != "" {
			fmt.Fprintf(out, " (%s)", r.Identity.ExitCountry)
		}
		fmt.Fprintln(out)
	}
	return nil
}
