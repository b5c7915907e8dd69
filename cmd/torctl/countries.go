package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/tor"
)

// NewCountriesCmd creates the countries command.
func NewCountriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "countries [filter]",
		Short: "List the country codes accepted by the exit policy",
		Long: `Countries lists every country code the exit policy accepts, with its
English name and the token written to the torrc. An optional filter matches
codes and names case-insensitively.

Examples:
  torctl countries
  torctl countries land`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCountriesCmd,
	}
}

// runCountriesCmd executes the countries command.
func runCountriesCmd(cmd *cobra.Command, args []string) error {
	var filter string
	if len(args) == 1 {
		filter = strings.ToLower(args[0])
	}

	out := cmd.OutOrStdout()
	var matched int
	for _, c := range tor.KnownCountries() {
		if filter != "" &&
			!strings.Contains(strings.ToLower(c.Code), filter) &&
			!strings.Contains(strings.ToLower(c.Name), filter) {
			continue
		}
		fmt.Fprintf(out, "%s  %-6s %s\n", c.Code, tor.CountryToken(c.Code), c.Name)
		matched++
	}
	if matched == 0 {
		return fmt.Errorf("no country matches %q", filter)
	}
	return nil
}
