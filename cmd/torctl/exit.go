package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/manager"
)

// NewExitCmd creates the exit command and its subcommands.
func NewExitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Restrict exit and entry relays by country",
		Long: `Exit changes the country restrictions of the running daemon. Country codes
are ISO 3166-1 alpha-2 and case-insensitive; see "torctl countries".

Setting exit or entry countries rejects the whole list when one code is
unknown. Excluding countries drops unknown codes and reports them. Every
change is followed by a new identity so that it takes effect at once.

Examples:
  torctl exit set de nl
  torctl exit exclude ru by
  torctl exit entry ch
  torctl exit clear`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <country>...",
		Short: "Only use exit relays in these countries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAttached(cmd, func(m *manager.Manager) error {
				return printResult(cmd, "set exit countries", m.SetExitCountries(cmd.Context(), splitCodes(args)...))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "exclude <country>...",
		Short: "Never use exit relays in these countries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAttached(cmd, func(m *manager.Manager) error {
				r := m.ExcludeExitCountries(cmd.Context(), splitCodes(args)...)
				if len(r.Dropped) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "Ignored unknown countries: %s\n", strings.Join(r.Dropped, ", "))
				}
				return printResult(cmd, "exclude exit countries", r.Result)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "entry <country>...",
		Short: "Only use entry (guard) relays in these countries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAttached(cmd, func(m *manager.Manager) error {
				return printResult(cmd, "set entry countries", m.SetEntryCountries(cmd.Context(), splitCodes(args)...))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all country restrictions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAttached(cmd, func(m *manager.Manager) error {
				return printResult(cmd, "clear exit restrictions", m.ClearExitRestrictions(cmd.Context()))
			})
		},
	})

	return cmd
}

// withAttached runs fn against an attached manager.
func withAttached(cmd *cobra.Command, fn func(*manager.Manager) error) error {
	m, release, err := attachManager(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer release()
	return fn(m)
}

// printResult prints the message of a successful result.
func printResult(cmd *cobra.Command, op string, r manager.Result) error {
	if err := resultError(op, r); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), r.Message)
	return nil
}

// splitCodes accepts "de nl" as well as "de,nl".
func splitCodes(args []string) []string {
	var codes []string
	for _, arg := range args {
		for code := range strings.SplitSeq(arg, ",") {
			if code = strings.TrimSpace(code); code != "" {
				codes = append(codes, code)
			}
		}
	}
	return codes
}
