package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/manager"
)

// errNotOnion is returned when a checked URL is not an onion address.
var errNotOnion = errors.New("not every URL is an onion address")

// NewOnionCmd creates the onion command.
func NewOnionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onion <url>...",
		Short: "Check whether URLs point to onion services",
		Long: `Onion classifies each URL as a v2 or v3 onion address and verifies the
checksum of v3 addresses. With --location the URL is treated as an
Onion-Location header value and the redirect decision is printed.

With --normalize each argument is reduced to its canonical "<label>.onion"
form, which requires a valid v3 checksum. With --key-file the address of a
hidden service is derived from its hs_ed25519_public_key file.

The command fails when a URL is malformed or not an onion address, so it can
be used in scripts.

Examples:
  torctl onion http://2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion/
  torctl onion --normalize HTTP://2GZYXA5IHM7NSGGFXNU52RCK2VV4RVMDLKIU3ZZUI5DU4XYCLEN53WID.onion/about
  torctl onion --key-file /var/lib/tor/hidden_service/hs_ed25519_public_key
  torctl onion --location https://example.com/`,
		Args: func(cmd *cobra.Command, args []string) error {
			if keyFile, _ := cmd.Flags().GetString("key-file"); keyFile != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: runOnionCmd,
	}

	cmd.Flags().BoolP("location", "l", false, "Treat the URLs as Onion-Location header values")
	cmd.Flags().BoolP("normalize", "n", false, "Print the canonical v3 address of each argument")
	cmd.Flags().StringP("key-file", "k", "", "Derive the address from a hidden service public key file")
	cmd.MarkFlagsMutuallyExclusive("location", "normalize", "key-file")

	return cmd
}

// runOnionCmd executes the onion command.
func runOnionCmd(cmd *cobra.Command, args []string) error {
	location, err := cmd.Flags().GetBool("location")
	if err != nil {
		return err
	}

	normalize, err := cmd.Flags().GetBool("normalize")
	if err != nil {
		return err
	}
	keyFile, err := cmd.Flags().GetString("key-file")
	if err != nil {
		return err
	}

	m := manager.New(manager.DefaultOptions())
	out := cmd.OutOrStdout()

	if keyFile != "" {
		r := m.OnionAddressFromKeyFile(keyFile)
		if err := resultError("derive onion address", r.Result); err != nil {
			return err
		}
		fmt.Fprintln(out, r.Message)
		return nil
	}

	var failed bool
	for _, raw := range args {
		if normalize {
			r := m.NormalizeOnion(raw)
			if r.Success {
				fmt.Fprintln(out, r.Message)
			} else {
				fmt.Fprintf(out, "%s: %s\n", raw, r.Message)
				failed = true
			}
			continue
		}
		if location {
			r := m.HandleOnionLocation(raw)
			if r.Success {
				fmt.Fprintf(out, "%s: redirect\n", raw)
			} else {
				fmt.Fprintf(out, "%s: no redirect (%s)\n", raw, r.Message)
				failed = true
			}
			continue
		}

		r := m.IsOnionURL(raw)
		switch {
		case !r.Success:
			fmt.Fprintf(out, "%s: %s\n", raw, r.Message)
			failed = true
		case !r.Info.IsOnion:
			fmt.Fprintf(out, "%s: not an onion address\n", raw)
			failed = true
		case r.Info.Version == 3 && !r.Info.ChecksumValid:
			fmt.Fprintf(out, "%s: onion v3, %s (checksum mismatch)\n", raw, r.Info.Address)
		default:
			fmt.Fprintf(out, "%s: onion v%d, %s\n", raw, r.Info.Version, r.Info.Address)
		}
	}

	if failed {
		return errNotOnion
	}
	return nil
}
