// Package main provides the entry point for the torctl CLI.
//
// torctl launches a Tor daemon (or attaches to a running one), drives it
// over the control port and reports its state.
//
// Usage:
//
//	torctl run
//	torctl status --format markdown
//	torctl newnym
//
// See --help for all available options.
package main

// main is the entry point for torctl.
func main() {
	Execute()
}
