package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/report"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the state of a running Tor daemon",
		Long: `Status attaches to the daemon behind the control port and prints its
version, bootstrap progress, circuits and settings. The daemon is not
modified. When the control port does not answer, the report says why.

Examples:
  # Plain text report
  torctl status

  # Markdown report with a circuit chart, written to a file
  torctl status --format markdown -o status.md

  # JSON for scripts
  torctl status --format json`,
		Args: cobra.NoArgs,
		RunE: runStatusCmd,
	}

	cmd.Flags().StringP("output", "o", "",
		"Write the report to the specified file path (creates directories if needed)")
	cmd.Flags().Bool("verbose-report", false, "Include circuit flags and isolation slots in text output")

	return cmd
}

// runStatusCmd executes the status command.
func runStatusCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.AutoStart = false

	m, _, err := newManager(cmd, cfg)
	if err != nil {
		return err
	}

	// A daemon that is still bootstrapping is reported as is instead of
	// waited for.
	attachCtx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectionTimeout)
	started := m.Start(attachCtx)
	cancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	defer m.Stop(ctx)

	res := m.Status(ctx)
	status := res.Status
	if !started.Success && status.ControlError == "" {
		status.ControlError = started.Message
	}

	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose-report")
	if err != nil {
		return err
	}
	return writeStatus(cmd, &status, outputPath, verbose)
}

// writeStatus renders s in the selected format to stdout or outputPath.
func writeStatus(cmd *cobra.Command, s *manager.Status, outputPath string, verbose bool) error {
	output := cmd.OutOrStdout()
	if outputPath != "" {
		// Create directories if they don't exist
		dir := filepath.Dir(outputPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		// Reports list bridges and circuit paths; keep them owner-readable.
		f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	format := getFormat(cmd)
	var w report.Writer
	if format == "" || format == report.FormatText {
		w = report.NewSimpleWriter(output, report.WithVerbose(verbose), report.WithShowEmpty(verbose))
	} else {
		var err error
		if w, err = report.New(format, output); err != nil {
			return err
		}
	}
	_, err := w.WriteStatus(s)
	return err
}
