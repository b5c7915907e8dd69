package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/config"
)

//go:embed templates/torctl.yaml
var configTemplate embed.FS

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new torctl configuration file",
		Long: `Initialize creates a new .torctl.yaml configuration file in the current directory.

The generated file includes:
- Default ports and timeouts
- Commented examples for exit countries, bridges and transports
- Documentation for all available options

With --resolved the file contains the configuration torctl would use right
now (defaults, configuration file and flags merged) instead of the template.

Examples:
  # Create .torctl.yaml in current directory
  torctl init

  # Create config file in the XDG config directory
  torctl init -o ~/.config/torctl/config.yaml

  # Force overwrite existing file
  torctl init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultConfigFile,
		"Output file path for the configuration")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite existing configuration file")
	cmd.Flags().Bool("resolved", false,
		"Write the current effective configuration instead of the template")

	return cmd
}

// runInitCmd executes the init command.
func runInitCmd(cmd *cobra.Command, _ []string) error {
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	resolved, err := cmd.Flags().GetBool("resolved")
	if err != nil {
		return err
	}

	// Check if file already exists
	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", outputPath)
		}
	}

	var content []byte
	if resolved {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if content, err = cfg.Marshal(); err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
	} else {
		if content, err = configTemplate.ReadFile("templates/torctl.yaml"); err != nil {
			return fmt.Errorf("failed to read config template: %w", err)
		}
	}

	// Create parent directories if needed
	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// The file may hold a control password.
	if err := os.WriteFile(outputPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created configuration file: %s\n", outputPath)
	fmt.Fprintln(out, "\nEdit this file to configure settings such as:")
	fmt.Fprintln(out, "  - SOCKS and control ports")
	fmt.Fprintln(out, "  - Exit countries and bridges")
	fmt.Fprintln(out, "  - Circuit isolation and the event journal")

	return nil
}
