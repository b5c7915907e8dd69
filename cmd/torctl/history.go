package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/report"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded event journal",
		Long: `History lists the events recorded by "torctl run --journal" (or journal: true
in the configuration file), newest first.

Examples:
  # The last 20 events
  torctl history -n 20

  # New identities of the last day as JSON
  torctl history --event newIdentity --since 24h --format json

  # Delete entries older than a week
  torctl history --prune 168h`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().IntP("limit", "n", 50, "Maximum number of entries (0 for all)")
	cmd.Flags().StringSliceP("event", "e", nil,
		"Only show these events: stateChange, bootstrap, connected, disconnected, newIdentity, onionLocation")
	cmd.Flags().Duration("since", 0, "Only show entries newer than this (e.g. 1h)")
	cmd.Flags().Duration("prune", 0, "Delete entries older than this instead of listing")

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	limit, err := flags.GetInt("limit")
	if err != nil {
		return err
	}
	events, err := flags.GetStringSlice("event")
	if err != nil {
		return err
	}
	since, err := flags.GetDuration("since")
	if err != nil {
		return err
	}
	prune, err := flags.GetDuration("prune")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cmd, cfg)

	j, err := journal.Open(cfg.JournalPath(), journal.Options{CreateIfNotExists: false, EnableWAL: true})
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("no journal at %s (record one with \"torctl run --journal\")", cfg.JournalPath())
	}
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if prune > 0 {
		removed, err := j.Prune(ctx, time.Now().Add(-prune))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries.\n", removed)
		return nil
	}

	q := journal.Query{Limit: limit}
	for _, name := range events {
		q.Names = append(q.Names, manager.EventName(name))
	}
	if since > 0 {
		q.Since = time.Now().Add(-since)
	}

	entries, err := j.List(ctx, q)
	if err != nil {
		return err
	}

	w, err := report.New(getFormat(cmd), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	_, err = w.WriteHistory(entries)
	return err
}
