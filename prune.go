package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianhq/cadence/internal/store"
)

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete sync runs and activity events past retention",
		Long: `Remove sync-run records and activity events older than the configured
retention windows (retention.runs and retention.activity). Targets and
leases are never pruned.`,
		RunE: runPrune,
	}
}

func runPrune(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	st, err := store.NewStore(resolvedCfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	now := store.NowNano()

	runs, err := st.PruneRuns(ctx, now-resolvedCfg.RunRetention.Nanoseconds())
	if err != nil {
		return fmt.Errorf("pruning sync runs: %w", err)
	}

	events, err := st.PruneActivityEvents(ctx, now-resolvedCfg.ActivityRetention.Nanoseconds())
	if err != nil {
		return fmt.Errorf("pruning activity events: %w", err)
	}

	fmt.Printf("Pruned %d sync runs and %d activity events.\n", runs, events)

	return nil
}
