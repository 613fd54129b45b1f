package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/cadence/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show all sync targets and their cadence",
		Long: `Display every registered sync target: tier, next due time, failure streak,
and push-lease state, grouped by user. Reads the state database directly and
can run while the daemon is up (WAL mode allows concurrent readers).`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	st, err := store.NewStore(resolvedCfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()

	targets, err := st.ListAllTargets(ctx)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		fmt.Println("No sync targets registered.")
		return nil
	}

	printTargets(ctx, st, targets)

	aggs, err := st.Aggregates(ctx)
	if err != nil {
		return err
	}

	if len(aggs) > 0 {
		fmt.Println()
		printAggregates(aggs)
	}

	return nil
}

func printTargets(ctx context.Context, st *store.SQLiteStore, targets []*store.SyncTarget) {
	now := time.Now()
	lastUser := ""

	for _, t := range targets {
		if t.UserID != lastUser {
			if lastUser != "" {
				fmt.Println()
			}

			fmt.Printf("User: %s\n", t.UserID)
			lastUser = t.UserID
		}

		state := "enabled"
		if !t.Enabled {
			state = "disabled (re-auth required)"
		}

		leaseState := store.LeaseNone
		if l, lerr := st.GetLease(ctx, t.ID); lerr == nil && l != nil {
			leaseState = l.State
		}

		fmt.Printf("  %-12s tier=%-10s due=%-10s failures=%-3d lease=%-8s %s\n",
			t.Kind, t.Tier, dueIn(t.NextDueAt, now), t.ConsecutiveFailures, leaseState, state)
	}
}

// dueIn renders a due timestamp as a relative duration.
func dueIn(dueAt int64, now time.Time) string {
	if dueAt == 0 {
		return "now"
	}

	d := time.Unix(0, dueAt).Sub(now).Round(time.Second)
	if d <= 0 {
		return "now"
	}

	return d.String()
}

func printAggregates(aggs []store.KindAggregate) {
	fmt.Println("Service performance (retention window):")

	for _, a := range aggs {
		fmt.Printf("  %-12s runs=%-5d success=%5.1f%%  mean=%.2fs\n",
			a.Kind, a.Runs, a.SuccessRate*100, a.MeanDurationSec)
	}
}
