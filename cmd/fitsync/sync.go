package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/source"
)

var (
	syncSources string
	syncSince   string
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync activities from configured sources",
		Long: `Sync activities from configured sources into the activity store. By default,
every enabled source is synced, each resuming from its last successful sync.
Use --source to sync specific sources and --since to re-fetch from a date.

A source that fails does not stop the others; the command exits non-zero
when any source failed.`,
		Example: `  fitsync sync
  fitsync sync --source strava-main,nike
  fitsync sync --since 2024-01-01
  fitsync sync --since 2024-03-01T06:00:00Z --source garmin-files`,
		RunE: syncRun,
	}

	cmd.Flags().StringVar(&syncSources, "source", "", "comma-separated list of source ids to sync")
	cmd.Flags().StringVar(&syncSince, "since", "", "fetch activities after this date (RFC3339 or YYYY-MM-DD)")

	return cmd
}

func parseSinceFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: expected RFC3339 or YYYY-MM-DD", v)
	}
	return t, nil
}

func syncRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalManager == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	since, err := parseSinceFlag(syncSince)
	if err != nil {
		return err
	}
	ids := splitList(syncSources)

	if len(ids) == 0 && globalRegistry.Len() == 0 {
		log.Warn("no sources to sync")
		return nil
	}

	log.Info("sync operation", "sources", ids, "since", since)

	results, err := globalManager.SyncAll(cmd.Context(), since, ids...)
	if err != nil {
		return err
	}

	failed := printResults(results)
	if failed > 0 {
		return fmt.Errorf("sync completed with %d failed sources", failed)
	}
	return nil
}

// printResults writes one block per source and a summary, returning the
// number of failed sources.
func printResults(results []*source.SyncResult) int {
	var added, updated, processed, failed int
	for _, res := range results {
		fmt.Printf("\n%s: %s\n", res.Source, res.Outcome())
		fmt.Printf("  Processed: %d\n", res.ActivitiesProcessed)
		fmt.Printf("  Added:     %d\n", res.ActivitiesAdded)
		fmt.Printf("  Updated:   %d\n", res.ActivitiesUpdated)
		fmt.Printf("  Duration:  %s\n", res.Duration().Round(time.Millisecond))
		if len(res.Errors) > 0 {
			fmt.Println("  Errors:")
			for _, e := range res.Errors {
				fmt.Printf("    - %s\n", e)
			}
		}

		processed += res.ActivitiesProcessed
		added += res.ActivitiesAdded
		updated += res.ActivitiesUpdated
		if res.Outcome() == source.OutcomeFailed {
			failed++
		}
	}

	fmt.Println("\n=== SYNC SUMMARY ===")
	fmt.Printf("Sources:         %d\n", len(results))
	fmt.Printf("Total Processed: %d\n", processed)
	fmt.Printf("Total Added:     %d\n", added)
	fmt.Printf("Total Updated:   %d\n", updated)
	fmt.Printf("Failed Sources:  %d\n", failed)
	return failed
}
