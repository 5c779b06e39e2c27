package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	runsSource string
	runsLimit  int
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show sync history",
		Long:  `Show recorded sync attempts, newest first, with their counts and first error.`,
		Example: `  fitsync runs
  fitsync runs --source strava-main --limit 5`,
		RunE: runsRun,
	}

	cmd.Flags().StringVar(&runsSource, "source", "", "only show runs for this source")
	cmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")

	return cmd
}

func runsRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	runs, err := globalStore.ListSyncRuns(cmd.Context(), runsSource, runsLimit)
	if err != nil {
		return fmt.Errorf("listing sync runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No sync runs recorded.")
		return nil
	}

	fmt.Printf("%-17s %-20s %-8s %6s %6s %8s %8s  %s\n", "Started", "Source", "Status", "Added", "Updated", "Errors", "Duration", "First Error")
	fmt.Println(strings.Repeat("-", 110))
	for _, run := range runs {
		dur := "-"
		if !run.EndTime.IsZero() {
			dur = run.EndTime.Sub(run.StartTime).Round(time.Second).String()
		}
		fmt.Printf("%-17s %-20s %-8s %6d %6d %8d %8s  %s\n",
			run.StartTime.Local().Format("2006-01-02 15:04"),
			run.Source,
			run.Status,
			run.ActivitiesAdded,
			run.ActivitiesUpdated,
			run.ErrorCount,
			dur,
			truncate(run.ErrorMessage, 50),
		)
	}
	return nil
}
