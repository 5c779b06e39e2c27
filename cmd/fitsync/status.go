package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/engine"
)

var (
	statusJSON   bool
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display sync status of configured sources",
		Long: `Display every configured source with its status, last successful sync
and last error. Use --failed to show only sources in the error state.`,
		Example: `  fitsync status
  fitsync status --failed
  fitsync status --json`,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusJSON, "json", false, "print the status report as JSON")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only sources whose last sync failed")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	report := globalManager.Status()
	if statusFailed {
		filtered := report.Sources[:0]
		for _, s := range report.Sources {
			if s.ErrorMessage != "" {
				filtered = append(filtered, s)
			}
		}
		report.Sources = filtered
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStatus(report)
	return nil
}

func printStatus(report engine.StatusReport) {
	if len(report.Sources) == 0 {
		fmt.Println("No sources found matching criteria")
		return
	}

	fmt.Println("Source Status")
	fmt.Println("=============")
	fmt.Println("")
	fmt.Printf("%-20s %-8s %-8s %-9s %-17s %s\n", "Source", "Type", "Enabled", "Status", "Last Sync", "Error")
	fmt.Println(strings.Repeat("-", 90))

	for _, s := range report.Sources {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		lastSync := "never"
		if s.LastSync != nil {
			lastSync = s.LastSync.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s %-8s %-8s %-9s %-17s %s\n",
			s.ID, s.Type, enabled, s.Status, lastSync, truncate(s.ErrorMessage, 60))
	}

	fmt.Println("")
	fmt.Printf("%d sources, %d enabled, %d active\n",
		report.Summary.TotalSources, report.Summary.EnabledSources, report.Summary.ActiveSources)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
