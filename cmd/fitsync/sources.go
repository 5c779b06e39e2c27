package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect and manage configured sources",
		Long: `Inspect and manage source definitions stored in the local database.
Use "sources list" to see ids, types, and enabled state.`,
		RunE: sourcesListRun,
	}

	cmd.AddCommand(
		newSourcesListCmd(),
		newSourcesEnableCmd(true),
		newSourcesEnableCmd(false),
		newSourcesTestCmd(),
	)
	return cmd
}

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured sources",
		Long:    "List all configured sources, including source type and whether each one is enabled and loaded.",
		RunE:    sourcesListRun,
	}
}

func sourcesListRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	configs, err := globalStore.ListSourceConfigs(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing source configs: %w", err)
	}

	if len(configs) == 0 {
		fmt.Println("No sources configured.")
		return nil
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].ID < configs[j].ID
	})

	fmt.Println("Configured Sources")
	fmt.Println("==================")
	fmt.Println("")
	fmt.Printf("%-24s %-24s %-8s %-8s %-10s\n", "ID", "Name", "Type", "Enabled", "Loaded")
	fmt.Println(strings.Repeat("-", 78))

	for _, sc := range configs {
		enabled := "no"
		if sc.Enabled {
			enabled = "yes"
		}

		loaded := "no"
		if globalRegistry != nil {
			if _, ok := globalRegistry.Get(sc.ID); ok {
				loaded = "yes"
			}
		}

		fmt.Printf("%-24s %-24s %-8s %-8s %-10s\n", sc.ID, truncate(sc.Name, 24), sc.Type, enabled, loaded)
	}
	fmt.Println("")

	return nil
}

func newSourcesEnableCmd(enable bool) *cobra.Command {
	use, short := "enable ID", "Enable a source"
	if !enable {
		use, short = "disable ID", "Disable a source"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setSourceEnabled(cmd, args[0], enable)
		},
	}
}

func setSourceEnabled(cmd *cobra.Command, id string, enable bool) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	sc, err := globalStore.GetSourceConfig(cmd.Context(), id)
	if err != nil {
		return err
	}
	if sc.Enabled == enable {
		fmt.Printf("%s is already %s\n", id, enabledWord(enable))
		return nil
	}
	if err := globalStore.ToggleSourceConfig(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", id, enabledWord(enable))
	return nil
}

func enabledWord(enable bool) string {
	if enable {
		return "enabled"
	}
	return "disabled"
}

func newSourcesTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connectivity of every enabled source",
		RunE:  sourcesTestRun,
	}
}

func sourcesTestRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	results := globalManager.TestConnections(cmd.Context())
	if len(results) == 0 {
		fmt.Println("No enabled sources.")
		return nil
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failed int
	for _, id := range ids {
		mark := "ok"
		if !results[id] {
			mark = "FAILED"
			failed++
		}
		fmt.Printf("%-24s %s\n", id, mark)
	}
	if failed > 0 {
		return fmt.Errorf("%d sources failed the connection test", failed)
	}
	return nil
}
