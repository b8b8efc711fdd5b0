package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print totals from the dispatcher's status()",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := wireDeps()
	if err != nil {
		return err
	}

	st, err := d.Dispatcher.Status(context.Background())
	if err != nil {
		return err
	}

	names, err := d.Runner.Configs.List()
	if err != nil {
		return err
	}
	sort.Strings(names)

	fmt.Printf("Configured mappings: %d\n", st.TotalMappings)
	fmt.Printf("Currently running:   %d\n", len(st.RunningNames))
	for _, name := range names {
		state, err := d.Runner.States.Get(name)
		if err != nil {
			fmt.Printf("  %-40s (no state recorded)\n", name)
			continue
		}
		last := "never"
		if !state.LastSyncTimestamp.IsZero() {
			last = state.LastSyncTimestamp.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Printf("  %-40s syncs=%-6d last=%s\n", name, state.SyncCount, last)
		if state.LastError != "" {
			fmt.Printf("      last_error: %s\n", state.LastError)
		}
	}
	return nil
}
