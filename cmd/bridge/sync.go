package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/datasnap-cloud/bridge-agent/internal/runner"
)

var (
	flagAll       bool
	flagMappings  []string
	flagParallel  bool
	flagSequential bool
	flagDryRun    bool
	flagForce     bool
	flagWorkers   int
	flagBatchSize int
	flagShowStatus bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sync_mapping for one, many, or all configured mappings",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&flagAll, "all", false, "sync every configured mapping")
	syncCmd.Flags().StringArrayVar(&flagMappings, "mapping", nil, "mapping name to sync (repeatable); mutually exclusive with --all")
	syncCmd.Flags().BoolVar(&flagParallel, "parallel", false, "run the given mappings concurrently, bounded by --workers")
	syncCmd.Flags().BoolVar(&flagSequential, "sequential", false, "run the given mappings strictly one at a time")
	syncCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "extract and write JSONL locally without uploading or advancing watermarks")
	syncCmd.Flags().BoolVar(&flagForce, "force", false, "re-extract from the beginning, ignoring the stored watermark")
	syncCmd.Flags().IntVar(&flagWorkers, "workers", 4, "max concurrent mappings in parallel mode")
	syncCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "override each mapping's configured batch_size (0 = use the mapping's own value)")
	syncCmd.Flags().BoolVar(&flagShowStatus, "status", false, "print a status summary after the run")
}

func runSync(cmd *cobra.Command, args []string) error {
	if flagAll && len(flagMappings) > 0 {
		return fmt.Errorf("--all and --mapping are mutually exclusive")
	}
	if flagParallel && flagSequential {
		return fmt.Errorf("--parallel and --sequential are mutually exclusive")
	}

	d, err := wireDeps()
	if err != nil {
		return err
	}
	if flagWorkers > 0 {
		d.Dispatcher.MaxWorkers = flagWorkers
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := validateAPIKey(ctx, d); err != nil {
		return err
	}

	opts := runner.Options{DryRun: flagDryRun, Force: flagForce, BatchSizeOverride: flagBatchSize}

	// parallel mode is the scheduling default (spec.md §4.7 names
	// max_workers=4 as parallel mode's own default), so only an explicit
	// --sequential turns it off.
	parallel := !flagSequential

	var results []runner.SyncResult
	switch {
	case flagAll:
		results, err = d.Dispatcher.SyncAll(ctx, opts)
	case len(flagMappings) > 0:
		results = d.Dispatcher.SyncMany(ctx, flagMappings, parallel, opts)
	default:
		return fmt.Errorf("one of --all or --mapping is required")
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		printResult(r)
		d.Metrics.ObserveSync(r.MappingName, r.Success, r.Duration.Seconds(), r.RowsExtracted, r.FilesUploaded, r.BytesUploaded, 0)
		if !r.Success {
			failed++
		}
	}

	if flagShowStatus {
		st, err := d.Dispatcher.Status(ctx)
		if err == nil {
			fmt.Printf("\n%d mapping(s) configured, %d currently running\n", st.TotalMappings, len(st.RunningNames))
		}
	}

	if ctx.Err() != nil {
		return errInterrupted
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d mapping(s) failed", failed, len(results))
	}
	return nil
}

func printResult(r runner.SyncResult) {
	status := "OK"
	if r.Skipped {
		status = "SKIPPED"
	} else if !r.Success {
		status = "FAILED"
	}
	fmt.Printf("[%s] %s rows=%d files=%d bytes=%d watermark=%s",
		status, r.MappingName, r.RowsExtracted, r.FilesUploaded, r.BytesUploaded, r.NewWatermark)
	if r.ErrorMessage != "" {
		fmt.Printf(" msg=%q", r.ErrorMessage)
	}
	fmt.Println()
}
