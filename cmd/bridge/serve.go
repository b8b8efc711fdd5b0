package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/datasnap-cloud/bridge-agent/internal/runner"
	"github.com/datasnap-cloud/bridge-agent/internal/statusserver"
)

var flagServeInterval time.Duration

// serveCmd is a supplemented daemon mode (SPEC_FULL.md §6.7): it is not
// part of spec.md's CLI surface, added because every long-running example
// in the pack (warren, kubernaut) is itself a daemon rather than a
// cron-invoked one-shot.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sync_all on a ticker until interrupted (supplemented daemon mode)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&flagServeInterval, "interval", 15*time.Minute, "delay between successive sync_all runs")
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := wireDeps()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := validateAPIKey(ctx, d); err != nil {
		return err
	}

	var ready bool
	var readyMu sync.Mutex
	isReady := func() bool {
		readyMu.Lock()
		defer readyMu.Unlock()
		return ready
	}

	var wg sync.WaitGroup
	if flagStatusAddr != "" {
		srv := statusserver.New(flagStatusAddr, d.Dispatcher, d.Metrics, isReady, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Error().Err(err).Msg("status server exited with error")
			}
		}()
	}

	readyMu.Lock()
	ready = true
	readyMu.Unlock()

	log.Info().Dur("interval", flagServeInterval).Msg("starting serve loop")
	runOnce(ctx, d)

	ticker := time.NewTicker(flagServeInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			runOnce(ctx, d)
		}
	}

	wg.Wait()
	log.Info().Msg("serve loop stopped")
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

func runOnce(ctx context.Context, d *deps) {
	d.Runner.Telemetry.Heartbeat(ctx, "bridge-agent", "datasnap-cloud")

	results, err := d.Dispatcher.SyncAll(ctx, runner.Options{})
	if err != nil {
		log.Error().Err(err).Msg("sync_all failed to start")
		return
	}
	for _, r := range results {
		d.Metrics.ObserveSync(r.MappingName, r.Success, r.Duration.Seconds(), r.RowsExtracted, r.FilesUploaded, r.BytesUploaded, 0)
	}
	d.Metrics.SetMappingsRunning(len(d.Runner.Running.Names()))
}
