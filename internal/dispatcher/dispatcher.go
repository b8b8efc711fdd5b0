// Package dispatcher implements the Sync Dispatcher (C12) from spec.md
// §4.7: the multi-mapping orchestrator that runs many runner.Runner
// instances under a worker cap and aggregates their results. Grounded on
// coordinator.Coordinator's signal-handling and task-distribution shape
// (coordinator/coordinator.go), generalized from "N files, M workers" to
// "N mappings, M workers", and on original_source/sync/runner.py's
// sync_multiple_mappings (sequential vs parallel mode) and
// get_sync_status.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/runner"
)

const defaultMaxWorkers = 4

// Dispatcher runs SyncMapping across many mapping names.
type Dispatcher struct {
	Runner     *runner.Runner
	MaxWorkers int
	Log        zerolog.Logger

	listNames func() ([]string, error)
}

// New constructs a Dispatcher. listNames enumerates every configured
// mapping, used by SyncAll; it is typically mapping.ConfigStore.List.
func New(r *runner.Runner, maxWorkers int, listNames func() ([]string, error), log zerolog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Dispatcher{Runner: r, MaxWorkers: maxWorkers, listNames: listNames, Log: log}
}

// SyncAll runs every configured mapping in parallel, bounded by
// MaxWorkers.
func (d *Dispatcher) SyncAll(ctx context.Context, opts runner.Options) ([]runner.SyncResult, error) {
	names, err := d.listNames()
	if err != nil {
		return nil, err
	}
	return d.SyncMany(ctx, names, true, opts), nil
}

// SyncMany runs every name in names, either in parallel (bounded by
// MaxWorkers) or strictly sequentially in input order, per spec.md §4.7's
// scheduling rule. Results preserve input order regardless of mode.
// Cancellation of ctx aborts remaining tasks; already-returned results
// are still included.
func (d *Dispatcher) SyncMany(ctx context.Context, names []string, parallel bool, opts runner.Options) []runner.SyncResult {
	results := make([]runner.SyncResult, len(names))

	if !parallel {
		for i, name := range names {
			select {
			case <-ctx.Done():
				results[i] = canceledResult(name)
				continue
			default:
			}
			results[i] = d.Runner.SyncMapping(ctx, name, opts)
		}
		return results
	}

	sem := make(chan struct{}, d.MaxWorkers)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				results[i] = canceledResult(name)
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			results[i] = d.Runner.SyncMapping(ctx, name, opts)
		}(i, name)
	}
	wg.Wait()
	return results
}

// SyncOne runs a single mapping and returns its result.
func (d *Dispatcher) SyncOne(ctx context.Context, name string, opts runner.Options) runner.SyncResult {
	return d.Runner.SyncMapping(ctx, name, opts)
}

// Status is the aggregate view returned by Status(), matching spec.md
// §6.5's "status: prints totals from status()".
type Status struct {
	TotalMappings int
	RunningNames  []string
	GeneratedAt   time.Time
}

// Status reports the set of mappings currently running in this process.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	names, err := d.listNames()
	if err != nil {
		return Status{}, err
	}
	return Status{
		TotalMappings: len(names),
		RunningNames:  d.Runner.Running.Names(),
		GeneratedAt:   d.Runner.Clock.Now(),
	}, nil
}

func canceledResult(name string) runner.SyncResult {
	return runner.SyncResult{
		MappingName:  name,
		Success:      false,
		ErrorMessage: "canceled before starting",
		ErrorCode:    "canceled",
	}
}
