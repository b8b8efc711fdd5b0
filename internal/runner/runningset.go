// Package runner implements the Sync Runner (C11) from spec.md §4.1: the
// per-mapping state machine that drives one mapping from config load
// through extract, write, upload, optional delete, watermark advance, and
// state finalisation. Grounded on coordinator.Coordinator.Run's overall
// shape and original_source/sync/runner.py's SyncRunner.sync_mapping.
package runner

import "sync"

// RunningSet is the process-wide set of mapping names currently being
// synced, guarded by a single mutex. It is owned by neither the runner
// nor the dispatcher and injected into both, resolving the cyclic
// reference spec.md §9 calls out ("the runner depends on the
// dispatcher's view of the running-set, and the dispatcher depends on
// the runner to run").
type RunningSet struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewRunningSet constructs an empty RunningSet.
func NewRunningSet() *RunningSet {
	return &RunningSet{running: make(map[string]struct{})}
}

// TryAdd inserts name if absent, returning true on success and false if
// name was already present — the "insertion is conditional" rule from
// spec.md §5.
func (r *RunningSet) TryAdd(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[name]; ok {
		return false
	}
	r.running[name] = struct{}{}
	return true
}

// Remove deletes name from the set. Safe to call even if name is absent,
// so callers can unconditionally defer it on every exit path (success,
// error, or panic) per spec.md §4.1's reentrancy contract.
func (r *RunningSet) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, name)
}

// Names returns a snapshot of the currently-running mapping names.
func (r *RunningSet) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	return names
}
