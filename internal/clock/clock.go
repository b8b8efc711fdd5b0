// Package clock provides the monotonic wall-clock timestamps, UUIDs, and
// per-process run identifiers shared by every other component.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time and identity generation so runner and dispatcher
// tests can substitute deterministic values.
type Clock interface {
	Now() time.Time
	NewID() string
}

// System is the production Clock, backed by the real wall clock and
// random UUIDs.
type System struct{}

// New returns the production Clock.
func New() Clock { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewID() string { return uuid.NewString() }

// runID is generated once per process and stays stable for the lifetime
// of the program, per spec.md §6.3 ("run_id (stable per process)").
var (
	runIDOnce sync.Once
	runID     string
)

// RunID returns the stable per-process run identifier, generating it on
// first use.
func RunID() string {
	runIDOnce.Do(func() {
		runID = uuid.NewString()
	})
	return runID
}

// IdempotencyKey returns a fresh unique key, suitable for a single
// telemetry event per spec.md §6.3.
func IdempotencyKey() string {
	return uuid.NewString()
}
