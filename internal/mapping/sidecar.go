package mapping

import (
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
)

// LastSynced records the watermark as of the most recent successful sync.
type LastSynced struct {
	Watermark string     `json:"watermark"`
	At        *time.Time `json:"at"`
}

// SidecarCounters accumulates lifetime totals for a mapping, independent
// of the process-wide StateStore (which a fresh deploy or state-file loss
// resets; this sidecar is meant to survive that).
type SidecarCounters struct {
	TotalRuns             int64 `json:"total_runs"`
	TotalRecordsProcessed int64 `json:"total_records_processed"`
	TotalFilesUploaded    int64 `json:"total_files_uploaded"`
	TotalErrors           int64 `json:"total_errors"`
}

// LastRun is the outcome of the most recent attempt, regardless of
// success.
type LastRun struct {
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	RecordCount  int64      `json:"record_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

const runStatusNeverRun = "never_run"

// Sidecar is the per-mapping history document from spec.md §6.2, distinct
// from both Config (operator-authored) and the process-wide StateStore
// (runtime reentrancy bookkeeping): it is the durable audit trail an
// operator reads to answer "when did this mapping last actually move
// data, and how much".
type Sidecar struct {
	LastSynced LastSynced      `json:"last_synced"`
	Counters   SidecarCounters `json:"counters"`
	LastRun    LastRun         `json:"last_run"`
}

// newSidecar builds the zero-value document spec.md §6.2 mandates on
// first creation.
func newSidecar() *Sidecar {
	return &Sidecar{
		LastSynced: LastSynced{Watermark: "0"},
		LastRun:    LastRun{Status: runStatusNeverRun},
	}
}

// SidecarStore loads and saves per-mapping history documents under
// <base>/.bridge/mappings_state, atomically rewritten the same way as
// ConfigStore.
type SidecarStore struct {
	paths *bridgepath.Layout
}

// NewSidecarStore constructs a SidecarStore rooted at the given layout.
func NewSidecarStore(paths *bridgepath.Layout) *SidecarStore {
	return &SidecarStore{paths: paths}
}

// Load reads a mapping's sidecar, creating (but not yet persisting) the
// zero-value document if none exists on disk.
func (s *SidecarStore) Load(name string) (*Sidecar, error) {
	sourceName, table, err := splitName(name)
	if err != nil {
		return nil, err
	}
	path := s.paths.MappingSidecarPath(sourceName, table)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newSidecar(), nil
		}
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Save atomically rewrites a mapping's sidecar document.
func (s *SidecarStore) Save(name string, sc *Sidecar) error {
	sourceName, table, err := splitName(name)
	if err != nil {
		return err
	}
	path := s.paths.MappingSidecarPath(sourceName, table)
	return atomicWriteJSON(path, sc)
}

// RecordRunStart loads the sidecar, bumps TotalRuns, marks LastRun as
// in-progress and saves it, so the "started" state is on disk before the
// run completes; it returns the updated document.
func (s *SidecarStore) RecordRunStart(name string, startedAt time.Time) (*Sidecar, error) {
	sc, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	sc.Counters.TotalRuns++
	sc.LastRun = LastRun{Status: "running", StartedAt: &startedAt}
	if err := s.Save(name, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// RecordRunSuccess updates the sidecar after a successful sync: advances
// last_synced, accumulates counters, and records the completed LastRun.
func (s *SidecarStore) RecordRunSuccess(name, newWatermark string, startedAt, finishedAt time.Time, recordCount, filesUploaded int64) error {
	sc, err := s.Load(name)
	if err != nil {
		return err
	}
	sc.LastSynced = LastSynced{Watermark: newWatermark, At: &finishedAt}
	sc.Counters.TotalRecordsProcessed += recordCount
	sc.Counters.TotalFilesUploaded += filesUploaded
	sc.LastRun = LastRun{
		Status:      "success",
		StartedAt:   &startedAt,
		FinishedAt:  &finishedAt,
		RecordCount: recordCount,
	}
	return s.Save(name, sc)
}

// RecordRunError updates the sidecar after a failed sync, bumping the
// lifetime error counter without touching last_synced.
func (s *SidecarStore) RecordRunError(name string, startedAt, finishedAt time.Time, errMsg string) error {
	sc, err := s.Load(name)
	if err != nil {
		return err
	}
	sc.Counters.TotalErrors++
	sc.LastRun = LastRun{
		Status:       "error",
		StartedAt:    &startedAt,
		FinishedAt:   &finishedAt,
		ErrorMessage: errMsg,
	}
	return s.Save(name, sc)
}
