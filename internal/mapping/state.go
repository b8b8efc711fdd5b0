package mapping

import (
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
)

// State is the per-mapping runtime record from spec.md §3's MappingState.
type State struct {
	IsRunning             bool      `json:"is_running"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	LastSyncTimestamp     time.Time `json:"last_sync_timestamp,omitempty"`
	SyncCount             int64     `json:"sync_count"`
	TotalRecordsProcessed int64     `json:"total_records_processed"`
	LastBatchRecords      int64     `json:"last_batch_records"`
	LastError             string    `json:"last_error,omitempty"`
	LastErrorTimestamp    time.Time `json:"last_error_timestamp,omitempty"`
}

// StateStore persists the process-wide map of mapping name → State to a
// single document, guarded by one mutex and rewritten atomically on every
// write, using a full-document read/tempfile-write/rename idiom
// generalized from a single checkpoint value to a name-keyed map.
type StateStore struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
	states map[string]*State
	loaded bool
}

// NewStateStore constructs a StateStore backed by the layout's state file.
func NewStateStore(paths *bridgepath.Layout, c clock.Clock) *StateStore {
	return &StateStore{
		path:   paths.StateFilePath(),
		clock:  c,
		states: make(map[string]*State),
	}
}

func (s *StateStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	if len(data) == 0 {
		s.loaded = true
		return nil
	}
	var states map[string]*State
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	s.states = states
	s.loaded = true
	return nil
}

func (s *StateStore) persistLocked() error {
	return atomicWriteJSON(s.path, s.states)
}

// Get returns a copy of the named mapping's state, or a zero-value State
// with IsRunning=false if none has been recorded yet.
func (s *StateStore) Get(name string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return State{}, err
	}
	st, ok := s.states[name]
	if !ok {
		return State{}, nil
	}
	return *st, nil
}

// StartSync marks name as running. Per spec.md §4.2's invariant, only
// IsRunning and UpdatedAt change.
func (s *StateStore) StartSync(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	st, ok := s.states[name]
	if !ok {
		st = &State{CreatedAt: s.clock.Now()}
		s.states[name] = st
	}
	st.IsRunning = true
	st.UpdatedAt = s.clock.Now()
	return s.persistLocked()
}

// FinishSyncSuccess records a successful run: increments SyncCount and
// TotalRecordsProcessed, sets LastBatchRecords and LastSyncTimestamp, and
// clears any prior LastError, per spec.md §4.2's "on success, last_error
// is cleared" invariant.
func (s *StateStore) FinishSyncSuccess(name string, records int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	st, ok := s.states[name]
	if !ok {
		st = &State{CreatedAt: s.clock.Now()}
		s.states[name] = st
	}
	now := s.clock.Now()
	st.IsRunning = false
	st.UpdatedAt = now
	st.LastSyncTimestamp = now
	st.SyncCount++
	st.TotalRecordsProcessed += records
	st.LastBatchRecords = records
	st.LastError = ""
	st.LastErrorTimestamp = time.Time{}
	return s.persistLocked()
}

// FinishSyncError records a failed run. Per spec.md §4.2's "on error,
// counters are untouched" invariant, only IsRunning, UpdatedAt, LastError,
// and LastErrorTimestamp change.
func (s *StateStore) FinishSyncError(name, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	st, ok := s.states[name]
	if !ok {
		st = &State{CreatedAt: s.clock.Now()}
		s.states[name] = st
	}
	now := s.clock.Now()
	st.IsRunning = false
	st.UpdatedAt = now
	st.LastError = msg
	st.LastErrorTimestamp = now
	return s.persistLocked()
}

// GetRunningNames returns the names currently flagged is_running=true in
// the on-disk document. This reflects crash-stale flags too; see Clear.
func (s *StateStore) GetRunningNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	var names []string
	for name, st := range s.states {
		if st.IsRunning {
			names = append(names, name)
		}
	}
	return names, nil
}

// Clear resets a mapping's is_running flag to false without touching any
// other field, used by operators to reconcile stale flags after a crash
// (spec.md §4.2's crash model).
func (s *StateStore) Clear(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	st, ok := s.states[name]
	if !ok {
		return nil
	}
	st.IsRunning = false
	st.UpdatedAt = s.clock.Now()
	return s.persistLocked()
}
