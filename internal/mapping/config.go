// Package mapping implements the Mapping Config Store (C3) and Mapping
// State Store (C4) from spec.md §4.2 and §3's MappingConfig/MappingState
// data model, using an atomic tempfile-then-rename write idiom and a
// field-by-field validation style.
package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
)

// SourceType enumerates the supported source adapter backends (spec.md §3).
type SourceType string

const (
	SourceMySQL      SourceType = "mysql"
	SourcePostgreSQL SourceType = "postgresql"
	SourceSQLServer  SourceType = "sqlserver"
	SourceSQLite     SourceType = "sqlite"
	SourceLaravelLog SourceType = "laravel_log"
)

// IncrementalMode enumerates the transfer.incremental_mode values.
type IncrementalMode string

const (
	ModeFull                 IncrementalMode = "full"
	ModeIncrementalPK        IncrementalMode = "incremental_pk"
	ModeIncrementalTimestamp IncrementalMode = "incremental_timestamp"
	ModeCustomSQL            IncrementalMode = "custom_sql"
)

// Source describes the source.{name,type,connection_ref} block.
type Source struct {
	Name          string     `json:"name"`
	Type          SourceType `json:"type"`
	ConnectionRef string     `json:"connection_ref"`
}

// Schema describes the schema.{id,name,slug,token_ref} block.
type Schema struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	TokenRef string `json:"token_ref"`
}

// DeleteSafety describes transfer.delete_safety.
type DeleteSafety struct {
	Enabled      bool   `json:"enabled"`
	WhereColumn  string `json:"where_column,omitempty"`
}

// Transfer describes the transfer policy block.
type Transfer struct {
	IncrementalMode     IncrementalMode `json:"incremental_mode"`
	PKColumn            string          `json:"pk_column,omitempty"`
	TimestampColumn     string          `json:"timestamp_column,omitempty"`
	InitialWatermark    string          `json:"initial_watermark"`
	BatchSize           int             `json:"batch_size"`
	OrderBy             string          `json:"order_by,omitempty"`
	MinRecordsForUpload int             `json:"min_records_for_upload"`
	DeleteAfterUpload   bool            `json:"delete_after_upload"`
	DeleteSafety        DeleteSafety    `json:"delete_safety"`
}

// Config is the persisted per-mapping configuration document (spec.md §3
// MappingConfig).
type Config struct {
	Source   Source   `json:"source"`
	Table    string   `json:"table"`
	Schema   Schema   `json:"schema"`
	Transfer Transfer `json:"transfer"`
	Query    string   `json:"query,omitempty"`
}

// Name returns the mapping's stable identity, "<source.name>.<table>",
// used as the key into the state store and running-set.
func (c *Config) Name() string {
	return c.Source.Name + "." + c.Table
}

const defaultBatchSize = 5000

// Validate checks the invariants from spec.md §3:
//
//	incremental_mode=incremental_pk ⇒ pk_column ≠ null
//	delete_after_upload ⇒ pk_column ≠ null
//
// and returns a slice of non-fatal warnings for conditions that are
// legal but suspicious (spec.md §9's open question about
// delete_after_upload interacting with incremental_pk).
func (c *Config) Validate() (warnings []string, err error) {
	if c.Source.Name == "" {
		return nil, fmt.Errorf("mapping config: source.name is required")
	}
	if c.Table == "" {
		return nil, fmt.Errorf("mapping config: table is required")
	}
	switch c.Source.Type {
	case SourceMySQL, SourcePostgreSQL, SourceSQLServer, SourceSQLite, SourceLaravelLog:
	default:
		return nil, fmt.Errorf("mapping config: unsupported source type %q", c.Source.Type)
	}
	if c.Schema.Slug == "" {
		return nil, fmt.Errorf("mapping config: schema.slug is required")
	}

	switch c.Transfer.IncrementalMode {
	case ModeFull, ModeIncrementalPK, ModeIncrementalTimestamp, ModeCustomSQL:
	case "":
		return nil, fmt.Errorf("mapping config: transfer.incremental_mode is required")
	default:
		return nil, fmt.Errorf("mapping config: unsupported incremental_mode %q", c.Transfer.IncrementalMode)
	}

	if c.Transfer.IncrementalMode == ModeIncrementalPK && c.Transfer.PKColumn == "" {
		return nil, fmt.Errorf("mapping config: pk_column is required when incremental_mode=incremental_pk")
	}
	if c.Transfer.IncrementalMode == ModeIncrementalTimestamp && c.Transfer.TimestampColumn == "" {
		return nil, fmt.Errorf("mapping config: timestamp_column is required when incremental_mode=incremental_timestamp")
	}
	if c.Transfer.IncrementalMode == ModeCustomSQL && strings.TrimSpace(c.Query) == "" {
		return nil, fmt.Errorf("mapping config: query is required when incremental_mode=custom_sql")
	}
	if c.Transfer.DeleteAfterUpload && c.Transfer.PKColumn == "" {
		return nil, fmt.Errorf("mapping config: pk_column is required when delete_after_upload=true")
	}

	if c.Transfer.DeleteAfterUpload && c.Transfer.IncrementalMode == ModeIncrementalPK {
		warnings = append(warnings, fmt.Sprintf(
			"mapping %s: delete_after_upload with incremental_pk can miss rows that reuse a "+
				"deleted primary key once the watermark advances past it", c.Name()))
	}

	if c.Transfer.InitialWatermark == "" {
		c.Transfer.InitialWatermark = "0"
	}
	if c.Transfer.BatchSize <= 0 {
		c.Transfer.BatchSize = defaultBatchSize
	}
	return warnings, nil
}

// ConfigStore loads and saves per-mapping JSON config files under
// <base>/.bridge/config/mappings, and owns the watermark mutation that is
// the only field the runner is allowed to rewrite.
type ConfigStore struct {
	paths *bridgepath.Layout
}

// NewConfigStore constructs a ConfigStore rooted at the given layout.
func NewConfigStore(paths *bridgepath.Layout) *ConfigStore {
	return &ConfigStore{paths: paths}
}

// Load reads a single mapping's config by its "<source>.<table>" name.
// ConfigMissing (spec.md §4.1 step 1) is signalled by a non-nil error
// wrapping os.ErrNotExist; callers enumerate available names via List.
func (s *ConfigStore) Load(name string) (*Config, error) {
	sourceName, table, err := splitName(name)
	if err != nil {
		return nil, err
	}
	path := s.paths.MappingConfigPath(sourceName, table)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode mapping config %s: %w", path, err)
	}
	return &cfg, nil
}

// List enumerates the mapping names available on disk, used both for
// `sync --all` and for ConfigMissing's "enumerate available mapping
// names" requirement.
func (s *ConfigStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.paths.MappingsConfDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mapping configs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

// Save atomically rewrites a mapping's entire config document.
func (s *ConfigStore) Save(cfg *Config) error {
	path := s.paths.MappingConfigPath(cfg.Source.Name, cfg.Table)
	return atomicWriteJSON(path, cfg)
}

// AdvanceWatermark overwrites transfer.initial_watermark with newWatermark
// and persists the result, implementing spec.md §4.1 step 6's
// read-modify-write-rename under no lock (safe because only one runner per
// mapping may be active, enforced by the running-names set).
func (s *ConfigStore) AdvanceWatermark(name, newWatermark string) error {
	cfg, err := s.Load(name)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	cfg.Transfer.InitialWatermark = newWatermark
	return s.Save(cfg)
}

func splitName(name string) (sourceName, table string, err error) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("mapping name %q must be of the form <source>.<table>", name)
	}
	return name[:idx], name[idx+1:], nil
}

// atomicWriteJSON writes v to path via a tempfile-then-rename, generalized
// to any JSON-marshalable value and to bridgepath's 0600 file mode.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), bridgepath.DirMode()); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create tempfile for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tempfile for %s: %w", path, err)
	}
	if err := tmp.Chmod(bridgepath.FileMode()); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod tempfile for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tempfile for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename tempfile into place for %s: %w", path, err)
	}
	return nil
}
