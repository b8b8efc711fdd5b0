// Package bridgepath implements the deterministic on-disk directory tree
// from spec.md §6.4, resolved relative to the running executable rather
// than the user's home directory.
package bridgepath

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Layout is the resolved set of directories and files under
// <base>/.bridge, with the same path-cleaning and absolute-path
// validation idiom as a tempfile-then-rename checkpoint store.
type Layout struct {
	Base             string
	BridgeDir        string
	MappingsConfDir  string
	MappingsStateDir string
	StateDir         string
	CacheDir         string
	UploadsDir       string
	LogsDir          string
}

// New resolves a Layout rooted at base. If base is empty, the directory
// containing the running executable is used, per spec.md §6.4's "path
// resolution follows the executable, not the user home".
func New(base string) (*Layout, error) {
	if base == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable path: %w", err)
		}
		base = filepath.Dir(exe)
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute base path: %w", err)
	}

	bridge := filepath.Join(absBase, ".bridge")
	l := &Layout{
		Base:             absBase,
		BridgeDir:        bridge,
		MappingsConfDir:  filepath.Join(bridge, "config", "mappings"),
		MappingsStateDir: filepath.Join(bridge, "mappings_state"),
		StateDir:         filepath.Join(bridge, "state"),
		CacheDir:         filepath.Join(bridge, "cache"),
		UploadsDir:       filepath.Join(bridge, "tmp", "uploads"),
		LogsDir:          filepath.Join(bridge, "logs"),
	}
	return l, nil
}

// EnsureDirs creates every directory in the layout with mode 0700, per
// spec.md §6.4.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.MappingsConfDir,
		l.MappingsStateDir,
		l.StateDir,
		l.CacheDir,
		l.UploadsDir,
		l.LogsDir,
	} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MappingConfigPath returns the path to a mapping's config file:
// <base>/.bridge/config/mappings/<source>.<table>.json
func (l *Layout) MappingConfigPath(sourceName, table string) string {
	return filepath.Join(l.MappingsConfDir, fmt.Sprintf("%s.%s.json", sourceName, table))
}

// MappingSidecarPath returns the path to a mapping's history sidecar file:
// <base>/.bridge/mappings_state/<source>.<table>.state.json
func (l *Layout) MappingSidecarPath(sourceName, table string) string {
	return filepath.Join(l.MappingsStateDir, fmt.Sprintf("%s.%s.state.json", sourceName, table))
}

// StateFilePath returns the path to the process-wide MappingState document.
func (l *Layout) StateFilePath() string {
	return filepath.Join(l.StateDir, "sync_state.json")
}

// TokenCachePath returns the path to the upload token cache document.
func (l *Layout) TokenCachePath() string {
	return filepath.Join(l.CacheDir, "upload_tokens.json")
}

// UploadFilePrefix returns the <uploads_dir>/<mapping_name>_ prefix used
// both for naming new JSONL files and for sweeping stale ones (spec.md §4.1
// "Temp-file cleanup").
func (l *Layout) UploadFilePrefix(mappingName string) string {
	return filepath.Join(l.UploadsDir, mappingName+"_")
}

// FileMode is the mode used for every file this program writes under the
// bridge tree, per spec.md §6.4 ("file mode 0600 where supported").
func FileMode() os.FileMode { return fileMode }

// DirMode is the mode used for every directory this program creates under
// the bridge tree.
func DirMode() os.FileMode { return dirMode }
