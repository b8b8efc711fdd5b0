package source

import (
	"fmt"

	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
)

// LogFilePathResolver resolves a laravel_log mapping's connection_ref
// (normally an environment variable name, same as every other source
// type) to a filesystem path, kept as an injectable function so tests
// don't depend on real environment variables.
type LogFilePathResolver func(connectionRef string) (string, error)

// Factory builds Adapter instances from mapping configuration, hiding
// driver/client wiring behind a single call site.
type Factory struct {
	// ResolveDSN turns a connection_ref into a database/sql DSN for the
	// SQL-backed source types.
	ResolveDSN func(connectionRef string) (string, error)
	// ResolveLogPath turns a connection_ref into a laravel_log file path.
	ResolveLogPath LogFilePathResolver
	// MaxMemoryMB bounds the laravel_log adapter's chunk size; zero
	// selects its built-in default.
	MaxMemoryMB int
}

// Build returns the Adapter appropriate for cfg.Source.Type.
func (f *Factory) Build(cfg *mapping.Config) (Adapter, error) {
	switch cfg.Source.Type {
	case mapping.SourceMySQL, mapping.SourcePostgreSQL, mapping.SourceSQLServer, mapping.SourceSQLite:
		if f.ResolveDSN == nil {
			return nil, fmt.Errorf("source factory: ResolveDSN not configured")
		}
		dsn, err := f.ResolveDSN(cfg.Source.ConnectionRef)
		if err != nil {
			return nil, fmt.Errorf("source factory: resolve dsn for %s: %w", cfg.Source.Name, err)
		}
		return NewSQLAdapter(cfg.Source.Type, dsn)

	case mapping.SourceLaravelLog:
		if f.ResolveLogPath == nil {
			return nil, fmt.Errorf("source factory: ResolveLogPath not configured")
		}
		path, err := f.ResolveLogPath(cfg.Source.ConnectionRef)
		if err != nil {
			return nil, fmt.Errorf("source factory: resolve log path for %s: %w", cfg.Source.Name, err)
		}
		return NewLaravelLogAdapter(path, f.MaxMemoryMB), nil

	default:
		return nil, fmt.Errorf("source factory: unsupported source type %q", cfg.Source.Type)
	}
}

// DialectFor reports the identifier-quoting dialect for a mapping's
// source type, for use with BuildQuery when no adapter instance is
// available yet (e.g. dry-run query preview).
func DialectFor(t mapping.SourceType) (Dialect, error) {
	switch t {
	case mapping.SourceLaravelLog:
		return DialectANSI, fmt.Errorf("source factory: laravel_log has no SQL dialect")
	default:
		_, dialect, err := driverName(t)
		return dialect, err
	}
}
