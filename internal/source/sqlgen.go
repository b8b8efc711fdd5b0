package source

import (
	"fmt"
	"strings"

	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
)

// Dialect names the identifier-quoting convention a BuildQuery caller
// wants applied to a bare ORDER BY column, since MySQL/SQLite use
// backticks while PostgreSQL/SQL Server use double quotes.
type Dialect int

const (
	DialectMySQL Dialect = iota
	DialectANSI
)

func (d Dialect) quoteIdentifier(col string) string {
	switch d {
	case DialectMySQL:
		return "`" + col + "`"
	default:
		return `"` + col + `"`
	}
}

// BuildQuery generates the SELECT statement for a mapping per spec.md
// §4.3's SQL generation rules, given the current watermark. It returns an
// error for custom_sql with no query configured (re-checked here although
// Config.Validate rejects it, since BuildQuery may be called against a
// config loaded without validation) and for an unsupported incremental_mode.
func BuildQuery(cfg *mapping.Config, dialect Dialect, watermark string) (string, error) {
	switch cfg.Transfer.IncrementalMode {
	case mapping.ModeCustomSQL:
		if strings.TrimSpace(cfg.Query) == "" {
			return "", fmt.Errorf("source: custom_sql mode requires query")
		}
		return cfg.Query, nil

	case mapping.ModeFull:
		q := fmt.Sprintf("SELECT * FROM %s", cfg.Table)
		if ob := normalizeOrderBy(cfg.Transfer.OrderBy, dialect); ob != "" {
			q += " " + ob
		}
		return q, nil

	case mapping.ModeIncrementalPK:
		return fmt.Sprintf(
			"SELECT * FROM %s WHERE %s > %s ORDER BY %s ASC",
			cfg.Table, cfg.Transfer.PKColumn, watermark, cfg.Transfer.PKColumn,
		), nil

	case mapping.ModeIncrementalTimestamp:
		return fmt.Sprintf(
			"SELECT * FROM %s WHERE %s > '%s' ORDER BY %s ASC",
			cfg.Table, cfg.Transfer.TimestampColumn, watermark, cfg.Transfer.TimestampColumn,
		), nil

	default:
		return "", fmt.Errorf("source: unsupported incremental_mode %q", cfg.Transfer.IncrementalMode)
	}
}

// normalizeOrderBy implements spec.md §4.3's ORDER BY normalisation: a
// bare column name is identifier-quoted and suffixed ASC; a clause
// already starting with "order by" (case-insensitive) is used as-is,
// minus a trailing semicolon.
func normalizeOrderBy(orderBy string, dialect Dialect) string {
	ob := strings.TrimSpace(orderBy)
	if ob == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(ob), "order by") {
		return strings.TrimSuffix(strings.TrimSpace(ob), ";")
	}
	return "ORDER BY " + dialect.quoteIdentifier(ob) + " ASC"
}
