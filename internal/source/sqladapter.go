package source

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
)

// driverName maps a mapping.SourceType to the database/sql driver
// registered by its blank import above.
func driverName(t mapping.SourceType) (driver string, dialect Dialect, err error) {
	switch t {
	case mapping.SourceMySQL:
		return "mysql", DialectMySQL, nil
	case mapping.SourcePostgreSQL:
		return "pgx", DialectANSI, nil
	case mapping.SourceSQLServer:
		return "sqlserver", DialectANSI, nil
	case mapping.SourceSQLite:
		return "sqlite3", DialectMySQL, nil
	default:
		return "", 0, fmt.Errorf("source: %q has no database/sql driver", t)
	}
}

// SQLAdapter is the Adapter implementation shared by mysql, postgresql,
// sqlserver, and sqlite, generalized over database/sql + sqlx the way the
// teacher generalizes DynamoDB access behind a single client interface:
// one struct, driver-specific behaviour confined to a registered driver
// name and a dialect tag.
type SQLAdapter struct {
	dsn     string
	driver  string
	dialect Dialect
	db      *sqlx.DB
}

var _ Adapter = (*SQLAdapter)(nil)

// NewSQLAdapter constructs an adapter for sourceType using dsn as the
// connection string (resolved by the caller from connection_ref).
func NewSQLAdapter(sourceType mapping.SourceType, dsn string) (*SQLAdapter, error) {
	driver, dialect, err := driverName(sourceType)
	if err != nil {
		return nil, err
	}
	return &SQLAdapter{dsn: dsn, driver: driver, dialect: dialect}, nil
}

// Dialect reports the identifier-quoting dialect this adapter's source
// uses, for BuildQuery callers.
func (a *SQLAdapter) Dialect() Dialect { return a.dialect }

func (a *SQLAdapter) Connect(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, a.driver, a.dsn)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.driver, err)
	}
	a.db = db
	return nil
}

func (a *SQLAdapter) TestConnection(ctx context.Context) error {
	if a.db == nil {
		return fmt.Errorf("test_connection: not connected")
	}
	return a.db.PingContext(ctx)
}

// Extract streams query in row batches of batchSize, invoking fn once per
// full or trailing-partial batch. Column conversion runs through
// ConvertRow so every adapter emits the same shapes.
func (a *SQLAdapter) Extract(ctx context.Context, query string, batchSize int, fn func(Batch) error) error {
	if a.db == nil {
		return fmt.Errorf("extract: not connected")
	}
	rows, err := a.db.QueryxContext(ctx, query)
	if err != nil {
		return fmt.Errorf("extract: query failed: %w", err)
	}
	defer rows.Close()

	batch := make([]Row, 0, batchSize)
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return fmt.Errorf("extract: scan row: %w", err)
		}
		row := make(Row, len(raw))
		for k, v := range raw {
			row[k] = v
		}
		ConvertRow(row)
		batch = append(batch, row)

		if len(batch) >= batchSize {
			if err := fn(Batch{Rows: batch}); err != nil {
				return err
			}
			batch = make([]Row, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("extract: row iteration: %w", err)
	}
	if len(batch) > 0 {
		if err := fn(Batch{Rows: batch}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByPK issues a single `DELETE FROM <table> WHERE <pk> IN (...)`
// statement using sqlx.In to expand the slice bind, as sqlx's own docs
// recommend for variable-length IN clauses.
func (a *SQLAdapter) DeleteByPK(ctx context.Context, table, pkColumn string, values []any) (int64, error) {
	if a.db == nil {
		return 0, fmt.Errorf("delete_by_pk: not connected")
	}
	if len(values) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", table, pkColumn)
	query, args, err := sqlx.In(query, values)
	if err != nil {
		return 0, fmt.Errorf("delete_by_pk: build IN clause: %w", err)
	}
	query = a.db.Rebind(query)

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete_by_pk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete_by_pk: rows affected: %w", err)
	}
	return n, nil
}

func (a *SQLAdapter) Disconnect(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
