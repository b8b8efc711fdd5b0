// Package source implements the Source Adapter (C5) from spec.md §4.3: a
// uniform interface over {mysql, postgresql, sqlserver, sqlite,
// laravel_log}, using an interface+impl+compile-time-assertion idiom.
package source

import (
	"context"
)

// Row is a single extracted record, column name to converted value, after
// ConvertRow has normalized datetimes, blobs, and NULLs per spec.md
// §4.3's "Row conversion" rule.
type Row map[string]any

// Batch is one lazily-produced chunk of rows from Extract.
type Batch struct {
	Rows []Row
}

// Adapter is the uniform interface every source backend implements,
// matching spec.md §4.3 exactly: connect, test_connection, extract,
// delete_by_pk, disconnect.
type Adapter interface {
	// Connect establishes the underlying connection. The runner reports
	// a failure here with ErrorCode conn_error.
	Connect(ctx context.Context) error

	// TestConnection verifies connectivity without side effects,
	// typically a lightweight ping.
	TestConnection(ctx context.Context) error

	// Extract runs query in batches of batchSize, invoking fn once per
	// batch. The sequence is finite and not restartable: a caller that
	// needs to retry must call Extract again from scratch.
	Extract(ctx context.Context, query string, batchSize int, fn func(Batch) error) error

	// DeleteByPK deletes rows from table whose pkColumn is in values,
	// returning the count actually deleted. Adapters that cannot support
	// deletion (laravel_log) return an error wrapping
	// ErrDeleteUnsupported.
	DeleteByPK(ctx context.Context, table, pkColumn string, values []any) (int64, error)

	// Disconnect releases the underlying connection. Safe to call on an
	// adapter that never connected.
	Disconnect(ctx context.Context) error
}

// ErrDeleteUnsupported is returned by adapters whose source has no
// meaningful row-delete operation.
var ErrDeleteUnsupported = deleteUnsupportedError{}

type deleteUnsupportedError struct{}

func (deleteUnsupportedError) Error() string { return "source: delete_by_pk unsupported" }
