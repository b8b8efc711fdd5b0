package jsonl

import (
	"fmt"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
)

const (
	defaultMaxFileSize        = 100 * 1024 * 1024
	defaultMaxRecordsPerFile  = 1_000_000
)

// BatchWriter rotates across multiple Writer instances as either
// max_file_size bytes or max_records_per_file records is reached,
// suffixing the mapping name with "_partNNN" (zero-padded to 3), per
// spec.md §4.4.
type BatchWriter struct {
	clock              clock.Clock
	outputDir          string
	mappingName        string
	schemaSlug         string
	compress           bool
	maxFileSize        int64
	maxRecordsPerFile  int64

	current  *Writer
	sequence int
	created  []FileInfo
	closed   bool
}

// BatchWriterOption customises a NewBatchWriter call.
type BatchWriterOption func(*BatchWriter)

// WithMaxFileSize overrides the default 100 MiB rotation threshold.
func WithMaxFileSize(bytes int64) BatchWriterOption {
	return func(b *BatchWriter) {
		if bytes > 0 {
			b.maxFileSize = bytes
		}
	}
}

// WithMaxRecordsPerFile overrides the default 1,000,000-record rotation
// threshold.
func WithMaxRecordsPerFile(records int64) BatchWriterOption {
	return func(b *BatchWriter) {
		if records > 0 {
			b.maxRecordsPerFile = records
		}
	}
}

// NewBatchWriter constructs a BatchWriter. No file is created until the
// first WriteRecord call.
func NewBatchWriter(c clock.Clock, outputDir, mappingName, schemaSlug string, compress bool, opts ...BatchWriterOption) *BatchWriter {
	b := &BatchWriter{
		clock:             c,
		outputDir:         outputDir,
		mappingName:       mappingName,
		schemaSlug:        schemaSlug,
		compress:          compress,
		maxFileSize:       defaultMaxFileSize,
		maxRecordsPerFile: defaultMaxRecordsPerFile,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BatchWriter) shouldRotate() (bool, error) {
	if b.current == nil {
		return true, nil
	}
	if b.current.RecordCount() >= b.maxRecordsPerFile {
		return true, nil
	}
	size, err := b.current.CurrentSize()
	if err != nil {
		return false, err
	}
	return size >= b.maxFileSize, nil
}

func (b *BatchWriter) rotate() error {
	if b.current != nil {
		info, err := b.current.Close()
		if err != nil {
			return fmt.Errorf("jsonl: rotate: close current file: %w", err)
		}
		b.created = append(b.created, info)
	}
	b.sequence++
	partName := fmt.Sprintf("%s_part%03d", b.mappingName, b.sequence)
	w := New(b.clock, b.outputDir, partName, b.schemaSlug, b.compress)
	if err := w.Open(); err != nil {
		return fmt.Errorf("jsonl: rotate: open new file: %w", err)
	}
	b.current = w
	return nil
}

// WriteRecord writes record to the current file, rotating first if
// necessary.
func (b *BatchWriter) WriteRecord(record any) error {
	rotate, err := b.shouldRotate()
	if err != nil {
		return err
	}
	if rotate {
		if err := b.rotate(); err != nil {
			return err
		}
	}
	return b.current.WriteRecord(record)
}

// WriteBatch writes every record in records, rotating as needed.
func (b *BatchWriter) WriteBatch(records []any) error {
	for _, r := range records {
		if err := b.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// Close finalises the current file (if any) and returns the ordered list
// of every FileInfo produced, including files rotated out earlier. A
// partially-filled current file is finalised here, per spec.md §4.4's
// "partially-filled current file must be finalised on shutdown".
func (b *BatchWriter) Close() ([]FileInfo, error) {
	if b.closed {
		return b.created, nil
	}
	if b.current != nil {
		info, err := b.current.Close()
		if err != nil {
			return nil, fmt.Errorf("jsonl: close: %w", err)
		}
		b.created = append(b.created, info)
		b.current = nil
	}
	b.closed = true
	return b.created, nil
}

// TotalRecords sums RecordCount across every file created so far,
// including the still-open current file.
func (b *BatchWriter) TotalRecords() int64 {
	var total int64
	for _, f := range b.created {
		total += f.RecordCount
	}
	if b.current != nil {
		total += b.current.RecordCount()
	}
	return total
}
