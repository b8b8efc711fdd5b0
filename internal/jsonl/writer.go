// Package jsonl implements the JSONL Writer (C6) from spec.md §4.4: one
// record per line, compact JSON, a running SHA-256 checksum over the
// pre-compression byte stream, and size/record-count-triggered file
// rotation. Grounded on original_source/sync/jsonl_writer.py's
// JSONLWriter/JSONLBatchWriter, reimplemented with composed io.Writer
// layers rather than translated line-for-line.
package jsonl

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
)

// FileInfo describes a completed JSONL file, matching spec.md §3's
// JSONLFileInfo exactly.
type FileInfo struct {
	FilePath    string    `json:"file_path"`
	RecordCount int64     `json:"record_count"`
	FileSize    int64     `json:"file_size"`
	Compressed  bool      `json:"compressed"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
	MappingName string    `json:"mapping_name"`
	SchemaSlug  string    `json:"schema_slug"`
}

// Writer produces exactly one JSONL file. It is not safe for concurrent
// use by multiple goroutines.
type Writer struct {
	mappingName string
	schemaSlug  string
	compress    bool
	filePath    string
	createdAt   time.Time

	file       *os.File
	gz         *gzip.Writer
	out        io.Writer
	checksum   hashWriter
	recordCount int64
	opened      bool
	closed      bool
}

// hashWriter lets the checksum accumulate over exactly the bytes handed
// to write_record, independent of whatever compresses them on the way to
// disk.
type hashWriter = interface {
	io.Writer
	Sum([]byte) []byte
}

// New constructs a Writer that will create its file under outputDir named
// "<mappingName>_<schemaSlug>_<unix_seconds>[.jsonl|.jsonl.gz]", per
// spec.md §4.4.
func New(c clock.Clock, outputDir, mappingName, schemaSlug string, compress bool) *Writer {
	ts := c.Now().Unix()
	filename := fmt.Sprintf("%s_%s_%d.jsonl", mappingName, schemaSlug, ts)
	if compress {
		filename += ".gz"
	}
	return &Writer{
		mappingName: mappingName,
		schemaSlug:  schemaSlug,
		compress:    compress,
		filePath:    filepath.Join(outputDir, filename),
		createdAt:   c.Now(),
	}
}

// FilePath returns the path the writer will create (or has created).
func (w *Writer) FilePath() string { return w.filePath }

// Open creates the underlying file. Calling Open twice is a no-op.
func (w *Writer) Open() error {
	if w.opened {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.filePath), 0o700); err != nil {
		return fmt.Errorf("jsonl: create output dir: %w", err)
	}
	f, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("jsonl: open %s: %w", w.filePath, err)
	}
	w.file = f
	w.checksum = sha256.New()
	if w.compress {
		w.gz = gzip.NewWriter(f)
		w.out = w.gz
	} else {
		w.out = f
	}
	w.opened = true
	return nil
}

// WriteRecord serializes record as compact JSON (no indentation, non-ASCII
// preserved) and appends a trailing newline, updating the checksum over
// the uncompressed bytes.
func (w *Writer) WriteRecord(record any) error {
	if !w.opened {
		return fmt.Errorf("jsonl: write_record called before open")
	}
	line, err := marshalCompact(record)
	if err != nil {
		return fmt.Errorf("jsonl: encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.out.Write(line); err != nil {
		return fmt.Errorf("jsonl: write record: %w", err)
	}
	w.checksum.Write(line)
	w.recordCount++
	return nil
}

// marshalCompact produces separators-free JSON matching Python's
// json.dumps(..., ensure_ascii=False, separators=(',', ':')): goccy/go-json
// emits compact output, and MarshalNoEscape leaves <, > and & unescaped.
func marshalCompact(v any) ([]byte, error) {
	return json.MarshalNoEscape(v)
}

// WriteBatch writes every record in records via WriteRecord, stopping at
// the first error.
func (w *Writer) WriteBatch(records []any) error {
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces any buffered bytes to the underlying file.
func (w *Writer) Flush() error {
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return err
		}
	}
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

// CurrentSize reports the file's current on-disk size, used by
// BatchWriter's rotation check.
func (w *Writer) CurrentSize() (int64, error) {
	if w.file == nil {
		return 0, nil
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RecordCount returns the number of records written so far.
func (w *Writer) RecordCount() int64 { return w.recordCount }

// Close finalises the file and returns its descriptor. Close is
// idempotent: calling it twice returns the same FileInfo without error.
func (w *Writer) Close() (FileInfo, error) {
	if !w.opened {
		return FileInfo{}, fmt.Errorf("jsonl: close called before open")
	}
	if !w.closed {
		if w.gz != nil {
			if err := w.gz.Close(); err != nil {
				return FileInfo{}, fmt.Errorf("jsonl: close gzip stream: %w", err)
			}
		}
		if err := w.file.Close(); err != nil {
			return FileInfo{}, fmt.Errorf("jsonl: close file: %w", err)
		}
		w.closed = true
	}

	info, err := os.Stat(w.filePath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("jsonl: stat closed file: %w", err)
	}

	return FileInfo{
		FilePath:    w.filePath,
		RecordCount: w.recordCount,
		FileSize:    info.Size(),
		Compressed:  w.compress,
		Checksum:    hex.EncodeToString(w.checksum.Sum(nil)),
		CreatedAt:   w.createdAt,
		MappingName: w.mappingName,
		SchemaSlug:  w.schemaSlug,
	}, nil
}
