package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// recordHeader matches a Laravel log entry's opening line, e.g.
// "[2026-01-15 09:30:00] production.ERROR: something broke". It is
// anchored to the start of a line (multiline mode) because message
// bodies frequently contain stack traces with their own bracketed text.
var recordHeader = regexp.MustCompile(`(?m)^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] (\S+)\.(\w+):`)

const defaultLogChunkBytes = 8 * 1024 * 1024

// LaravelLogAdapter treats a single log file as the "table" named by
// spec.md §4.3: it streams the file in bounded chunks, splits records at
// recordHeader, and re-aligns chunk boundaries that land mid-record by
// carrying the trailing partial record forward instead of seeking the
// file (bufio.Reader has no seek; carrying the tail bytes is equivalent
// to seeking the file back by one byte to re-align.
type LaravelLogAdapter struct {
	path         string
	chunkBytes   int
	file         *os.File
}

var _ Adapter = (*LaravelLogAdapter)(nil)

// NewLaravelLogAdapter constructs an adapter over path, reading in chunks
// sized to maxMemoryMB megabytes (0 selects a default of 8 MiB).
func NewLaravelLogAdapter(path string, maxMemoryMB int) *LaravelLogAdapter {
	chunkBytes := defaultLogChunkBytes
	if maxMemoryMB > 0 {
		chunkBytes = maxMemoryMB * 1024 * 1024
	}
	return &LaravelLogAdapter{path: path, chunkBytes: chunkBytes}
}

func (a *LaravelLogAdapter) Connect(ctx context.Context) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("connect laravel_log: %w", err)
	}
	a.file = f
	return nil
}

func (a *LaravelLogAdapter) TestConnection(ctx context.Context) error {
	if a.file == nil {
		return fmt.Errorf("test_connection: not connected")
	}
	if _, err := a.file.Stat(); err != nil {
		return fmt.Errorf("test_connection: %w", err)
	}
	return nil
}

// Extract streams the file once, top to bottom. query is ignored: the
// laravel_log source has no SQL dialect, matching spec.md's "treats the
// file as the table".
func (a *LaravelLogAdapter) Extract(ctx context.Context, query string, batchSize int, fn func(Batch) error) error {
	if a.file == nil {
		return fmt.Errorf("extract: not connected")
	}
	reader := bufio.NewReaderSize(a.file, a.chunkBytes)

	var carry strings.Builder
	batch := make([]Row, 0, batchSize)

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(Batch{Rows: batch}); err != nil {
			return err
		}
		batch = make([]Row, 0, batchSize)
		return nil
	}

	appendRecords := func(text string, isFinal bool) error {
		matches := recordHeader.FindAllStringSubmatchIndex(text, -1)
		if len(matches) == 0 {
			carry.Reset()
			carry.WriteString(text)
			return nil
		}

		lastUsable := len(matches)
		if !isFinal {
			// The final match in a non-final chunk might be truncated
			// by the chunk boundary; defer it to the next read.
			lastUsable--
		}

		for i := 0; i < lastUsable; i++ {
			m := matches[i]
			headerEnd := m[1]
			var bodyEnd int
			if i+1 < len(matches) {
				bodyEnd = matches[i+1][0]
			} else {
				bodyEnd = len(text)
			}

			logDate := text[m[2]:m[3]]
			environment := text[m[4]:m[5]]
			logType := strings.ToUpper(text[m[6]:m[7]])
			message := strings.TrimSpace(text[headerEnd:bodyEnd])

			batch = append(batch, Row{
				"log_date":    logDate,
				"environment": environment,
				"type":        logType,
				"message":     message,
			})
			if len(batch) >= batchSize {
				if err := flushBatch(); err != nil {
					return err
				}
			}
		}

		carry.Reset()
		if !isFinal {
			carry.WriteString(text[matches[lastUsable][0]:])
		}
		return nil
	}

	buf := make([]byte, a.chunkBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := carry.String() + string(buf[:n])
			if err := appendRecords(chunk, false); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			if carry.Len() > 0 {
				if err := appendRecords(carry.String(), true); err != nil {
					return err
				}
			}
			break
		}
		if readErr != nil {
			return fmt.Errorf("extract: read laravel_log: %w", readErr)
		}
	}

	return flushBatch()
}

// DeleteByPK is unsupported for laravel_log sources per spec.md §4.3.
func (a *LaravelLogAdapter) DeleteByPK(ctx context.Context, table, pkColumn string, values []any) (int64, error) {
	return 0, ErrDeleteUnsupported
}

func (a *LaravelLogAdapter) Disconnect(ctx context.Context) error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
