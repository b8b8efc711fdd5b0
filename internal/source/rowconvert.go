package source

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ConvertValue applies spec.md §4.3's "Row conversion" rule to a single
// raw driver value: datetime-typed values become RFC-3339 strings, byte
// blobs become UTF-8 strings with invalid byte sequences dropped, and
// NULLs pass through unchanged so they serialize as JSON null. Applied
// uniformly across every adapter so downstream JSONL is homogeneous
// regardless of source dialect.
func ConvertValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return sanitizeUTF8(val)
	default:
		return val
	}
}

// sanitizeUTF8 drops invalid UTF-8 byte sequences from b rather than
// substituting the Unicode replacement character, so a blob column with
// partially binary content still yields a clean string.
func sanitizeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			b = b[1:]
			continue
		}
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

// ConvertRow applies ConvertValue to every value in a row map in place
// and returns it for chaining.
func ConvertRow(row Row) Row {
	for k, v := range row {
		row[k] = ConvertValue(v)
	}
	return row
}
