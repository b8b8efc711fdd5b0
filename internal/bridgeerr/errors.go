// Package bridgeerr implements the error taxonomy from spec.md §7 as a
// wrapped-error type compatible with errors.Is/errors.As, so the
// dispatcher and telemetry layer can branch on fatal-vs-non-fatal without
// string matching.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec.md §7.
type Kind string

const (
	ConfigError    Kind = "config_error"
	ConnError      Kind = "conn_error"
	ExtractError   Kind = "extract_error"
	WriteError     Kind = "write_error"
	TokenError     Kind = "token_error"
	UploadError    Kind = "upload_error"
	DeleteError    Kind = "delete_error"
	WatermarkError Kind = "watermark_error"
	Canceled       Kind = "canceled"
)

// Fatal reports whether an error of this kind terminates a sync run.
// DeleteError and WatermarkError are non-fatal per spec.md §7: they are
// logged but the run still reports success.
func (k Kind) Fatal() bool {
	switch k {
	case DeleteError, WatermarkError:
		return false
	default:
		return true
	}
}

// Error wraps an underlying error with a Kind, the operation that failed,
// and the mapping it failed for.
type Error struct {
	Kind    Kind
	Op      string
	Mapping string
	Err     error
}

func (e *Error) Error() string {
	if e.Mapping != "" {
		return fmt.Sprintf("%s: %s[%s]: %v", e.Kind, e.Op, e.Mapping, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a *Error.
func New(kind Kind, op, mapping string, err error) *Error {
	return &Error{Kind: kind, Op: op, Mapping: mapping, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsFatal reports whether err should terminate the run it occurred in.
// An error with no recognised Kind is treated as fatal, matching spec.md
// §7's "all other errors terminate the run" default.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := KindOf(err); ok {
		return kind.Fatal()
	}
	return true
}
