// Package telemetry implements the Telemetry Emitter (C13) from spec.md
// §6.3: fire-and-forget lifecycle events posted to
// POST /v1/bridge/healthcheck. Grounded on metrics.Metrics's
// atomic-counters-to-JSON-report shape (metrics/metrics.go), reimplemented
// around a "marshal then POST, swallow errors" idiom from
// aws.S3ReportUploader.UploadReport — here posting to the remote API
// client instead of S3, per spec.md §6.3's explicit "errors during
// telemetry emission are logged and swallowed" rule.
package telemetry

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
)

// BridgeVersion is the version string reported on every event. It is a
// build-time constant in this binary rather than injected via ldflags,
// since no release pipeline exists yet to vary it.
const BridgeVersion = "0.1.0"

// EventType enumerates spec.md §6.3's four event kinds.
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventRunStart  EventType = "run_start"
	EventRunEnd    EventType = "run_end"
	EventError     EventType = "error"
)

// Status is the event-level outcome, independent of EventType (a
// heartbeat is always "success"; a run_end may be either).
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event carries the optional fields from spec.md §6.3; Source and
// Destination describe the mapping's source name and schema slug.
type Event struct {
	Type          EventType
	Status        Status
	Mapping       string
	Source        string
	Destination   string
	DurationMs    *int64
	ItemsProcessed *int64
	BytesUploaded *int64
	RetryCount    *int
	ErrorMessage  string
	ErrorCode     string
	ErrorStack    string
	ErrorContext  map[string]any
}

// Emitter posts Events to the remote API, never propagating a failure:
// per spec.md §6.3, telemetry is best-effort.
type Emitter struct {
	api   *datasnapapi.Client
	clock clock.Clock
	log   zerolog.Logger

	hostname string
	os       string

	onDropped func()
}

// Option customises a new Emitter.
type Option func(*Emitter)

// WithDroppedCounter registers a callback invoked once per event that
// fails to send, after the failure has already been logged and swallowed.
func WithDroppedCounter(inc func()) Option {
	return func(e *Emitter) { e.onDropped = inc }
}

// New constructs an Emitter. log should already carry any
// process-wide fields the caller wants attached (run_id is added by this
// package itself).
func New(api *datasnapapi.Client, c clock.Clock, log zerolog.Logger, opts ...Option) *Emitter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	e := &Emitter{
		api:      api,
		clock:    c,
		log:      log,
		hostname: hostname,
		os:       runtime.GOOS,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit sends one event, logging (not returning) any failure.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	payload := map[string]any{
		"event_type":      string(ev.Type),
		"status":          string(ev.Status),
		"bridge_version":  BridgeVersion,
		"sent_at":         e.clock.Now().UTC().Format(time.RFC3339),
		"idempotency_key": clock.IdempotencyKey(),
		"host_hostname":   e.hostname,
		"host_os":         e.os,
		"run_id":          clock.RunID(),
		"source":          ev.Source,
		"destination":     ev.Destination,
	}
	if ev.Mapping != "" {
		payload["mapping"] = ev.Mapping
	}
	if ev.DurationMs != nil {
		payload["duration_ms"] = *ev.DurationMs
	}
	if ev.ItemsProcessed != nil {
		payload["items_processed"] = *ev.ItemsProcessed
	}
	if ev.BytesUploaded != nil {
		payload["bytes_uploaded"] = *ev.BytesUploaded
	}
	if ev.RetryCount != nil {
		payload["retry_count"] = *ev.RetryCount
	}
	if ev.ErrorMessage != "" {
		payload["error_message"] = ev.ErrorMessage
	}
	if ev.ErrorCode != "" {
		payload["error_code"] = ev.ErrorCode
	}
	if ev.ErrorStack != "" {
		payload["error_stack"] = ev.ErrorStack
	}
	if ev.ErrorContext != nil {
		payload["error_context"] = ev.ErrorContext
	}

	if err := e.api.Healthcheck(ctx, payload); err != nil {
		e.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("telemetry emission failed, dropping event")
		if e.onDropped != nil {
			e.onDropped()
		}
	}
}

// RunStart emits a run_start event, time-zero of the run per spec.md
// §4.1 step 1.
func (e *Emitter) RunStart(ctx context.Context, mapping, source, destination string) {
	e.Emit(ctx, Event{Type: EventRunStart, Status: StatusSuccess, Mapping: mapping, Source: source, Destination: destination})
}

// RunEnd emits a run_end event summarising one completed run.
func (e *Emitter) RunEnd(ctx context.Context, mapping, source, destination string, success bool, duration time.Duration, itemsProcessed, bytesUploaded int64, retryCount int, errMsg string) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	durMs := duration.Milliseconds()
	ev := Event{
		Type:           EventRunEnd,
		Status:         status,
		Mapping:        mapping,
		Source:         source,
		Destination:    destination,
		DurationMs:     &durMs,
		ItemsProcessed: &itemsProcessed,
		BytesUploaded:  &bytesUploaded,
		RetryCount:     &retryCount,
		ErrorMessage:   errMsg,
	}
	e.Emit(ctx, ev)
}

// ErrorEvent emits a standalone error event, distinct from run_end, for
// failures that occur outside a single mapping's run (e.g. dispatcher
// startup).
func (e *Emitter) ErrorEvent(ctx context.Context, source, destination string, err error) {
	e.Emit(ctx, Event{Type: EventError, Status: StatusError, Source: source, Destination: destination, ErrorMessage: err.Error()})
}

// Heartbeat emits a heartbeat event, typically on a ticker from the
// supplemented `bridge serve` daemon mode.
func (e *Emitter) Heartbeat(ctx context.Context, source, destination string) {
	e.Emit(ctx, Event{Type: EventHeartbeat, Status: StatusSuccess, Source: source, Destination: destination})
}
