package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
)

func newTestEmitter(t *testing.T, handler http.HandlerFunc) *Emitter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := datasnapapi.New(srv.URL, "test-key")
	return New(api, clock.New(), zerolog.Nop())
}

func TestRunStartIncludesRequiredFields(t *testing.T) {
	var received map[string]any
	e := newTestEmitter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})

	e.RunStart(context.Background(), "mysql_prod.orders", "mysql_prod", "orders-slug")

	for _, field := range []string{"event_type", "status", "bridge_version", "sent_at", "idempotency_key", "host_hostname", "host_os", "run_id", "source", "destination"} {
		if _, ok := received[field]; !ok {
			t.Errorf("missing required field %q in payload %v", field, received)
		}
	}
	if received["event_type"] != "run_start" {
		t.Errorf("event_type = %v, want run_start", received["event_type"])
	}
}

func TestRunEndReportsFailureStatus(t *testing.T) {
	var received map[string]any
	e := newTestEmitter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})

	e.RunEnd(context.Background(), "mysql_prod.orders", "mysql_prod", "orders-slug", false, 0, 0, 0, 2, "boom")

	if received["status"] != "error" {
		t.Errorf("status = %v, want error", received["status"])
	}
	if received["error_message"] != "boom" {
		t.Errorf("error_message = %v, want boom", received["error_message"])
	}
	if received["retry_count"].(float64) != 2 {
		t.Errorf("retry_count = %v, want 2", received["retry_count"])
	}
}

func TestEmitSwallowsTransportErrors(t *testing.T) {
	e := newTestEmitter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// Must not panic or return an error: telemetry failures are logged
	// and dropped, never propagated.
	e.Heartbeat(context.Background(), "mysql_prod", "orders-slug")
}

func TestIdempotencyKeyDiffersAcrossEvents(t *testing.T) {
	var keys []string
	e := newTestEmitter(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		keys = append(keys, body["idempotency_key"].(string))
		w.WriteHeader(http.StatusOK)
	})

	e.Heartbeat(context.Background(), "mysql_prod", "orders-slug")
	e.Heartbeat(context.Background(), "mysql_prod", "orders-slug")

	if len(keys) != 2 || keys[0] == keys[1] {
		t.Errorf("idempotency keys = %v, want two distinct values", keys)
	}
}
