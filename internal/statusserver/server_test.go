package statusserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
	"github.com/datasnap-cloud/bridge-agent/internal/dispatcher"
	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
	"github.com/datasnap-cloud/bridge-agent/internal/obsmetrics"
	"github.com/datasnap-cloud/bridge-agent/internal/runner"
	"github.com/datasnap-cloud/bridge-agent/internal/telemetry"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
	"github.com/datasnap-cloud/bridge-agent/internal/uploader"
)

func newTestServer(t *testing.T, ready func() bool) *httptest.Server {
	t.Helper()
	base := t.TempDir()
	paths, err := bridgepath.New(base)
	if err != nil {
		t.Fatalf("bridgepath.New: %v", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(apiSrv.Close)

	api := datasnapapi.New(apiSrv.URL, "test-key")
	tokens := tokencache.New(filepath.Join(base, "tokens.json"), clock.New())
	up := uploader.New(api, tokens, clock.New())

	r := &runner.Runner{
		Configs:   mapping.NewConfigStore(paths),
		States:    mapping.NewStateStore(paths, clock.New()),
		Sidecars:  mapping.NewSidecarStore(paths),
		Tokens:    tokens,
		Uploads:   uploader.NewBatchUploader(up, 2),
		Telemetry: telemetry.New(api, clock.New(), zerolog.Nop()),
		Clock:     clock.New(),
		Paths:     paths,
		Running:   runner.NewRunningSet(),
		Log:       zerolog.Nop(),
	}
	listNames := func() ([]string, error) { return r.Configs.List() }
	d := dispatcher.New(r, 4, listNames, zerolog.Nop())

	metrics := obsmetrics.New()
	srv := New("127.0.0.1:0", d, metrics, ready, zerolog.Nop())

	mux := httptest.NewServer(srv.http.Handler)
	t.Cleanup(mux.Close)
	return mux
}

func TestHealthzReportsNotReadyUntilReadyFuncTrue(t *testing.T) {
	readyFlag := false
	mux := newTestServer(t, func() bool { return readyFlag })

	resp, err := http.Get(mux.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	readyFlag = true
	resp, err = http.Get(mux.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusReturnsJSONShape(t *testing.T) {
	mux := newTestServer(t, func() bool { return true })

	resp, err := http.Get(mux.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"total_mappings", "running", "generated_at"} {
		if _, ok := body[field]; !ok {
			t.Errorf("missing field %q in %v", field, body)
		}
	}
}

func TestMetricsExposesPrometheusFormat(t *testing.T) {
	mux := newTestServer(t, func() bool { return true })

	resp, err := http.Get(mux.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("expected non-empty metrics body")
	}
}
