package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
	"github.com/datasnap-cloud/bridge-agent/internal/runner"
	"github.com/datasnap-cloud/bridge-agent/internal/source"
	"github.com/datasnap-cloud/bridge-agent/internal/telemetry"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
	"github.com/datasnap-cloud/bridge-agent/internal/uploader"
)

type fakeAdapter struct {
	delay time.Duration
}

func (f *fakeAdapter) Connect(ctx context.Context) error        { return nil }
func (f *fakeAdapter) TestConnection(ctx context.Context) error { return nil }

func (f *fakeAdapter) Extract(ctx context.Context, query string, batchSize int, fn func(source.Batch) error) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return fn(source.Batch{Rows: []source.Row{{"id": 1}}})
}

func (f *fakeAdapter) DeleteByPK(ctx context.Context, table, pkColumn string, values []any) (int64, error) {
	return int64(len(values)), nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error { return nil }

type fakeFactory struct{ delay time.Duration }

func (f *fakeFactory) Build(cfg *mapping.Config) (source.Adapter, error) {
	return &fakeAdapter{delay: f.delay}, nil
}

func newTestDispatcher(t *testing.T, names []string, maxWorkers int, delay time.Duration) *Dispatcher {
	t.Helper()
	base := t.TempDir()
	paths, err := bridgepath.New(base)
	if err != nil {
		t.Fatalf("bridgepath.New: %v", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	uploadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(uploadSrv.Close)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"upload_id":"up_1","upload_url":"` + uploadSrv.URL + `/","expires_at":"2099-01-01T00:00:00Z"}`))
	}))
	t.Cleanup(apiSrv.Close)

	api := datasnapapi.New(apiSrv.URL, "test-key")
	tokens := tokencache.New(filepath.Join(base, "tokens.json"), clock.New())
	up := uploader.New(api, tokens, clock.New())

	r := &runner.Runner{
		Configs:   mapping.NewConfigStore(paths),
		States:    mapping.NewStateStore(paths, clock.New()),
		Sidecars:  mapping.NewSidecarStore(paths),
		Sources:   &fakeFactory{delay: delay},
		Tokens:    tokens,
		Uploads:   uploader.NewBatchUploader(up, 2),
		Telemetry: telemetry.New(api, clock.New(), zerolog.Nop()),
		Clock:     clock.New(),
		Paths:     paths,
		Running:   runner.NewRunningSet(),
		Log:       zerolog.Nop(),
	}

	for _, table := range names {
		cfg := &mapping.Config{
			Source: mapping.Source{Name: "mysql_prod", Type: mapping.SourceMySQL, ConnectionRef: "MYSQL_PROD_DSN"},
			Table:  table,
			Schema: mapping.Schema{Slug: table + "-slug"},
			Transfer: mapping.Transfer{
				IncrementalMode:  mapping.ModeIncrementalPK,
				PKColumn:         "id",
				InitialWatermark: "0",
				BatchSize:        10,
			},
		}
		if _, err := cfg.Validate(); err != nil {
			t.Fatalf("Validate %s: %v", table, err)
		}
		if err := r.Configs.Save(cfg); err != nil {
			t.Fatalf("Save %s: %v", table, err)
		}
	}

	listNames := func() ([]string, error) { return r.Configs.List() }
	return New(r, maxWorkers, listNames, zerolog.Nop())
}

func TestSyncManySequentialPreservesOrder(t *testing.T) {
	names := []string{"a_table", "b_table", "c_table"}
	d := newTestDispatcher(t, names, 4, 0)

	want := mappingNames(d)
	results := d.SyncMany(context.Background(), want, false, runner.Options{})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result[%d] failed: %s", i, r.ErrorMessage)
		}
		if r.MappingName != want[i] {
			t.Errorf("result[%d].MappingName = %q, want %q", i, r.MappingName, want[i])
		}
	}
}

func TestSyncManyParallelBoundsConcurrency(t *testing.T) {
	names := []string{"a_table", "b_table", "c_table", "d_table"}
	d := newTestDispatcher(t, names, 2, 20*time.Millisecond)

	var maxInFlight, inFlight int64
	orig := d.Runner.Sources
	d.Runner.Sources = trackingFactory{inner: orig, inFlight: &inFlight, max: &maxInFlight}

	start := time.Now()
	results := d.SyncMany(context.Background(), mappingNames(d), true, runner.Options{})
	elapsed := time.Since(start)

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if atomic.LoadInt64(&maxInFlight) > 2 {
		t.Errorf("max concurrent adapters = %d, want <= 2 (MaxWorkers)", maxInFlight)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("elapsed %v too short for bounded concurrency of 2 over 4 items at 20ms each", elapsed)
	}
}

type trackingFactory struct {
	inner    runner.AdapterFactory
	inFlight *int64
	max      *int64
}

func (f trackingFactory) Build(cfg *mapping.Config) (source.Adapter, error) {
	adapter, err := f.inner.Build(cfg)
	if err != nil {
		return nil, err
	}
	return trackingAdapter{inner: adapter, inFlight: f.inFlight, max: f.max}, nil
}

type trackingAdapter struct {
	inner    source.Adapter
	inFlight *int64
	max      *int64
}

func (a trackingAdapter) Connect(ctx context.Context) error        { return a.inner.Connect(ctx) }
func (a trackingAdapter) TestConnection(ctx context.Context) error { return a.inner.TestConnection(ctx) }

func (a trackingAdapter) Extract(ctx context.Context, query string, batchSize int, fn func(source.Batch) error) error {
	cur := atomic.AddInt64(a.inFlight, 1)
	for {
		m := atomic.LoadInt64(a.max)
		if cur <= m || atomic.CompareAndSwapInt64(a.max, m, cur) {
			break
		}
	}
	defer atomic.AddInt64(a.inFlight, -1)
	return a.inner.Extract(ctx, query, batchSize, fn)
}

func (a trackingAdapter) DeleteByPK(ctx context.Context, table, pkColumn string, values []any) (int64, error) {
	return a.inner.DeleteByPK(ctx, table, pkColumn, values)
}

func (a trackingAdapter) Disconnect(ctx context.Context) error { return a.inner.Disconnect(ctx) }

func TestSyncManyCanceledBeforeStartMarksRemainingCanceled(t *testing.T) {
	names := []string{"a_table", "b_table"}
	d := newTestDispatcher(t, names, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := d.SyncMany(ctx, mappingNames(d), false, runner.Options{})

	for i, r := range results {
		if r.Success {
			t.Errorf("result[%d] expected canceled, got success", i)
		}
		if r.ErrorCode != "canceled" {
			t.Errorf("result[%d].ErrorCode = %q, want canceled", i, r.ErrorCode)
		}
	}
}

func TestStatusReportsRunningMappings(t *testing.T) {
	names := []string{"a_table", "b_table"}
	d := newTestDispatcher(t, names, 4, 0)
	full := mappingNames(d)

	d.Runner.Running.TryAdd(full[0])
	defer d.Runner.Running.Remove(full[0])

	st, err := d.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TotalMappings != 2 {
		t.Errorf("TotalMappings = %d, want 2", st.TotalMappings)
	}
	sort.Strings(st.RunningNames)
	if len(st.RunningNames) != 1 || st.RunningNames[0] != full[0] {
		t.Errorf("RunningNames = %v, want [%s]", st.RunningNames, full[0])
	}
}

func mappingNames(d *Dispatcher) []string {
	all, _ := d.listNames()
	sort.Strings(all)
	return all
}
