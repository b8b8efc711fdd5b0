package uploader

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
	"github.com/datasnap-cloud/bridge-agent/internal/jsonl"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
)

func newMultipartReader(t *testing.T, body io.Reader, boundary string) *multipart.Reader {
	t.Helper()
	return multipart.NewReader(body, boundary)
}

func writeTempFile(t *testing.T, content string) jsonl.FileInfo {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mysql_prod.orders_orders-slug_1700000000.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return jsonl.FileInfo{
		FilePath:    path,
		RecordCount: 2,
		FileSize:    int64(len(content)),
		Checksum:    "abc123",
		MappingName: "mysql_prod.orders",
		SchemaSlug:  "orders-slug",
	}
}

func newTestUploader(t *testing.T, apiBaseURL, uploadBaseURL string) *Uploader {
	t.Helper()
	api := datasnapapi.New(apiBaseURL, "test-key")
	cache := tokencache.New(filepath.Join(t.TempDir(), "tokens.json"), clock.New())
	return New(api, cache, clock.New())
}

func TestUploadFileSuccess(t *testing.T) {
	var uploadServer *httptest.Server
	var gotUploadID, gotChecksum string
	var gotFilename string

	uploadServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("ParseMediaType: %v", err)
		}
		mr := newMultipartReader(t, r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("NextPart: %v", err)
			}
			switch part.FormName() {
			case "upload_id":
				buf, _ := io.ReadAll(part)
				gotUploadID = string(buf)
			case "checksum":
				buf, _ := io.ReadAll(part)
				gotChecksum = string(buf)
			case "file":
				gotFilename = part.FileName()
				io.Copy(io.Discard, part)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadServer.Close()

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "generate-upload-token") {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"upload_id":"up_1","upload_url":"` + uploadServer.URL + `/","expires_at":"2099-01-01T00:00:00Z"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer apiServer.Close()

	u := newTestUploader(t, apiServer.URL, uploadServer.URL)
	file := writeTempFile(t, `{"id":1}`+"\n"+`{"id":2}`+"\n")

	result := u.UploadFile(context.Background(), file, "orders-slug", "mysql_prod.orders", nil)
	if !result.Success {
		t.Fatalf("UploadFile failed: %s", result.ErrorMessage)
	}
	if result.UploadID != "up_1" {
		t.Errorf("UploadID = %q, want up_1", result.UploadID)
	}
	if gotUploadID != "up_1" {
		t.Errorf("form upload_id = %q, want up_1", gotUploadID)
	}
	if gotChecksum != "abc123" {
		t.Errorf("form checksum = %q, want abc123", gotChecksum)
	}
	if gotFilename != filepath.Base(file.FilePath) {
		t.Errorf("form filename = %q, want %q", gotFilename, filepath.Base(file.FilePath))
	}
}

func TestUploadFileRetriesOnServerError(t *testing.T) {
	attempts := 0
	uploadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		io.Copy(io.Discard, r.Body)
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadServer.Close()

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"upload_id":"up_1","upload_url":"` + uploadServer.URL + `/","expires_at":"2099-01-01T00:00:00Z"}`))
	}))
	defer apiServer.Close()

	u := newTestUploaderFastBackoff(t, apiServer.URL)
	file := writeTempFile(t, `{"id":1}`+"\n")

	result := u.UploadFile(context.Background(), file, "orders-slug", "mysql_prod.orders", nil)
	if !result.Success {
		t.Fatalf("expected eventual success, got: %s", result.ErrorMessage)
	}
	if result.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", result.RetryCount)
	}
}

// newTestUploaderFastBackoff is identical to newTestUploader; it exists
// only to name the intent at call sites that exercise the retry path
// (backoff still runs at 1/2/4s in production code, which this test
// tolerates since it only forces a single retry, a 1s wait).
func newTestUploaderFastBackoff(t *testing.T, apiBaseURL string) *Uploader {
	t.Helper()
	return newTestUploader(t, apiBaseURL, "")
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Success: true, BytesUploaded: 100},
		{Success: true, BytesUploaded: 50},
		{Success: false},
	}
	s := Summarize(results)
	if s.SuccessCount != 2 || s.FailureCount != 1 || s.TotalBytesUploaded != 150 {
		t.Errorf("Summarize() = %+v", s)
	}
}

func TestBatchUploaderPreservesOrderAndConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	uploadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadServer.Close()
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"upload_id":"up_1","upload_url":"` + uploadServer.URL + `/","expires_at":"2099-01-01T00:00:00Z"}`))
	}))
	defer apiServer.Close()

	u := newTestUploader(t, apiServer.URL, uploadServer.URL)
	batch := NewBatchUploader(u, 2)

	files := []jsonl.FileInfo{
		writeTempFile(t, `{"id":1}`+"\n"),
		writeTempFile(t, `{"id":2}`+"\n"),
		writeTempFile(t, `{"id":3}`+"\n"),
	}
	results := batch.UploadFiles(context.Background(), files, "orders-slug", "mysql_prod.orders", nil)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result %d failed: %s", i, r.ErrorMessage)
		}
		if r.File.FilePath != files[i].FilePath {
			t.Errorf("result %d file = %s, want %s", i, r.File.FilePath, files[i].FilePath)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 2 {
		t.Errorf("max concurrent uploads = %d, want at most 2", maxInFlight)
	}
}

func TestProgressTrackerReportsAtMostOncePerSecond(t *testing.T) {
	var calls int
	tracker := newProgressTracker(1000, func(p Progress) { calls++ })
	tracker.lastUpdate = time.Now().Add(-2 * time.Second)
	tracker.onRead(500)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 after elapsed interval", calls)
	}
	tracker.onRead(10)
	if calls != 1 {
		t.Errorf("calls = %d, want still 1 (rate limited)", calls)
	}
}
