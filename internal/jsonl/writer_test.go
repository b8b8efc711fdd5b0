package jsonl

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
)

func TestWriterUncompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := New(clock.New(), dir, "orders", "orders-slug", false)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.WriteRecord(map[string]any{"id": 1, "name": "alice"}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.WriteRecord(map[string]any{"id": 2, "name": "bob"}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	info, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if info.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", info.RecordCount)
	}
	if info.Compressed {
		t.Error("expected Compressed = false")
	}

	data, err := os.ReadFile(info.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if strings.Contains(lines[0], " ") {
		t.Errorf("expected compact JSON with no spaces, got %q", lines[0])
	}

	if int64(len(data)) != info.FileSize {
		t.Errorf("FileSize = %d, want %d (actual on-disk size)", info.FileSize, len(data))
	}

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line + "\n"))
	}
	want := hex.EncodeToString(h.Sum(nil))
	if info.Checksum != want {
		t.Errorf("Checksum = %s, want %s", info.Checksum, want)
	}
}

func TestWriterCompressedStreamsGzip(t *testing.T) {
	dir := t.TempDir()
	w := New(clock.New(), dir, "orders", "orders-slug", true)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.WriteRecord(map[string]any{"id": 1}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	info, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !info.Compressed {
		t.Error("expected Compressed = true")
	}
	if !strings.HasSuffix(info.FilePath, ".jsonl.gz") {
		t.Errorf("FilePath = %q, want .jsonl.gz suffix", info.FilePath)
	}

	f, err := os.Open(info.FilePath)
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()
	decompressed, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read decompressed: %v", err)
	}
	if !strings.Contains(string(decompressed), `"id":1`) {
		t.Errorf("decompressed content = %q", decompressed)
	}
}

func TestWriterPreservesNonASCII(t *testing.T) {
	dir := t.TempDir()
	w := New(clock.New(), dir, "orders", "orders-slug", false)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.WriteRecord(map[string]any{"name": "Düsseldorf"}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	info, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(info.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "Düsseldorf") {
		t.Errorf("expected non-ASCII preserved, got %q", data)
	}
}

func TestWriteRecordBeforeOpenFails(t *testing.T) {
	w := New(clock.New(), t.TempDir(), "orders", "orders-slug", false)
	if err := w.WriteRecord(map[string]any{"id": 1}); err == nil {
		t.Fatal("expected error writing before open")
	}
}
