package uploader

import (
	"context"
	"sync"

	"github.com/datasnap-cloud/bridge-agent/internal/jsonl"
)

const defaultMaxConcurrent = 3

// BatchUploader runs up to MaxConcurrent UploadFile calls in parallel
// across a set of files, per spec.md §4.7's
// "BatchUploader.upload_files(files, schema_slug) → [UploadResult]".
type BatchUploader struct {
	uploader      *Uploader
	maxConcurrent int
}

// NewBatchUploader constructs a BatchUploader. maxConcurrent <= 0 selects
// the documented default of 3.
func NewBatchUploader(u *Uploader, maxConcurrent int) *BatchUploader {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &BatchUploader{uploader: u, maxConcurrent: maxConcurrent}
}

// UploadFiles uploads every file in files against schemaSlug/mappingName,
// preserving input order in the returned result slice even though the
// underlying uploads may complete out of order, per spec.md §5's "file
// order is preserved in the result list but actual uploads may overlap".
// progress, if non-nil, is invoked for every file's progress updates;
// callers that need per-file attribution should close over the index.
func (b *BatchUploader) UploadFiles(ctx context.Context, files []jsonl.FileInfo, schemaSlug, mappingName string, progress func(fileIndex int, p Progress)) []Result {
	results := make([]Result, len(files))
	sem := make(chan struct{}, b.maxConcurrent)
	var wg sync.WaitGroup

	for i, file := range files {
		wg.Add(1)
		go func(i int, file jsonl.FileInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var cb ProgressFunc
			if progress != nil {
				cb = func(p Progress) { progress(i, p) }
			}
			results[i] = b.uploader.UploadFile(ctx, file, schemaSlug, mappingName, cb)
		}(i, file)
	}

	wg.Wait()
	return results
}

// Summary aggregates a result slice into success and failure counts and
// the total bytes uploaded; it carries no throughput figure.
type Summary struct {
	SuccessCount     int
	FailureCount     int
	TotalBytesUploaded int64
}

// Summarize computes a Summary from a BatchUploader.UploadFiles result.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		if r.Success {
			s.SuccessCount++
			s.TotalBytesUploaded += r.BytesUploaded
		} else {
			s.FailureCount++
		}
	}
	return s
}
