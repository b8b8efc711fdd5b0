// Package uploader implements the File Uploader (C9) and Batch Uploader
// (C10) from spec.md §4.6-4.7: per-file token fetch, multipart PUT (whose
// 2xx response is the completion signal; no separate notification call is
// made), retry with exponential backoff, and an
// advisory progress callback — plus a bounded-concurrency fan-out across
// files. Grounded on original_source/sync/uploader.py's FileUploader and
// a generalized exponential-backoff retry loop, reimplemented with
// net/http multipart streaming instead of a translated requests.Session.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgeerr"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
	"github.com/datasnap-cloud/bridge-agent/internal/jsonl"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
)

const (
	maxRetries      = 3
	uploadTimeout   = 300 * time.Second
	tokenTTLMinutes = 30
)

// Progress is the advisory progress snapshot from spec.md §4.6, delivered
// at most once per second.
type Progress struct {
	BytesUploaded int64
	TotalBytes    int64
	Percentage    float64
	SpeedBPS      float64
	ETASeconds    *int64
}

// ProgressFunc receives progress updates. It must not block: the uploader
// calls it synchronously from the copy loop and a slow callback only
// slows its own cadence, not correctness, because the callback is
// advisory per spec.md §4.6.
type ProgressFunc func(Progress)

// Result is the outcome of one file upload, matching spec.md §3's
// UploadResult.
type Result struct {
	Success       bool
	File          jsonl.FileInfo
	UploadID      string
	ErrorMessage  string
	ErrorCode     string
	Duration      time.Duration
	BytesUploaded int64
	RetryCount    int
}

// Uploader performs the single-file upload protocol from spec.md §4.6.
type Uploader struct {
	api        *datasnapapi.Client
	tokens     *tokencache.Cache
	httpClient *http.Client
	clock      clock.Clock
}

// New constructs an Uploader.
func New(api *datasnapapi.Client, tokens *tokencache.Cache, c clock.Clock) *Uploader {
	return &Uploader{
		api:    api,
		tokens: tokens,
		clock:  c,
		httpClient: &http.Client{
			Timeout: uploadTimeout,
		},
	}
}

// UploadFile runs the full per-file protocol: token fetch (cache-or-fetch)
// and multipart PUT, with up to maxRetries retries using 2^n-second
// backoff (1, 2, 4 seconds before the 1st, 2nd, 3rd retry). It makes no
// separate completion-notification call: the PUT's 2xx response counts as
// success. On a 401/403 from the PUT, the cached token is invalidated
// before the next attempt; a failed token call is simply retried.
func (u *Uploader) UploadFile(ctx context.Context, file jsonl.FileInfo, schemaSlug, mappingName string, progress ProgressFunc) Result {
	start := u.clock.Now()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return failureResult(file, attempt, ctx.Err(), u.clock.Now().Sub(start))
			case <-time.After(backoff(attempt - 1)):
			}
		}

		tok, err := u.getUploadToken(ctx, schemaSlug, mappingName)
		if err != nil {
			lastErr = err
			continue
		}

		uploadID, err := u.performUpload(ctx, file, tok, progress)
		if err != nil {
			lastErr = err
			if isAuthError(err) {
				u.tokens.Invalidate(schemaSlug, mappingName)
			}
			continue
		}

		// Confirmation is the PUT's own 2xx response: the remote API
		// surface this client speaks is limited to auth/me, schema
		// listing, upload-token generation, and the healthcheck
		// endpoint, so there is no separate notify-completion call to
		// make here.
		return Result{
			Success:       true,
			File:          file,
			UploadID:      uploadID,
			Duration:      u.clock.Now().Sub(start),
			BytesUploaded: file.FileSize,
			RetryCount:    attempt,
		}
	}

	return failureResult(file, maxRetries, lastErr, u.clock.Now().Sub(start))
}

func failureResult(file jsonl.FileInfo, retries int, err error, duration time.Duration) Result {
	msg := "upload failed after exhausting retries"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Success:      false,
		File:         file,
		ErrorMessage: msg,
		Duration:     duration,
		RetryCount:   retries,
	}
}

func backoff(attempt int) time.Duration {
	// 2^attempt seconds: 1, 2, 4 for attempts 0, 1, 2.
	return time.Duration(1<<uint(attempt)) * time.Second
}

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

func isAuthError(err error) bool {
	var ae *authError
	return errors.As(err, &ae)
}

func (u *Uploader) getUploadToken(ctx context.Context, schemaSlug, mappingName string) (tokencache.Token, error) {
	if tok, ok, err := u.tokens.Get(schemaSlug, mappingName); err == nil && ok {
		return tok, nil
	}

	resp, err := u.api.GenerateUploadToken(ctx, schemaSlug, mappingName, tokenTTLMinutes)
	if err != nil {
		return tokencache.Token{}, &authError{err: bridgeerr.New(bridgeerr.TokenError, "generate_upload_token", mappingName, err)}
	}

	tok := tokencache.Token{
		TokenID:    resp.UploadID,
		UploadURL:  resp.UploadURL,
		SchemaSlug: schemaSlug,
		Mapping:    mappingName,
		ExpiresAt:  resp.ExpiresAt,
		CreatedAt:  u.clock.Now(),
	}
	if err := u.tokens.Store(schemaSlug, mappingName, tok); err != nil {
		return tokencache.Token{}, fmt.Errorf("uploader: cache token: %w", err)
	}
	return tok, nil
}

// performUpload executes the PUT itself. The upload URL is formed by
// appending the JSONL filename to the token's upload_url as a path
// segment, as original_source/sync/uploader.py's
// "upload_url += file_info.file_path.name" does; a '/' is inserted first
// only when upload_url does not already end with one.
func (u *Uploader) performUpload(ctx context.Context, file jsonl.FileInfo, tok tokencache.Token, progress ProgressFunc) (string, error) {
	uploadURL := tok.UploadURL
	if len(uploadURL) == 0 || uploadURL[len(uploadURL)-1] != '/' {
		uploadURL += "/"
	}
	uploadURL += filepath.Base(file.FilePath)

	f, err := os.Open(file.FilePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file.FilePath, err)
	}
	defer f.Close()

	body, contentType, err := buildMultipartBody(f, file, tok.TokenID, progress)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return "", fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return tok.TokenID, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", &authError{err: fmt.Errorf("upload PUT: status %d", resp.StatusCode)}
	default:
		return "", fmt.Errorf("upload PUT: unexpected status %d", resp.StatusCode)
	}
}

// buildMultipartBody constructs the multipart form from spec.md §4.6:
// {file, upload_id, checksum}, streaming the file contents directly
// rather than buffering the whole thing, and driving progress through a
// wrapping reader.
func buildMultipartBody(f *os.File, file jsonl.FileInfo, uploadID string, progress ProgressFunc) (io.Reader, string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()

		if err := mw.WriteField("upload_id", uploadID); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("checksum", file.Checksum); err != nil {
			pw.CloseWithError(err)
			return
		}

		part, err := mw.CreatePart(multipartFileHeader(filepath.Base(file.FilePath)))
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		tracker := newProgressTracker(file.FileSize, progress)
		if _, err := io.Copy(part, tracker.wrap(f)); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	return pr, mw.FormDataContentType(), nil
}

func multipartFileHeader(filename string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)},
		"Content-Type":        {"application/octet-stream"},
	}
}

// progressTracker rate-limits progress callbacks to at most once per
// second, per spec.md §4.6.
type progressTracker struct {
	total        int64
	uploaded     int64
	lastUpdate   time.Time
	lastUploaded int64
	callback     ProgressFunc
	mu           sync.Mutex
}

func newProgressTracker(total int64, cb ProgressFunc) *progressTracker {
	return &progressTracker{total: total, callback: cb, lastUpdate: time.Now()}
}

func (t *progressTracker) wrap(r io.Reader) io.Reader {
	if t.callback == nil {
		return r
	}
	return &trackingReader{r: r, t: t}
}

type trackingReader struct {
	r io.Reader
	t *progressTracker
}

func (tr *trackingReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		tr.t.onRead(int64(n))
	}
	return n, err
}

func (t *progressTracker) onRead(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploaded += n

	now := time.Now()
	elapsed := now.Sub(t.lastUpdate)
	if elapsed < time.Second {
		return
	}

	bytesSince := t.uploaded - t.lastUploaded
	speed := float64(bytesSince) / elapsed.Seconds()

	var eta *int64
	if speed > 0 && t.total > t.uploaded {
		remaining := int64(float64(t.total-t.uploaded) / speed)
		eta = &remaining
	}

	pct := float64(0)
	if t.total > 0 {
		pct = float64(t.uploaded) / float64(t.total) * 100
	}

	t.callback(Progress{
		BytesUploaded: t.uploaded,
		TotalBytes:    t.total,
		Percentage:    pct,
		SpeedBPS:      speed,
		ETASeconds:    eta,
	})

	t.lastUpdate = now
	t.lastUploaded = t.uploaded
}
