package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgeerr"
	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/jsonl"
	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
	"github.com/datasnap-cloud/bridge-agent/internal/source"
	"github.com/datasnap-cloud/bridge-agent/internal/telemetry"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
	"github.com/datasnap-cloud/bridge-agent/internal/uploader"
)

// ErrAlreadyRunning's message is what SyncMapping reports in
// SyncResult.ErrorMessage (with ErrorCode "already_running") when name is
// already being synced by this process, per spec.md §4.1's reentrancy check. It is not
// part of the bridgeerr.Kind taxonomy (§7 never names it) since it is an
// in-process-only condition, never persisted or retried.
var ErrAlreadyRunning = errors.New("runner: mapping already running in this process")

// Options customises one SyncMapping call, bound from the CLI's
// `sync` flags (spec.md §6.5).
type Options struct {
	// DryRun synthesises upload success without any network I/O and
	// skips the watermark advance, per spec.md §4.1 step 4 and scenario
	// S3.
	DryRun bool
	// Force re-extracts the full table regardless of the stored
	// watermark, grounded on original_source/sync/runner.py's
	// force_full_sync ("força sincronização completa").
	Force bool
	// SkipConnectionValidation bypasses TestConnection before EXTRACTED,
	// grounded on original_source/sync/runner.py's skip_validation.
	SkipConnectionValidation bool
	// BatchSizeOverride, when > 0, replaces the mapping's own
	// transfer.batch_size for this run only; it is never persisted back
	// to the mapping's config, matching the CLI's `--batch-size` flag
	// (spec.md §6.5).
	BatchSizeOverride int
}

// SyncResult is the outcome of one SyncMapping call (spec.md §4.1's
// SyncResult, supplemented with a Warnings slice per spec.md §9's
// rearchitecture note on original_source/sync/runner.py's SyncResult).
type SyncResult struct {
	MappingName   string
	Success       bool
	Skipped       bool
	DryRun        bool
	RowsExtracted int64
	FilesUploaded int64
	BytesUploaded int64
	NewWatermark  string
	Warnings      []string
	ErrorMessage  string
	ErrorCode     string
	Duration      time.Duration
}

// AdapterFactory builds a source.Adapter for a mapping. *source.Factory
// satisfies this; tests substitute a fake that skips real database/file
// connections, per spec.md §9's "pass these as explicit collaborators"
// redesign note.
type AdapterFactory interface {
	Build(cfg *mapping.Config) (source.Adapter, error)
}

// Runner drives one mapping through the state machine in spec.md §4.1.
// Every collaborator is an explicit field, never a package-level
// singleton, per spec.md §9's "Global singletons" redesign note — this
// makes Runner trivially testable with fakes.
type Runner struct {
	Configs   *mapping.ConfigStore
	States    *mapping.StateStore
	Sidecars  *mapping.SidecarStore
	Sources   AdapterFactory
	Tokens    *tokencache.Cache
	Uploads   *uploader.BatchUploader
	Telemetry *telemetry.Emitter
	Clock     clock.Clock
	Paths     *bridgepath.Layout
	Running   *RunningSet
	Log       zerolog.Logger
}

// SyncMapping runs the full per-mapping pipeline from spec.md §4.1.
func (r *Runner) SyncMapping(ctx context.Context, name string, opts Options) SyncResult {
	if !r.Running.TryAdd(name) {
		return SyncResult{MappingName: name, Success: false, ErrorMessage: ErrAlreadyRunning.Error(), ErrorCode: "already_running"}
	}
	defer r.Running.Remove(name)

	start := r.Clock.Now()
	log := r.Log.With().Str("mapping", name).Str("run_id", clock.RunID()).Logger()
	log.Debug().Msg("STARTED")

	cfg, err := r.Configs.Load(name)
	if err != nil {
		names, _ := r.Configs.List()
		msg := fmt.Sprintf("mapping %q not found; available mappings: %v", name, names)
		return SyncResult{MappingName: name, Success: false, ErrorMessage: msg, ErrorCode: string(bridgeerr.ConfigError)}
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return SyncResult{MappingName: name, Success: false, ErrorMessage: err.Error(), ErrorCode: string(bridgeerr.ConfigError)}
	}

	if err := r.States.StartSync(name); err != nil {
		log.Warn().Err(err).Msg("failed to persist is_running=true")
	}
	if _, err := r.Sidecars.RecordRunStart(name, start); err != nil {
		log.Warn().Err(err).Msg("failed to persist sidecar run start")
	}
	r.Telemetry.RunStart(ctx, name, cfg.Source.Name, cfg.Schema.Slug)

	result := r.runPipeline(ctx, log, cfg, opts, warnings)
	result.Duration = r.Clock.Now().Sub(start)

	finishedAt := r.Clock.Now()
	if result.Success {
		if err := r.States.FinishSyncSuccess(name, result.RowsExtracted); err != nil {
			log.Warn().Err(err).Msg("failed to persist successful state")
		}
		if err := r.Sidecars.RecordRunSuccess(name, result.NewWatermark, start, finishedAt, result.RowsExtracted, result.FilesUploaded); err != nil {
			log.Warn().Err(err).Msg("failed to persist sidecar success")
		}
	} else {
		if err := r.States.FinishSyncError(name, result.ErrorMessage); err != nil {
			log.Warn().Err(err).Msg("failed to persist error state")
		}
		if err := r.Sidecars.RecordRunError(name, start, finishedAt, result.ErrorMessage); err != nil {
			log.Warn().Err(err).Msg("failed to persist sidecar error")
		}
		// Files of a failed upload stay on disk (see keepFailedFiles).
		if result.ErrorCode != string(bridgeerr.UploadError) {
			r.sweepTempFiles(name, log)
		}
	}

	r.Telemetry.RunEnd(ctx, name, cfg.Source.Name, cfg.Schema.Slug, result.Success, result.Duration, result.RowsExtracted, result.BytesUploaded, 0, result.ErrorMessage)
	log.Debug().Bool("success", result.Success).Msg("FINISHED")
	return result
}

// runPipeline implements EXTRACTED through WATERMARKED, returning a
// result with Success/ErrorMessage already populated.
func (r *Runner) runPipeline(ctx context.Context, log zerolog.Logger, cfg *mapping.Config, opts Options, warnings []string) SyncResult {
	base := SyncResult{MappingName: cfg.Name(), DryRun: opts.DryRun, Warnings: warnings}

	adapter, err := r.Sources.Build(cfg)
	if err != nil {
		base.ErrorMessage = err.Error()
		base.ErrorCode = string(bridgeerr.ConfigError)
		return base
	}
	if err := adapter.Connect(ctx); err != nil {
		base.ErrorMessage = err.Error()
		base.ErrorCode = string(bridgeerr.ConnError)
		return base
	}
	defer adapter.Disconnect(ctx)

	if !opts.SkipConnectionValidation {
		if err := adapter.TestConnection(ctx); err != nil {
			base.ErrorMessage = err.Error()
			base.ErrorCode = string(bridgeerr.ConnError)
			return base
		}
	}

	query, err := buildQuery(cfg, opts)
	if err != nil {
		base.ErrorMessage = err.Error()
		base.ErrorCode = string(bridgeerr.ConfigError)
		return base
	}

	log.Debug().Msg("EXTRACTED")
	writer := jsonl.NewBatchWriter(r.Clock, r.Paths.UploadsDir, cfg.Name(), cfg.Schema.Slug, true)

	var rowsExtracted int64
	var pkValues []any
	watermarkCol := watermarkColumn(cfg)
	newWatermark := cfg.Transfer.InitialWatermark

	batchSize := cfg.Transfer.BatchSize
	if opts.BatchSizeOverride > 0 {
		batchSize = opts.BatchSizeOverride
	}

	extractErr := adapter.Extract(ctx, query, batchSize, func(b source.Batch) error {
		for _, row := range b.Rows {
			if err := writer.WriteRecord(row); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			rowsExtracted++
			if cfg.Transfer.DeleteAfterUpload && cfg.Transfer.PKColumn != "" {
				pkValues = append(pkValues, row[cfg.Transfer.PKColumn])
			}
			if watermarkCol != "" {
				if v, ok := row[watermarkCol]; ok {
					if s := fmt.Sprint(v); compareWatermark(s, newWatermark) > 0 {
						newWatermark = s
					}
				}
			}
		}
		return nil
	})

	files, closeErr := writer.Close()
	if extractErr != nil {
		discardFiles(files, log)
		base.ErrorMessage = extractErr.Error()
		base.ErrorCode = string(bridgeerr.ExtractError)
		return base
	}
	if closeErr != nil {
		discardFiles(files, log)
		base.ErrorMessage = closeErr.Error()
		base.ErrorCode = string(bridgeerr.WriteError)
		return base
	}

	base.RowsExtracted = rowsExtracted
	if rowsExtracted == 0 {
		base.Success = true
		base.Skipped = true
		base.NewWatermark = cfg.Transfer.InitialWatermark
		return base
	}

	if min := cfg.Transfer.MinRecordsForUpload; min > 0 && rowsExtracted < int64(min) {
		discardFiles(files, log)
		base.Success = true
		base.Skipped = true
		base.NewWatermark = cfg.Transfer.InitialWatermark
		base.ErrorMessage = fmt.Sprintf(
			"extracted %d rows, below the configured mínimo of %d records for upload; skipping upload",
			rowsExtracted, min)
		return base
	}

	log.Debug().Int("files", len(files)).Msg("WRITTEN")

	var results []uploader.Result
	if opts.DryRun {
		for _, f := range files {
			results = append(results, uploader.Result{Success: true, File: f, BytesUploaded: f.FileSize})
		}
	} else {
		results = r.Uploads.UploadFiles(ctx, files, cfg.Schema.Slug, cfg.Name(), nil)
	}

	log.Debug().Msg("UPLOADED")
	var filesUploaded int64
	var bytesUploaded int64
	for _, res := range results {
		if !res.Success {
			base.ErrorMessage = res.ErrorMessage
			base.ErrorCode = string(bridgeerr.UploadError)
			if !opts.DryRun {
				keepFailedFiles(files, log)
			}
			return base
		}
		filesUploaded++
		bytesUploaded += res.BytesUploaded
	}
	base.FilesUploaded = filesUploaded
	base.BytesUploaded = bytesUploaded

	if !opts.DryRun {
		for _, f := range files {
			if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", f.FilePath).Msg("failed to remove uploaded file")
			}
		}

		if cfg.Transfer.DeleteAfterUpload && cfg.Transfer.PKColumn != "" && len(pkValues) > 0 {
			if _, err := deleteInChunks(ctx, adapter, cfg.Table, cfg.Transfer.PKColumn, pkValues); err != nil {
				log.Warn().Err(err).Msg("DELETED step failed; rows retained")
				base.Warnings = append(base.Warnings, fmt.Sprintf("delete_after_upload failed: %v", err))
			} else {
				log.Debug().Msg("DELETED")
			}
		}
	}

	base.Success = true

	if !opts.DryRun && (cfg.Transfer.IncrementalMode == mapping.ModeIncrementalPK || cfg.Transfer.IncrementalMode == mapping.ModeIncrementalTimestamp) {
		if err := r.Configs.AdvanceWatermark(cfg.Name(), newWatermark); err != nil {
			log.Warn().Err(err).Msg("WATERMARKED step failed; next run re-reads old watermark")
			base.Warnings = append(base.Warnings, fmt.Sprintf("watermark advance failed: %v", err))
			base.NewWatermark = cfg.Transfer.InitialWatermark
		} else {
			log.Debug().Msg("WATERMARKED")
			base.NewWatermark = newWatermark
		}
	} else {
		base.NewWatermark = cfg.Transfer.InitialWatermark
	}

	return base
}

func buildQuery(cfg *mapping.Config, opts Options) (string, error) {
	if cfg.Source.Type == mapping.SourceLaravelLog {
		return "", nil
	}
	dialect, err := source.DialectFor(cfg.Source.Type)
	if err != nil {
		return "", err
	}
	watermark := cfg.Transfer.InitialWatermark
	if opts.Force {
		watermark = "0"
	}
	return source.BuildQuery(cfg, dialect, watermark)
}

func watermarkColumn(cfg *mapping.Config) string {
	switch cfg.Transfer.IncrementalMode {
	case mapping.ModeIncrementalPK:
		return cfg.Transfer.PKColumn
	case mapping.ModeIncrementalTimestamp:
		return cfg.Transfer.TimestampColumn
	default:
		return ""
	}
}

// compareWatermark orders two watermark strings: numerically if both
// parse as integers (the common incremental_pk case), lexicographically
// otherwise (RFC-3339 timestamps sort correctly as strings).
func compareWatermark(a, b string) int {
	an, aErr := parseInt(a)
	bn, bErr := parseInt(b)
	if aErr == nil && bErr == nil {
		switch {
		case an > bn:
			return 1
		case an < bn:
			return -1
		default:
			return 0
		}
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

const deleteChunkSize = 1000

func deleteInChunks(ctx context.Context, adapter source.Adapter, table, pkColumn string, values []any) (int64, error) {
	var total int64
	for start := 0; start < len(values); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(values) {
			end = len(values)
		}
		n, err := adapter.DeleteByPK(ctx, table, pkColumn, values[start:end])
		total += n
		if err != nil {
			return total, fmt.Errorf("delete chunk [%d:%d]: %w", start, end, err)
		}
	}
	return total, nil
}

// discardFiles removes files written during a run that ended before
// upload (extract/write failure, or below min_records_for_upload), per
// spec.md §4.1's temp-file cleanup rule.
func discardFiles(files []jsonl.FileInfo, log zerolog.Logger) {
	for _, f := range files {
		if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", f.FilePath).Msg("failed to discard file")
		}
	}
}

// keepFailedFiles leaves files on disk for inspection after an upload
// failure, per spec.md §7's UploadError note ("files are retained for
// inspection (configurable via keep_failed)"); keep_failed defaults to
// true (retain) since no config field exists yet to disable it.
func keepFailedFiles(files []jsonl.FileInfo, log zerolog.Logger) {
	for _, f := range files {
		log.Warn().Str("file", f.FilePath).Msg("upload failed; file retained for inspection")
	}
}

// sweepTempFiles removes any residual uploads_dir/<mapping_name>_* file
// left behind by a failed run, per spec.md §4.1's temp-file cleanup rule.
func (r *Runner) sweepTempFiles(name string, log zerolog.Logger) {
	pattern := r.Paths.UploadFilePrefix(name) + "*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Warn().Err(err).Msg("failed to glob temp files for cleanup")
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", m).Msg("failed to sweep temp file")
		}
	}
}
