package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datasnap-cloud/bridge-agent/internal/bridgeconfig"
	"github.com/datasnap-cloud/bridge-agent/internal/bridgepath"
	"github.com/datasnap-cloud/bridge-agent/internal/clock"
	"github.com/datasnap-cloud/bridge-agent/internal/datasnapapi"
	"github.com/datasnap-cloud/bridge-agent/internal/dispatcher"
	"github.com/datasnap-cloud/bridge-agent/internal/mapping"
	"github.com/datasnap-cloud/bridge-agent/internal/obsmetrics"
	"github.com/datasnap-cloud/bridge-agent/internal/runner"
	"github.com/datasnap-cloud/bridge-agent/internal/source"
	"github.com/datasnap-cloud/bridge-agent/internal/telemetry"
	"github.com/datasnap-cloud/bridge-agent/internal/tokencache"
	"github.com/datasnap-cloud/bridge-agent/internal/uploader"
)

// errInterrupted signals SIGINT-driven cancellation, mapped to exit code
// 130 in exitCodeFor.
var errInterrupted = errors.New("bridge: interrupted")

const maxConcurrentUploads = 3

// deps bundles the wired collaborators shared by every subcommand, per
// spec.md §9's "explicit collaborators... thin default builder for the
// CLI entry point" design note.
type deps struct {
	Paths      *bridgepath.Layout
	Dispatcher *dispatcher.Dispatcher
	Metrics    *obsmetrics.Registry
	Runner     *runner.Runner
	API        *datasnapapi.Client
}

func wireDeps() (*deps, error) {
	paths, err := bridgepath.New(flagBaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge directory: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create bridge directory tree: %w", err)
	}

	cfg, err := bridgeconfig.Load(bridgeconfig.EnvSecretProvider{})
	if err != nil {
		return nil, err
	}

	c := clock.New()
	api := datasnapapi.New(cfg.APIBaseURL, cfg.APIKey)
	tokens := tokencache.New(paths.TokenCachePath(), c)
	up := uploader.New(api, tokens, c)
	metrics := obsmetrics.New()

	r := &runner.Runner{
		Configs:  mapping.NewConfigStore(paths),
		States:   mapping.NewStateStore(paths, c),
		Sidecars: mapping.NewSidecarStore(paths),
		Sources: &source.Factory{
			ResolveDSN:     resolveDSN,
			ResolveLogPath: resolveLogPath,
		},
		Tokens:    tokens,
		Uploads:   uploader.NewBatchUploader(up, maxConcurrentUploads),
		Telemetry: telemetry.New(api, c, log, telemetry.WithDroppedCounter(metrics.IncTelemetryDropped)),
		Clock:     c,
		Paths:     paths,
		Running:   runner.NewRunningSet(),
		Log:       log,
	}

	listNames := func() ([]string, error) { return r.Configs.List() }
	d := dispatcher.New(r, defaultMaxWorkers, listNames, log)

	return &deps{Paths: paths, Dispatcher: d, Metrics: metrics, Runner: r, API: api}, nil
}

const defaultMaxWorkers = 4

// validateAPIKey calls GET /auth/me to confirm api_key is accepted before
// any mapping is synced, per spec.md:206's "used for token validation and
// heartbeat probe".
func validateAPIKey(ctx context.Context, d *deps) error {
	if _, err := d.API.AuthMe(ctx); err != nil {
		return fmt.Errorf("api key validation failed: %w", err)
	}
	return nil
}

// resolveDSN turns a mapping's connection_ref (an environment variable
// name) into a database/sql DSN. Connection strings never live in
// mapping config files themselves, per spec.md §3's connection_ref
// indirection.
func resolveDSN(connectionRef string) (string, error) {
	dsn, ok := os.LookupEnv(connectionRef)
	if !ok || dsn == "" {
		return "", fmt.Errorf("environment variable %s is not set", connectionRef)
	}
	return dsn, nil
}

// resolveLogPath turns a laravel_log mapping's connection_ref into a
// filesystem path, same environment-variable indirection as resolveDSN.
func resolveLogPath(connectionRef string) (string, error) {
	path, ok := os.LookupEnv(connectionRef)
	if !ok || path == "" {
		return "", fmt.Errorf("environment variable %s is not set", connectionRef)
	}
	return path, nil
}
