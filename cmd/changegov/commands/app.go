package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/changegov/pkg/config"
	"github.com/openfroyo/changegov/pkg/conflict"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/governance"
	"github.com/openfroyo/changegov/pkg/notify"
	"github.com/openfroyo/changegov/pkg/policy"
	"github.com/openfroyo/changegov/pkg/stores"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	store    *stores.SQLiteStore
	tel      *telemetry.Telemetry
	policies *policy.Engine
	async    *notify.Async
	svc      *governance.Service
	logger   zerolog.Logger
}

type appOptions struct {
	// metrics keeps the Prometheus registry enabled; only the daemon serves it.
	metrics bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry.ToTelemetry(buildVersion)
	telCfg.Metrics.Enabled = telCfg.Metrics.Enabled && opts.metrics
	if cfg.Telemetry.LogOutput == "" {
		// stdout carries command output
		telCfg.Logging.Output = "stderr"
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := stores.Open(ctx, stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          logger,
	})
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	if path := cfg.Policy.DefaultGatesPath; path != "" {
		if err := policies.LoadDefaults(ctx, path); err != nil {
			_ = store.Close()
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to load default gates: %w", err)
		}
	}

	notifier, async, err := buildNotifier(cfg.Notifications, logger)
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	detector := conflict.NewDetector(
		conflict.WithMetrics(tel.Metrics),
		conflict.WithLogger(logger),
	)
	wf := engine.NewWorkflow(store, store, detector,
		engine.WithNotifier(notifier),
		engine.WithAudit(store),
		engine.WithTelemetry(tel),
		engine.WithLogger(logger),
	)

	return &app{
		cfg:      cfg,
		store:    store,
		tel:      tel,
		policies: policies,
		async:    async,
		svc:      governance.NewService(wf, policies, store, cfg.Governance),
		logger:   logger,
	}, nil
}

// buildNotifier assembles the configured sinks. A nil notifier disables delivery.
func buildNotifier(cfg config.NotificationsConfig, logger zerolog.Logger) (engine.Notifier, *notify.Async, error) {
	var sinks notify.Multi
	if cfg.Log {
		sinks = append(sinks, notify.NewLogNotifier(logger))
	}
	if cfg.Webhook.URL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Webhook)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, hook)
	}

	var n engine.Notifier
	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		n = sinks[0]
	default:
		n = sinks
	}

	if cfg.AsyncBuffer > 0 {
		async := notify.NewAsync(n, cfg.AsyncBuffer, logger)
		return async, async, nil
	}
	return n, nil, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.async != nil {
		if err := a.async.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Pending notifications were not delivered")
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// withApp opens the application for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// printResult writes v as JSON with --json, otherwise calls human.
func printResult(v interface{}, human func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

// describeError renders engine errors with their class and code for humans.
func describeError(err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && len(ee.Conflicts) > 0 {
		for _, c := range ee.Conflicts {
			fmt.Fprintf(os.Stderr, "  conflict: %s\n", c)
		}
	}
	return err
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
