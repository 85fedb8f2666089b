package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/engine"
	"github.com/Iron-Ham/keyforge/internal/logging"
	"github.com/Iron-Ham/keyforge/internal/resource"
	"github.com/Iron-Ham/keyforge/internal/store"
	"github.com/Iron-Ham/keyforge/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// app holds what every command needs: the validated config, the logger,
// the telemetry providers and the state store.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Provider
	store     *store.Store
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tp, err := telemetry.Setup(ctx, telemetry.ConfigFrom(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	var logger *logging.Logger
	if h := tp.LogHandler(); h != nil {
		logger = logging.NewWithHandler(h)
	} else {
		level := cfg.Logging.Level
		// Without a log directory the logs share stderr with the command
		// output; keep them to warnings unless asked.
		if cfg.Logging.Dir == "" && !verbose && logging.ParseLevel(level) != logging.LevelError {
			level = logging.LevelWarn
		}
		if verbose {
			level = logging.LevelDebug
		}
		logger, err = logging.NewLogger(cfg.Logging.Dir, level, logging.WithRotation(logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		}))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create logger: %w", err), tp.Shutdown(ctx))
		}
	}

	st, err := store.New(cfg.Store.ResolveDir(), logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open state store: %w", err), logger.Close(), tp.Shutdown(ctx))
	}
	return &app{cfg: cfg, logger: logger, telemetry: tp, store: st}, nil
}

// detectHardware probes the host with the configured timeouts.
func (a *app) detectHardware(ctx context.Context) resource.HardwareConfig {
	prober := resource.NewSystemProber(a.cfg.Resources.ProbeTimeout(), a.cfg.Resources.DisableGPU)
	return resource.Detect(ctx, prober, a.logger)
}

// newEngine builds an engine for the detected hardware. It is not started.
func (a *app) newEngine(ctx context.Context) *engine.Engine {
	return engine.New(engine.ConfigFrom(a.cfg), a.detectHardware(ctx),
		engine.WithStore(a.store),
		engine.WithLogger(a.logger),
	)
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(a.telemetry.Shutdown(ctx), a.logger.Close())
}
