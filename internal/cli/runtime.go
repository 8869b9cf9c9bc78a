package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/durable/internal/config"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/store/boltstore"
)

// runtime is what a command works with: the effective configuration, the
// opened backend and an engine over it. The engine is not running unless the
// command runs it; Submit, Attach and promise completion work either way.
type runtime struct {
	cfg     config.Config
	backend store.Backend
	engine  *engine.Engine
	logger  *slog.Logger
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if opts.Driver != "" {
		cfg.Storage.Driver = opts.Driver
	}
	return cfg, cfg.Validate()
}

// openBackend opens the configured store.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Storage.Driver {
	case "bolt":
		return boltstore.Open(ctx, cfg.Storage.Path)
	case "sqlite":
		return store.Open(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openRuntime loads configuration, opens the store and builds an engine
// with opts' definitions registered. Logs go to logs.
func openRuntime(ctx context.Context, opts *RootOptions, logs io.Writer) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := cfg.NewLogger(logs, opts.Verbose)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	eng := engine.New(backend, append(cfg.EngineOptions(), engine.WithLogger(logger))...)
	if err := eng.Register(opts.Definitions...); err != nil {
		backend.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register handlers", err)
	}

	return &runtime{cfg: cfg, backend: backend, engine: eng, logger: logger}, nil
}

func (r *runtime) Close() error {
	return r.backend.Close()
}
