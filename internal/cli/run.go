package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine",
		Long: `Start the engine over the configured database.

The engine recovers invocations left unfinished by a previous process,
then executes submitted invocations, delivers timers and periodically
sweeps the store for work created by other processes (for example by
"durable submit" or "durable resolve").

Example:
  durable run --db ./durable.db
  durable run --config ./durable.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := openRuntime(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.logger.Error("error closing database", "error", closeErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			rt.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	rt.logger.Info("engine starting",
		"driver", rt.cfg.Storage.Driver,
		"db", rt.cfg.Storage.Path,
		"services", rt.engine.Services())
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := rt.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	rt.logger.Info("engine stopped gracefully")
	return nil
}
