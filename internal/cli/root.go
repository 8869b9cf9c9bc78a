package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string
	Database string
	Driver   string // "sqlite" | "bolt"

	// Definitions are the services, objects and workflows this binary hosts.
	// Commands that resolve targets (run, submit) need them registered.
	Definitions []*engine.Definition
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command hosting defs.
func NewRootCommand(defs ...*engine.Definition) *cobra.Command {
	opts := &RootOptions{Definitions: defs}

	cmd := &cobra.Command{
		Use:     "durable",
		Version: ir.EngineVersion,
		Short:   "durable - journaled handler execution",
		Long: `Run services, virtual objects and workflows whose progress is journaled,
so that a crash, restart or retry resumes them where they left off.

Most commands work directly on the store, so they can be used while an
engine started with "durable run" is serving the same database.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database path (overrides storage.path)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "storage driver sqlite|bolt (overrides storage.driver)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewAttachCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewTimersCommand(opts))

	return cmd
}
