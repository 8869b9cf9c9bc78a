package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

var validStatuses = []ir.Status{
	ir.StatusPending,
	ir.StatusRunning,
	ir.StatusSuspended,
	ir.StatusParked,
	ir.StatusCompleted,
	ir.StatusFailed,
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Statuses []string
	Service  string
	Limit    int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invocations",
		Long: `List invocations, oldest first.

Examples:
  durable list
  durable list --status suspended --status parked
  durable list --service cart --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only invocations with this status (repeatable)")
	cmd.Flags().StringVar(&opts.Service, "service", "", "only invocations of this service")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "at most this many invocations (0 means all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	filter := store.Filter{Service: opts.Service, Limit: opts.Limit}
	for _, s := range opts.Statuses {
		status := ir.Status(s)
		if !slices.Contains(validStatuses, status) {
			return f.Failure("invalid status", ir.Errorf(ir.CodeInvalid, "unknown status %q: must be one of %v", s, validStatuses))
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer backend.Close()

	invs, err := backend.ListInvocations(ctx, filter)
	if err != nil {
		return f.Failure("list failed", err)
	}

	return f.Result(invs, func(w io.Writer) {
		if len(invs) == 0 {
			fmt.Fprintln(w, "No invocations.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tATTEMPTS\tAWAITING")
		for _, inv := range invs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", inv.ID, inv.Target, inv.Status, inv.Attempts, inv.Awaiting)
		}
		tw.Flush()
	})
}
