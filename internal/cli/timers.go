package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// NewTimersCommand creates the timers command.
func NewTimersCommand(rootOpts *RootOptions) *cobra.Command {
	var pending bool

	cmd := &cobra.Command{
		Use:   "timers",
		Short: "List durable timers",
		Long: `List durable timers ordered by fire time.

Wake timers resume a sleeping or backing-off invocation; invoke timers
submit a delayed send.

Examples:
  durable timers --pending
  durable timers --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer backend.Close()

			timers, err := backend.ListTimers(ctx, pending)
			if err != nil {
				return f.Failure("list timers failed", err)
			}
			return f.Result(timers, func(w io.Writer) {
				if len(timers) == 0 {
					fmt.Fprintln(w, "No timers.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tINVOCATION\tFIRE AT\tSTATE")
				for _, t := range timers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Kind, t.InvocationID, t.FireAt.UTC().Format(time.RFC3339), timerState(t))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "only timers that have not fired")
	return cmd
}

func timerState(t ir.Timer) string {
	switch {
	case t.Cancelled:
		return "cancelled"
	case t.Delivered:
		return "delivered"
	case t.Fired():
		return "fired"
	default:
		return "pending"
	}
}
