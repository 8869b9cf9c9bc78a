package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// NewAttachCommand creates the attach command.
func NewAttachCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "attach <invocation-id>",
		Short: "Wait for an invocation's result",
		Long: `Wait for an invocation to finish and print its output.

A failed invocation prints its recorded error and exits with status 1.
A parked invocation (its journal no longer matches the handler code)
reports NON_DETERMINISM until it is resumed.

Examples:
  durable attach inv-0192f3
  durable attach inv-0192f3 --timeout 30s --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			rt, err := openRuntime(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			return attachResult(ctx, rt, f, args[0], timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}
