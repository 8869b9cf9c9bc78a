package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <invocation-id>",
		Short: "Resume a parked invocation",
		Long: `Resume an invocation parked after its journal stopped matching the
handler code. Deploy handler code compatible with the recorded journal
first: the invocation replays from the start and parks again on the
next mismatch.

Examples:
  durable resume inv-0192f3`,
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

			if err := rt.engine.Resume(ctx, args[0]); err != nil {
				return f.Failure("resume failed", err)
			}
			return f.Result(map[string]string{"invocation_id": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Invocation %s resumed.\n", args[0])
			})
		},
	}
}
