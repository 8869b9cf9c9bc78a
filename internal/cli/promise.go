package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <promise-id> [value-json]",
		Short: "Resolve an awakeable or workflow promise",
		Long: `Resolve a durable promise, waking the invocation awaiting it.

The first completion of a promise wins; completing it again reports
ALREADY_RESOLVED. The value defaults to null.

Examples:
  durable resolve prom_5f2c9e0a '{"approved":true}'`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage("null")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
					return f.Failure("invalid value", ir.Errorf(ir.CodeInvalid, "value is not valid JSON"))
				}
				value = json.RawMessage(args[1])
			}
			return completePromise(rootOpts, cmd, args[0], "resolved", func(ctx context.Context, rt *runtime) error {
				return rt.engine.ResolvePromise(ctx, args[0], value)
			})
		},
	}
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <promise-id> <reason>",
		Short: "Reject an awakeable or workflow promise",
		Long: `Reject a durable promise. The awaiting invocation receives a terminal
error carrying the reason.

Examples:
  durable reject prom_5f2c9e0a "approval window closed"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return completePromise(rootOpts, cmd, args[0], "rejected", func(ctx context.Context, rt *runtime) error {
				return rt.engine.RejectPromise(ctx, args[0], args[1])
			})
		},
	}
}

func completePromise(opts *RootOptions, cmd *cobra.Command, id, verb string, complete func(context.Context, *runtime) error) error {
	ctx := cmdContext(cmd)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	rt, err := openRuntime(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := complete(ctx, rt); err != nil {
		return f.Failure(fmt.Sprintf("promise not %s", verb), err)
	}
	return f.Result(map[string]string{"promise_id": id, "state": verb}, func(w io.Writer) {
		fmt.Fprintf(w, "Promise %s %s.\n", id, verb)
	})
}
