package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	ID      string
	Wait    bool
	Timeout time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <target> [input-json]",
		Short: "Submit an invocation",
		Long: `Submit an invocation of a registered handler.

The target is service/handler for services, or type/key/handler for
virtual objects and workflows. The input is a JSON document.

Submitting again with the same --id and input returns the existing
invocation; the same --id with a different input is rejected.

Examples:
  durable submit greeter/greet '"ada"'
  durable submit cart/c1/add '{"item":"book"}' --id order-17 --wait`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 2 {
				input = args[1]
			}
			return runSubmit(opts, args[0], input, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "idempotency key used as the invocation ID")
	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "wait for the result")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "with --wait, give up after this long (0 waits forever)")

	return cmd
}

func runSubmit(opts *SubmitOptions, targetArg, input string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	target, err := ir.ParseTarget(targetArg)
	if err != nil {
		return f.Failure("invalid target", err)
	}
	req := ir.Request{ID: opts.ID, Target: target}
	if input != "" {
		if !json.Valid([]byte(input)) {
			return f.Failure("invalid input", ir.Errorf(ir.CodeInvalid, "input is not valid JSON"))
		}
		req.Input = json.RawMessage(input)
	}

	rt, err := openRuntime(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.engine.Submit(ctx, req)
	switch {
	case errors.Is(err, ir.ErrAlreadyCompleted):
		// A finished workflow run: its recorded result is the answer.
		f.VerboseLog("workflow %s already ran as %s", target, id)
	case err != nil:
		return f.Failure("submit failed", err)
	}
	f.VerboseLog("submitted %s as %s", target, id)

	if !opts.Wait {
		return f.Result(map[string]string{"invocation_id": id}, func(w io.Writer) {
			fmt.Fprintln(w, id)
		})
	}
	return attachResult(ctx, rt, f, id, opts.Timeout)
}

// attachResult waits for id and prints its output or recorded failure.
func attachResult(ctx context.Context, rt *runtime, f *OutputFormatter, id string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := rt.engine.Attach(ctx, id)
	switch {
	case err == nil:
		return f.Result(attachResponse{InvocationID: id, Output: out}, func(w io.Writer) {
			if len(out) == 0 {
				fmt.Fprintln(w, "(no output)")
				return
			}
			fmt.Fprintln(w, string(out))
		})
	case errors.Is(err, context.DeadlineExceeded):
		if outErr := f.Error("NOT_FINISHED", fmt.Sprintf("invocation %s has not finished", id), nil); outErr != nil {
			return outErr
		}
		return NewExitError(ExitNotFinished, fmt.Sprintf("invocation %s has not finished", id))
	default:
		return f.Failure("invocation failed", err)
	}
}

type attachResponse struct {
	InvocationID string          `json:"invocation_id"`
	Output       json.RawMessage `json:"output,omitempty"`
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
