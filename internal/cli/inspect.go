package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// InspectResult is an invocation together with its journal.
type InspectResult struct {
	Invocation ir.Invocation `json:"invocation"`
	Journal    []ir.Record   `json:"journal"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <invocation-id>",
		Short: "Show an invocation and its journal",
		Long: `Show an invocation's status and every journal entry in order.

The journal is what replay consumes: each durable call site of the
handler appears once, with the value or failure recorded for it.

Examples:
  durable inspect inv-0192f3
  durable inspect inv-0192f3 --format json`,
		Args:          cobra.ExactArgs(1),
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

			inv, err := backend.ReadInvocation(ctx, args[0])
			if err != nil {
				return f.Failure("inspect failed", err)
			}
			journal, err := backend.ReadJournal(ctx, inv.ID)
			if err != nil {
				return f.Failure("inspect failed", err)
			}

			result := InspectResult{Invocation: inv, Journal: journal}
			return f.Result(result, func(w io.Writer) {
				renderInspect(w, result)
			})
		},
	}
}

func renderInspect(w io.Writer, r InspectResult) {
	inv := r.Invocation
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-11s %s\n", name, value)
		}
	}

	field("invocation", inv.ID)
	field("target", inv.Target.String())
	field("kind", fmt.Sprintf("%s (%s)", inv.Kind, inv.Mode))
	field("status", string(inv.Status))
	field("attempts", fmt.Sprint(inv.Attempts))
	field("caller", inv.CallerID)
	field("awaiting", inv.Awaiting)
	field("created", inv.CreatedAt.UTC().Format(time.RFC3339))
	field("input", string(inv.Input))
	field("output", string(inv.Output))
	if inv.Failure != nil {
		field("failure", inv.Failure.Error())
	}

	fmt.Fprintf(w, "\njournal (%d entries)\n", len(r.Journal))
	for _, rec := range r.Journal {
		line := fmt.Sprintf("  %3d  %-19s %s", rec.Seq, rec.Entry.Kind, describeEntry(rec.Entry))
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

// describeEntry renders the variant fields of e on one line.
func describeEntry(e ir.Entry) string {
	var parts []string
	if e.Target != nil {
		parts = append(parts, e.Target.String())
	}
	if e.Name != "" {
		parts = append(parts, e.Name)
	}
	if e.ID != "" {
		parts = append(parts, e.ID)
	}
	if !e.FireAt.IsZero() {
		parts = append(parts, "at "+e.FireAt.UTC().Format(time.RFC3339))
	}
	switch {
	case e.Failure != nil:
		parts = append(parts, "failed "+e.Failure.Error())
	case len(e.Value) > 0:
		parts = append(parts, "= "+string(e.Value))
	}
	return strings.Join(parts, " ")
}
