package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimagi/casecore/internal/domain"
)

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "project <case-id>",
		Short: "Print the current projection of a case",
		Long: `Project a case from its transaction log, rebuilding it first when the cache is dirty.

Exit codes:
  0 - Projection printed
  1 - The log could not be applied or the rebuild timed out
  2 - Command error (case not found, database unreachable, etc.)

Examples:
  casectl project 6f1c... --sqlite ./casecore.db
  casectl project 6f1c... --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(cmd.Context(), rootOpts, cmd, args[0])
		},
	}
}

func runProject(ctx context.Context, opts *RootOptions, cmd *cobra.Command, caseID string) error {
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(contextOrBackground(ctx))
	if err != nil {
		return err
	}
	defer eng.Close()

	state, err := eng.projector.Project(contextOrBackground(ctx), caseID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to project case %s", caseID), err)
	}

	return out.Success(state, renderCase(state))
}

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	UserID string
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild <case-id>",
		Short: "Rebuild a case from its full transaction log",
		Long: `Append a user requested rebuild transaction to the case and project it from scratch.

Exit codes:
  0 - Case rebuilt
  1 - The log could not be applied or the rebuild timed out
  2 - Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "casectl", "user recorded on the rebuild transaction")

	return cmd
}

func runRebuild(ctx context.Context, opts *RebuildOptions, cmd *cobra.Command, caseID string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	existing, err := eng.store.ExistingCaseIDs(ctx, []string{caseID})
	if err != nil {
		return out.Fail("failed to look up case", err)
	}
	if !existing[caseID] {
		return out.Fail(fmt.Sprintf("case %s not found", caseID), domain.ErrCaseNotFound)
	}

	out.VerboseLog("rebuilding case %s as %s", caseID, opts.UserID)
	state, err := eng.projector.Rebuild(ctx, caseID, opts.UserID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to rebuild case %s", caseID), err)
	}

	return out.Success(state, renderCase(state))
}

func renderCase(state *domain.CaseState) string {
	if state == nil {
		return "(no projection)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "case %s (%s)\n", state.CaseID, state.CaseType)
	fmt.Fprintf(&b, "  name:     %s\n", state.Name)
	fmt.Fprintf(&b, "  owner:    %s\n", state.OwnerID)
	fmt.Fprintf(&b, "  closed:   %t\n", state.Closed)
	fmt.Fprintf(&b, "  modified: %s\n", state.ModifiedOn.Format(time.RFC3339))
	if state.Deleted() {
		fmt.Fprintf(&b, "  deleted:  %s (%s)\n", state.DeletedOn.Format(time.RFC3339), state.DeletionID)
	}
	for _, idx := range state.Indices {
		fmt.Fprintf(&b, "  index:    %s -> %s [%s]\n", idx.Identifier, idx.ReferencedID, idx.Relationship)
	}

	keys := make([]string, 0, len(state.Extra))
	for k := range state.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s = %s\n", k, state.Extra[k])
	}
	fmt.Fprintf(&b, "  last transaction: %d", state.LastTransactionID)

	return b.String()
}

// contextOrBackground guards commands executed without ExecuteContext
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
