package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// LedgerOptions holds flags for the ledger command.
type LedgerOptions struct {
	*RootOptions
	SectionID string
	EntryID   string
	Rebuild   bool
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger <case-id>",
		Short: "Verify and print the ledger balances of a case",
		Long: `Replay the ledger movements of a case and cross check every stored balance.

With --section and --entry only that key is replayed. With --rebuild the movements
are restamped and the values rewritten first, which is the repair after archived
or edited forms changed the set of non-revoked movements.

Exit codes:
  0 - Balances verified
  1 - A replay disagreed with a stored balance
  2 - Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedger(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.SectionID, "section", "", "ledger section id")
	cmd.Flags().StringVar(&opts.EntryID, "entry", "", "ledger entry id, requires --section")
	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "restamp movements and rewrite values before verifying")

	return cmd
}

func runLedger(ctx context.Context, opts *LedgerOptions, cmd *cobra.Command, caseID string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	if (opts.SectionID == "") != (opts.EntryID == "") {
		return NewExitError(ExitCommandError, "--section and --entry must be given together")
	}

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if opts.Rebuild {
		out.VerboseLog("rebuilding ledger of case %s", caseID)
		if _, err := eng.ledger.Rebuild(ctx, caseID); err != nil {
			return out.Fail(fmt.Sprintf("failed to rebuild ledger of case %s", caseID), err)
		}
	}

	var refs []domain.LedgerRef
	if opts.SectionID != "" {
		refs = []domain.LedgerRef{{CaseID: caseID, SectionID: opts.SectionID, EntryID: opts.EntryID}}
	} else {
		values, err := eng.ledger.Values(ctx, caseID)
		if err != nil {
			return out.Fail(fmt.Sprintf("failed to load ledger of case %s", caseID), err)
		}
		for _, v := range values {
			refs = append(refs, v.Ref())
		}
	}

	verified := make([]schema.LedgerValue, 0, len(refs))
	for _, ref := range refs {
		value, err := eng.ledger.ProjectLedger(ctx, ref)
		if err != nil {
			return out.Fail(fmt.Sprintf("failed to verify ledger %s", ref), err)
		}
		if value == nil {
			continue
		}
		verified = append(verified, *value)
	}

	return out.Success(verified, renderLedger(caseID, verified))
}

func renderLedger(caseID string, values []schema.LedgerValue) string {
	if len(values) == 0 {
		return fmt.Sprintf("case %s has no ledger values", caseID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ledger of case %s", caseID)
	for _, v := range values {
		fmt.Fprintf(&b, "\n  %s/%s: %d", v.SectionID, v.EntryID, v.Balance)
		if v.DailyConsumption != nil {
			fmt.Fprintf(&b, " (daily consumption %.2f)", *v.DailyConsumption)
		}
		if v.LedgerError {
			b.WriteString(" [ledger error]")
		}
	}
	return b.String()
}
