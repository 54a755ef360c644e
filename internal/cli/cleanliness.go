package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// CleanlinessOptions holds flags for the cleanliness command.
type CleanlinessOptions struct {
	*RootOptions
	Force bool
}

// CleanlinessResult is the reported state of an owner
type CleanlinessResult struct {
	Domain  string `json:"domain"`
	OwnerID string `json:"owner_id"`
	IsClean bool   `json:"is_clean"`
	Hint    string `json:"hint,omitempty"`
	Forced  bool   `json:"forced"`
}

// NewCleanlinessCommand creates the cleanliness command.
func NewCleanlinessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanlinessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanliness <domain> <owner-id>",
		Short: "Report whether an owner's case set syncs on its own",
		Long: `Report the cleanliness flag of an owner, recomputing it when stale.

With --force the flag is recomputed from the index graph unconditionally.

Examples:
  casectl cleanliness demo owner-1
  casectl cleanliness demo owner-1 --force --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanliness(cmd.Context(), opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "recompute unconditionally")

	return cmd
}

func runCleanliness(ctx context.Context, opts *CleanlinessOptions, cmd *cobra.Command, domainName, ownerID string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	result := CleanlinessResult{Domain: domainName, OwnerID: ownerID, Forced: opts.Force}
	if opts.Force {
		flag, err := eng.cleanliness.ForceFullCheck(ctx, domainName, ownerID)
		if err != nil {
			return out.Fail(fmt.Sprintf("failed to check owner %s", ownerID), err)
		}
		result.IsClean = flag.IsClean
		result.Hint = flag.Hint
	} else {
		result.IsClean = eng.cleanliness.IsClean(ctx, domainName, ownerID)
		flag, err := eng.store.GetCleanlinessFlag(ctx, domainName, ownerID)
		if err == nil && flag != nil && !flag.IsClean {
			result.Hint = flag.Hint
		}
	}

	text := fmt.Sprintf("owner %s in %s is clean", ownerID, domainName)
	if !result.IsClean {
		text = fmt.Sprintf("owner %s in %s is dirty", ownerID, domainName)
		if result.Hint != "" {
			text += fmt.Sprintf(" (first foreign dependent: %s)", result.Hint)
		}
	}

	return out.Success(result, text)
}
