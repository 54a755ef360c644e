package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/processor"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Domain string
	UserID string
}

// SubmitFileResult is the outcome of one submitted file
type SubmitFileResult struct {
	File    string                  `json:"file"`
	FormID  string                  `json:"form_id,omitempty"`
	Status  domain.SubmissionStatus `json:"status,omitempty"`
	CaseIDs []string                `json:"case_ids,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <form.xml>...",
		Short: "Submit form XML files to the engine",
		Long: `Submit form XML files as if they arrived at the receiver.

Files are processed concurrently on the intake pool; files touching the same case
are serialized by the case locks. Each file is reported with its form id and
status, or the reason it was rejected.

Exit codes:
  0 - Every file was accepted (new, duplicate or edit)
  1 - At least one file was rejected
  2 - Command error`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Domain, "domain", "", "domain the forms are submitted to (required)")
	_ = cmd.MarkFlagRequired("domain")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "submitting user for forms without meta/userID")

	return cmd
}

func runSubmit(ctx context.Context, opts *SubmitOptions, cmd *cobra.Command, files []string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	payloads := make([][]byte, len(files))
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", file), err)
		}
		payloads[i] = data
	}

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	intake := processor.NewIntake[*forms.SubmitResult](eng.cfg.Engine.Intake.Size, eng.cfg.Engine.Intake.QueueSize)
	defer intake.Close()

	outcomes := intake.Run(ctx, len(files), func(ctx context.Context, i int) (*forms.SubmitResult, error) {
		out.VerboseLog("submitting %s", files[i])
		return eng.forms.Submit(ctx, forms.SubmitInput{
			Domain:     opts.Domain,
			Raw:        payloads[i],
			AuthUserID: opts.UserID,
		})
	})

	results := make([]SubmitFileResult, len(outcomes))
	failed := 0
	for _, o := range outcomes {
		r := SubmitFileResult{File: filepath.Base(files[o.Index])}
		if o.Err != nil {
			r.Error = o.Err.Error()
			failed++
		} else {
			r.FormID = o.Value.FormID
			r.Status = o.Value.Status
			r.CaseIDs = o.Value.CaseIDs
		}
		results[o.Index] = r
	}

	if err := out.Success(results, renderSubmit(results)); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d submissions rejected", failed, len(files)))
	}
	return nil
}

func renderSubmit(results []SubmitFileResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "%s: rejected: %s", r.File, r.Error)
			continue
		}
		fmt.Fprintf(&b, "%s: %s %s", r.File, r.Status, r.FormID)
		if len(r.CaseIDs) > 0 {
			fmt.Fprintf(&b, " cases=%s", strings.Join(r.CaseIDs, ","))
		}
	}
	return b.String()
}
