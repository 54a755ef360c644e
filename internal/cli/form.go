package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// FormView is the printed form, without its payload
type FormView struct {
	ID               string           `json:"id"`
	Domain           string           `json:"domain"`
	XMLNS            string           `json:"xmlns"`
	State            domain.FormState `json:"state"`
	OrigID           string           `json:"orig_id,omitempty"`
	DeprecatedFormID string           `json:"deprecated_form_id,omitempty"`
	SupersededByID   string           `json:"superseded_by_id,omitempty"`
	ReceivedOn       time.Time        `json:"received_on"`
	Operations       []OperationView  `json:"operations,omitempty"`
}

// OperationView is one audit entry of a form
type OperationView struct {
	Operation domain.FormOperationType `json:"operation"`
	UserID    string                   `json:"user_id,omitempty"`
	Date      time.Time                `json:"date"`
}

func formView(f *schema.Form, ops []schema.FormOperation) FormView {
	view := FormView{
		ID:               f.ID,
		Domain:           f.Domain,
		XMLNS:            f.XMLNS,
		State:            f.State,
		OrigID:           deref(f.OrigID),
		DeprecatedFormID: deref(f.DeprecatedFormID),
		SupersededByID:   deref(f.SupersededByID),
		ReceivedOn:       f.ReceivedOn,
	}
	for _, op := range ops {
		view.Operations = append(view.Operations, OperationView{Operation: op.Operation, UserID: op.UserID, Date: op.Date})
	}
	return view
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FormOptions holds flags shared by the form subcommands.
type FormOptions struct {
	*RootOptions
	UserID string
}

// NewFormCommand creates the form command with its subcommands.
func NewFormCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FormOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "form",
		Short: "Inspect, archive and unarchive forms",
	}
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "casectl", "user recorded in the operation log")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <form-id>",
		Short: "Print a form and its operation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormShow(cmd.Context(), opts, cmd, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "chain <form-id>",
		Short: "Print every version of the form's edit chain, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormChain(cmd.Context(), opts, cmd, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "archive <form-id>",
		Short: "Archive a form and rebuild the cases it touched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormArchive(cmd.Context(), opts, cmd, args[0], true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unarchive <form-id>",
		Short: "Restore an archived form and rebuild the cases it touched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormArchive(cmd.Context(), opts, cmd, args[0], false)
		},
	})

	return cmd
}

func runFormShow(ctx context.Context, opts *FormOptions, cmd *cobra.Command, formID string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	form, err := eng.forms.Get(ctx, formID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to load form %s", formID), err)
	}
	ops, err := eng.forms.Operations(ctx, formID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to load operations of form %s", formID), err)
	}

	view := formView(form, ops)
	return out.Success(view, renderForm(view))
}

func runFormChain(ctx context.Context, opts *FormOptions, cmd *cobra.Command, formID string) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	chain, err := eng.forms.Chain(ctx, formID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to load the chain of form %s", formID), err)
	}

	views := make([]FormView, 0, len(chain))
	lines := make([]string, 0, len(chain))
	for i := range chain {
		view := formView(&chain[i], nil)
		views = append(views, view)
		lines = append(lines, fmt.Sprintf("%s %s", view.ID, view.State))
	}
	return out.Success(views, strings.Join(lines, "\n"))
}

func runFormArchive(ctx context.Context, opts *FormOptions, cmd *cobra.Command, formID string, archive bool) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	eng, err := opts.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	action := "unarchive"
	if archive {
		action = "archive"
		err = eng.forms.Archive(ctx, formID, opts.UserID)
	} else {
		err = eng.forms.Unarchive(ctx, formID, opts.UserID)
	}
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to %s form %s", action, formID), err)
	}

	form, err := eng.forms.Get(ctx, formID)
	if err != nil {
		return out.Fail(fmt.Sprintf("failed to load form %s", formID), err)
	}
	view := formView(form, nil)
	return out.Success(view, fmt.Sprintf("form %s is %s", view.ID, view.State))
}

func renderForm(view FormView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "form %s (%s)\n", view.ID, view.State)
	fmt.Fprintf(&b, "  domain:   %s\n", view.Domain)
	fmt.Fprintf(&b, "  xmlns:    %s\n", view.XMLNS)
	fmt.Fprintf(&b, "  received: %s", view.ReceivedOn.Format(time.RFC3339))
	if view.DeprecatedFormID != "" {
		fmt.Fprintf(&b, "\n  replaces: %s", view.DeprecatedFormID)
	}
	if view.SupersededByID != "" {
		fmt.Fprintf(&b, "\n  replaced by: %s", view.SupersededByID)
	}
	for _, op := range view.Operations {
		fmt.Fprintf(&b, "\n  %s %s by %s", op.Date.Format(time.RFC3339), op.Operation, op.UserID)
	}
	return b.String()
}
